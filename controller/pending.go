package controller

import (
	"sync"
	"time"

	"github.com/c360/weave/command"
)

type pendingCommand struct {
	id      string
	name    string
	started time.Time
	future  *Future[command.Reply]
	cancel  func()
}

// pendingRegistry holds commands awaiting a reply, keyed by message node name.
// Whoever removes an entry resolves it, so every command resolves once.
type pendingRegistry struct {
	mu     sync.Mutex
	items  map[string]*pendingCommand
	closed error
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{items: make(map[string]*pendingCommand)}
}

// add registers p, or returns the close cause once the registry was drained.
func (r *pendingRegistry) add(p *pendingCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed != nil {
		return r.closed
	}
	r.items[p.id] = p
	return nil
}

func (r *pendingRegistry) remove(id string) *pendingCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[id]
	if !ok {
		return nil
	}
	delete(r.items, id)
	return p
}

// drain empties the registry and rejects later adds with cause.
func (r *pendingRegistry) drain(cause error) []*pendingCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed == nil {
		r.closed = cause
	}
	out := make([]*pendingCommand, 0, len(r.items))
	for id, p := range r.items {
		out = append(out, p)
		delete(r.items, id)
	}
	return out
}

func (r *pendingRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
