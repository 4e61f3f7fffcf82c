package coordination

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360/weave/errors"
)

type memNode struct {
	data []byte
	stat Stat
}

type memWatch struct {
	path   string
	out    chan Event
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (w *memWatch) push(ev Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *memWatch) stop() {
	w.once.Do(func() { close(w.done) })
}

func (w *memWatch) run() {
	defer close(w.out)
	for {
		select {
		case <-w.signal:
		case <-w.done:
			return
		}
		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			ev := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()

			select {
			case w.out <- ev:
			case <-w.done:
				return
			}
		}
	}
}

// Memory is an in-process Client with the same semantics as KVClient. Versions
// come from a single store-wide revision counter.
type Memory struct {
	mu       sync.Mutex
	nodes    map[string]*memNode
	seqs     map[string]int64
	watches  map[string][]*memWatch
	revision int64

	expireOnce sync.Once
	expired    chan struct{}
	cause      error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		nodes:   make(map[string]*memNode),
		seqs:    make(map[string]int64),
		watches: make(map[string][]*memWatch),
		expired: make(chan struct{}),
	}
}

// Expire ends the session and closes every watch.
func (m *Memory) Expire(cause error) {
	m.expireOnce.Do(func() {
		m.mu.Lock()
		m.cause = cause
		for _, ws := range m.watches {
			for _, w := range ws {
				w.stop()
			}
		}
		m.watches = make(map[string][]*memWatch)
		m.mu.Unlock()
		close(m.expired)
	})
}

// Err returns the cause passed to Expire.
func (m *Memory) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// Expired implements Client.
func (m *Memory) Expired() <-chan struct{} { return m.expired }

// lock acquires the store lock unless the session is gone.
func (m *Memory) lock(method string) error {
	select {
	case <-m.expired:
		return sessionLost(method)
	default:
	}
	m.mu.Lock()
	return nil
}

func (m *Memory) bump() Stat {
	m.revision++
	return Stat{Version: m.revision, Modified: time.Now()}
}

func (m *Memory) notify(path string, ev Event) {
	for _, w := range m.watches[path] {
		w.push(ev)
	}
}

func copyNode(n *memNode) *NodeData {
	return &NodeData{Data: append([]byte(nil), n.data...), Stat: n.stat}
}

// Create implements Client.
func (m *Memory) Create(_ context.Context, path string, data []byte, mode CreateMode) (string, error) {
	if _, err := validatePath(path); err != nil {
		return "", err
	}
	if path == "/" {
		return "", invalidPath(path, "cannot create the root")
	}
	if err := m.lock("Create"); err != nil {
		return "", err
	}
	defer m.mu.Unlock()

	if mode == PersistentSequential {
		parent, name := ParentAndName(path)
		m.seqs[parent]++
		path = JoinPath(parent, sequentialName(name, m.seqs[parent]))
	}
	if _, ok := m.nodes[path]; ok {
		return "", errors.Wrap(fmt.Errorf("%w: %s", errors.ErrNodeExists, path), "coordination", "Create", "create node")
	}

	n := &memNode{data: append([]byte(nil), data...), stat: m.bump()}
	m.nodes[path] = n
	m.notify(path, Event{Type: NodeCreated, Path: path, Node: copyNode(n)})
	return path, nil
}

// Get implements Client.
func (m *Memory) Get(_ context.Context, path string) (*NodeData, error) {
	if _, err := validatePath(path); err != nil {
		return nil, err
	}
	if err := m.lock("Get"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	n, ok := m.nodes[path]
	if !ok {
		return nil, errors.Wrap(fmt.Errorf("%w: %s", errors.ErrNodeNotFound, path), "coordination", "Get", "read node")
	}
	return copyNode(n), nil
}

// Exists implements Client.
func (m *Memory) Exists(ctx context.Context, path string) (*Stat, error) {
	node, err := m.Get(ctx, path)
	if err != nil {
		if errors.Is(err, errors.ErrNodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &node.Stat, nil
}

// Set implements Client.
func (m *Memory) Set(_ context.Context, path string, data []byte, version int64) (Stat, error) {
	if _, err := validatePath(path); err != nil {
		return Stat{}, err
	}
	if err := m.lock("Set"); err != nil {
		return Stat{}, err
	}
	defer m.mu.Unlock()

	n, ok := m.nodes[path]
	if !ok {
		return Stat{}, errors.Wrap(fmt.Errorf("%w: %s", errors.ErrNodeNotFound, path), "coordination", "Set", "read node")
	}
	if version != AnyVersion && version != n.stat.Version {
		return Stat{}, badVersion("Set", path, version)
	}
	n.data = append([]byte(nil), data...)
	n.stat = m.bump()
	m.notify(path, Event{Type: NodeDataChanged, Path: path, Node: copyNode(n)})
	return n.stat, nil
}

// Delete implements Client.
func (m *Memory) Delete(_ context.Context, path string, version int64) error {
	if _, err := validatePath(path); err != nil {
		return err
	}
	if err := m.lock("Delete"); err != nil {
		return err
	}
	defer m.mu.Unlock()

	n, ok := m.nodes[path]
	if !ok {
		return errors.Wrap(fmt.Errorf("%w: %s", errors.ErrNodeNotFound, path), "coordination", "Delete", "read node")
	}
	if version != AnyVersion && version != n.stat.Version {
		return badVersion("Delete", path, version)
	}
	delete(m.nodes, path)
	m.revision++
	m.notify(path, Event{Type: NodeDeleted, Path: path})
	return nil
}

// Children implements Client.
func (m *Memory) Children(_ context.Context, path string) ([]string, error) {
	if _, err := validatePath(path); err != nil {
		return nil, err
	}
	if err := m.lock("Children"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	prefix := strings.TrimSuffix(path, "/") + "/"
	names := []string{}
	for p := range m.nodes {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	sort.Strings(names)
	return names, nil
}

// WatchData implements Client.
func (m *Memory) WatchData(ctx context.Context, path string) (*NodeData, <-chan Event, error) {
	if _, err := validatePath(path); err != nil {
		return nil, nil, err
	}
	if err := m.lock("WatchData"); err != nil {
		return nil, nil, err
	}
	defer m.mu.Unlock()

	var current *NodeData
	if n, ok := m.nodes[path]; ok {
		current = copyNode(n)
	}

	w := &memWatch{
		path:   path,
		out:    make(chan Event),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	m.watches[path] = append(m.watches[path], w)
	go w.run()

	context.AfterFunc(ctx, func() {
		m.mu.Lock()
		ws := m.watches[path]
		for i, x := range ws {
			if x == w {
				m.watches[path] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		if len(m.watches[path]) == 0 {
			delete(m.watches, path)
		}
		m.mu.Unlock()
		w.stop()
	})
	return current, w.out, nil
}

// NodeCount returns the number of nodes in the store.
func (m *Memory) NodeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}
