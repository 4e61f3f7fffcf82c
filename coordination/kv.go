package coordination

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/weave/errors"
	"github.com/c360/weave/natsclient"
)

const seqKey = "__seq"

// KVClient stores nodes in a JetStream key-value bucket. Path "/a/b" maps to key
// "a.b" and a node's version is the revision of its key.
type KVClient struct {
	store *natsclient.KVStore

	expireOnce sync.Once
	expired    chan struct{}
	mu         sync.RWMutex
	cause      error
}

// NewKVClient wraps store. Call Expire, usually from the connection-lost
// callback of the NATS client, to end the session.
func NewKVClient(store *natsclient.KVStore) *KVClient {
	return &KVClient{store: store, expired: make(chan struct{})}
}

// Expire ends the session. Later calls are no-ops.
func (c *KVClient) Expire(cause error) {
	c.expireOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		close(c.expired)
	})
}

// Err returns the cause passed to Expire.
func (c *KVClient) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cause
}

// Expired implements Client.
func (c *KVClient) Expired() <-chan struct{} { return c.expired }

func (c *KVClient) alive(method string) error {
	select {
	case <-c.expired:
		return sessionLost(method)
	default:
		return nil
	}
}

func toKey(path string) (string, error) {
	segments, err := validatePath(path)
	if err != nil {
		return "", err
	}
	return strings.Join(segments, "."), nil
}

func counterKey(parentKey string) string {
	if parentKey == "" {
		return seqKey
	}
	return parentKey + "." + seqKey
}

func statOf(e *natsclient.KVEntry) Stat {
	return Stat{Version: int64(e.Revision), Modified: e.Created}
}

func nodeOf(e jetstream.KeyValueEntry) *NodeData {
	return &NodeData{
		Data: e.Value(),
		Stat: Stat{Version: int64(e.Revision()), Modified: e.Created()},
	}
}

// Create implements Client.
func (c *KVClient) Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error) {
	if err := c.alive("Create"); err != nil {
		return "", err
	}
	if mode == PersistentSequential {
		parent, name := ParentAndName(path)
		parentKey, err := toKey(parent)
		if err != nil {
			return "", err
		}
		seq, err := c.nextSequence(ctx, parentKey)
		if err != nil {
			return "", err
		}
		path = JoinPath(parent, sequentialName(name, seq))
	}

	key, err := toKey(path)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", invalidPath(path, "cannot create the root")
	}
	if _, err := c.store.Create(ctx, key, data); err != nil {
		if errors.Is(err, natsclient.ErrKVKeyExists) {
			return "", errors.Wrap(fmt.Errorf("%w: %s", errors.ErrNodeExists, path), "coordination", "Create", "create node")
		}
		return "", errors.WrapTransient(err, "coordination", "Create", "create node")
	}
	return path, nil
}

func (c *KVClient) nextSequence(ctx context.Context, parentKey string) (int64, error) {
	var next int64
	err := c.store.UpdateWithRetry(ctx, counterKey(parentKey), func(current []byte) ([]byte, error) {
		var n int64
		if len(current) > 0 {
			v, err := strconv.ParseInt(string(current), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: sequence counter %q", errors.ErrInvalidData, current)
			}
			n = v
		}
		next = n + 1
		return []byte(strconv.FormatInt(next, 10)), nil
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "coordination", "Create", "advance sequence")
	}
	return next, nil
}

// Get implements Client.
func (c *KVClient) Get(ctx context.Context, path string) (*NodeData, error) {
	if err := c.alive("Get"); err != nil {
		return nil, err
	}
	key, err := toKey(path)
	if err != nil {
		return nil, err
	}
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.Wrap(fmt.Errorf("%w: %s", errors.ErrNodeNotFound, path), "coordination", "Get", "read node")
		}
		return nil, errors.WrapTransient(err, "coordination", "Get", "read node")
	}
	return &NodeData{Data: entry.Value, Stat: statOf(entry)}, nil
}

// Exists implements Client.
func (c *KVClient) Exists(ctx context.Context, path string) (*Stat, error) {
	node, err := c.Get(ctx, path)
	if err != nil {
		if errors.Is(err, errors.ErrNodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &node.Stat, nil
}

// Set implements Client.
func (c *KVClient) Set(ctx context.Context, path string, data []byte, version int64) (Stat, error) {
	current, err := c.Get(ctx, path)
	if err != nil {
		return Stat{}, err
	}
	key, _ := toKey(path)

	expected := uint64(current.Stat.Version)
	if version != AnyVersion {
		if version != current.Stat.Version {
			return Stat{}, badVersion("Set", path, version)
		}
		expected = uint64(version)
	}

	rev, err := c.store.Update(ctx, key, data, expected)
	if err != nil {
		if errors.Is(err, natsclient.ErrKVRevisionMismatch) {
			return Stat{}, badVersion("Set", path, version)
		}
		return Stat{}, errors.WrapTransient(err, "coordination", "Set", "write node")
	}
	entry, err := c.store.Get(ctx, key)
	if err != nil || entry.Revision != rev {
		// Overwritten in between; the revision is still ours to report.
		return Stat{Version: int64(rev)}, nil
	}
	return statOf(entry), nil
}

// Delete implements Client.
func (c *KVClient) Delete(ctx context.Context, path string, version int64) error {
	current, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if version != AnyVersion && version != current.Stat.Version {
		return badVersion("Delete", path, version)
	}
	key, _ := toKey(path)

	if err := c.store.Delete(ctx, key, uint64(current.Stat.Version)); err != nil {
		if errors.Is(err, natsclient.ErrKVRevisionMismatch) {
			if version == AnyVersion {
				// Changed under us but still present; retry unconditionally.
				if err := c.store.Delete(ctx, key, 0); err != nil {
					return errors.WrapTransient(err, "coordination", "Delete", "delete node")
				}
				return nil
			}
			return badVersion("Delete", path, version)
		}
		return errors.WrapTransient(err, "coordination", "Delete", "delete node")
	}
	return nil
}

func badVersion(method, path string, version int64) error {
	return errors.Wrap(fmt.Errorf("%w: %s at version %d", errors.ErrBadVersion, path, version),
		"coordination", method, "check version")
}

// Children implements Client.
func (c *KVClient) Children(ctx context.Context, path string) ([]string, error) {
	if err := c.alive("Children"); err != nil {
		return nil, err
	}
	key, err := toKey(path)
	if err != nil {
		return nil, err
	}
	pattern, prefix := "*", ""
	if key != "" {
		pattern, prefix = key+".*", key+"."
	}

	keys, err := c.store.Keys(ctx, pattern)
	if err != nil {
		return nil, errors.WrapTransient(err, "coordination", "Children", "list children")
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		name := strings.TrimPrefix(k, prefix)
		if strings.HasPrefix(name, reservedPrefix) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// WatchData implements Client.
func (c *KVClient) WatchData(ctx context.Context, path string) (*NodeData, <-chan Event, error) {
	if err := c.alive("WatchData"); err != nil {
		return nil, nil, err
	}
	key, err := toKey(path)
	if err != nil {
		return nil, nil, err
	}

	wctx, cancel := context.WithCancel(ctx)
	w, err := c.store.Watch(wctx, key)
	if err != nil {
		cancel()
		return nil, nil, errors.WrapTransient(err, "coordination", "WatchData", "watch node")
	}

	// Initial values end with a nil marker.
	var current *NodeData
initial:
	for {
		select {
		case e, ok := <-w.Updates():
			if !ok {
				cancel()
				return nil, nil, errors.WrapTransient(errors.ErrConnectionLost, "coordination", "WatchData", "watch node")
			}
			if e == nil {
				break initial
			}
			if e.Operation() == jetstream.KeyValuePut {
				current = nodeOf(e)
			} else {
				current = nil
			}
		case <-ctx.Done():
			cancel()
			_ = w.Stop()
			return nil, nil, ctx.Err()
		case <-c.expired:
			cancel()
			_ = w.Stop()
			return nil, nil, sessionLost("WatchData")
		}
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer cancel()
		defer func() { _ = w.Stop() }()

		exists := current != nil
		for {
			var ev Event
			select {
			case e, ok := <-w.Updates():
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				ev.Path = path
				if e.Operation() == jetstream.KeyValuePut {
					ev.Node = nodeOf(e)
					ev.Type = NodeDataChanged
					if !exists {
						ev.Type = NodeCreated
					}
					exists = true
				} else {
					ev.Type = NodeDeleted
					exists = false
				}
			case <-wctx.Done():
				return
			case <-c.expired:
				return
			}

			select {
			case out <- ev:
			case <-wctx.Done():
				return
			case <-c.expired:
				return
			}
		}
	}()
	return current, out, nil
}
