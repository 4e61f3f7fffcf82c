package coordination

import (
	"context"
	"strings"
)

type namespaced struct {
	client Client
	prefix string
}

// Namespace returns a client that resolves every path under prefix. Paths handed
// back (Create results, events) are relative to the namespace again.
func Namespace(client Client, prefix string) Client {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return client
	}
	return &namespaced{client: client, prefix: prefix}
}

func (n *namespaced) abs(path string) string {
	if !strings.HasPrefix(path, "/") {
		// Left relative so validation rejects it.
		return path
	}
	if path == "/" {
		return n.prefix
	}
	return n.prefix + path
}

func (n *namespaced) rel(path string) string {
	if path == n.prefix {
		return "/"
	}
	return strings.TrimPrefix(path, n.prefix)
}

func (n *namespaced) Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error) {
	created, err := n.client.Create(ctx, n.abs(path), data, mode)
	if err != nil {
		return "", err
	}
	return n.rel(created), nil
}

func (n *namespaced) Get(ctx context.Context, path string) (*NodeData, error) {
	return n.client.Get(ctx, n.abs(path))
}

func (n *namespaced) Exists(ctx context.Context, path string) (*Stat, error) {
	return n.client.Exists(ctx, n.abs(path))
}

func (n *namespaced) Set(ctx context.Context, path string, data []byte, version int64) (Stat, error) {
	return n.client.Set(ctx, n.abs(path), data, version)
}

func (n *namespaced) Delete(ctx context.Context, path string, version int64) error {
	return n.client.Delete(ctx, n.abs(path), version)
}

func (n *namespaced) Children(ctx context.Context, path string) ([]string, error) {
	return n.client.Children(ctx, n.abs(path))
}

func (n *namespaced) WatchData(ctx context.Context, path string) (*NodeData, <-chan Event, error) {
	current, events, err := n.client.WatchData(ctx, n.abs(path))
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			var ev Event
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				ev = e
			case <-ctx.Done():
				return
			}
			ev.Path = n.rel(ev.Path)
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return current, out, nil
}

func (n *namespaced) Expired() <-chan struct{} {
	return n.client.Expired()
}
