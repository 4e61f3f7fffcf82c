package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/weave/errors"
)

// runClientSuite checks the Client contract against any implementation. newClient
// must return an isolated, empty tree for every call.
func runClientSuite(t *testing.T, newClient func(t *testing.T) Client) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		c := newClient(t)
		p, err := c.Create(ctx, "/state", []byte(`{"state":"RUNNING"}`), Persistent)
		require.NoError(t, err)
		assert.Equal(t, "/state", p)

		node, err := c.Get(ctx, "/state")
		require.NoError(t, err)
		assert.Equal(t, `{"state":"RUNNING"}`, string(node.Data))
		assert.Positive(t, node.Stat.Version)

		_, err = c.Create(ctx, "/state", nil, Persistent)
		assert.ErrorIs(t, err, errors.ErrNodeExists)
	})

	t.Run("missing node", func(t *testing.T) {
		c := newClient(t)
		_, err := c.Get(ctx, "/nope")
		assert.ErrorIs(t, err, errors.ErrNodeNotFound)

		stat, err := c.Exists(ctx, "/nope")
		require.NoError(t, err)
		assert.Nil(t, stat)

		_, err = c.Set(ctx, "/nope", []byte("x"), AnyVersion)
		assert.ErrorIs(t, err, errors.ErrNodeNotFound)
		assert.ErrorIs(t, c.Delete(ctx, "/nope", AnyVersion), errors.ErrNodeNotFound)
	})

	t.Run("sequential nodes increase per parent", func(t *testing.T) {
		c := newClient(t)
		first, err := c.Create(ctx, "/messages/msg", []byte("a"), PersistentSequential)
		require.NoError(t, err)
		second, err := c.Create(ctx, "/messages/msg", []byte("b"), PersistentSequential)
		require.NoError(t, err)
		other, err := c.Create(ctx, "/other/msg", []byte("c"), PersistentSequential)
		require.NoError(t, err)

		assert.Equal(t, "/messages/msg0000000001", first)
		assert.Equal(t, "/messages/msg0000000002", second)
		assert.Equal(t, "/other/msg0000000001", other)

		children, err := c.Children(ctx, "/messages")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"msg0000000001", "msg0000000002"}, children)
	})

	t.Run("versioned set", func(t *testing.T) {
		c := newClient(t)
		_, err := c.Create(ctx, "/node", []byte("v1"), Persistent)
		require.NoError(t, err)
		node, err := c.Get(ctx, "/node")
		require.NoError(t, err)

		stat, err := c.Set(ctx, "/node", []byte("v2"), node.Stat.Version)
		require.NoError(t, err)
		assert.Greater(t, stat.Version, node.Stat.Version)

		_, err = c.Set(ctx, "/node", []byte("v3"), node.Stat.Version)
		assert.ErrorIs(t, err, errors.ErrBadVersion)

		_, err = c.Set(ctx, "/node", []byte("v4"), AnyVersion)
		require.NoError(t, err)
		node, err = c.Get(ctx, "/node")
		require.NoError(t, err)
		assert.Equal(t, "v4", string(node.Data))
	})

	t.Run("versioned delete", func(t *testing.T) {
		c := newClient(t)
		_, err := c.Create(ctx, "/node", []byte("v1"), Persistent)
		require.NoError(t, err)
		node, err := c.Get(ctx, "/node")
		require.NoError(t, err)

		assert.ErrorIs(t, c.Delete(ctx, "/node", node.Stat.Version+100), errors.ErrBadVersion)
		require.NoError(t, c.Delete(ctx, "/node", node.Stat.Version))

		stat, err := c.Exists(ctx, "/node")
		require.NoError(t, err)
		assert.Nil(t, stat)

		// Recreating a deleted node is allowed.
		_, err = c.Create(ctx, "/node", []byte("again"), Persistent)
		require.NoError(t, err)
	})

	t.Run("children skip deleted nodes", func(t *testing.T) {
		c := newClient(t)
		for _, name := range []string{"a", "b", "c"} {
			_, err := c.Create(ctx, "/svc/"+name, nil, Persistent)
			require.NoError(t, err)
		}
		require.NoError(t, c.Delete(ctx, "/svc/b", AnyVersion))

		children, err := c.Children(ctx, "/svc")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c"}, children)
	})

	t.Run("watch reports create change delete", func(t *testing.T) {
		c := newClient(t)
		wctx, cancel := context.WithCancel(ctx)
		defer cancel()

		current, events, err := c.WatchData(wctx, "/replies/msg0000000001")
		require.NoError(t, err)
		assert.Nil(t, current)

		_, err = c.Create(ctx, "/replies/msg0000000001", []byte("r1"), Persistent)
		require.NoError(t, err)
		ev := nextEvent(t, events)
		assert.Equal(t, NodeCreated, ev.Type)
		assert.Equal(t, "/replies/msg0000000001", ev.Path)
		require.NotNil(t, ev.Node)
		assert.Equal(t, "r1", string(ev.Node.Data))

		_, err = c.Set(ctx, "/replies/msg0000000001", []byte("r2"), AnyVersion)
		require.NoError(t, err)
		ev = nextEvent(t, events)
		assert.Equal(t, NodeDataChanged, ev.Type)
		assert.Equal(t, "r2", string(ev.Node.Data))

		require.NoError(t, c.Delete(ctx, "/replies/msg0000000001", AnyVersion))
		ev = nextEvent(t, events)
		assert.Equal(t, NodeDeleted, ev.Type)
		assert.Nil(t, ev.Node)
	})

	t.Run("watch returns existing node", func(t *testing.T) {
		c := newClient(t)
		_, err := c.Create(ctx, "/run", []byte(`{"state":"RUNNING"}`), Persistent)
		require.NoError(t, err)

		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		current, _, err := c.WatchData(wctx, "/run")
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, `{"state":"RUNNING"}`, string(current.Data))
	})

	t.Run("watch closes on cancel", func(t *testing.T) {
		c := newClient(t)
		wctx, cancel := context.WithCancel(ctx)
		_, events, err := c.WatchData(wctx, "/x")
		require.NoError(t, err)
		cancel()

		assert.Eventually(t, func() bool {
			select {
			case _, ok := <-events:
				return !ok
			default:
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("invalid paths", func(t *testing.T) {
		c := newClient(t)
		for _, p := range []string{"relative", "/a//b", "/a.b", "/a/*", "/__seq"} {
			_, err := c.Create(ctx, p, nil, Persistent)
			assert.Error(t, err, p)
		}
	})
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "watch channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no watch event")
		return Event{}
	}
}
