package coordination

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/weave/errors"
)

func TestMemory_Client(t *testing.T) {
	runClientSuite(t, func(*testing.T) Client { return NewMemory() })
}

func TestMemory_NamespacedClient(t *testing.T) {
	shared := NewMemory()
	n := 0
	runClientSuite(t, func(*testing.T) Client {
		n++
		return Namespace(shared, fmt.Sprintf("/ns%d", n))
	})
}

func TestMemory_Expire(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, events, err := m.WatchData(ctx, "/run")
	require.NoError(t, err)

	cause := fmt.Errorf("connection closed")
	m.Expire(cause)
	m.Expire(fmt.Errorf("ignored"))

	select {
	case <-m.Expired():
	default:
		t.Fatal("expired channel not closed")
	}
	assert.Equal(t, cause, m.Err())

	assert.Eventually(t, func() bool {
		_, ok := <-events
		return !ok
	}, time.Second, 10*time.Millisecond)

	_, err = m.Create(ctx, "/x", nil, Persistent)
	assert.ErrorIs(t, err, errors.ErrSessionLost)
	assert.True(t, errors.IsFatal(err))
	_, err = m.Get(ctx, "/x")
	assert.ErrorIs(t, err, errors.ErrSessionLost)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	data := []byte("abc")
	_, err := m.Create(ctx, "/n", data, Persistent)
	require.NoError(t, err)
	data[0] = 'X'

	node, err := m.Get(ctx, "/n")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(node.Data))
	node.Data[0] = 'Y'

	again, err := m.Get(ctx, "/n")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again.Data))
	assert.True(t, node.Stat.Equal(again.Stat))
}
