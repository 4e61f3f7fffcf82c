package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/weave/coordination"
	"github.com/c360/weave/errors"
)

func TestService_RegisterAndDiscover(t *testing.T) {
	ctx := context.Background()
	coord := coordination.Namespace(coordination.NewMemory(), "/run-42")
	svc := NewService(coord, nil)

	endpoints := []Discoverable{
		{Name: "web", Host: "10.0.0.2", Port: 8080},
		{Name: "web", Host: "10.0.0.1", Port: 9090},
		{Name: "web", Host: "10.0.0.1", Port: 8080},
		{Name: "db", Host: "10.0.0.9", Port: 5432},
	}
	cancels := make([]Cancel, 0, len(endpoints))
	for _, d := range endpoints {
		cancel, err := svc.Register(ctx, d)
		require.NoError(t, err)
		cancels = append(cancels, cancel)
	}

	got, err := svc.Discover(ctx, "web")
	require.NoError(t, err)
	addresses := make([]string, 0, len(got))
	for _, d := range got {
		addresses = append(addresses, d.Address())
	}
	assert.Equal(t, []string{"10.0.0.1:8080", "10.0.0.1:9090", "10.0.0.2:8080"}, addresses)

	require.NoError(t, cancels[0](ctx))
	require.NoError(t, cancels[0](ctx))

	got, err = svc.Discover(ctx, "web")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	none, err := svc.Discover(ctx, "cache")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestService_SkipsMalformedNodes(t *testing.T) {
	ctx := context.Background()
	coord := coordination.NewMemory()
	svc := NewService(coord, nil)

	_, err := svc.Register(ctx, Discoverable{Name: "api", Host: "h", Port: 1})
	require.NoError(t, err)
	_, err = coord.Create(ctx, "/discoverable/api/garbage", []byte("{not json"), coordination.Persistent)
	require.NoError(t, err)

	got, err := svc.Discover(ctx, "api")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "h:1", got[0].Address())
}

func TestService_Validation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(coordination.NewMemory(), nil)

	tests := []struct {
		name string
		d    Discoverable
	}{
		{"empty name", Discoverable{Host: "h", Port: 1}},
		{"slash in name", Discoverable{Name: "a/b", Host: "h", Port: 1}},
		{"no host", Discoverable{Name: "a", Port: 1}},
		{"bad port", Discoverable{Name: "a", Host: "h", Port: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.d)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	_, err := svc.Discover(ctx, "")
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestService_SessionLost(t *testing.T) {
	mem := coordination.NewMemory()
	svc := NewService(mem, nil)
	mem.Expire(nil)

	_, err := svc.Discover(context.Background(), "web")
	assert.ErrorIs(t, err, errors.ErrSessionLost)
}

func TestDiscoverable_AddressIPv6(t *testing.T) {
	assert.Equal(t, "[::1]:80", Discoverable{Host: "::1", Port: 80}.Address())
}
