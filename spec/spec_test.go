package spec

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/weave/errors"
)

func runtime(name string, instances int) RuntimeSpec {
	return RuntimeSpec{
		Name:     name,
		Runnable: RunnableSpec{ClassName: "com.example." + name, Arguments: map[string]string{"port": "8080"}},
		Resources: ResourceSpec{
			Cores:      2,
			MemorySize: 1024,
			Instances:  instances,
		},
	}
}

func TestNew_Validation(t *testing.T) {
	abc := []RuntimeSpec{runtime("A", 1), runtime("B", 1), runtime("C", 1)}

	tests := []struct {
		name      string
		appName   string
		runnables []RuntimeSpec
		orders    []Order
		handler   *EventHandlerSpec
		wantError bool
	}{
		{
			name:      "valid barrier then started",
			appName:   "app",
			runnables: abc,
			orders: []Order{
				{Names: []string{"A"}, Type: OrderBarrier},
				{Names: []string{"B", "C"}, Type: OrderStarted},
			},
		},
		{
			name:      "no orders",
			appName:   "app",
			runnables: abc,
		},
		{
			name:      "empty name",
			runnables: abc,
			wantError: true,
		},
		{
			name:      "unknown runnable in order",
			appName:   "app",
			runnables: abc,
			orders:    []Order{{Names: []string{"D"}, Type: OrderStarted}},
			wantError: true,
		},
		{
			name:      "runnable in two groups",
			appName:   "app",
			runnables: abc,
			orders: []Order{
				{Names: []string{"A", "B"}, Type: OrderStarted},
				{Names: []string{"B"}, Type: OrderBarrier},
			},
			wantError: true,
		},
		{
			name:      "empty order group",
			appName:   "app",
			runnables: abc,
			orders:    []Order{{Type: OrderStarted}},
			wantError: true,
		},
		{
			name:      "unknown order type",
			appName:   "app",
			runnables: abc,
			orders:    []Order{{Names: []string{"A"}, Type: "EVENTUALLY"}},
			wantError: true,
		},
		{
			name:      "duplicate runnable",
			appName:   "app",
			runnables: []RuntimeSpec{runtime("A", 1), runtime("A", 2)},
			wantError: true,
		},
		{
			name:      "negative instances",
			appName:   "app",
			runnables: []RuntimeSpec{runtime("A", -1)},
			wantError: true,
		},
		{
			name:      "handler without class",
			appName:   "app",
			runnables: abc,
			handler:   &EventHandlerSpec{},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.appName, tt.runnables, tt.orders, tt.handler)
			if tt.wantError {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				assert.ErrorIs(t, err, errors.ErrInvalidSpecification)
				assert.Nil(t, s)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.appName, s.Name())
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	s, err := NewBuilder("app").Add(RuntimeSpec{Name: "worker"}).Build()
	require.NoError(t, err)

	rt, ok := s.Runnable("worker")
	require.True(t, ok)
	assert.Equal(t, ResourceSpec{Cores: 1, MemorySize: 512, Instances: 1}, rt.Resources)
	assert.Equal(t, "worker", rt.Runnable.Name)
	assert.NotNil(t, rt.Runnable.Arguments)

	s, err = New("app", []RuntimeSpec{runtime("explicit-zero", 0)}, nil, nil)
	require.NoError(t, err)
	rt, _ = s.Runnable("explicit-zero")
	assert.Equal(t, 1, rt.Resources.Instances)

	_, ok = s.Runnable("missing")
	assert.False(t, ok)
}

func TestEffectiveOrders(t *testing.T) {
	s, err := NewBuilder("app").
		Add(runtime("C", 1)).
		Add(runtime("A", 1)).
		Add(runtime("B", 1)).
		Add(runtime("D", 1)).
		Order(OrderBarrier, "A").
		Build()
	require.NoError(t, err)

	assert.Equal(t, []string{"C", "A", "B", "D"}, s.RunnableNames())
	assert.Equal(t, []Order{
		{Names: []string{"A"}, Type: OrderBarrier},
		{Names: []string{"C", "B", "D"}, Type: OrderStarted},
	}, s.EffectiveOrders())
	assert.Len(t, s.Orders(), 1)
}

func TestBarrierScenario(t *testing.T) {
	s, err := NewBuilder("app").
		Add(runtime("A", 1)).
		Add(runtime("B", 2)).
		Add(runtime("C", 3)).
		Order(OrderBarrier, "A").
		Order(OrderStarted, "B", "C").
		Build()
	require.NoError(t, err)

	data, err := Encode(s)
	require.NoError(t, err)

	var raw struct {
		Orders []struct {
			Names []string `json:"names"`
			Type  string   `json:"type"`
		} `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw.Orders, 2)
	assert.Equal(t, "BARRIER", raw.Orders[0].Type)
	assert.Equal(t, []string{"A"}, raw.Orders[0].Names)
	assert.Equal(t, "STARTED", raw.Orders[1].Type)
	assert.ElementsMatch(t, []string{"B", "C"}, raw.Orders[1].Names)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, s.Equal(decoded))
	assert.Equal(t, s, decoded)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		build   *Builder
		handler bool
	}{
		{
			name:  "no handler",
			build: NewBuilder("app").Add(runtime("web", 3)).Add(runtime("db", 1)),
		},
		{
			name: "with handler and files",
			build: NewBuilder("app").
				Add(RuntimeSpec{
					Name:       "loader",
					LocalFiles: []LocalFile{{Name: "lib.jar", URI: "hdfs:///lib.jar", Size: 12, Archive: true}},
				}).
				Handler("com.example.Events", map[string]string{"retries": "3"}),
			handler: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := tt.build.Build()
			require.NoError(t, err)

			data, err := Encode(s)
			require.NoError(t, err)

			var keys map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(data, &keys))
			_, hasHandler := keys["handler"]
			assert.Equal(t, tt.handler, hasHandler)

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, s, decoded)
			assert.Equal(t, s.RunnableNames(), decoded.RunnableNames())
		})
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"unknown order type", `{"name":"a","runnables":{"x":{}},"orders":[{"names":["x"],"type":"SOMETIME"}]}`},
		{"order references unknown", `{"name":"a","runnables":{"x":{}},"orders":[{"names":["y"],"type":"STARTED"}]}`},
		{"mismatched key", `{"name":"a","runnables":{"x":{"name":"y"}}}`},
		{"runnables not object", `{"name":"a","runnables":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidSpecification)
		})
	}
}

func TestLoadFile_YAMLKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: pipeline
runnables:
  zeta:
    resources: {instances: 2}
  alpha:
    runnable: {classname: com.example.Alpha}
orders:
  - names: [alpha]
    type: barrier
handler:
  classname: com.example.Handler
  configs: {mode: strict}
`), 0o600))

	s, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "pipeline", s.Name())
	assert.Equal(t, []string{"zeta", "alpha"}, s.RunnableNames())
	assert.Equal(t, OrderBarrier, s.Orders()[0].Type)

	zeta, _ := s.Runnable("zeta")
	assert.Equal(t, 2, zeta.Resources.Instances)

	h, ok := s.EventHandler()
	require.True(t, ok)
	assert.Equal(t, "strict", h.Configs["mode"])
}

func TestLoadFile_JSON(t *testing.T) {
	s, err := NewBuilder("app").Add(runtime("a", 1)).Build()
	require.NoError(t, err)
	data, err := Encode(s)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "app.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, s.Equal(loaded))

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestEqual_OrderNamesAsSet(t *testing.T) {
	a, err := NewBuilder("app").Add(runtime("x", 1)).Add(runtime("y", 1)).Order(OrderStarted, "x", "y").Build()
	require.NoError(t, err)
	b, err := NewBuilder("app").Add(runtime("x", 1)).Add(runtime("y", 1)).Order(OrderStarted, "y", "x").Build()
	require.NoError(t, err)
	c, err := NewBuilder("app").Add(runtime("x", 1)).Add(runtime("y", 1)).Order(OrderBarrier, "y", "x").Build()
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
}
