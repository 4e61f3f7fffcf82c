// Package spec models the specification of a distributed application: its
// runnables, the order in which they start, and an optional event handler.
package spec

import (
	"fmt"
	"maps"
	"slices"

	"github.com/c360/weave/errors"
)

// OrderType says when the next order group may start.
type OrderType string

const (
	// OrderStarted lets the next group start once every member has been launched.
	OrderStarted OrderType = "STARTED"
	// OrderBarrier holds the next group until every member reports running.
	OrderBarrier OrderType = "BARRIER"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderStarted, OrderBarrier:
		return true
	}
	return false
}

// RunnableSpec names the code a runnable executes.
type RunnableSpec struct {
	ClassName string            `json:"classname"`
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

// ResourceSpec is the per-instance resource request of a runnable.
type ResourceSpec struct {
	Cores      int `json:"cores"`
	MemorySize int `json:"memorySize"` // MB
	Instances  int `json:"instances"`
}

// LocalFile is a file localized into each container of a runnable.
type LocalFile struct {
	Name         string `json:"name"`
	URI          string `json:"uri"`
	LastModified int64  `json:"lastModified"`
	Size         int64  `json:"size"`
	Archive      bool   `json:"archive"`
	Pattern      string `json:"pattern,omitempty"`
}

// RuntimeSpec describes one runnable of the application.
type RuntimeSpec struct {
	Name       string       `json:"name"`
	Runnable   RunnableSpec `json:"runnable"`
	Resources  ResourceSpec `json:"resources"`
	LocalFiles []LocalFile  `json:"files"`
}

// Order is a group of runnables started together.
type Order struct {
	Names []string  `json:"names"`
	Type  OrderType `json:"type"`
}

// EventHandlerSpec names the handler notified of application events.
type EventHandlerSpec struct {
	ClassName string            `json:"classname"`
	Configs   map[string]string `json:"configs"`
}

// Specification is an immutable, validated application specification.
type Specification struct {
	name      string
	runnables []RuntimeSpec
	index     map[string]int
	orders    []Order
	handler   *EventHandlerSpec
}

func invalid(method, action, format string, args ...any) error {
	cause := fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidSpecification}, args...)...)
	return errors.WrapInvalid(cause, "spec", method, action)
}

// New validates its arguments and returns a Specification. Runnables keep the
// order they are given in. Zero resource values default to one core, 512 MB and
// one instance.
func New(name string, runnables []RuntimeSpec, orders []Order, handler *EventHandlerSpec) (*Specification, error) {
	if name == "" {
		return nil, invalid("New", "validate name", "application name is empty")
	}

	s := &Specification{
		name:  name,
		index: make(map[string]int, len(runnables)),
	}

	for _, rt := range runnables {
		if rt.Name == "" {
			return nil, invalid("New", "validate runnable", "runnable at position %d has no name", len(s.runnables))
		}
		if _, dup := s.index[rt.Name]; dup {
			return nil, invalid("New", "validate runnable", "duplicate runnable %q", rt.Name)
		}
		rt, err := normalizeRuntime(rt)
		if err != nil {
			return nil, err
		}
		s.index[rt.Name] = len(s.runnables)
		s.runnables = append(s.runnables, rt)
	}

	assigned := make(map[string]int)
	for i, order := range orders {
		if !order.Type.Valid() {
			return nil, invalid("New", "validate order", "order group %d has unknown type %q", i, order.Type)
		}
		names := dedupe(order.Names)
		if len(names) == 0 {
			return nil, invalid("New", "validate order", "order group %d is empty", i)
		}
		for _, n := range names {
			if _, ok := s.index[n]; !ok {
				return nil, invalid("New", "validate order", "order group %d references unknown runnable %q", i, n)
			}
			if prev, seen := assigned[n]; seen {
				return nil, invalid("New", "validate order",
					"runnable %q appears in order groups %d and %d", n, prev, i)
			}
			assigned[n] = i
		}
		s.orders = append(s.orders, Order{Names: names, Type: order.Type})
	}

	if handler != nil {
		if handler.ClassName == "" {
			return nil, invalid("New", "validate handler", "event handler has no class name")
		}
		h := EventHandlerSpec{ClassName: handler.ClassName, Configs: maps.Clone(handler.Configs)}
		if h.Configs == nil {
			h.Configs = map[string]string{}
		}
		s.handler = &h
	}

	return s, nil
}

// normalizeRuntime treats zero resources as unset. Only negative values are
// rejected.
func normalizeRuntime(rt RuntimeSpec) (RuntimeSpec, error) {
	res := &rt.Resources
	if res.Cores < 0 || res.MemorySize < 0 || res.Instances < 0 {
		return rt, invalid("New", "validate resources", "runnable %q has negative resources", rt.Name)
	}
	if res.Cores == 0 {
		res.Cores = 1
	}
	if res.MemorySize == 0 {
		res.MemorySize = 512
	}
	if res.Instances == 0 {
		res.Instances = 1
	}
	if rt.Runnable.Name == "" {
		rt.Runnable.Name = rt.Name
	}
	rt.Runnable.Arguments = maps.Clone(rt.Runnable.Arguments)
	if rt.Runnable.Arguments == nil {
		rt.Runnable.Arguments = map[string]string{}
	}
	rt.LocalFiles = slices.Clone(rt.LocalFiles)
	if rt.LocalFiles == nil {
		rt.LocalFiles = []LocalFile{}
	}
	return rt, nil
}

func dedupe(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// Name returns the application name.
func (s *Specification) Name() string { return s.name }

// RunnableNames returns runnable names in insertion order.
func (s *Specification) RunnableNames() []string {
	names := make([]string, len(s.runnables))
	for i, rt := range s.runnables {
		names[i] = rt.Name
	}
	return names
}

// Runnable returns the runtime specification of the named runnable.
func (s *Specification) Runnable(name string) (RuntimeSpec, bool) {
	i, ok := s.index[name]
	if !ok {
		return RuntimeSpec{}, false
	}
	return s.runnables[i], true
}

// Runnables returns all runtime specifications in insertion order.
func (s *Specification) Runnables() []RuntimeSpec {
	return slices.Clone(s.runnables)
}

// Orders returns the declared order groups.
func (s *Specification) Orders() []Order {
	out := make([]Order, len(s.orders))
	for i, o := range s.orders {
		out[i] = Order{Names: slices.Clone(o.Names), Type: o.Type}
	}
	return out
}

// EffectiveOrders returns the declared groups followed by one STARTED group of
// every runnable not named in any group, in insertion order.
func (s *Specification) EffectiveOrders() []Order {
	orders := s.Orders()

	assigned := make(map[string]bool)
	for _, o := range s.orders {
		for _, n := range o.Names {
			assigned[n] = true
		}
	}

	var rest []string
	for _, rt := range s.runnables {
		if !assigned[rt.Name] {
			rest = append(rest, rt.Name)
		}
	}
	if len(rest) > 0 {
		orders = append(orders, Order{Names: rest, Type: OrderStarted})
	}
	return orders
}

// EventHandler returns the event handler, if any.
func (s *Specification) EventHandler() (EventHandlerSpec, bool) {
	if s.handler == nil {
		return EventHandlerSpec{}, false
	}
	return EventHandlerSpec{ClassName: s.handler.ClassName, Configs: maps.Clone(s.handler.Configs)}, true
}

// Equal reports whether two specifications describe the same application. Order
// groups are compared in sequence, names within a group as sets.
func (s *Specification) Equal(o *Specification) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.name != o.name || len(s.runnables) != len(o.runnables) || len(s.orders) != len(o.orders) {
		return false
	}
	for i, rt := range s.runnables {
		if !runtimeEqual(rt, o.runnables[i]) {
			return false
		}
	}
	for i, order := range s.orders {
		other := o.orders[i]
		if order.Type != other.Type || len(order.Names) != len(other.Names) {
			return false
		}
		for _, n := range order.Names {
			if !slices.Contains(other.Names, n) {
				return false
			}
		}
	}
	if (s.handler == nil) != (o.handler == nil) {
		return false
	}
	if s.handler != nil {
		return s.handler.ClassName == o.handler.ClassName && maps.Equal(s.handler.Configs, o.handler.Configs)
	}
	return true
}

func runtimeEqual(a, b RuntimeSpec) bool {
	return a.Name == b.Name &&
		a.Runnable.ClassName == b.Runnable.ClassName &&
		a.Runnable.Name == b.Runnable.Name &&
		maps.Equal(a.Runnable.Arguments, b.Runnable.Arguments) &&
		a.Resources == b.Resources &&
		slices.Equal(a.LocalFiles, b.LocalFiles)
}
