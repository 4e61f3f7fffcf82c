package spec

// Builder assembles a Specification step by step.
//
//	s, err := spec.NewBuilder("etl").
//	    Add(spec.RuntimeSpec{Name: "db"}).
//	    Add(spec.RuntimeSpec{Name: "web"}).
//	    Order(spec.OrderBarrier, "db").
//	    Order(spec.OrderStarted, "web").
//	    Build()
type Builder struct {
	name      string
	runnables []RuntimeSpec
	orders    []Order
	handler   *EventHandlerSpec
}

// NewBuilder starts a specification for the named application.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Add appends a runnable.
func (b *Builder) Add(rt RuntimeSpec) *Builder {
	b.runnables = append(b.runnables, rt)
	return b
}

// Order appends an order group.
func (b *Builder) Order(t OrderType, names ...string) *Builder {
	b.orders = append(b.orders, Order{Names: names, Type: t})
	return b
}

// Handler sets the event handler.
func (b *Builder) Handler(className string, configs map[string]string) *Builder {
	b.handler = &EventHandlerSpec{ClassName: className, Configs: configs}
	return b
}

// Build validates and returns the specification.
func (b *Builder) Build() (*Specification, error) {
	return New(b.name, b.runnables, b.orders, b.handler)
}
