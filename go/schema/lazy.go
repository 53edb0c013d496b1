package schema

import "sync"

// Lazy wraps a factory producing a Primitive, used to build recursive
// schemas (a Tree node whose data references the tree itself, for
// instance). Resolution happens once, the first time any capability is
// invoked, and is memoized; the resolved primitive then handles every
// subsequent call. Schemas are process-wide singletons shared across many
// concurrently-active documents, so resolution is synchronized.
type Lazy struct {
	factory  func() Primitive
	once     sync.Once
	resolved Primitive
}

func NewLazy(factory func() Primitive) *Lazy {
	return &Lazy{factory: factory}
}

func (p *Lazy) resolve() Primitive {
	p.once.Do(func() {
		p.resolved = p.factory()
	})
	return p.resolved
}

func (p *Lazy) InitialState() any { return p.resolve().InitialState() }

func (p *Lazy) Apply(state any, op Operation) (any, error) {
	return p.resolve().Apply(state, op)
}

func (p *Lazy) Transform(clientOp, serverOp Operation) (TransformResult, error) {
	return p.resolve().Transform(clientOp, serverOp)
}

func (p *Lazy) CreateProxy(env *ProxyEnv, path Path) any {
	return p.resolve().CreateProxy(env, path)
}

func (p *Lazy) ToSnapshot(state any) (Value, error) {
	return p.resolve().ToSnapshot(state)
}

func (p *Lazy) FromSnapshot(v Value) (any, error) {
	return p.resolve().FromSnapshot(v)
}
