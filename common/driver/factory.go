package driver

import (
	"fmt"
	"sync"
)

// Builder constructs a fresh driver session for a model.
type Builder func(model string) (Driver, error)

// Factory creates driver sessions keyed by (kind, model). Builders are
// registered per kind; every New call yields a fresh session because a
// session is exclusive to one workflow at a time.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{builders: make(map[string]Builder)}
}

// Register installs the builder for a kind, replacing any previous one.
func (f *Factory) Register(kind string, b Builder) {
	f.mu.Lock()
	f.builders[kind] = b
	f.mu.Unlock()
}

// New creates a driver session of the given kind for model.
func (f *Factory) New(kind, model string) (Driver, error) {
	f.mu.RLock()
	b, ok := f.builders[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return b(model)
}

// Kinds lists the registered driver kinds.
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]string, 0, len(f.builders))
	for k := range f.builders {
		kinds = append(kinds, k)
	}
	return kinds
}

// NewWorkerFactory returns a factory with the worker kind registered against
// the given binary.
func NewWorkerFactory(bin string, log Logger) *Factory {
	f := NewFactory()
	f.Register(KindWorker, func(model string) (Driver, error) {
		return NewWorkerDriver(bin, model, log), nil
	})
	return f
}
