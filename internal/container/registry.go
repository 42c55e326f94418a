package container

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Test is a test implementation. Execute drives the system under test;
// Validate records verdicts about what happened. Either may return an
// *outcome.AbortExecution to end the test with a chosen verdict.
type Test interface {
	Execute(ctx context.Context) error
	Validate(ctx context.Context) error
}

// Setuper is implemented by tests that need a step before Execute.
type Setuper interface {
	Setup(ctx context.Context) error
}

// Factory builds a test around the container-owned BaseTest.
type Factory func(base *BaseTest) (Test, error)

// Registry maps descriptor classes to test factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs factory for class, replacing any previous one.
func (r *Registry) Register(class string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[class] = factory
}

// Lookup returns the factory registered for class.
func (r *Registry) Lookup(class string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[class]
	if !ok {
		return nil, fmt.Errorf("no test class %q registered", class)
	}
	return f, nil
}

// Classes returns the registered class names, sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	classes := make([]string, 0, len(r.factories))
	for c := range r.factories {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}
