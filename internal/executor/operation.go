// Package executor runs a plan's operations in dependency order with bounded concurrency.
package executor

import (
	"context"
	"sort"
	"sync"

	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/status"
	"github.com/fentz26/mergeplane/internal/taskctx"
)

// Operation is one runnable step of a plan.
type Operation interface {
	Execute(ctx context.Context, tc *taskctx.TaskContext) error
}

// OperationFunc adapts a function to Operation.
type OperationFunc func(ctx context.Context, tc *taskctx.TaskContext) error

// Execute implements Operation.
func (f OperationFunc) Execute(ctx context.Context, tc *taskctx.TaskContext) error {
	return f(ctx, tc)
}

// Factory instantiates operations by type tag. It returns a nil Operation for
// types it does not know.
type Factory interface {
	CreateOperation(desc models.OperationDescription) (Operation, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(desc models.OperationDescription) (Operation, error)

// CreateOperation implements Factory.
func (f FactoryFunc) CreateOperation(desc models.OperationDescription) (Operation, error) {
	return f(desc)
}

// Registry maps a storage table kind to its operation factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds the factory for a table kind, replacing any previous one.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Resolve returns the factory for a table kind.
func (r *Registry) Resolve(kind string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	if !ok {
		return nil, status.InvalidArgsf("no operation factory for table kind %q", kind)
	}
	return f, nil
}

// Kinds returns the registered table kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
