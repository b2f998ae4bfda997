// Package hooks holds the per-dataset transforms applied to a freshly parsed
// batch before it is merged. Hooks are pure: they never modify their input
// batch and never touch dataset files.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/malbeclabs/warehouse/warehouse/pkg/dataset"
)

// ErrMissingColumn is returned when a hook references a column the batch does
// not have.
var ErrMissingColumn = errors.New("missing column")

// Hook prepares a batch for merging.
type Hook interface {
	Prepare(ctx context.Context, b *dataset.Batch) (*dataset.Batch, error)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, b *dataset.Batch) (*dataset.Batch, error)

func (f HookFunc) Prepare(ctx context.Context, b *dataset.Batch) (*dataset.Batch, error) {
	return f(ctx, b)
}

// Chain is an ordered list of hooks; each receives the output of the previous.
type Chain []Hook

func (c Chain) Prepare(ctx context.Context, b *dataset.Batch) (*dataset.Batch, error) {
	out := b
	for i, h := range c {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := h.Prepare(ctx, out)
		if err != nil {
			return nil, fmt.Errorf("hook %d: %w", i, err)
		}
		out = next
	}
	return out, nil
}

// Registry maps dataset names to hooks.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]Hook
}

func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]Hook)}
}

// Register sets the hook for a dataset, replacing any previous one.
func (r *Registry) Register(name string, h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[name] = h
}

// Has reports whether a hook is registered for the dataset.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.hooks[name]
	return ok
}

// Prepare runs the dataset's hook. Datasets without a hook get b back as is.
func (r *Registry) Prepare(ctx context.Context, name string, b *dataset.Batch) (*dataset.Batch, error) {
	if r == nil {
		return b, nil
	}
	r.mu.RLock()
	h, ok := r.hooks[name]
	r.mu.RUnlock()
	if !ok {
		return b, nil
	}
	out, err := h.Prepare(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare %s: %w", name, err)
	}
	return out, nil
}

func columnIndex(b *dataset.Batch, name string) (int, error) {
	i, ok := b.Schema.Index(name)
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrMissingColumn, name)
	}
	return i, nil
}
