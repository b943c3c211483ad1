package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/schema"
)

// HandlerFunc is a function body hosted in-process.
type HandlerFunc func(ctx context.Context, ic *InvocationContext) (*Outcome, error)

// LocalBackend hosts function bodies as Go handlers registered by
// reference. It backs in-process deployments and tests; remote
// runtimes implement Backend over their own transport.
type LocalBackend struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a function reference, replacing any
// previous binding.
func (b *LocalBackend) Register(fn core.FunctionRef, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[fn.String()] = handler
}

// Has reports whether a handler is registered for the reference.
func (b *LocalBackend) Has(fn core.FunctionRef) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[fn.String()]
	return ok
}

func (b *LocalBackend) Invoke(ctx context.Context, ic *InvocationContext) (*Outcome, error) {
	b.mu.RLock()
	handler, ok := b.handlers[ic.Function.String()]
	b.mu.RUnlock()
	if !ok {
		return nil, core.NewValidationError("function", fmt.Sprintf("function %s is not registered", ic.Function))
	}
	return handler(ctx, ic)
}

// Complete builds an outcome carrying the function's output.
func Complete(output core.Output) *Outcome {
	return &Outcome{Output: &output}
}

// Suspend builds an outcome parking the execution for input.
func Suspend(state []byte, prompt string, inputSchema schema.Schema) *Outcome {
	return &Outcome{Suspension: &Suspension{
		State:  state,
		Prompt: prompt,
		Schema: inputSchema,
	}}
}
