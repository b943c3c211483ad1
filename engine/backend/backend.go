// Package backend defines the contract between the execution engine
// and the runtimes that actually run function code. The engine treats
// function bodies as opaque: it hands over input, receives either a
// result or a suspension, and never inspects what happened in between.
package backend

import (
	"context"

	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/logstream"
	"github.com/sinas-platform/sinas/engine/schema"
)

// Suspension is a request to park the execution until external input
// arrives. State is an opaque continuation blob the backend will
// receive back verbatim on resume.
type Suspension struct {
	State  []byte
	Prompt string
	Schema schema.Schema
}

// Outcome is the result of one invocation round: exactly one of
// Output or Suspension is set.
type Outcome struct {
	Output     *core.Output
	Suspension *Suspension
}

// Suspended reports whether this round ended in a suspension.
func (o *Outcome) Suspended() bool {
	return o.Suspension != nil
}

// StepRunner runs a nested function call inline in the parent's
// worker, recording it as a step of the parent execution. Nested
// calls cannot suspend.
type StepRunner interface {
	RunStep(ctx context.Context, fn core.FunctionRef, input core.Input) (*core.Output, error)
}

// InvocationContext carries everything a backend needs for one round.
type InvocationContext struct {
	ExecID   core.ID
	Function core.FunctionRef
	Input    core.Input

	// Continuation state and resume input, both nil on the first
	// round. ResumeInput has already been validated against the
	// stored schema when set.
	State       []byte
	ResumeInput core.Input

	// Log writes to the execution's stream; Steps records nested
	// calls. Both are always non-nil.
	Log   *logstream.Writer
	Steps StepRunner
}

// Resuming reports whether this round continues a suspended execution.
func (ic *InvocationContext) Resuming() bool {
	return ic.State != nil
}

// Backend runs function code. A returned error means the function
// raised; the engine records it and the execution fails terminally.
// Errors carrying a core.BackendError preserve the traceback.
type Backend interface {
	Invoke(ctx context.Context, ic *InvocationContext) (*Outcome, error)
}
