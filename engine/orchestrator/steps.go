package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sinas-platform/sinas/engine/backend"
	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/execution"
	"github.com/sinas-platform/sinas/engine/logstream"
	"github.com/sinas-platform/sinas/pkg/logger"
)

// ErrStepSuspended is returned to the backend when a nested call
// attempts to suspend. Only top-level executions may await input.
var ErrStepSuspended = errors.New("nested calls cannot suspend")

// stepRunner executes nested function calls inline in the parent's
// worker slot and records each as a step of the parent execution.
// Steps run sequentially, so started_at order equals causal order.
type stepRunner struct {
	orch   *Orchestrator
	parent *execution.Execution
	writer *logstream.Writer
}

func newStepRunner(orch *Orchestrator, parent *execution.Execution, writer *logstream.Writer) *stepRunner {
	return &stepRunner{orch: orch, parent: parent, writer: writer}
}

func (r *stepRunner) RunStep(ctx context.Context, fn core.FunctionRef, input core.Input) (*core.Output, error) {
	step, err := execution.NewStepExecution(r.parent.ExecID, fn, input)
	if err != nil {
		return nil, err
	}
	if err := r.orch.repo.CreateStep(ctx, step); err != nil {
		return nil, fmt.Errorf("recording step: %w", err)
	}
	r.writer.Info(ctx, "step started", map[string]any{"step_id": step.StepID.String(), "function": fn.String()})
	output, runErr := r.invokeStep(ctx, step)
	r.finishStep(ctx, step, output, runErr)
	// Each step is a natural progress point for the reaper clock.
	if err := r.orch.repo.TouchExecution(ctx, r.parent.ExecID); err != nil {
		logger.FromContext(ctx).Warn("step heartbeat touch failed", "exec_id", r.parent.ExecID, "error", err)
	}
	return output, runErr
}

func (r *stepRunner) invokeStep(ctx context.Context, step *execution.StepExecution) (*core.Output, error) {
	outcome, err := r.orch.backend.Invoke(ctx, &backend.InvocationContext{
		ExecID:   r.parent.ExecID,
		Function: step.Function,
		Input:    step.Input,
		Log:      r.writer,
		// Deeper nesting stays flat: grandchild calls are recorded as
		// further steps of the same top-level execution.
		Steps: r,
	})
	if err != nil {
		return nil, err
	}
	if outcome.Suspended() {
		return nil, ErrStepSuspended
	}
	return outcome.Output, nil
}

// finishStep persists the terminal step row and logs it. The nested
// error propagates to the backend, which decides whether the parent
// fails with it.
func (r *stepRunner) finishStep(ctx context.Context, step *execution.StepExecution, output *core.Output, runErr error) {
	if runErr != nil {
		msg := runErr.Error()
		step.Status = core.StatusFailed
		step.Error = &msg
		r.writer.Error(ctx, "step failed", map[string]any{"step_id": step.StepID.String(), "error": msg})
	} else {
		step.Status = core.StatusCompleted
		step.Output = output
		r.writer.Info(ctx, "step completed", map[string]any{"step_id": step.StepID.String()})
	}
	if err := r.orch.repo.FinishStep(ctx, step); err != nil {
		logger.FromContext(ctx).Warn("step finish write failed", "step_id", step.StepID, "error", err)
	}
}
