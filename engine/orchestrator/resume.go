package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/execution"
	"github.com/sinas-platform/sinas/pkg/logger"
)

// Resume validates input against the stored schema, re-dispatches a
// suspended execution and parks the caller until the next state is
// reached: the updated record comes back once the resumed round
// completes, fails or suspends again. On wait timeout the caller gets
// a WaitTimeoutError carrying the id; the resume job stays in flight.
// Validation rejection leaves the record untouched in AWAITING_INPUT;
// the claim is a CAS, so of two concurrent resumes exactly one
// re-dispatches.
func (o *Orchestrator) Resume(
	ctx context.Context,
	execID core.ID,
	input core.Input,
	timeout time.Duration,
) (*execution.Execution, error) {
	exec, err := o.repo.GetExecution(ctx, execID)
	if err != nil {
		return nil, err
	}
	if exec.Status != core.StatusAwaitingInput {
		return nil, fmt.Errorf("%w: execution %s is %s", core.ErrNotAwaitingInput, execID, exec.Status)
	}
	if !exec.HasContinuation() {
		return nil, fmt.Errorf("execution %s is awaiting input but has no continuation", execID)
	}
	if _, err := exec.InputSchema.Validate(ctx, map[string]any(input)); err != nil {
		return nil, core.NewValidationError("input", err.Error())
	}
	if _, err := o.repo.ClaimAwaitingInput(ctx, execID); err != nil {
		if errors.Is(err, core.ErrAlreadyClaimed) {
			return nil, fmt.Errorf("%w: execution %s was resumed concurrently", core.ErrNotAwaitingInput, execID)
		}
		return nil, err
	}
	if err := o.dispatcher.EnqueueResume(ctx, execID, input); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("execution resume dispatched", "exec_id", execID)
	// WaitForResult consults the record after subscribing, so a
	// completion landing before the subscription is still observed.
	return o.dispatcher.WaitForResult(ctx, execID, timeout)
}

// RequestCancel flags an execution for cooperative cancellation. A
// PENDING record cancels outright; a RUNNING one stops at its next
// checkpoint, and one that never checks the flag runs to completion
// with the flag left informational.
func (o *Orchestrator) RequestCancel(ctx context.Context, execID core.ID) (*execution.Execution, error) {
	if err := o.repo.RequestCancel(ctx, execID); err != nil {
		return nil, err
	}
	exec, err := o.repo.GetExecution(ctx, execID)
	if err != nil {
		return nil, err
	}
	// A PENDING record was cancelled outright; release any waiter.
	if exec.Status == core.StatusCancelled {
		o.announce(ctx, execID, core.StatusCancelled, "")
	}
	return exec, nil
}
