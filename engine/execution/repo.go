package execution

import (
	"context"
	"time"

	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/schema"
)

// Repository persists Execution and StepExecution records and enforces
// the state machine at the storage boundary. Claim operations are
// conditional transitions: they succeed for exactly one caller.
type Repository interface {
	// CreateExecution inserts a new PENDING row.
	CreateExecution(ctx context.Context, exec *Execution) error

	// GetExecution loads a single execution by id.
	GetExecution(ctx context.Context, execID core.ID) (*Execution, error)

	// ListExecutions returns executions matching the filter ordered by
	// started_at descending.
	ListExecutions(ctx context.Context, filter *Filter) ([]*Execution, error)

	// ClaimPending atomically transitions PENDING→RUNNING and returns
	// the claimed record. Returns core.ErrAlreadyClaimed when another
	// worker won the row or it is no longer PENDING.
	ClaimPending(ctx context.Context, execID core.ID) (*Execution, error)

	// ClaimAwaitingInput atomically transitions AWAITING_INPUT→RUNNING
	// for a resume job. Same contention semantics as ClaimPending.
	ClaimAwaitingInput(ctx context.Context, execID core.ID) (*Execution, error)

	// CompleteExecution transitions RUNNING→COMPLETED, storing output
	// and setting completed_at/duration_ms exactly once.
	CompleteExecution(ctx context.Context, execID core.ID, output *core.Output) (*Execution, error)

	// FailExecution transitions RUNNING→FAILED capturing error and
	// traceback. Used for backend failures and reaper force-fails.
	FailExecution(ctx context.Context, execID core.ID, errMsg string, traceback *string) (*Execution, error)

	// SuspendExecution transitions RUNNING→AWAITING_INPUT persisting
	// the continuation triple.
	SuspendExecution(
		ctx context.Context,
		execID core.ID,
		generatorState []byte,
		prompt string,
		inputSchema *schema.Schema,
	) (*Execution, error)

	// MarkCancelled transitions RUNNING→CANCELLED once the invocation
	// honors the cooperative flag at a checkpoint.
	MarkCancelled(ctx context.Context, execID core.ID) (*Execution, error)

	// RequestCancel sets the cancellation flag in an isolated
	// single-column write. A PENDING row is cancelled outright since no
	// worker owns it yet.
	RequestCancel(ctx context.Context, execID core.ID) error

	// IsCancelRequested reads the cooperative flag.
	IsCancelRequested(ctx context.Context, execID core.ID) (bool, error)

	// TouchExecution bumps updated_at so the reaper sees progress.
	TouchExecution(ctx context.Context, execID core.ID) error

	// ReapStuck force-fails RUNNING rows whose updated_at is older than
	// the grace period and returns the affected ids.
	ReapStuck(ctx context.Context, grace time.Duration) ([]core.ID, error)

	// DeleteExecution removes the execution and, through cascade, all
	// of its step executions.
	DeleteExecution(ctx context.Context, execID core.ID) error

	// DetachChat clears chat_id on executions owned by a deleted
	// conversation (set-null, not cascade).
	DetachChat(ctx context.Context, chatID core.ID) error

	// CreateStep inserts a RUNNING step row for a nested call.
	CreateStep(ctx context.Context, step *StepExecution) error

	// FinishStep records the terminal status, output or error, and
	// timing of a nested call.
	FinishStep(ctx context.Context, step *StepExecution) error

	// ListSteps returns the call graph of an execution ordered by
	// started_at ascending.
	ListSteps(ctx context.Context, execID core.ID) ([]*StepExecution, error)
}
