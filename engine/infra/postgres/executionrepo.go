package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/execution"
	"github.com/sinas-platform/sinas/engine/schema"
)

var executionColumns = []string{
	"exec_id",
	"function_ns",
	"function_name",
	"trigger_type",
	"trigger_id",
	"status",
	"input",
	"output",
	"error",
	"traceback",
	"started_at",
	"completed_at",
	"duration_ms",
	"updated_at",
	"chat_id",
	"cancel_requested",
	"generator_state",
	"input_prompt",
	"input_schema",
}

const executionColumnsSQL = "exec_id, function_ns, function_name, trigger_type, trigger_id, " +
	"status, input, output, error, traceback, started_at, completed_at, duration_ms, " +
	"updated_at, chat_id, cancel_requested, generator_state, input_prompt, input_schema"

const stepColumnsSQL = "step_id, exec_id, function_ns, function_name, status, input, " +
	"output, error, started_at, completed_at, duration_ms"

// durationMSSQL computes duration_ms from the row's own started_at at
// the moment of the terminal transition, so it is set exactly once.
const durationMSSQL = "(EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::bigint"

// DB is the minimal database interface ExecutionRepo depends on
// (pgxpool or pgxmock).
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ExecutionRepo implements execution.Repository backed by a
// pgx-compatible pool.
type ExecutionRepo struct {
	db DB
}

var _ execution.Repository = (*ExecutionRepo)(nil)

func NewExecutionRepo(db DB) *ExecutionRepo {
	return &ExecutionRepo{db: db}
}

func toJSONB(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshaling jsonb: %w", err)
	}
	return data, nil
}

// CreateExecution inserts a new PENDING row.
func (r *ExecutionRepo) CreateExecution(ctx context.Context, exec *execution.Execution) error {
	if exec.Status != core.StatusPending {
		return fmt.Errorf("%w: executions are created PENDING, got %s", core.ErrInvalidTransition, exec.Status)
	}
	input, err := toJSONB(exec.Input)
	if err != nil {
		return fmt.Errorf("marshaling input: %w", err)
	}
	var triggerID *string
	if exec.TriggerID != "" {
		triggerID = &exec.TriggerID
	}
	var chatID *string
	if exec.ChatID != nil {
		s := exec.ChatID.String()
		chatID = &s
	}
	query := `
        INSERT INTO executions (
            exec_id, function_ns, function_name, trigger_type, trigger_id,
            status, input, started_at, updated_at, chat_id
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `
	args := []any{
		exec.ExecID, exec.Function.Namespace, exec.Function.Name,
		exec.TriggerType, triggerID, exec.Status, input,
		exec.StartedAt, exec.UpdatedAt, chatID,
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by id.
func (r *ExecutionRepo) GetExecution(ctx context.Context, execID core.ID) (*execution.Execution, error) {
	query := fmt.Sprintf("SELECT %s FROM executions WHERE exec_id = $1", executionColumnsSQL)
	var row execution.ExecutionDB
	if err := pgxscan.Get(ctx, r.db, &row, query, execID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("scanning execution: %w", err)
	}
	return row.ToExecution()
}

// ListExecutions retrieves executions matching the filter, most recent
// first.
func (r *ExecutionRepo) ListExecutions(
	ctx context.Context,
	filter *execution.Filter,
) ([]*execution.Execution, error) {
	sb := squirrel.Select(executionColumns...).
		From("executions").
		OrderBy("started_at DESC").
		PlaceholderFormat(squirrel.Dollar)
	sb = applyExecutionFilter(sb, filter)
	sql, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var rows []*execution.ExecutionDB
	if err := pgxscan.Select(ctx, r.db, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("scanning executions: %w", err)
	}
	return convertExecutions(rows)
}

func applyExecutionFilter(sb squirrel.SelectBuilder, filter *execution.Filter) squirrel.SelectBuilder {
	if filter == nil {
		return sb.Limit(uint64(execution.MaxListLimit))
	}
	if filter.FunctionNS != nil {
		sb = sb.Where(squirrel.Eq{"function_ns": *filter.FunctionNS})
	}
	if filter.FunctionName != nil {
		sb = sb.Where(squirrel.Eq{"function_name": *filter.FunctionName})
	}
	if filter.Status != nil {
		sb = sb.Where(squirrel.Eq{"status": *filter.Status})
	}
	if filter.TriggerType != nil {
		sb = sb.Where(squirrel.Eq{"trigger_type": *filter.TriggerType})
	}
	if filter.Since != nil {
		sb = sb.Where(squirrel.GtOrEq{"started_at": *filter.Since})
	}
	if filter.Until != nil {
		sb = sb.Where(squirrel.Lt{"started_at": *filter.Until})
	}
	sb = sb.Limit(uint64(filter.EffectiveLimit()))
	if filter.Offset > 0 {
		sb = sb.Offset(uint64(filter.Offset))
	}
	return sb
}

func convertExecutions(rows []*execution.ExecutionDB) ([]*execution.Execution, error) {
	execs := make([]*execution.Execution, 0, len(rows))
	for _, row := range rows {
		exec, err := row.ToExecution()
		if err != nil {
			return nil, fmt.Errorf("converting execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

// ClaimPending atomically transitions PENDING→RUNNING. Exactly one
// concurrent claimant succeeds; the rest observe core.ErrAlreadyClaimed.
func (r *ExecutionRepo) ClaimPending(ctx context.Context, execID core.ID) (*execution.Execution, error) {
	return r.claimFrom(ctx, execID, core.StatusPending)
}

// ClaimAwaitingInput atomically transitions AWAITING_INPUT→RUNNING for
// a resume job.
func (r *ExecutionRepo) ClaimAwaitingInput(ctx context.Context, execID core.ID) (*execution.Execution, error) {
	return r.claimFrom(ctx, execID, core.StatusAwaitingInput)
}

func (r *ExecutionRepo) claimFrom(
	ctx context.Context,
	execID core.ID,
	from core.StatusType,
) (*execution.Execution, error) {
	query := fmt.Sprintf(`
        UPDATE executions
        SET status = $1, updated_at = now()
        WHERE exec_id = $2 AND status = $3
        RETURNING %s
    `, executionColumnsSQL)
	var row execution.ExecutionDB
	err := pgxscan.Get(ctx, r.db, &row, query, core.StatusRunning, execID, from)
	if err == nil {
		return row.ToExecution()
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claiming execution: %w", err)
	}
	// Distinguish a lost race from a missing row.
	if _, getErr := r.GetExecution(ctx, execID); getErr != nil {
		return nil, getErr
	}
	return nil, core.ErrAlreadyClaimed
}

// CompleteExecution transitions RUNNING→COMPLETED, storing output and
// stamping completed_at/duration_ms exactly once.
func (r *ExecutionRepo) CompleteExecution(
	ctx context.Context,
	execID core.ID,
	output *core.Output,
) (*execution.Execution, error) {
	outputJSON, err := toJSONB(output)
	if err != nil {
		return nil, fmt.Errorf("marshaling output: %w", err)
	}
	query := fmt.Sprintf(`
        UPDATE executions
        SET status = $1, output = $2, completed_at = now(), duration_ms = %s,
            updated_at = now(), generator_state = NULL, input_prompt = NULL, input_schema = NULL
        WHERE exec_id = $3 AND status = $4
        RETURNING %s
    `, durationMSSQL, executionColumnsSQL)
	return r.transition(ctx, execID, query, core.StatusCompleted, outputJSON, execID, core.StatusRunning)
}

// FailExecution transitions RUNNING→FAILED capturing error and traceback.
func (r *ExecutionRepo) FailExecution(
	ctx context.Context,
	execID core.ID,
	errMsg string,
	traceback *string,
) (*execution.Execution, error) {
	query := fmt.Sprintf(`
        UPDATE executions
        SET status = $1, error = $2, traceback = $3, completed_at = now(), duration_ms = %s,
            updated_at = now(), generator_state = NULL, input_prompt = NULL, input_schema = NULL
        WHERE exec_id = $4 AND status = $5
        RETURNING %s
    `, durationMSSQL, executionColumnsSQL)
	return r.transition(ctx, execID, query, core.StatusFailed, errMsg, traceback, execID, core.StatusRunning)
}

// SuspendExecution transitions RUNNING→AWAITING_INPUT persisting the
// continuation triple. The generator state is stored as opaque bytes.
func (r *ExecutionRepo) SuspendExecution(
	ctx context.Context,
	execID core.ID,
	generatorState []byte,
	prompt string,
	inputSchema *schema.Schema,
) (*execution.Execution, error) {
	if len(generatorState) == 0 || prompt == "" || inputSchema == nil {
		return nil, core.NewValidationError("continuation", "generator state, prompt and input schema are all required")
	}
	schemaJSON, err := toJSONB(inputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshaling input schema: %w", err)
	}
	query := fmt.Sprintf(`
        UPDATE executions
        SET status = $1, generator_state = $2, input_prompt = $3, input_schema = $4, updated_at = now()
        WHERE exec_id = $5 AND status = $6
        RETURNING %s
    `, executionColumnsSQL)
	return r.transition(
		ctx, execID, query,
		core.StatusAwaitingInput, generatorState, prompt, schemaJSON, execID, core.StatusRunning,
	)
}

// MarkCancelled finalizes a cooperative cancellation from any
// non-terminal state.
func (r *ExecutionRepo) MarkCancelled(ctx context.Context, execID core.ID) (*execution.Execution, error) {
	query := fmt.Sprintf(`
        UPDATE executions
        SET status = $1, completed_at = now(), duration_ms = %s,
            updated_at = now(), generator_state = NULL, input_prompt = NULL, input_schema = NULL
        WHERE exec_id = $2 AND status IN ($3, $4, $5)
        RETURNING %s
    `, durationMSSQL, executionColumnsSQL)
	return r.transition(
		ctx, execID, query,
		core.StatusCancelled, execID, core.StatusPending, core.StatusRunning, core.StatusAwaitingInput,
	)
}

func (r *ExecutionRepo) transition(
	ctx context.Context,
	execID core.ID,
	query string,
	args ...any,
) (*execution.Execution, error) {
	var row execution.ExecutionDB
	err := pgxscan.Get(ctx, r.db, &row, query, args...)
	if err == nil {
		return row.ToExecution()
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("updating execution: %w", err)
	}
	current, getErr := r.GetExecution(ctx, execID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: execution %s is %s", core.ErrInvalidTransition, execID, current.Status)
}

// RequestCancel sets the cooperative cancellation flag. The write
// touches only cancel_requested so it never races the claimant's
// ownership of the rest of the row. A PENDING execution is cancelled
// outright since no worker owns it yet.
func (r *ExecutionRepo) RequestCancel(ctx context.Context, execID core.ID) error {
	tag, err := r.db.Exec(ctx, "UPDATE executions SET cancel_requested = TRUE WHERE exec_id = $1", execID)
	if err != nil {
		return fmt.Errorf("requesting cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrExecutionNotFound
	}
	cancelPending := fmt.Sprintf(`
        UPDATE executions
        SET status = $1, completed_at = now(), duration_ms = %s, updated_at = now()
        WHERE exec_id = $2 AND status = $3
    `, durationMSSQL)
	if _, err := r.db.Exec(ctx, cancelPending, core.StatusCancelled, execID, core.StatusPending); err != nil {
		return fmt.Errorf("cancelling pending execution: %w", err)
	}
	return nil
}

// IsCancelRequested reads the cooperative flag.
func (r *ExecutionRepo) IsCancelRequested(ctx context.Context, execID core.ID) (bool, error) {
	var requested bool
	err := r.db.QueryRow(ctx, "SELECT cancel_requested FROM executions WHERE exec_id = $1", execID).
		Scan(&requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, core.ErrExecutionNotFound
		}
		return false, fmt.Errorf("reading cancel flag: %w", err)
	}
	return requested, nil
}

// TouchExecution bumps updated_at so the reaper sees progress.
func (r *ExecutionRepo) TouchExecution(ctx context.Context, execID core.ID) error {
	if _, err := r.db.Exec(ctx, "UPDATE executions SET updated_at = now() WHERE exec_id = $1", execID); err != nil {
		return fmt.Errorf("touching execution: %w", err)
	}
	return nil
}

// ReapStuck force-fails RUNNING rows abandoned past the grace period
// and returns the affected ids. Safe under concurrent sweeps: the
// conditional update lets each row be reaped once.
func (r *ExecutionRepo) ReapStuck(ctx context.Context, grace time.Duration) ([]core.ID, error) {
	query := fmt.Sprintf(`
        UPDATE executions
        SET status = $1, error = $2, completed_at = now(), duration_ms = %s,
            updated_at = now(), generator_state = NULL, input_prompt = NULL, input_schema = NULL
        WHERE status = $3 AND updated_at < now() - ($4 * interval '1 millisecond')
        RETURNING exec_id
    `, durationMSSQL)
	rows, err := r.db.Query(
		ctx, query,
		core.StatusFailed, core.StuckExecutionMessage, core.StatusRunning, grace.Milliseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("reaping stuck executions: %w", err)
	}
	defer rows.Close()
	var reaped []core.ID
	for rows.Next() {
		var id core.ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning reaped id: %w", err)
		}
		reaped = append(reaped, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reaped ids: %w", err)
	}
	return reaped, nil
}

// DeleteExecution removes the execution; step rows go with it through
// the ON DELETE CASCADE constraint.
func (r *ExecutionRepo) DeleteExecution(ctx context.Context, execID core.ID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM executions WHERE exec_id = $1", execID)
	if err != nil {
		return fmt.Errorf("deleting execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrExecutionNotFound
	}
	return nil
}

// DetachChat clears chat_id on executions owned by a deleted
// conversation. Set-null, not cascade: the records outlive the chat.
func (r *ExecutionRepo) DetachChat(ctx context.Context, chatID core.ID) error {
	if _, err := r.db.Exec(ctx, "UPDATE executions SET chat_id = NULL WHERE chat_id = $1", chatID); err != nil {
		return fmt.Errorf("detaching chat: %w", err)
	}
	return nil
}

// CreateStep inserts a RUNNING step row for a nested call.
func (r *ExecutionRepo) CreateStep(ctx context.Context, step *execution.StepExecution) error {
	if !core.ValidStepStatus(step.Status) {
		return fmt.Errorf("%w: step executions cannot be AWAITING_INPUT", core.ErrInvalidTransition)
	}
	input, err := toJSONB(step.Input)
	if err != nil {
		return fmt.Errorf("marshaling step input: %w", err)
	}
	query := `
        INSERT INTO step_executions (
            step_id, exec_id, function_ns, function_name, status, input, started_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)
    `
	args := []any{
		step.StepID, step.ExecID, step.Function.Namespace, step.Function.Name,
		step.Status, input, step.StartedAt,
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting step execution: %w", err)
	}
	return nil
}

// FinishStep records the terminal status, result and timing of a
// nested call.
func (r *ExecutionRepo) FinishStep(ctx context.Context, step *execution.StepExecution) error {
	if !step.Status.IsTerminal() {
		return fmt.Errorf("%w: FinishStep requires a terminal status, got %s", core.ErrInvalidTransition, step.Status)
	}
	output, err := toJSONB(step.Output)
	if err != nil {
		return fmt.Errorf("marshaling step output: %w", err)
	}
	query := `
        UPDATE step_executions
        SET status = $1, output = $2, error = $3,
            completed_at = now(),
            duration_ms = (EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::bigint
        WHERE step_id = $4
    `
	tag, err := r.db.Exec(ctx, query, step.Status, output, step.Error, step.StepID)
	if err != nil {
		return fmt.Errorf("finishing step execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrStepNotFound
	}
	return nil
}

// ListSteps returns the call graph of an execution in causal order.
func (r *ExecutionRepo) ListSteps(ctx context.Context, execID core.ID) ([]*execution.StepExecution, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM step_executions WHERE exec_id = $1 ORDER BY started_at",
		stepColumnsSQL,
	)
	var rows []*execution.StepExecutionDB
	if err := pgxscan.Select(ctx, r.db, &rows, query, execID); err != nil {
		return nil, fmt.Errorf("scanning step executions: %w", err)
	}
	steps := make([]*execution.StepExecution, 0, len(rows))
	for _, row := range rows {
		step, err := row.ToStepExecution()
		if err != nil {
			return nil, fmt.Errorf("converting step execution: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}
