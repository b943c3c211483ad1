package execution

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/schema"
)

// -----------------------------------------------------------------------------
// Execution
// -----------------------------------------------------------------------------

// Execution is one end-to-end invocation of a registered function.
type Execution struct {
	ExecID      core.ID          `json:"exec_id"      db:"exec_id"`
	Function    core.FunctionRef `json:"function"`
	TriggerType core.TriggerType `json:"trigger_type" db:"trigger_type"`
	TriggerID   string           `json:"trigger_id,omitempty" db:"trigger_id"`
	Status      core.StatusType  `json:"status"       db:"status"`

	Input     core.Input   `json:"input"`
	Output    *core.Output `json:"output,omitempty"`
	Error     *string      `json:"error,omitempty"     db:"error"`
	Traceback *string      `json:"traceback,omitempty" db:"traceback"`

	StartedAt   time.Time  `json:"started_at"             db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMS  *int64     `json:"duration_ms,omitempty"  db:"duration_ms"`
	UpdatedAt   time.Time  `json:"updated_at"             db:"updated_at"`

	// ChatID survives deletion of the owning conversation via set-null.
	ChatID *core.ID `json:"chat_id,omitempty" db:"chat_id"`

	// CancelRequested is the cooperative cancellation flag. It is the
	// only field another request may write while a worker owns the row.
	CancelRequested bool `json:"cancel_requested" db:"cancel_requested"`

	// Continuation triple. Non-null exactly when the execution is (or
	// was last) AWAITING_INPUT.
	GeneratorState []byte         `json:"-"                      db:"generator_state"`
	InputPrompt    *string        `json:"input_prompt,omitempty" db:"input_prompt"`
	InputSchema    *schema.Schema `json:"input_schema,omitempty"`
}

// NewExecution builds a PENDING execution for the given trigger.
func NewExecution(fn core.FunctionRef, trigger core.TriggerType, triggerID string, input core.Input) (*Execution, error) {
	if fn.IsZero() {
		return nil, core.NewValidationError("function", "function reference is required")
	}
	if !trigger.IsValid() {
		return nil, core.NewValidationError("trigger_type", fmt.Sprintf("unknown trigger type %q", trigger))
	}
	id, err := core.NewID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Execution{
		ExecID:      id,
		Function:    fn,
		TriggerType: trigger,
		TriggerID:   triggerID,
		Status:      core.StatusPending,
		Input:       input,
		StartedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (e *Execution) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// HasContinuation reports whether the full continuation triple is
// present on the record.
func (e *Execution) HasContinuation() bool {
	return len(e.GeneratorState) > 0 && e.InputPrompt != nil && e.InputSchema != nil
}

// ClearContinuation drops the triple after a successful resume reaches
// a new state.
func (e *Execution) ClearContinuation() {
	e.GeneratorState = nil
	e.InputPrompt = nil
	e.InputSchema = nil
}

// -----------------------------------------------------------------------------
// StepExecution
// -----------------------------------------------------------------------------

// StepExecution records one nested function call made during an
// Execution. Steps of one execution run sequentially inside the worker
// handling it, so started_at order equals causal order.
type StepExecution struct {
	StepID   core.ID          `json:"step_id" db:"step_id"`
	ExecID   core.ID          `json:"exec_id" db:"exec_id"`
	Function core.FunctionRef `json:"function"`
	Status   core.StatusType  `json:"status"  db:"status"`

	Input  core.Input   `json:"input"`
	Output *core.Output `json:"output,omitempty"`
	Error  *string      `json:"error,omitempty" db:"error"`

	StartedAt   time.Time  `json:"started_at"             db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMS  *int64     `json:"duration_ms,omitempty"  db:"duration_ms"`
}

// NewStepExecution builds a RUNNING step scoped to its parent.
func NewStepExecution(execID core.ID, fn core.FunctionRef, input core.Input) (*StepExecution, error) {
	if execID.IsZero() {
		return nil, core.NewValidationError("exec_id", "parent execution id is required")
	}
	id, err := core.NewID()
	if err != nil {
		return nil, err
	}
	return &StepExecution{
		StepID:    id,
		ExecID:    execID,
		Function:  fn,
		Status:    core.StatusRunning,
		Input:     input,
		StartedAt: time.Now().UTC(),
	}, nil
}

// -----------------------------------------------------------------------------
// Filter
// -----------------------------------------------------------------------------

// MaxListLimit caps a single listing page. Repositories clamp
// oversized or unset limits to it; the API rejects anything above.
const MaxListLimit = 1000

// Filter narrows execution listings for the query interface.
type Filter struct {
	FunctionNS   *string
	FunctionName *string
	Status       *core.StatusType
	TriggerType  *core.TriggerType
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// EffectiveLimit returns the page size to apply: Limit bounded to
// (0, MaxListLimit], with zero and oversized values clamped to the cap.
func (f *Filter) EffectiveLimit() int {
	if f == nil || f.Limit <= 0 || f.Limit > MaxListLimit {
		return MaxListLimit
	}
	return f.Limit
}

// -----------------------------------------------------------------------------
// Database representations
// -----------------------------------------------------------------------------

type ExecutionDB struct {
	ExecID          core.ID          `db:"exec_id"`
	FunctionNS      string           `db:"function_ns"`
	FunctionName    string           `db:"function_name"`
	TriggerType     core.TriggerType `db:"trigger_type"`
	TriggerID       sql.NullString   `db:"trigger_id"`
	Status          core.StatusType  `db:"status"`
	InputRaw        []byte           `db:"input"`
	OutputRaw       []byte           `db:"output"`
	ErrorRaw        sql.NullString   `db:"error"`
	TracebackRaw    sql.NullString   `db:"traceback"`
	StartedAt       time.Time        `db:"started_at"`
	CompletedAt     sql.NullTime     `db:"completed_at"`
	DurationMS      sql.NullInt64    `db:"duration_ms"`
	UpdatedAt       time.Time        `db:"updated_at"`
	ChatID          sql.NullString   `db:"chat_id"`
	CancelRequested bool             `db:"cancel_requested"`
	GeneratorState  []byte           `db:"generator_state"`
	InputPrompt     sql.NullString   `db:"input_prompt"`
	InputSchemaRaw  []byte           `db:"input_schema"`
}

// ToExecution converts the row representation with JSON unmarshaling.
func (db *ExecutionDB) ToExecution() (*Execution, error) {
	exec := &Execution{
		ExecID:          db.ExecID,
		Function:        core.FunctionRef{Namespace: db.FunctionNS, Name: db.FunctionName},
		TriggerType:     db.TriggerType,
		Status:          db.Status,
		StartedAt:       db.StartedAt,
		UpdatedAt:       db.UpdatedAt,
		CancelRequested: db.CancelRequested,
		GeneratorState:  db.GeneratorState,
	}
	if db.TriggerID.Valid {
		exec.TriggerID = db.TriggerID.String
	}
	if db.InputRaw != nil {
		if err := json.Unmarshal(db.InputRaw, &exec.Input); err != nil {
			return nil, fmt.Errorf("unmarshaling input: %w", err)
		}
	}
	if db.OutputRaw != nil {
		var output core.Output
		if err := json.Unmarshal(db.OutputRaw, &output); err != nil {
			return nil, fmt.Errorf("unmarshaling output: %w", err)
		}
		exec.Output = &output
	}
	if db.ErrorRaw.Valid {
		exec.Error = &db.ErrorRaw.String
	}
	if db.TracebackRaw.Valid {
		exec.Traceback = &db.TracebackRaw.String
	}
	if db.CompletedAt.Valid {
		completedAt := db.CompletedAt.Time
		exec.CompletedAt = &completedAt
	}
	if db.DurationMS.Valid {
		duration := db.DurationMS.Int64
		exec.DurationMS = &duration
	}
	if db.ChatID.Valid {
		chatID := core.ID(db.ChatID.String)
		exec.ChatID = &chatID
	}
	if db.InputPrompt.Valid {
		exec.InputPrompt = &db.InputPrompt.String
	}
	if db.InputSchemaRaw != nil {
		var inputSchema schema.Schema
		if err := json.Unmarshal(db.InputSchemaRaw, &inputSchema); err != nil {
			return nil, fmt.Errorf("unmarshaling input schema: %w", err)
		}
		exec.InputSchema = &inputSchema
	}
	return exec, nil
}

type StepExecutionDB struct {
	StepID       core.ID         `db:"step_id"`
	ExecID       core.ID         `db:"exec_id"`
	FunctionNS   string          `db:"function_ns"`
	FunctionName string          `db:"function_name"`
	Status       core.StatusType `db:"status"`
	InputRaw     []byte          `db:"input"`
	OutputRaw    []byte          `db:"output"`
	ErrorRaw     sql.NullString  `db:"error"`
	StartedAt    time.Time       `db:"started_at"`
	CompletedAt  sql.NullTime    `db:"completed_at"`
	DurationMS   sql.NullInt64   `db:"duration_ms"`
}

func (db *StepExecutionDB) ToStepExecution() (*StepExecution, error) {
	step := &StepExecution{
		StepID:    db.StepID,
		ExecID:    db.ExecID,
		Function:  core.FunctionRef{Namespace: db.FunctionNS, Name: db.FunctionName},
		Status:    db.Status,
		StartedAt: db.StartedAt,
	}
	if db.InputRaw != nil {
		if err := json.Unmarshal(db.InputRaw, &step.Input); err != nil {
			return nil, fmt.Errorf("unmarshaling step input: %w", err)
		}
	}
	if db.OutputRaw != nil {
		var output core.Output
		if err := json.Unmarshal(db.OutputRaw, &output); err != nil {
			return nil, fmt.Errorf("unmarshaling step output: %w", err)
		}
		step.Output = &output
	}
	if db.ErrorRaw.Valid {
		step.Error = &db.ErrorRaw.String
	}
	if db.CompletedAt.Valid {
		completedAt := db.CompletedAt.Time
		step.CompletedAt = &completedAt
	}
	if db.DurationMS.Valid {
		duration := db.DurationMS.Int64
		step.DurationMS = &duration
	}
	return step, nil
}
