package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/schema"
)

// MemoryRepository is an in-memory Repository with the same
// transition semantics as the Postgres implementation. It backs unit
// tests and single-process experiments; production deployments use
// postgres.ExecutionRepo.
type MemoryRepository struct {
	mu    sync.Mutex
	execs map[core.ID]*Execution
	steps map[core.ID][]*StepExecution
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		execs: make(map[core.ID]*Execution),
		steps: make(map[core.ID][]*StepExecution),
	}
}

func copyExecution(exec *Execution) *Execution {
	dup := *exec
	return &dup
}

func copyStep(step *StepExecution) *StepExecution {
	dup := *step
	return &dup
}

func (r *MemoryRepository) CreateExecution(_ context.Context, exec *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.execs[exec.ExecID]; ok {
		return fmt.Errorf("execution %s already exists", exec.ExecID)
	}
	r.execs[exec.ExecID] = copyExecution(exec)
	return nil
}

func (r *MemoryRepository) GetExecution(_ context.Context, execID core.ID) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[execID]
	if !ok {
		return nil, core.ErrExecutionNotFound
	}
	return copyExecution(exec), nil
}

func (r *MemoryRepository) ListExecutions(_ context.Context, filter *Filter) ([]*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Execution
	for _, exec := range r.execs {
		if matchesFilter(exec, filter) {
			out = append(out, copyExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter != nil && filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if limit := filter.EffectiveLimit(); limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func matchesFilter(exec *Execution, filter *Filter) bool {
	if filter == nil {
		return true
	}
	if filter.FunctionNS != nil && exec.Function.Namespace != *filter.FunctionNS {
		return false
	}
	if filter.FunctionName != nil && exec.Function.Name != *filter.FunctionName {
		return false
	}
	if filter.Status != nil && exec.Status != *filter.Status {
		return false
	}
	if filter.TriggerType != nil && exec.TriggerType != *filter.TriggerType {
		return false
	}
	if filter.Since != nil && exec.StartedAt.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && !exec.StartedAt.Before(*filter.Until) {
		return false
	}
	return true
}

func (r *MemoryRepository) ClaimPending(_ context.Context, execID core.ID) (*Execution, error) {
	return r.claimFrom(execID, core.StatusPending)
}

func (r *MemoryRepository) ClaimAwaitingInput(_ context.Context, execID core.ID) (*Execution, error) {
	return r.claimFrom(execID, core.StatusAwaitingInput)
}

func (r *MemoryRepository) claimFrom(execID core.ID, from core.StatusType) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[execID]
	if !ok {
		return nil, core.ErrExecutionNotFound
	}
	if exec.Status != from {
		return nil, core.ErrAlreadyClaimed
	}
	exec.Status = core.StatusRunning
	exec.UpdatedAt = time.Now().UTC()
	return copyExecution(exec), nil
}

func (r *MemoryRepository) CompleteExecution(_ context.Context, execID core.ID, output *core.Output) (*Execution, error) {
	return r.finish(execID, core.StatusCompleted, func(exec *Execution) {
		exec.Output = output
	})
}

func (r *MemoryRepository) FailExecution(_ context.Context, execID core.ID, errMsg string, traceback *string) (*Execution, error) {
	return r.finish(execID, core.StatusFailed, func(exec *Execution) {
		exec.Error = &errMsg
		exec.Traceback = traceback
	})
}

func (r *MemoryRepository) finish(execID core.ID, to core.StatusType, apply func(*Execution)) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[execID]
	if !ok {
		return nil, core.ErrExecutionNotFound
	}
	if exec.Status != core.StatusRunning {
		return nil, fmt.Errorf("%w: execution %s is %s", core.ErrInvalidTransition, execID, exec.Status)
	}
	now := time.Now().UTC()
	exec.Status = to
	apply(exec)
	exec.CompletedAt = &now
	duration := now.Sub(exec.StartedAt).Milliseconds()
	exec.DurationMS = &duration
	exec.UpdatedAt = now
	exec.ClearContinuation()
	return copyExecution(exec), nil
}

func (r *MemoryRepository) SuspendExecution(
	_ context.Context,
	execID core.ID,
	generatorState []byte,
	prompt string,
	inputSchema *schema.Schema,
) (*Execution, error) {
	if len(generatorState) == 0 || prompt == "" || inputSchema == nil {
		return nil, core.NewValidationError("continuation", "generator state, prompt and input schema are all required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[execID]
	if !ok {
		return nil, core.ErrExecutionNotFound
	}
	if exec.Status != core.StatusRunning {
		return nil, fmt.Errorf("%w: execution %s is %s", core.ErrInvalidTransition, execID, exec.Status)
	}
	exec.Status = core.StatusAwaitingInput
	exec.GeneratorState = generatorState
	exec.InputPrompt = &prompt
	exec.InputSchema = inputSchema
	exec.UpdatedAt = time.Now().UTC()
	return copyExecution(exec), nil
}

func (r *MemoryRepository) MarkCancelled(_ context.Context, execID core.ID) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[execID]
	if !ok {
		return nil, core.ErrExecutionNotFound
	}
	if exec.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: execution %s is %s", core.ErrInvalidTransition, execID, exec.Status)
	}
	now := time.Now().UTC()
	exec.Status = core.StatusCancelled
	exec.CompletedAt = &now
	duration := now.Sub(exec.StartedAt).Milliseconds()
	exec.DurationMS = &duration
	exec.UpdatedAt = now
	exec.ClearContinuation()
	return copyExecution(exec), nil
}

func (r *MemoryRepository) RequestCancel(_ context.Context, execID core.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[execID]
	if !ok {
		return core.ErrExecutionNotFound
	}
	exec.CancelRequested = true
	if exec.Status == core.StatusPending {
		now := time.Now().UTC()
		exec.Status = core.StatusCancelled
		exec.CompletedAt = &now
		duration := now.Sub(exec.StartedAt).Milliseconds()
		exec.DurationMS = &duration
		exec.UpdatedAt = now
	}
	return nil
}

func (r *MemoryRepository) IsCancelRequested(_ context.Context, execID core.ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[execID]
	if !ok {
		return false, core.ErrExecutionNotFound
	}
	return exec.CancelRequested, nil
}

func (r *MemoryRepository) TouchExecution(_ context.Context, execID core.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[execID]
	if !ok {
		return core.ErrExecutionNotFound
	}
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) ReapStuck(_ context.Context, grace time.Duration) ([]core.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-grace)
	var reaped []core.ID
	for id, exec := range r.execs {
		if exec.Status != core.StatusRunning || !exec.UpdatedAt.Before(cutoff) {
			continue
		}
		now := time.Now().UTC()
		msg := core.StuckExecutionMessage
		exec.Status = core.StatusFailed
		exec.Error = &msg
		exec.CompletedAt = &now
		duration := now.Sub(exec.StartedAt).Milliseconds()
		exec.DurationMS = &duration
		exec.UpdatedAt = now
		exec.ClearContinuation()
		reaped = append(reaped, id)
	}
	return reaped, nil
}

func (r *MemoryRepository) DeleteExecution(_ context.Context, execID core.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.execs[execID]; !ok {
		return core.ErrExecutionNotFound
	}
	delete(r.execs, execID)
	delete(r.steps, execID)
	return nil
}

func (r *MemoryRepository) DetachChat(_ context.Context, chatID core.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, exec := range r.execs {
		if exec.ChatID != nil && *exec.ChatID == chatID {
			exec.ChatID = nil
		}
	}
	return nil
}

func (r *MemoryRepository) CreateStep(_ context.Context, step *StepExecution) error {
	if !core.ValidStepStatus(step.Status) {
		return fmt.Errorf("%w: step executions cannot be AWAITING_INPUT", core.ErrInvalidTransition)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.ExecID] = append(r.steps[step.ExecID], copyStep(step))
	return nil
}

func (r *MemoryRepository) FinishStep(_ context.Context, step *StepExecution) error {
	if !step.Status.IsTerminal() {
		return fmt.Errorf("%w: FinishStep requires a terminal status, got %s", core.ErrInvalidTransition, step.Status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stored := range r.steps[step.ExecID] {
		if stored.StepID != step.StepID {
			continue
		}
		now := time.Now().UTC()
		stored.Status = step.Status
		stored.Output = step.Output
		stored.Error = step.Error
		stored.CompletedAt = &now
		duration := now.Sub(stored.StartedAt).Milliseconds()
		stored.DurationMS = &duration
		return nil
	}
	return core.ErrStepNotFound
}

func (r *MemoryRepository) ListSteps(_ context.Context, execID core.ID) ([]*StepExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := make([]*StepExecution, 0, len(r.steps[execID]))
	for _, step := range r.steps[execID] {
		steps = append(steps, copyStep(step))
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StartedAt.Before(steps[j].StartedAt) })
	return steps, nil
}
