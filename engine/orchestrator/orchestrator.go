// Package orchestrator drives one execution from claim to a terminal
// or suspended state: it invokes the backend, records steps, writes
// the log stream and announces the result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sinas-platform/sinas/engine/backend"
	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/dispatch"
	"github.com/sinas-platform/sinas/engine/execution"
	"github.com/sinas-platform/sinas/engine/infra/cache"
	"github.com/sinas-platform/sinas/engine/logstream"
	"github.com/sinas-platform/sinas/pkg/logger"
)

// Config tunes orchestration behavior.
type Config struct {
	// HeartbeatInterval is how often updated_at is touched while the
	// backend runs, keeping long executions ahead of the reaper.
	HeartbeatInterval time.Duration
}

func DefaultConfig() *Config {
	return &Config{HeartbeatInterval: 30 * time.Second}
}

type Orchestrator struct {
	repo       execution.Repository
	backend    backend.Backend
	logs       *logstream.Stream
	bus        cache.ResultBus
	dispatcher *dispatch.Dispatcher
	config     *Config
}

func New(
	repo execution.Repository,
	be backend.Backend,
	logs *logstream.Stream,
	bus cache.ResultBus,
	dispatcher *dispatch.Dispatcher,
	config *Config,
) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Orchestrator{
		repo:       repo,
		backend:    be,
		logs:       logs,
		bus:        bus,
		dispatcher: dispatcher,
		config:     config,
	}
}

// Process handles one dequeued job end to end. It returns an error
// only for infrastructure failures worth surfacing to the worker
// loop; a failing function is a handled outcome, not an error.
func (o *Orchestrator) Process(ctx context.Context, job *dispatch.Job) error {
	exec, err := o.acquire(ctx, job)
	if err != nil {
		return err
	}
	if exec == nil {
		// Lost the claim race or the job is stale.
		return nil
	}
	writer := logstream.NewWriter(o.logs, exec.ExecID)
	if job.Resume {
		writer.Info(ctx, "execution resumed", nil)
	} else {
		writer.Info(ctx, "execution started", map[string]any{
			"function": exec.Function.String(),
			"trigger":  string(exec.TriggerType),
		})
	}
	if o.cancelRequested(ctx, exec.ExecID) {
		return o.finishCancelled(ctx, exec.ExecID, writer)
	}
	outcome, invokeErr := o.invoke(ctx, exec, job, writer)
	if invokeErr != nil {
		return o.finishFailed(ctx, exec.ExecID, invokeErr, writer)
	}
	if outcome.Suspended() {
		if o.cancelRequested(ctx, exec.ExecID) {
			return o.finishCancelled(ctx, exec.ExecID, writer)
		}
		return o.suspend(ctx, exec.ExecID, outcome.Suspension, writer)
	}
	return o.finishCompleted(ctx, exec.ExecID, outcome.Output, writer)
}

// acquire turns the job into an owned execution. New jobs claim the
// PENDING row; resume jobs were already claimed by Resume, so the row
// must be RUNNING with its continuation intact.
func (o *Orchestrator) acquire(ctx context.Context, job *dispatch.Job) (*execution.Execution, error) {
	log := logger.FromContext(ctx).With("exec_id", job.ExecID)
	if job.Resume {
		exec, err := o.repo.GetExecution(ctx, job.ExecID)
		if err != nil {
			if errors.Is(err, core.ErrExecutionNotFound) {
				log.Warn("resume job for unknown execution, dropping")
				return nil, nil
			}
			return nil, err
		}
		if exec.Status != core.StatusRunning || !exec.HasContinuation() {
			log.Warn("stale resume job, dropping", "status", exec.Status)
			return nil, nil
		}
		return exec, nil
	}
	exec, err := o.repo.ClaimPending(ctx, job.ExecID)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyClaimed) {
			log.Debug("execution already claimed by another worker")
			return nil, nil
		}
		if errors.Is(err, core.ErrExecutionNotFound) {
			log.Warn("job for unknown execution, dropping")
			return nil, nil
		}
		return nil, err
	}
	return exec, nil
}

func (o *Orchestrator) invoke(
	ctx context.Context,
	exec *execution.Execution,
	job *dispatch.Job,
	writer *logstream.Writer,
) (*backend.Outcome, error) {
	ic := &backend.InvocationContext{
		ExecID:   exec.ExecID,
		Function: exec.Function,
		Input:    exec.Input,
		Log:      writer,
		Steps:    newStepRunner(o, exec, writer),
	}
	if job.Resume {
		ic.State = exec.GeneratorState
		ic.ResumeInput = job.ResumeInput
	}
	stop := o.startHeartbeat(ctx, exec.ExecID)
	defer stop()
	return o.backend.Invoke(ctx, ic)
}

// startHeartbeat touches updated_at until stopped.
func (o *Orchestrator) startHeartbeat(ctx context.Context, execID core.ID) func() {
	if o.config.HeartbeatInterval <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := o.repo.TouchExecution(hbCtx, execID); err != nil {
					logger.FromContext(ctx).Warn("heartbeat touch failed", "exec_id", execID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (o *Orchestrator) cancelRequested(ctx context.Context, execID core.ID) bool {
	requested, err := o.repo.IsCancelRequested(ctx, execID)
	if err != nil {
		logger.FromContext(ctx).Warn("cancel flag check failed", "exec_id", execID, "error", err)
		return false
	}
	return requested
}

func (o *Orchestrator) finishCompleted(
	ctx context.Context,
	execID core.ID,
	output *core.Output,
	writer *logstream.Writer,
) error {
	if _, err := o.repo.CompleteExecution(ctx, execID, output); err != nil {
		return fmt.Errorf("completing execution %s: %w", execID, err)
	}
	writer.Info(ctx, "execution completed", nil)
	o.announce(ctx, execID, core.StatusCompleted, "")
	return nil
}

func (o *Orchestrator) finishFailed(
	ctx context.Context,
	execID core.ID,
	invokeErr error,
	writer *logstream.Writer,
) error {
	msg := invokeErr.Error()
	var traceback *string
	var backendErr *core.BackendError
	if errors.As(invokeErr, &backendErr) && backendErr.Traceback != "" {
		traceback = &backendErr.Traceback
	}
	if _, err := o.repo.FailExecution(ctx, execID, msg, traceback); err != nil {
		return fmt.Errorf("failing execution %s: %w", execID, err)
	}
	writer.Error(ctx, "execution failed", map[string]any{"error": msg})
	o.announce(ctx, execID, core.StatusFailed, msg)
	return nil
}

func (o *Orchestrator) finishCancelled(ctx context.Context, execID core.ID, writer *logstream.Writer) error {
	if _, err := o.repo.MarkCancelled(ctx, execID); err != nil {
		return fmt.Errorf("cancelling execution %s: %w", execID, err)
	}
	writer.Info(ctx, "execution cancelled", nil)
	o.announce(ctx, execID, core.StatusCancelled, "")
	return nil
}

func (o *Orchestrator) suspend(
	ctx context.Context,
	execID core.ID,
	susp *backend.Suspension,
	writer *logstream.Writer,
) error {
	inputSchema := susp.Schema
	if _, err := o.repo.SuspendExecution(ctx, execID, susp.State, susp.Prompt, &inputSchema); err != nil {
		return fmt.Errorf("suspending execution %s: %w", execID, err)
	}
	writer.Info(ctx, "execution awaiting input", map[string]any{"prompt": susp.Prompt})
	// Suspension releases synchronous waiters too; they read the
	// prompt and schema off the record.
	o.announce(ctx, execID, core.StatusAwaitingInput, "")
	return nil
}

// announce publishes the result event. Announcement failure is logged
// and swallowed; waiters still have their timeout.
func (o *Orchestrator) announce(ctx context.Context, execID core.ID, status core.StatusType, errMsg string) {
	err := o.bus.PublishResult(ctx, &cache.ResultEvent{
		ExecID:    execID,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		logger.FromContext(ctx).Warn("result announcement failed", "exec_id", execID, "error", err)
	}
}
