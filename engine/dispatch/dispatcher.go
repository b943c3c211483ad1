// Package dispatch owns the hand-off between trigger code and
// workers: a Redis list of execution jobs with competing consumers.
// Ordering is FIFO per queue but never guaranteed across executions.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/execution"
	"github.com/sinas-platform/sinas/engine/infra/cache"
	"github.com/sinas-platform/sinas/pkg/logger"
)

// Job is the queue payload. Resume jobs carry the validated resume
// input; the continuation itself stays in Postgres.
type Job struct {
	ExecID      core.ID    `json:"exec_id"`
	Resume      bool       `json:"resume,omitempty"`
	ResumeInput core.Input `json:"resume_input,omitempty"`
}

// Request describes a new top-level execution to dispatch.
type Request struct {
	Function    core.FunctionRef
	TriggerType core.TriggerType
	TriggerID   string
	Input       core.Input
	ChatID      *core.ID
}

// Config tunes queue behavior.
type Config struct {
	QueueKey           string
	DefaultWaitTimeout time.Duration
	MaxWaitTimeout     time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		QueueKey:           "execution:queue",
		DefaultWaitTimeout: 30 * time.Second,
		MaxWaitTimeout:     5 * time.Minute,
	}
}

// Dispatcher creates execution records and pushes their jobs.
type Dispatcher struct {
	repo   execution.Repository
	client cache.RedisInterface
	bus    cache.ResultBus
	config *Config
}

func NewDispatcher(
	repo execution.Repository,
	client cache.RedisInterface,
	bus cache.ResultBus,
	config *Config,
) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}
	return &Dispatcher{repo: repo, client: client, bus: bus, config: config}
}

// Enqueue creates a PENDING execution and pushes its job
// fire-and-forget. When Redis is known-down the dispatch fails before
// any record exists; a push failure after record creation marks the
// record FAILED fast so nothing dangles in PENDING forever.
func (d *Dispatcher) Enqueue(ctx context.Context, req *Request) (*execution.Execution, error) {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return nil, &core.DispatchError{Err: fmt.Errorf("queue unavailable: %w", err)}
	}
	exec, err := execution.NewExecution(req.Function, req.TriggerType, req.TriggerID, req.Input)
	if err != nil {
		return nil, err
	}
	exec.ChatID = req.ChatID
	if err := d.repo.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := d.push(ctx, &Job{ExecID: exec.ExecID}); err != nil {
		return nil, d.failFast(ctx, exec.ExecID, err)
	}
	return exec, nil
}

// EnqueueAndWait dispatches like Enqueue but then parks the caller on
// the execution's result channel. The subscription opens before the
// push so the completion event cannot slip past the waiter. On
// timeout the caller gets a WaitTimeoutError carrying the id; the
// execution keeps running.
func (d *Dispatcher) EnqueueAndWait(
	ctx context.Context,
	req *Request,
	timeout time.Duration,
) (*execution.Execution, error) {
	timeout = d.clampTimeout(timeout)
	if err := d.client.Ping(ctx).Err(); err != nil {
		return nil, &core.DispatchError{Err: fmt.Errorf("queue unavailable: %w", err)}
	}
	exec, err := execution.NewExecution(req.Function, req.TriggerType, req.TriggerID, req.Input)
	if err != nil {
		return nil, err
	}
	exec.ChatID = req.ChatID
	events, cancel, err := d.bus.SubscribeResult(ctx, exec.ExecID)
	if err != nil {
		return nil, &core.DispatchError{Err: err}
	}
	defer cancel()
	if err := d.repo.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := d.push(ctx, &Job{ExecID: exec.ExecID}); err != nil {
		return nil, d.failFast(ctx, exec.ExecID, err)
	}
	return d.await(ctx, exec.ExecID, events, timeout)
}

// EnqueueResume pushes a resume job for an already-claimed execution.
// The caller has validated the input and CAS-claimed the record.
func (d *Dispatcher) EnqueueResume(ctx context.Context, execID core.ID, input core.Input) error {
	if err := d.push(ctx, &Job{ExecID: execID, Resume: true, ResumeInput: input}); err != nil {
		return d.failFast(ctx, execID, err)
	}
	return nil
}

// WaitForResult parks the caller until the execution reaches a
// terminal status or suspends. Used for resume-and-wait flows where
// the job is already in flight; callers racing the completion may
// still observe it because the current record is consulted after
// subscribing.
func (d *Dispatcher) WaitForResult(
	ctx context.Context,
	execID core.ID,
	timeout time.Duration,
) (*execution.Execution, error) {
	timeout = d.clampTimeout(timeout)
	events, cancel, err := d.bus.SubscribeResult(ctx, execID)
	if err != nil {
		return nil, &core.DispatchError{Err: err}
	}
	defer cancel()
	exec, err := d.repo.GetExecution(ctx, execID)
	if err != nil {
		return nil, err
	}
	if exec.IsTerminal() || exec.Status == core.StatusAwaitingInput {
		return exec, nil
	}
	return d.await(ctx, execID, events, timeout)
}

// Dequeue blocks up to timeout for the next job. Returns (nil, nil)
// when the queue stayed empty.
func (d *Dispatcher) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := d.client.BRPop(ctx, timeout, d.config.QueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &core.DispatchError{Err: err}
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, &core.DispatchError{Err: fmt.Errorf("unexpected BRPOP reply of length %d", len(res))}
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, &core.DispatchError{Err: fmt.Errorf("decoding job payload: %w", err)}
	}
	return &job, nil
}

// QueueDepth reports the number of jobs waiting.
func (d *Dispatcher) QueueDepth(ctx context.Context) (int64, error) {
	depth, err := d.client.LLen(ctx, d.config.QueueKey).Result()
	if err != nil {
		return 0, &core.DispatchError{Err: err}
	}
	return depth, nil
}

func (d *Dispatcher) push(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job payload: %w", err)
	}
	if err := d.client.LPush(ctx, d.config.QueueKey, payload).Err(); err != nil {
		return fmt.Errorf("pushing job: %w", err)
	}
	return nil
}

// failFast marks the record FAILED after a push failure so the caller
// never waits on a job that was never queued. A still-PENDING record
// is claimed first; FAILED is only reachable from RUNNING.
func (d *Dispatcher) failFast(ctx context.Context, execID core.ID, pushErr error) error {
	if _, err := d.repo.ClaimPending(ctx, execID); err != nil && !errors.Is(err, core.ErrAlreadyClaimed) {
		logger.FromContext(ctx).Error(
			"failed to claim undispatched execution",
			"exec_id", execID,
			"error", err,
		)
		return &core.DispatchError{Err: pushErr}
	}
	msg := fmt.Sprintf("dispatch failed: %v", pushErr)
	if _, err := d.repo.FailExecution(ctx, execID, msg, nil); err != nil {
		logger.FromContext(ctx).Error(
			"failed to mark undispatched execution as failed",
			"exec_id", execID,
			"error", err,
		)
	}
	return &core.DispatchError{Err: pushErr}
}

func (d *Dispatcher) await(
	ctx context.Context,
	execID core.ID,
	events <-chan cache.ResultEvent,
	timeout time.Duration,
) (*execution.Execution, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &core.WaitTimeoutError{ExecID: execID, Timeout: timeout}
	case _, ok := <-events:
		if !ok {
			// Bus shut down before a result arrived; the record may
			// still be in flight, so report a wait failure instead of
			// returning it as settled.
			return nil, &core.DispatchError{Err: fmt.Errorf("result subscription closed while waiting for %s", execID)}
		}
		return d.repo.GetExecution(ctx, execID)
	}
}

func (d *Dispatcher) clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return d.config.DefaultWaitTimeout
	}
	if timeout > d.config.MaxWaitTimeout {
		return d.config.MaxWaitTimeout
	}
	return timeout
}
