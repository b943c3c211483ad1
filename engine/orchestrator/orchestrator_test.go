package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sinas-platform/sinas/engine/backend"
	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/dispatch"
	"github.com/sinas-platform/sinas/engine/execution"
	"github.com/sinas-platform/sinas/engine/infra/cache"
	"github.com/sinas-platform/sinas/engine/logstream"
	"github.com/sinas-platform/sinas/engine/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	repo       *execution.MemoryRepository
	backend    *backend.LocalBackend
	logs       *logstream.Stream
	bus        *cache.RedisResultBus
	dispatcher *dispatch.Dispatcher
	orch       *Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	bus, err := cache.NewRedisResultBus(client, cache.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	logs, err := logstream.NewStream(client, nil)
	require.NoError(t, err)
	repo := execution.NewMemoryRepository()
	be := backend.NewLocalBackend()
	dispatcher := dispatch.NewDispatcher(repo, client, bus, nil)
	orch := New(repo, be, logs, bus, dispatcher, &Config{HeartbeatInterval: 0})
	return &testEnv{
		repo:       repo,
		backend:    be,
		logs:       logs,
		bus:        bus,
		dispatcher: dispatcher,
		orch:       orch,
	}
}

func (env *testEnv) enqueue(t *testing.T, fn core.FunctionRef, input core.Input) *execution.Execution {
	t.Helper()
	exec, err := env.dispatcher.Enqueue(context.Background(), &dispatch.Request{
		Function:    fn,
		TriggerType: core.TriggerManual,
		Input:       input,
	})
	require.NoError(t, err)
	return exec
}

func (env *testEnv) processNext(t *testing.T) {
	t.Helper()
	job, err := env.dispatcher.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, env.orch.Process(context.Background(), job))
}

func TestOrchestrator_Process(t *testing.T) {
	fn := core.FunctionRef{Namespace: "billing", Name: "send_invoice"}
	t.Run("Should complete an execution and record its output", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.Register(fn, func(_ context.Context, ic *backend.InvocationContext) (*backend.Outcome, error) {
			return backend.Complete(core.Output{"echo": ic.Input["amount"]}), nil
		})
		exec := env.enqueue(t, fn, core.Input{"amount": 42})
		env.processNext(t)
		stored, err := env.repo.GetExecution(context.Background(), exec.ExecID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCompleted, stored.Status)
		require.NotNil(t, stored.Output)
		assert.Equal(t, core.Output{"echo": 42}, *stored.Output)
		require.NotNil(t, stored.CompletedAt)
		require.NotNil(t, stored.DurationMS)
	})
	t.Run("Should write start and completion log entries", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.Register(fn, func(_ context.Context, _ *backend.InvocationContext) (*backend.Outcome, error) {
			return backend.Complete(core.Output{}), nil
		})
		exec := env.enqueue(t, fn, nil)
		env.processNext(t)
		entries, err := env.logs.Range(context.Background(), exec.ExecID, "", 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "execution started", entries[0].Message)
		assert.Equal(t, "execution completed", entries[1].Message)
	})
	t.Run("Should fail the execution when the backend raises", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.Register(fn, func(_ context.Context, _ *backend.InvocationContext) (*backend.Outcome, error) {
			return nil, core.NewBackendError("charge declined", "Traceback: ...")
		})
		exec := env.enqueue(t, fn, nil)
		env.processNext(t)
		stored, err := env.repo.GetExecution(context.Background(), exec.ExecID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusFailed, stored.Status)
		require.NotNil(t, stored.Error)
		assert.Equal(t, "charge declined", *stored.Error)
		require.NotNil(t, stored.Traceback)
		assert.Equal(t, "Traceback: ...", *stored.Traceback)
	})
	t.Run("Should drop a job whose execution was already claimed", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.Register(fn, func(_ context.Context, _ *backend.InvocationContext) (*backend.Outcome, error) {
			t.Fatal("backend must not be invoked for a lost claim")
			return nil, nil
		})
		exec := env.enqueue(t, fn, nil)
		_, err := env.repo.ClaimPending(context.Background(), exec.ExecID)
		require.NoError(t, err)
		job, err := env.dispatcher.Dequeue(context.Background(), time.Second)
		require.NoError(t, err)
		assert.NoError(t, env.orch.Process(context.Background(), job))
	})
	t.Run("Should honor a cancel requested mid-run instead of suspending", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.Register(fn, func(ctx context.Context, ic *backend.InvocationContext) (*backend.Outcome, error) {
			// Another request flags cancellation while the function runs.
			require.NoError(t, env.repo.RequestCancel(ctx, ic.ExecID))
			return backend.Suspend([]byte("frame"), "Approve?", schema.Schema{"type": "object"}), nil
		})
		exec := env.enqueue(t, fn, nil)
		env.processNext(t)
		stored, err := env.repo.GetExecution(context.Background(), exec.ExecID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCancelled, stored.Status)
		assert.False(t, stored.HasContinuation())
	})
}

func TestOrchestrator_SuspendResume(t *testing.T) {
	fn := core.FunctionRef{Namespace: "approvals", Name: "purchase"}
	approvalSchema := schema.Schema{
		"type":       "object",
		"properties": map[string]any{"approved": map[string]any{"type": "boolean"}},
		"required":   []any{"approved"},
	}
	register := func(env *testEnv) {
		env.backend.Register(fn, func(_ context.Context, ic *backend.InvocationContext) (*backend.Outcome, error) {
			if !ic.Resuming() {
				return backend.Suspend([]byte("frame-1"), "Approve the purchase?", approvalSchema), nil
			}
			return backend.Complete(core.Output{
				"approved": ic.ResumeInput["approved"],
				"state":    string(ic.State),
			}), nil
		})
	}
	t.Run("Should park the execution with its continuation triple", func(t *testing.T) {
		env := newTestEnv(t)
		register(env)
		exec := env.enqueue(t, fn, nil)
		env.processNext(t)
		stored, err := env.repo.GetExecution(context.Background(), exec.ExecID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusAwaitingInput, stored.Status)
		assert.True(t, stored.HasContinuation())
		assert.Equal(t, "Approve the purchase?", *stored.InputPrompt)
	})
	t.Run("Should reject resume input that fails the stored schema", func(t *testing.T) {
		env := newTestEnv(t)
		register(env)
		exec := env.enqueue(t, fn, nil)
		env.processNext(t)
		_, err := env.orch.Resume(context.Background(), exec.ExecID, core.Input{"approved": "yes"}, time.Second)
		var validationErr *core.ValidationError
		require.True(t, errors.As(err, &validationErr))
		stored, err := env.repo.GetExecution(context.Background(), exec.ExecID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusAwaitingInput, stored.Status)
		assert.True(t, stored.HasContinuation())
	})
	t.Run("Should return the completed record to the resume caller", func(t *testing.T) {
		env := newTestEnv(t)
		register(env)
		exec := env.enqueue(t, fn, nil)
		env.processNext(t)
		// A worker consumes the resume job while the caller is parked.
		go func() {
			job, err := env.dispatcher.Dequeue(context.Background(), 2*time.Second)
			if err != nil || job == nil {
				return
			}
			_ = env.orch.Process(context.Background(), job)
		}()
		final, err := env.orch.Resume(context.Background(), exec.ExecID, core.Input{"approved": true}, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCompleted, final.Status)
		require.NotNil(t, final.Output)
		assert.Equal(t, true, (*final.Output)["approved"])
		assert.Equal(t, "frame-1", (*final.Output)["state"])
		assert.False(t, final.HasContinuation())
	})
	t.Run("Should time out while the resume job keeps running", func(t *testing.T) {
		env := newTestEnv(t)
		register(env)
		exec := env.enqueue(t, fn, nil)
		env.processNext(t)
		// No worker consumes the resume job, so the wait times out.
		_, err := env.orch.Resume(context.Background(), exec.ExecID, core.Input{"approved": true}, 50*time.Millisecond)
		timedOutID, ok := core.IsWaitTimeout(err)
		require.True(t, ok)
		assert.Equal(t, exec.ExecID, timedOutID)
		stored, getErr := env.repo.GetExecution(context.Background(), exec.ExecID)
		require.NoError(t, getErr)
		assert.Equal(t, core.StatusRunning, stored.Status)
	})
	t.Run("Should refuse to resume an execution that is not awaiting input", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.Register(fn, func(_ context.Context, _ *backend.InvocationContext) (*backend.Outcome, error) {
			return backend.Complete(core.Output{}), nil
		})
		exec := env.enqueue(t, fn, nil)
		env.processNext(t)
		_, err := env.orch.Resume(context.Background(), exec.ExecID, core.Input{"approved": true}, time.Second)
		assert.ErrorIs(t, err, core.ErrNotAwaitingInput)
	})
	t.Run("Should let only one of two concurrent resumes dispatch", func(t *testing.T) {
		env := newTestEnv(t)
		register(env)
		exec := env.enqueue(t, fn, nil)
		env.processNext(t)
		_, firstErr := env.orch.Resume(context.Background(), exec.ExecID, core.Input{"approved": true}, 50*time.Millisecond)
		_, timedOut := core.IsWaitTimeout(firstErr)
		require.True(t, timedOut)
		_, secondErr := env.orch.Resume(context.Background(), exec.ExecID, core.Input{"approved": true}, time.Second)
		assert.ErrorIs(t, secondErr, core.ErrNotAwaitingInput)
	})
}

func TestOrchestrator_Steps(t *testing.T) {
	parent := core.FunctionRef{Namespace: "billing", Name: "monthly_close"}
	child := core.FunctionRef{Namespace: "billing", Name: "charge_card"}
	t.Run("Should record nested calls as steps of the parent", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.Register(child, func(_ context.Context, ic *backend.InvocationContext) (*backend.Outcome, error) {
			return backend.Complete(core.Output{"charged": ic.Input["amount"]}), nil
		})
		env.backend.Register(parent, func(ctx context.Context, ic *backend.InvocationContext) (*backend.Outcome, error) {
			out, err := ic.Steps.RunStep(ctx, child, core.Input{"amount": 10})
			if err != nil {
				return nil, err
			}
			return backend.Complete(*out), nil
		})
		exec := env.enqueue(t, parent, nil)
		env.processNext(t)
		steps, err := env.repo.ListSteps(context.Background(), exec.ExecID)
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, child, steps[0].Function)
		assert.Equal(t, core.StatusCompleted, steps[0].Status)
		require.NotNil(t, steps[0].Output)
		assert.Equal(t, core.Output{"charged": 10}, *steps[0].Output)
		require.NotNil(t, steps[0].DurationMS)
	})
	t.Run("Should record a failed step and let the backend decide propagation", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.Register(child, func(_ context.Context, _ *backend.InvocationContext) (*backend.Outcome, error) {
			return nil, core.NewBackendError("card declined", "")
		})
		env.backend.Register(parent, func(ctx context.Context, ic *backend.InvocationContext) (*backend.Outcome, error) {
			if _, err := ic.Steps.RunStep(ctx, child, nil); err != nil {
				// Swallow the nested failure and finish anyway.
				return backend.Complete(core.Output{"fallback": true}), nil
			}
			return backend.Complete(core.Output{}), nil
		})
		exec := env.enqueue(t, parent, nil)
		env.processNext(t)
		stored, err := env.repo.GetExecution(context.Background(), exec.ExecID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCompleted, stored.Status)
		steps, err := env.repo.ListSteps(context.Background(), exec.ExecID)
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, core.StatusFailed, steps[0].Status)
		require.NotNil(t, steps[0].Error)
		assert.Equal(t, "card declined", *steps[0].Error)
	})
	t.Run("Should refuse suspension from a nested call", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.Register(child, func(_ context.Context, _ *backend.InvocationContext) (*backend.Outcome, error) {
			return backend.Suspend([]byte("frame"), "Approve?", schema.Schema{"type": "object"}), nil
		})
		env.backend.Register(parent, func(ctx context.Context, ic *backend.InvocationContext) (*backend.Outcome, error) {
			_, err := ic.Steps.RunStep(ctx, child, nil)
			return nil, err
		})
		exec := env.enqueue(t, parent, nil)
		env.processNext(t)
		stored, err := env.repo.GetExecution(context.Background(), exec.ExecID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusFailed, stored.Status)
		require.NotNil(t, stored.Error)
		assert.Contains(t, *stored.Error, "nested calls cannot suspend")
	})
}

func TestOrchestrator_RequestCancel(t *testing.T) {
	fn := core.FunctionRef{Namespace: "billing", Name: "send_invoice"}
	t.Run("Should cancel a pending execution outright", func(t *testing.T) {
		env := newTestEnv(t)
		exec := env.enqueue(t, fn, nil)
		cancelled, err := env.orch.RequestCancel(context.Background(), exec.ExecID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCancelled, cancelled.Status)
	})
	t.Run("Should only flag a running execution", func(t *testing.T) {
		env := newTestEnv(t)
		exec := env.enqueue(t, fn, nil)
		_, err := env.repo.ClaimPending(context.Background(), exec.ExecID)
		require.NoError(t, err)
		flagged, err := env.orch.RequestCancel(context.Background(), exec.ExecID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusRunning, flagged.Status)
		assert.True(t, flagged.CancelRequested)
	})
}

func TestDispatcher_EnqueueAndWait(t *testing.T) {
	fn := core.FunctionRef{Namespace: "billing", Name: "send_invoice"}
	t.Run("Should release the waiter when the execution completes", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.Register(fn, func(_ context.Context, _ *backend.InvocationContext) (*backend.Outcome, error) {
			return backend.Complete(core.Output{"done": true}), nil
		})
		go func() {
			job, err := env.dispatcher.Dequeue(context.Background(), 2*time.Second)
			if err != nil || job == nil {
				return
			}
			_ = env.orch.Process(context.Background(), job)
		}()
		exec, err := env.dispatcher.EnqueueAndWait(context.Background(), &dispatch.Request{
			Function:    fn,
			TriggerType: core.TriggerManual,
		}, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCompleted, exec.Status)
		require.NotNil(t, exec.Output)
	})
	t.Run("Should return a wait timeout while the job keeps running", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.dispatcher.EnqueueAndWait(context.Background(), &dispatch.Request{
			Function:    fn,
			TriggerType: core.TriggerManual,
		}, 50*time.Millisecond)
		execID, ok := core.IsWaitTimeout(err)
		require.True(t, ok)
		stored, getErr := env.repo.GetExecution(context.Background(), execID)
		require.NoError(t, getErr)
		assert.Equal(t, core.StatusPending, stored.Status)
	})
	t.Run("Should release the waiter when the execution suspends", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.Register(fn, func(_ context.Context, _ *backend.InvocationContext) (*backend.Outcome, error) {
			return backend.Suspend([]byte("frame"), "Need input", schema.Schema{"type": "object"}), nil
		})
		go func() {
			job, err := env.dispatcher.Dequeue(context.Background(), 2*time.Second)
			if err != nil || job == nil {
				return
			}
			_ = env.orch.Process(context.Background(), job)
		}()
		exec, err := env.dispatcher.EnqueueAndWait(context.Background(), &dispatch.Request{
			Function:    fn,
			TriggerType: core.TriggerManual,
		}, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, core.StatusAwaitingInput, exec.Status)
		assert.Equal(t, "Need input", *exec.InputPrompt)
	})
}
