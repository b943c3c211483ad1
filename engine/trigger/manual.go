// Package trigger adapts external event sources — API calls,
// webhooks, schedules, inbound email and chat tool-calls — into
// dispatched executions. Adapters own error mapping and payload
// shaping; everything downstream of Enqueue is identical across
// trigger types.
package trigger

import (
	"context"
	"time"

	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/dispatch"
	"github.com/sinas-platform/sinas/engine/execution"
)

// ManualRequest is a direct invocation from the API.
type ManualRequest struct {
	Function core.FunctionRef
	Input    core.Input
	ChatID   *core.ID
	// Wait blocks the caller until the execution completes, fails or
	// suspends, up to Timeout.
	Wait    bool
	Timeout time.Duration
}

// Manual dispatches API-initiated executions.
type Manual struct {
	dispatcher *dispatch.Dispatcher
}

func NewManual(dispatcher *dispatch.Dispatcher) *Manual {
	return &Manual{dispatcher: dispatcher}
}

// Invoke dispatches the request, fire-and-forget or synchronous per
// the Wait flag.
func (m *Manual) Invoke(ctx context.Context, req *ManualRequest) (*execution.Execution, error) {
	dispatchReq := &dispatch.Request{
		Function:    req.Function,
		TriggerType: core.TriggerManual,
		Input:       req.Input,
		ChatID:      req.ChatID,
	}
	if req.Wait {
		return m.dispatcher.EnqueueAndWait(ctx, dispatchReq, req.Timeout)
	}
	return m.dispatcher.Enqueue(ctx, dispatchReq)
}
