package trigger

import (
	"context"

	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/dispatch"
	"github.com/sinas-platform/sinas/engine/execution"
	"github.com/sinas-platform/sinas/pkg/logger"
)

// Schedule dispatches timer-initiated executions. The cron machinery
// that decides WHEN to fire lives outside the engine; it calls Fire
// and keeps its own last/next-run bookkeeping.
type Schedule struct {
	dispatcher *dispatch.Dispatcher
}

func NewSchedule(dispatcher *dispatch.Dispatcher) *Schedule {
	return &Schedule{dispatcher: dispatcher}
}

// Fire dispatches one run of a schedule, fire-and-forget. Nothing
// waits on a timer.
func (s *Schedule) Fire(
	ctx context.Context,
	scheduleID core.ID,
	fn core.FunctionRef,
	input core.Input,
) (*execution.Execution, error) {
	exec, err := s.dispatcher.Enqueue(ctx, &dispatch.Request{
		Function:    fn,
		TriggerType: core.TriggerSchedule,
		TriggerID:   scheduleID.String(),
		Input:       input,
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info(
		"schedule fired",
		"schedule_id", scheduleID,
		"exec_id", exec.ExecID,
		"function", fn.String(),
	)
	return exec, nil
}
