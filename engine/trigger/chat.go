package trigger

import (
	"context"
	"time"

	"github.com/sinas-platform/sinas/engine/backend"
	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/dispatch"
	"github.com/sinas-platform/sinas/engine/schema"
)

// Tool describes a registered function exposed to a chat agent.
type Tool struct {
	Function    core.FunctionRef `json:"function"`
	Description string           `json:"description"`
	InputSchema schema.Schema    `json:"input_schema,omitempty"`
}

// ToolCatalog enumerates the functions a chat agent may call. The
// function registry itself lives outside the engine.
type ToolCatalog interface {
	Tools(ctx context.Context) ([]Tool, error)
}

// ToolCall is one tool invocation by a chat agent.
type ToolCall struct {
	Function core.FunctionRef
	Input    core.Input
	ChatID   *core.ID
	// Steps is non-nil when the calling agent already runs inside an
	// execution; the call then becomes a nested step instead of a new
	// top-level execution.
	Steps   backend.StepRunner
	Timeout time.Duration
}

// ToolResult is what the agent gets back.
type ToolResult struct {
	ExecutionID *core.ID        `json:"execution_id,omitempty"`
	Status      core.StatusType `json:"status"`
	Output      *core.Output    `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	InputPrompt string          `json:"input_prompt,omitempty"`
}

// Chat exposes registered functions as agent tools.
type Chat struct {
	catalog    ToolCatalog
	dispatcher *dispatch.Dispatcher
}

func NewChat(catalog ToolCatalog, dispatcher *dispatch.Dispatcher) *Chat {
	return &Chat{catalog: catalog, dispatcher: dispatcher}
}

// Tools lists the callable functions.
func (c *Chat) Tools(ctx context.Context) ([]Tool, error) {
	return c.catalog.Tools(ctx)
}

// Call runs one tool invocation. Inside an execution it records a
// step on the caller's record; outside it dispatches a top-level
// execution and waits for the result.
func (c *Chat) Call(ctx context.Context, call *ToolCall) (*ToolResult, error) {
	if call.Steps != nil {
		return c.callNested(ctx, call)
	}
	return c.callTopLevel(ctx, call)
}

func (c *Chat) callNested(ctx context.Context, call *ToolCall) (*ToolResult, error) {
	output, err := call.Steps.RunStep(ctx, call.Function, call.Input)
	if err != nil {
		return &ToolResult{Status: core.StatusFailed, Error: err.Error()}, nil
	}
	return &ToolResult{Status: core.StatusCompleted, Output: output}, nil
}

func (c *Chat) callTopLevel(ctx context.Context, call *ToolCall) (*ToolResult, error) {
	exec, err := c.dispatcher.EnqueueAndWait(ctx, &dispatch.Request{
		Function:    call.Function,
		TriggerType: core.TriggerChat,
		Input:       call.Input,
		ChatID:      call.ChatID,
	}, call.Timeout)
	if err != nil {
		if execID, ok := core.IsWaitTimeout(err); ok {
			return &ToolResult{ExecutionID: &execID, Status: core.StatusRunning}, nil
		}
		return nil, err
	}
	result := &ToolResult{ExecutionID: &exec.ExecID, Status: exec.Status, Output: exec.Output}
	if exec.Error != nil {
		result.Error = *exec.Error
	}
	if exec.InputPrompt != nil {
		result.InputPrompt = *exec.InputPrompt
	}
	return result, nil
}
