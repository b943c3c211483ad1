package trigger

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/dispatch"
	"github.com/sinas-platform/sinas/engine/execution"
	"github.com/sinas-platform/sinas/pkg/logger"
)

// Webhook trigger errors, mapped onto HTTP statuses by the handler.
var (
	ErrWebhookNotFound = errors.New("webhook not found")
	ErrUnauthorized    = errors.New("missing or invalid credential")
	ErrForbidden       = errors.New("credential lacks execute permission")
)

// WebhookRecord is a registered inbound hook. The registry that owns
// these records lives outside the engine; the trigger only consumes
// them.
type WebhookRecord struct {
	ID          core.ID
	Path        string
	Method      string
	Function    core.FunctionRef
	Active      bool
	RequireAuth bool
	// OwnerID is the identity executions run under when the hook does
	// not require caller credentials.
	OwnerID string
}

// WebhookRegistry resolves an inbound request to a registered hook.
// Unknown path/method pairs return ErrWebhookNotFound.
type WebhookRegistry interface {
	Lookup(ctx context.Context, path, method string) (*WebhookRecord, error)
}

// Authorizer verifies a caller credential against a hook and returns
// the identity to execute as. It returns ErrUnauthorized for a bad
// credential and ErrForbidden for a valid one without execute
// permission.
type Authorizer interface {
	Authorize(ctx context.Context, credential string, record *WebhookRecord) (string, error)
}

// WebhookResponse is the body returned for a settled execution.
type WebhookResponse struct {
	Success     bool         `json:"success"`
	ExecutionID core.ID      `json:"execution_id"`
	Result      *core.Output `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	Status      string       `json:"status,omitempty"`
	InputPrompt string       `json:"input_prompt,omitempty"`
}

// WebhookHandler serves inbound webhook requests on gin.
type WebhookHandler struct {
	registry   WebhookRegistry
	authorizer Authorizer
	dispatcher *dispatch.Dispatcher
	timeout    time.Duration
}

func NewWebhookHandler(
	registry WebhookRegistry,
	authorizer Authorizer,
	dispatcher *dispatch.Dispatcher,
	timeout time.Duration,
) *WebhookHandler {
	return &WebhookHandler{
		registry:   registry,
		authorizer: authorizer,
		dispatcher: dispatcher,
		timeout:    timeout,
	}
}

// Register mounts the catch-all hook route on the router group.
func (h *WebhookHandler) Register(group *gin.RouterGroup) {
	group.Any("/*path", h.Handle)
}

// Handle resolves, authorizes and dispatches one inbound request,
// then waits for the result. Error mapping: unknown or inactive hook
// 404, bad credential 401, missing permission 403, failed execution
// 500, wait timeout 202 with the id for later polling.
func (h *WebhookHandler) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	path := strings.TrimPrefix(c.Param("path"), "/")
	record, err := h.resolve(ctx, path, c.Request.Method)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrWebhookNotFound.Error()})
		return
	}
	if err := h.authorize(c, record); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, ErrForbidden) {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	var input core.Input
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be a JSON object"})
			return
		}
	}
	exec, err := h.dispatcher.EnqueueAndWait(ctx, &dispatch.Request{
		Function:    record.Function,
		TriggerType: core.TriggerWebhook,
		TriggerID:   record.ID.String(),
		Input:       input,
	}, h.timeout)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, exec)
}

func (h *WebhookHandler) resolve(ctx context.Context, path, method string) (*WebhookRecord, error) {
	record, err := h.registry.Lookup(ctx, path, method)
	if err != nil {
		return nil, err
	}
	if record == nil || !record.Active {
		return nil, ErrWebhookNotFound
	}
	return record, nil
}

func (h *WebhookHandler) authorize(c *gin.Context, record *WebhookRecord) error {
	if !record.RequireAuth {
		return nil
	}
	credential := bearerToken(c.GetHeader("Authorization"))
	if credential == "" {
		return ErrUnauthorized
	}
	_, err := h.authorizer.Authorize(c.Request.Context(), credential, record)
	return err
}

func (h *WebhookHandler) respondError(c *gin.Context, err error) {
	if execID, ok := core.IsWaitTimeout(err); ok {
		// The job keeps running; the caller polls by id.
		c.JSON(http.StatusAccepted, WebhookResponse{
			Success:     false,
			ExecutionID: execID,
			Status:      string(core.StatusRunning),
		})
		return
	}
	logger.FromContext(c.Request.Context()).Error("webhook dispatch failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
}

func (h *WebhookHandler) respond(c *gin.Context, exec *execution.Execution) {
	resp := WebhookResponse{
		ExecutionID: exec.ExecID,
		Status:      string(exec.Status),
	}
	switch exec.Status {
	case core.StatusCompleted:
		resp.Success = true
		resp.Result = exec.Output
		c.JSON(http.StatusOK, resp)
	case core.StatusAwaitingInput:
		resp.Success = true
		if exec.InputPrompt != nil {
			resp.InputPrompt = *exec.InputPrompt
		}
		c.JSON(http.StatusOK, resp)
	default:
		if exec.Error != nil {
			resp.Error = *exec.Error
		}
		c.JSON(http.StatusInternalServerError, resp)
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, prefix))
	}
	return strings.TrimSpace(header)
}
