package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/execution"
	"github.com/sinas-platform/sinas/engine/logstream"
	"github.com/sinas-platform/sinas/engine/orchestrator"
	"github.com/sinas-platform/sinas/engine/trigger"
)

const defaultListLimit = 50

// HealthChecker reports whether a dependency can serve requests.
// Satisfied by postgres.Store and cache.Redis.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// API serves the execution query and control endpoints.
type API struct {
	repo   execution.Repository
	orch   *orchestrator.Orchestrator
	manual *trigger.Manual
	logs   *logstream.Stream
	checks map[string]HealthChecker
}

func NewAPI(
	repo execution.Repository,
	orch *orchestrator.Orchestrator,
	manual *trigger.Manual,
	logs *logstream.Stream,
) *API {
	return &API{repo: repo, orch: orch, manual: manual, logs: logs}
}

// Register mounts the endpoints on the API group.
func (a *API) Register(group *gin.RouterGroup) {
	group.GET("/executions", a.ListExecutions)
	group.POST("/executions", a.Invoke)
	group.GET("/executions/:id", a.GetExecution)
	group.DELETE("/executions/:id", a.DeleteExecution)
	group.POST("/executions/:id/resume", a.Resume)
	group.POST("/executions/:id/cancel", a.Cancel)
	group.GET("/executions/:id/steps", a.ListSteps)
	group.GET("/executions/:id/logs", a.LogRange)
	group.GET("/executions/:id/logs/tail", a.LogTail)
}

// WithChecks registers dependency checks run by the health endpoint.
// Keys name the dependency in a degraded response.
func (a *API) WithChecks(checks map[string]HealthChecker) *API {
	a.checks = checks
	return a
}

// Health is the liveness endpoint. With checks registered it also
// verifies each dependency and reports 503 on the first failure.
func (a *API) Health(c *gin.Context) {
	for name, check := range a.checks {
		if err := check.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "failed": name})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListExecutions serves GET /executions with filters.
func (a *API) ListExecutions(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	execs, err := a.repo.ListExecutions(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing executions failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs, "count": len(execs)})
}

// GetExecution serves GET /executions/:id.
func (a *API) GetExecution(c *gin.Context) {
	execID, ok := pathID(c)
	if !ok {
		return
	}
	exec, err := a.repo.GetExecution(c.Request.Context(), execID)
	if err != nil {
		respondRepoError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// DeleteExecution serves DELETE /executions/:id. Step rows cascade.
func (a *API) DeleteExecution(c *gin.Context) {
	execID, ok := pathID(c)
	if !ok {
		return
	}
	if err := a.repo.DeleteExecution(c.Request.Context(), execID); err != nil {
		respondRepoError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type invokeRequest struct {
	Function struct {
		Namespace string `json:"namespace" binding:"required"`
		Name      string `json:"name"      binding:"required"`
	} `json:"function" binding:"required"`
	Input          core.Input `json:"input"`
	ChatID         *core.ID   `json:"chat_id"`
	Wait           bool       `json:"wait"`
	TimeoutSeconds int        `json:"timeout_seconds"`
}

// Invoke serves POST /executions: the manual trigger.
func (a *API) Invoke(c *gin.Context) {
	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	exec, err := a.manual.Invoke(c.Request.Context(), &trigger.ManualRequest{
		Function: core.FunctionRef{Namespace: req.Function.Namespace, Name: req.Function.Name},
		Input:    req.Input,
		ChatID:   req.ChatID,
		Wait:     req.Wait,
		Timeout:  time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		if execID, ok := core.IsWaitTimeout(err); ok {
			c.JSON(http.StatusAccepted, gin.H{"execution_id": execID, "status": core.StatusRunning})
			return
		}
		var validationErr *core.ValidationError
		if errors.As(err, &validationErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		return
	}
	status := http.StatusAccepted
	if req.Wait {
		status = http.StatusOK
	}
	c.JSON(status, exec)
}

type resumeRequest struct {
	Input          core.Input `json:"input" binding:"required"`
	TimeoutSeconds int        `json:"timeout_seconds"`
}

// Resume serves POST /executions/:id/resume. The response carries the
// record after the resumed round settles; a wait timeout is 202 with
// the id. Validation rejection is 400 and leaves the record suspended;
// resuming anything not awaiting input is 409.
func (a *API) Resume(c *gin.Context) {
	execID, ok := pathID(c)
	if !ok {
		return
	}
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	exec, err := a.orch.Resume(c.Request.Context(), execID, req.Input, timeout)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrExecutionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": core.ErrExecutionNotFound.Error()})
		case errors.Is(err, core.ErrNotAwaitingInput):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			if timedOutID, ok := core.IsWaitTimeout(err); ok {
				c.JSON(http.StatusAccepted, gin.H{"execution_id": timedOutID, "status": core.StatusRunning})
				return
			}
			var validationErr *core.ValidationError
			if errors.As(err, &validationErr) {
				c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "resume failed"})
		}
		return
	}
	c.JSON(http.StatusOK, exec)
}

// Cancel serves POST /executions/:id/cancel: cooperative, so the
// response carries whatever status the request produced.
func (a *API) Cancel(c *gin.Context) {
	execID, ok := pathID(c)
	if !ok {
		return
	}
	exec, err := a.orch.RequestCancel(c.Request.Context(), execID)
	if err != nil {
		respondRepoError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// ListSteps serves GET /executions/:id/steps in causal order.
func (a *API) ListSteps(c *gin.Context) {
	execID, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := a.repo.GetExecution(c.Request.Context(), execID); err != nil {
		respondRepoError(c, err)
		return
	}
	steps, err := a.repo.ListSteps(c.Request.Context(), execID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing steps failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps, "count": len(steps)})
}

func pathID(c *gin.Context) (core.ID, bool) {
	execID, err := core.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return "", false
	}
	return execID, true
}

func respondRepoError(c *gin.Context, err error) {
	if errors.Is(err, core.ErrExecutionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": core.ErrExecutionNotFound.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
}

func parseFilter(c *gin.Context) (*execution.Filter, error) {
	filter := &execution.Filter{Limit: defaultListLimit}
	if v := c.Query("function_ns"); v != "" {
		filter.FunctionNS = &v
	}
	if v := c.Query("function_name"); v != "" {
		filter.FunctionName = &v
	}
	if v := c.Query("status"); v != "" {
		status := core.StatusType(v)
		filter.Status = &status
	}
	if v := c.Query("trigger_type"); v != "" {
		tt := core.TriggerType(v)
		if !tt.IsValid() {
			return nil, errors.New("unknown trigger_type")
		}
		filter.TriggerType = &tt
	}
	if v := c.Query("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errors.New("since must be RFC3339")
		}
		filter.Since = &ts
	}
	if v := c.Query("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errors.New("until must be RFC3339")
		}
		filter.Until = &ts
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return nil, errors.New("limit must be a non-negative integer")
		}
		if limit > execution.MaxListLimit {
			return nil, fmt.Errorf("limit must be at most %d", execution.MaxListLimit)
		}
		filter.Limit = limit
	}
	if v := c.Query("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return nil, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}
	return filter, nil
}
