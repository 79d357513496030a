package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"gpubridge/internal/script"
	"gpubridge/pkg/logger"
	"gpubridge/pkg/store/mysql"

	"github.com/gin-gonic/gin"
)

// ScriptRunner starts script executions.
type ScriptRunner interface {
	Execute(ctx context.Context, req script.Request) (*script.Result, error)
	ExecuteAsync(ctx context.Context, req script.Request) (int64, error)
}

// ExecutionReader loads execution records.
type ExecutionReader interface {
	Get(ctx context.Context, id int64) (*mysql.ScriptExecution, error)
}

// ScriptHandler handles script operations
type ScriptHandler struct {
	runner     ScriptRunner
	executions ExecutionReader
}

// NewScriptHandler creates script handler
func NewScriptHandler(runner ScriptRunner, executions ExecutionReader) *ScriptHandler {
	return &ScriptHandler{runner: runner, executions: executions}
}

// ExecuteScriptRequest is the body of POST /api/v1/scripts/:id/execute.
type ExecuteScriptRequest struct {
	Input       map[string]interface{} `json:"input"`
	JobID       *int64                 `json:"job_id"`
	TriggeredBy *int64                 `json:"triggered_by"`
}

// Execute runs a script. With ?async=true it returns the execution id immediately,
// otherwise it waits and returns the finished execution record.
func (h *ScriptHandler) Execute(c *gin.Context) {
	ctx := c.Request.Context()
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	var body ExecuteScriptRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	req := script.Request{ScriptID: id, Input: body.Input, JobID: body.JobID, TriggeredBy: body.TriggeredBy}

	async, _ := strconv.ParseBool(c.Query("async"))
	if async {
		execID, err := h.runner.ExecuteAsync(ctx, req)
		if err != nil {
			h.writeStartError(c, id, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"execution_id": execID})
		return
	}

	res, err := h.runner.Execute(ctx, req)
	if res == nil {
		h.writeStartError(c, id, err)
		return
	}
	if err != nil {
		logger.WarnCtx(ctx, "script %d execution %d did not complete: %v", id, res.ExecutionID, err)
	}

	exec, getErr := h.executions.Get(ctx, res.ExecutionID)
	if getErr != nil || exec == nil {
		c.JSON(http.StatusOK, gin.H{"execution_id": res.ExecutionID})
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (h *ScriptHandler) writeStartError(c *gin.Context, id int64, err error) {
	switch {
	case errors.Is(err, script.ErrScriptNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, script.ErrScriptDisabled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.ErrorCtx(c.Request.Context(), "failed to start script %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// GetExecution returns one execution record.
func (h *ScriptHandler) GetExecution(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	exec, err := h.executions.Get(c.Request.Context(), id)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to get script execution %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if exec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}
	c.JSON(http.StatusOK, exec)
}
