package handler

import (
	"context"
	"errors"
	"net/http"

	"gpubridge/internal/notify"
	"gpubridge/internal/worker"
	"gpubridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// WorkerControl is the worker session surface exposed over HTTP.
type WorkerControl interface {
	ConnectedInstanceIDs() []int64
	Interrupt(ctx context.Context, instanceID int64) error
	Restart(ctx context.Context, instanceID int64) error
}

// Broadcaster pushes a JSON envelope to every client session.
type Broadcaster interface {
	BroadcastJSON(v interface{}) error
}

// WorkerHandler handles worker operations
type WorkerHandler struct {
	workers  WorkerControl
	notifier Broadcaster
}

// NewWorkerHandler creates worker handler
func NewWorkerHandler(workers WorkerControl, notifier Broadcaster) *WorkerHandler {
	return &WorkerHandler{workers: workers, notifier: notifier}
}

// List returns the ids of instances with a live session.
func (h *WorkerHandler) List(c *gin.Context) {
	ids := h.workers.ConnectedInstanceIDs()
	if ids == nil {
		ids = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"connected": ids})
}

// Interrupt stops whatever the instance is currently running.
func (h *WorkerHandler) Interrupt(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	if err := h.workers.Interrupt(c.Request.Context(), id); err != nil {
		if errors.Is(err, worker.ErrNotConnected) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		logger.ErrorCtx(c.Request.Context(), "failed to interrupt instance %d: %v", id, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "interrupted"})
}

// Restart re-establishes the instance session in the background and pushes a
// restart_result envelope when done.
func (h *WorkerHandler) Restart(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		result := notify.RestartResult{Type: notify.TypeRestartResult, InstanceID: id, Success: true}
		if err := h.workers.Restart(ctx, id); err != nil {
			logger.WarnCtx(ctx, "restart of instance %d failed: %v", id, err)
			result.Success = false
			result.Error = err.Error()
		}
		if err := h.notifier.BroadcastJSON(result); err != nil {
			logger.ErrorCtx(ctx, "failed to push restart result for instance %d: %v", id, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"message": "restart requested"})
}
