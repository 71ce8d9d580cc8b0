package handler

import (
	"net/http"

	"nexuswatch/internal/service"
	"nexuswatch/pkg/logger"

	"github.com/gin-gonic/gin"
)

// EventHandler accepts lifecycle events and heartbeats from producers.
type EventHandler struct {
	monitorService *service.MonitorService
}

// NewEventHandler creates event handler
func NewEventHandler(monitorService *service.MonitorService) *EventHandler {
	return &EventHandler{monitorService: monitorService}
}

// Ingest accepts one producer event
// @Summary Ingest a lifecycle event
// @Description Validate and publish a task/worker/phase event
// @Tags Events
// @Accept json
// @Produce json
// @Param request body service.EventRequest true "Event"
// @Router /v1/events [post]
func (h *EventHandler) Ingest(c *gin.Context) {
	var req service.EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	e, err := h.monitorService.Ingest(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id":   e.EventID,
		"event_type": e.EventType,
	})
}

// Heartbeat records a worker heartbeat
// @Summary Worker heartbeat
// @Tags Workers
// @Produce json
// @Param worker_id path string true "Worker id"
// @Router /v2/ping/{worker_id} [get]
func (h *EventHandler) Heartbeat(c *gin.Context) {
	workerID := c.Param("worker_id")
	if workerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "worker_id is required"})
		return
	}

	if err := h.monitorService.Heartbeat(c.Request.Context(), workerID); err != nil {
		logger.ErrorCtx(c.Request.Context(), "heartbeat failed for worker %s: %v", workerID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
