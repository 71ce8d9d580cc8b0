package handler

import (
	"net/http"

	"nexuswatch/internal/aggregate"
	"nexuswatch/internal/hub"
	"nexuswatch/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StreamHandler serves observer connections and the snapshot fallback.
type StreamHandler struct {
	hub        *hub.Hub
	aggregator *aggregate.Aggregator
}

// NewStreamHandler creates stream handler
func NewStreamHandler(h *hub.Hub, agg *aggregate.Aggregator) *StreamHandler {
	return &StreamHandler{hub: h, aggregator: agg}
}

// Stream upgrades to a websocket and streams filtered monitoring events
// @Summary Stream monitoring events
// @Description Persistent websocket delivering filtered task/worker lifecycle events
// @Tags Monitoring
// @Param project_id query string false "Project id filter"
// @Param task_id query string false "Parent task id filter"
// @Param types query string false "Comma-separated event type subset"
// @Param stats_only query bool false "Deliver only stats_snapshot events"
// @Router /v1/monitor/stream [get]
func (h *StreamHandler) Stream(c *gin.Context) {
	if err := h.hub.ServeConnection(c.Writer, c.Request); err != nil {
		// ServeConnection already wrote the refusal; just log it
		logger.DebugCtx(c.Request.Context(), "stream connection refused: %v", err)
		c.Abort()
		return
	}
}

// Snapshot returns a point-in-time aggregate for clients that need an
// initial view before the stream delivers its first snapshot
// @Summary Point-in-time monitoring snapshot
// @Tags Monitoring
// @Produce json
// @Param task_id query string false "Parent task id for per-group counts"
// @Router /v1/monitor/snapshot [get]
func (h *StreamHandler) Snapshot(c *gin.Context) {
	ctx := c.Request.Context()

	resp := gin.H{"global": h.aggregator.Overview(ctx)}

	if parentID := c.Query("task_id"); parentID != "" {
		counts, err := h.aggregator.GroupSnapshot(ctx, parentID)
		if err != nil {
			logger.WarnCtx(ctx, "group snapshot failed for %s: %v", parentID, err)
			c.JSON(http.StatusOK, gin.H{"global": resp["global"], "error": "group counts unavailable"})
			return
		}
		resp["parent_task_id"] = parentID
		resp["counts"] = counts
	}

	c.JSON(http.StatusOK, resp)
}
