package router

import (
	"nexuswatch/app/handler"
	"nexuswatch/app/middleware"
	"nexuswatch/internal/service"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	streamHandler *handler.StreamHandler
	eventHandler  *handler.EventHandler
}

// NewRouter creates a new Router
func NewRouter(streamHandler *handler.StreamHandler, eventHandler *handler.EventHandler) *Router {
	return &Router{
		streamHandler: streamHandler,
		eventHandler:  eventHandler,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	// V1 API - observer interface
	v1 := engine.Group("/v1")
	{
		v1.GET("/monitor/stream", r.streamHandler.Stream)
		v1.GET("/monitor/snapshot", r.streamHandler.Snapshot)
		v1.POST("/events", r.eventHandler.Ingest)
	}

	// V2 API - worker compatible interface
	v2 := engine.Group("/v2")
	{
		v2.GET("/ping/:worker_id", r.eventHandler.Heartbeat)
	}

	// Health check
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
			"uptime": service.Uptime().String(),
		})
	})
}
