package worker

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/fleet-jobs/internal/api/router"
	"github.com/cuongbtq/fleet-jobs/internal/channel"
	"github.com/gin-gonic/gin"
)

// SetupAgentRouter exposes the agent websocket endpoint and worker health
func SetupAgentRouter(hub *channel.Hub, logger *slog.Logger, health func(ctx context.Context) error) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(router.RequestIDMiddleware())
	r.Use(router.LoggerMiddleware(logger))

	r.GET("/health", router.HealthHandler("job-worker-service", health))

	agents := r.Group("/agents")
	{
		// GET /agents/ws?agent_id=car-1 - agent command stream
		agents.GET("/ws", gin.WrapF(hub.HandleAgent))

		// GET /agents - currently connected agents
		agents.GET("", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"agents": hub.ConnectedAgents(),
			})
		})
	}

	return r
}
