package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/creatorhub/pipeline-service/internal/database"
)

// HealthResponse reports service liveness plus connection pool pressure,
// which is the first thing to look at when batches start timing out.
type HealthResponse struct {
	Status       string `json:"status"`
	Database     string `json:"database"`
	PoolTotal    int32  `json:"poolTotal,omitempty"`
	PoolAcquired int32  `json:"poolAcquired,omitempty"`
	PoolIdle     int32  `json:"poolIdle,omitempty"`
}

// HealthCheck handles the health check endpoint
func HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status: "ok",
	}

	if database.Pool() == nil {
		response.Database = "not configured"
		c.JSON(http.StatusOK, response)
		return
	}

	if err := database.Status(c.Request.Context()); err != nil {
		response.Database = "disconnected"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	response.Database = "connected"

	if stats := database.Stats(); stats != nil {
		response.PoolTotal = stats.TotalConns()
		response.PoolAcquired = stats.AcquiredConns()
		response.PoolIdle = stats.IdleConns()
	}

	c.JSON(http.StatusOK, response)
}
