package routers

import (
	"cinegraph-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter(h *api.Handler) *gin.Engine {
	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", h.SubmitProject)
		v1.GET("/projects/:project_id", h.GetProject)
		v1.DELETE("/projects/:project_id", h.DeleteProject)
		v1.POST("/projects/:project_id/cancel", h.CancelProject)
		v1.POST("/projects/:project_id/retry", h.RetryProject)
		v1.GET("/projects/:project_id/progress", h.GetProgress)
	}
	r.GET("/projects/:project_id/events/wss", h.ProjectEventsWebSocket)
	return r
}
