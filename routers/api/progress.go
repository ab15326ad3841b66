package api

import (
	"net/http"

	"cinegraph-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// GetProgress 返回项目进度快照（百分比、状态、分场景明细）。
func (h *Handler) GetProgress(c *gin.Context) {
	projectID := c.Param("project_id")
	progress, err := h.Scheduler.Progress(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, progress)
}

// ProjectEventsWebSocket 推送项目的阶段状态变更事件流。
// 连接建立后先推一次当前快照，之后订阅事件中心直到项目进入终态。
func (h *Handler) ProjectEventsWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")
	progress, err := h.Scheduler.Progress(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	events := h.Hub.Subscribe(projectID)
	defer h.Hub.Unsubscribe(projectID, events)

	if err := conn.WriteJSON(progress); err != nil {
		return
	}
	switch progress.Status {
	case models.ProjectStatusCompleted, models.ProjectStatusFailed, models.ProjectStatusCancelled:
		// 项目已是终态，快照就是最终结果，不再有事件可等
		return
	}

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug().Err(err).Str("project", projectID).Msg("websocket 客户端断开")
			return
		}
		switch ev.Status {
		case models.ProjectStatusCompleted, models.ProjectStatusFailed, models.ProjectStatusCancelled:
			// 终态事件推送后关闭连接
			return
		}
	}
}
