package api

import (
	"errors"
	"net/http"
	"time"

	"cinegraph-server/models"
	"cinegraph-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// 签名链接有效期
const assetURLExpiry = 6 * time.Hour

// Handler 持有调度器与存储，承载全部项目相关接口。
type Handler struct {
	Scheduler *service.Scheduler
	Store     service.Store
	Hub       *service.Hub
	Signer    service.AssetSigner
}

func NewHandler(scheduler *service.Scheduler, store service.Store, hub *service.Hub, signer service.AssetSigner) *Handler {
	return &Handler{Scheduler: scheduler, Store: store, Hub: hub, Signer: signer}
}

type sceneRequest struct {
	SceneNumber  int                      `json:"scene_number"`
	Prompt       string                   `json:"prompt" binding:"required"`
	Duration     float64                  `json:"duration"`
	StylePreset  string                   `json:"style_preset"`
	SoundEffects []models.SoundEffectSpec `json:"sound_effects"`
	Transition   string                   `json:"transition"`
}

type submitRequest struct {
	Title  string         `json:"title" binding:"required"`
	Scenes []sceneRequest `json:"scenes" binding:"required"`
}

// SubmitProject 创建项目并异步启动管线。
// 项目定义非法时同步返回 400（BuildError），不产生任何阶段。
func (h *Handler) SubmitProject(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project := &models.Project{
		ID:    uuid.NewString(),
		Title: req.Title,
	}
	scenes := make([]models.Scene, 0, len(req.Scenes))
	for _, sr := range req.Scenes {
		scenes = append(scenes, models.Scene{
			ID:           uuid.NewString(),
			ProjectID:    project.ID,
			Number:       sr.SceneNumber,
			Prompt:       sr.Prompt,
			Duration:     sr.Duration,
			StylePreset:  sr.StylePreset,
			SoundEffects: sr.SoundEffects,
			Transition:   sr.Transition,
		})
	}

	handle, err := h.Scheduler.Submit(project, scenes)
	if err != nil {
		var buildErr *service.BuildError
		if errors.As(err, &buildErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": buildErr.Reason})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建项目失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, handle)
}

// GetProject 返回项目详情与场景列表，已产出的资产附带签名访问链接。
func (h *Handler) GetProject(c *gin.Context) {
	projectID := c.Param("project_id")
	project, err := h.Store.GetProject(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	scenes, err := h.Store.GetScenes(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取场景失败: " + err.Error()})
		return
	}
	resp := gin.H{
		"project": project,
		"scenes":  scenes,
	}
	if h.Signer != nil && project.FinalVideoKey != "" {
		if url, err := h.Signer.PresignedURL(c.Request.Context(), project.FinalVideoKey, assetURLExpiry); err == nil {
			resp["finalVideoUrl"] = url
		} else {
			log.Warn().Err(err).Str("project", projectID).Msg("生成签名 URL 失败")
		}
	}
	c.JSON(http.StatusOK, resp)
}

// CancelProject 取消项目的全部未完成阶段。幂等。
func (h *Handler) CancelProject(c *gin.Context) {
	projectID := c.Param("project_id")
	if _, err := h.Store.GetProject(projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	if err := h.Scheduler.Cancel(projectID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "取消失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RetryProject 重跑失败项目中可重试的阶段。
// 项目不处于 failed 状态时返回 409，不改变任何状态。
func (h *Handler) RetryProject(c *gin.Context) {
	projectID := c.Param("project_id")
	if err := h.Scheduler.Retry(projectID); err != nil {
		var invalid *service.InvalidStateError
		if errors.As(err, &invalid) {
			c.JSON(http.StatusConflict, gin.H{"error": invalid.Reason})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "重试失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// DeleteProject 删除终态项目；项目还在运行时需先取消。
func (h *Handler) DeleteProject(c *gin.Context) {
	projectID := c.Param("project_id")
	project, err := h.Store.GetProject(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	if !project.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "project is not in a terminal state, cancel it first"})
		return
	}
	if err := h.Store.DeleteProject(projectID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除项目失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
