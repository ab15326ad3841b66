package service

import (
	"context"
	"time"

	"cinegraph-server/models"
)

// 能力适配器：每个外部生成能力的类型化边界。
// 失败以 TransientError / PermanentError 分类返回，调度器据此决定是否重试。

type ImageParams struct {
	ProjectID   string
	SceneNumber int
	Prompt      string
	StylePreset string
	FilterLevel string
}

type AnimateParams struct {
	ProjectID   string
	SceneNumber int
	Image       []byte
	Duration    float64
	StylePreset string
}

type AudioMixParams struct {
	ProjectID   string
	SceneNumber int
	Clip        []byte
	Effects     []models.SoundEffectSpec
}

// SceneClip 是合成阶段的输入单元，按场景顺序排列。
// TransitionToNext 描述到下一场景的转场（最后一个场景为空）。
type SceneClip struct {
	SceneNumber      int
	Clip             []byte
	TransitionToNext string
}

type ComposeParams struct {
	ProjectID string
	Clips     []SceneClip
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, p ImageParams) ([]byte, error)
}

type Animator interface {
	Animate(ctx context.Context, p AnimateParams) ([]byte, error)
}

type AudioMixer interface {
	MixAudio(ctx context.Context, p AudioMixParams) ([]byte, error)
}

type Composer interface {
	Compose(ctx context.Context, p ComposeParams) ([]byte, error)
}

// SafetyInput 是安全门的输入：提交前的提示词，或（可配置）生成后的资产。
type SafetyInput struct {
	Prompt   string
	AssetKey string
	Asset    []byte
}

type Verdict struct {
	Allowed bool
	Reason  string
}

type SafetyChecker interface {
	Evaluate(ctx context.Context, in SafetyInput) (Verdict, error)
}

// Adapters 聚合全部能力适配器，注入调度器。
type Adapters struct {
	Images ImageGenerator
	Video  Animator
	Audio  AudioMixer
	Comp   Composer
	Safety SafetyChecker
}

// AssetStore 是二进制资产的不透明 put/get 边界。
type AssetStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// AssetSigner 为资产键生成带有效期的访问链接，API 层返回给客户端。
type AssetSigner interface {
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Store 持久化 Project/Scene/Stage 记录；models.GormStore 为生产实现。
type Store interface {
	CreateProject(p *models.Project, scenes []models.Scene, stages []models.Stage) error
	GetProject(id string) (*models.Project, error)
	GetScenes(projectID string) ([]models.Scene, error)
	GetStages(projectID string) ([]models.Stage, error)
	UpdateStage(st *models.Stage) error
	UpdateScene(sc *models.Scene) error
	UpdateProjectStatus(id, status string) error
	SetProjectVideo(id, key string) error
	ListRunningStages() ([]models.Stage, error)
	ListUnfinishedProjects() ([]string, error)
	DeleteProject(id string) error
}
