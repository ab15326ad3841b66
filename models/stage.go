package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 阶段状态机:
// pending -> ready   所有依赖成功后解锁
// ready -> running   被调度到工作池
// running -> succeeded | failed
// 任意非终态 -> cancelled
// failed -> ready    重试（受最大尝试次数限制）
const (
	StagePending   = "pending"
	StageReady     = "ready"
	StageRunning   = "running"
	StageSucceeded = "succeeded"
	StageFailed    = "failed"
	StageCancelled = "cancelled"
)

// 阶段类型
const (
	KindSafetyCheck = "safety_check"
	KindImageGen    = "image_gen"
	KindAnimate     = "animate"
	KindAudioMix    = "audio_mix"
	KindComposition = "composition"
)

// 资源类别，决定由哪个工作池执行
const (
	ClassGPU = "gpu"
	ClassCPU = "cpu"
)

// 失败分类，决定是否可重试
const (
	ErrKindTransient = "transient"
	ErrKindPermanent = "permanent"
	ErrKindPolicy    = "policy"
)

type StringList []string

func (l StringList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, l)
}

type Stage struct {
	ID          string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID   string     `gorm:"index" json:"projectId"`
	Ord         int        `json:"ord"` // 图内拓扑序，重建图时按此排序
	SceneID     string     `json:"sceneId,omitempty"` // composition 阶段为空
	SceneNumber int        `json:"sceneNumber"`       // composition 阶段为 0
	Kind        string     `json:"kind"`
	Class       string     `json:"class"`
	State       string     `json:"state"`
	DependsOn   StringList `gorm:"type:json" json:"dependsOn"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"lastError"`
	ErrorKind   string     `json:"errorKind"`
	OutputKey   string     `json:"outputKey"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  time.Time  `json:"finishedAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (Stage) TableName() string {
	return "stage"
}

// Terminal reports whether the stage reached a final state.
func (s *Stage) Terminal() bool {
	switch s.State {
	case StageSucceeded, StageFailed, StageCancelled:
		return true
	}
	return false
}

// Retryable reports whether a failed stage may be re-run. Policy rejections
// and permanent adapter errors are never retried.
func (s *Stage) Retryable() bool {
	return s.ErrorKind != ErrKindPolicy && s.ErrorKind != ErrKindPermanent
}

// DeriveProjectStatus rolls stage states up into a project status.
func DeriveProjectStatus(stages []Stage) string {
	if len(stages) == 0 {
		return ProjectStatusQueued
	}
	started := false
	allTerminal := true
	allSucceeded := true
	anyFailed := false
	for i := range stages {
		switch stages[i].State {
		case StageRunning, StageSucceeded, StageFailed, StageCancelled:
			started = true
		}
		if !stages[i].Terminal() {
			allTerminal = false
		}
		if stages[i].State != StageSucceeded {
			allSucceeded = false
		}
		if stages[i].State == StageFailed {
			anyFailed = true
		}
	}
	if !allTerminal {
		if !started {
			return ProjectStatusQueued
		}
		return ProjectStatusRunning
	}
	if allSucceeded {
		return ProjectStatusCompleted
	}
	if anyFailed {
		return ProjectStatusFailed
	}
	return ProjectStatusCancelled
}
