package models

import "time"

// 项目状态由阶段状态汇总推导，不单独推进
const (
	ProjectStatusQueued    = "queued"    // 已提交，尚无阶段开始执行
	ProjectStatusRunning   = "running"   // 至少一个阶段在执行或已完成
	ProjectStatusCompleted = "completed" // 所有阶段成功
	ProjectStatusFailed    = "failed"    // 存在超出重试预算的失败阶段
	ProjectStatusCancelled = "cancelled" // 所有阶段均已确认取消
)

type Project struct {
	ID            string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title         string    `json:"title"`
	Status        string    `json:"status"`
	SceneCount    int       `json:"sceneCount"`
	FinalVideoKey string    `json:"finalVideoKey"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}

// IsTerminal reports whether the project reached a final status.
func (p *Project) IsTerminal() bool {
	switch p.Status {
	case ProjectStatusCompleted, ProjectStatusFailed, ProjectStatusCancelled:
		return true
	}
	return false
}
