package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 场景间转场方式
const (
	TransitionNone      = "none"
	TransitionCrossfade = "crossfade"
	TransitionCut       = "cut"
	TransitionFade      = "fade"
)

type SoundEffectSpec struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type SoundEffectList []SoundEffectSpec

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (l SoundEffectList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

// 实现 sql.Scanner 接口: JSON String -> Go Struct (从数据库读取)
func (l *SoundEffectList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, l)
}

type Scene struct {
	ID           string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID    string          `gorm:"index" json:"projectId"`
	Number       int             `json:"number"`
	Prompt       string          `json:"prompt"`
	Duration     float64         `json:"duration"`
	StylePreset  string          `json:"stylePreset"`
	SoundEffects SoundEffectList `gorm:"type:json" json:"soundEffects"`
	Transition   string          `json:"transition"`
	ImageKey     string          `json:"imageKey"`
	ClipKey      string          `json:"clipKey"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func (Scene) TableName() string {
	return "scene"
}

// ValidTransition reports whether t is one of the supported transition kinds.
func ValidTransition(t string) bool {
	switch t {
	case "", TransitionNone, TransitionCrossfade, TransitionCut, TransitionFade:
		return true
	}
	return false
}
