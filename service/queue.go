package service

import (
	"encoding/json"
	"fmt"
	"time"

	"cinegraph-server/config"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

const (
	TypeProjectRun = "project:run"
)

type ProjectRunPayload struct {
	ProjectID string `json:"project_id"`
}

var QueueClient *asynq.Client

// InitQueue 初始化项目运行任务的入队客户端
func InitQueue() {
	QueueClient = asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
}

// EnqueueProjectRun 将项目运行任务入队。队列提供持久化与崩溃后的重投，
// 阶段级重试由调度器自己负责。
func EnqueueProjectRun(projectID string) error {
	payload, err := json.Marshal(ProjectRunPayload{ProjectID: projectID})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(TypeProjectRun, payload,
		asynq.MaxRetry(3),             // 消费者崩溃时重投 3 次
		asynq.Timeout(60*time.Minute), // 多场景项目跑满 GPU 很慢，放宽超时
		asynq.Retention(24*time.Hour), // 任务结果在 Redis 保留时间
	)

	info, err := QueueClient.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	log.Info().Str("queue_id", info.ID).Str("project", projectID).Msg("project run enqueued")
	return nil
}
