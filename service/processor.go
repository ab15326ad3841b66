package service

import (
	"context"
	"encoding/json"
	"fmt"

	"cinegraph-server/config"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// Processor 消费项目运行队列，驱动调度器。
type Processor struct {
	scheduler *Scheduler
}

func NewProcessor(scheduler *Scheduler) *Processor {
	return &Processor{scheduler: scheduler}
}

// StartProcessor 启动队列消费者。concurrency 限制并行运行的项目数；
// 阶段级并发由资源池单独限制。
func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeProjectRun, p.HandleProjectRun)

	log.Info().Int("concurrency", concurrency).Msg("starting project run processor")
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatal().Err(err).Msg("could not run queue server")
		}
	}()
}

// HandleProjectRun 驱动单个项目直到终态。业务性失败（阶段失败、取消）
// 已由调度器落库，返回 nil 避免队列重试；基础设施错误返回 err 触发重投。
func (p *Processor) HandleProjectRun(ctx context.Context, t *asynq.Task) error {
	var payload ProjectRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	log.Info().Str("project", payload.ProjectID).Msg("processing project run")
	if err := p.scheduler.Run(ctx, payload.ProjectID); err != nil {
		log.Error().Err(err).Str("project", payload.ProjectID).Msg("project run aborted")
		return err
	}
	return nil
}
