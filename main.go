package main

import (
	"os"
	"time"

	"cinegraph-server/config"
	"cinegraph-server/models"
	"cinegraph-server/routers"
	"cinegraph-server/routers/api"
	"cinegraph-server/service"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config.InitConfig()
	cfg := config.AppConfig
	log.Info().Str("port", cfg.Server.Port).Msg("server starting")

	models.InitDB()
	service.InitQueue()

	store := models.NewGormStore(models.GormDB)
	assets := service.NewMinIOStore()
	hub := service.NewHub()

	pools, err := service.NewWorkerPools(cfg.Pools.GPUSlots, cfg.Pools.CPUSlots)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create worker pools")
	}
	defer pools.Release()

	worker := service.NewWorkerClient(
		cfg.Worker.Addr,
		time.Duration(cfg.Worker.PollIntervalSec)*time.Second,
		time.Duration(cfg.Worker.PollTimeoutSec)*time.Second,
	)
	adapters := service.Adapters{
		Images: worker,
		Video:  worker,
		Audio:  worker,
		Comp:   worker,
		Safety: service.NewBlocklistChecker(cfg.Safety.BlockedTerms, cfg.Safety.FilterLevel),
	}

	scheduler := service.NewScheduler(store, assets, adapters, pools, hub, service.SchedulerConfig{
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
		BackoffBase:  time.Duration(cfg.Scheduler.BackoffBaseSec) * time.Second,
		GPUTimeout:   time.Duration(cfg.Scheduler.GPUTimeoutSec) * time.Second,
		CPUTimeout:   time.Duration(cfg.Scheduler.CPUTimeoutSec) * time.Second,
		CheckAssets:  cfg.Safety.CheckAssets,
		AllowPartial: cfg.Composition.AllowPartial,
		FilterLevel:  cfg.Safety.FilterLevel,
	})
	scheduler.SetRunQueue(service.EnqueueProjectRun)

	// 崩溃恢复：running 阶段按 transient 失败重置，未完成项目重新入队
	if err := scheduler.Recover(); err != nil {
		log.Fatal().Err(err).Msg("startup recovery failed")
	}

	processor := service.NewProcessor(scheduler)
	processor.StartProcessor(5)

	r := routers.InitRouter(api.NewHandler(scheduler, store, hub, assets))
	if err := r.Run(cfg.Server.Port); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
}
