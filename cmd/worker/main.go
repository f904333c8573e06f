package main

import (
	"context"
	"os"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/apicache/internal/app"
	"github.com/briangreenhill/apicache/internal/config"
	"github.com/briangreenhill/apicache/internal/jobs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config error")
	}
	logger := app.NewLogger(cfg, os.Stdout).With().Str("process", "worker").Logger()

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("store error")
	}
	defer a.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})
	cronspec := "@every " + cfg.Worker.Interval.String()
	for _, site := range cfg.Worker.Sites {
		task, err := jobs.NewRefreshRecentTask(site)
		if err != nil {
			logger.Fatal().Err(err).Str("site", site).Msg("bad worker site")
		}
		id, err := scheduler.Register(cronspec, task, asynq.Queue("refresh"), asynq.MaxRetry(2))
		if err != nil {
			logger.Fatal().Err(err).Str("site", site).Msg("schedule refresh")
		}
		logger.Info().Str("site", site).Str("entry", id).Str("cron", cronspec).Msg("scheduled recent refresh")
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("scheduler")
	}
	defer scheduler.Shutdown()

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    4,
		StrictPriority: false,
		Queues: map[string]int{
			"refresh": 10, // scheduled
			"default": 5,  // requested through the API
		},
	})
	mux := asynq.NewServeMux()
	mux.Handle(jobs.TaskRefreshRecent, &jobs.RefreshHandler{
		Engine: a.Engine,
		APIKey: cfg.Worker.APIKey,
		Log:    logger,
	})

	logger.Info().Strs("sites", cfg.Worker.Sites).Msg("worker running")
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker")
	}
}
