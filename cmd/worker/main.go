package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"webshield/internal/app"
	"webshield/internal/config"
	"webshield/internal/tasks"

	"github.com/hibiken/asynq"
)

// Standalone background worker for deployments that keep task
// processing out of the web process (RUN_WORKER_IN_PROCESS=false).
func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()

	a, err := app.Bootstrap(cfg, nil)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to bootstrap worker")
	}
	defer a.Close()

	srv := asynq.NewServer(
		a.RedisOpts,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"default": 5,
				"low":     2,
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeNotify, tasks.NewNotifyTaskHandler(cfg))
	mux.Handle(tasks.TypeReputationCheck, tasks.NewReputationTaskHandler(cfg, a.PgRepo, a.RedisRepo, a.Audit, a.AsynqClient()))
	mux.Handle(tasks.TypeGeoIPUpdate, tasks.NewGeoIPTaskHandler(cfg, a.GeoResolver))

	scheduler := asynq.NewScheduler(a.RedisOpts, &asynq.SchedulerOpts{})
	countryTask, _ := tasks.NewGeoIPUpdateTask("GeoLite2-Country")
	if _, err := scheduler.Register("@every 72h", countryTask); err != nil {
		zlog.Error().Err(err).Msg("Failed to schedule GeoLite2-Country update")
	}

	go func() {
		if err := scheduler.Run(); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to run scheduler")
		}
	}()

	go func() {
		zlog.Info().Msg("Starting WebShield worker")
		if err := srv.Run(mux); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to run asynq server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info().Msg("Shutting down worker...")
	scheduler.Shutdown()
	srv.Shutdown()
}
