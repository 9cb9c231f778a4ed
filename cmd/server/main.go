package main

import (
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"webshield/internal/api"
	"webshield/internal/app"
	"webshield/internal/config"
	"webshield/internal/tasks"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/redis"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	rdb "github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

//go:embed migrations/*
var migrationsFS embed.FS

// CensorWriter masks common secret-carrying keys before log lines reach
// the terminal.
type CensorWriter struct {
	io.Writer
	re *regexp.Regexp
}

func (w *CensorWriter) Write(p []byte) (n int, err error) {
	censored := w.re.ReplaceAll(p, []byte(`${1}${2}[CENSORED]`))
	return w.Writer.Write(censored)
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	censorRE := regexp.MustCompile(`(?i)(password|secret|token)(["':\s]+)([^"'\s,{}]+)`)
	cw := &CensorWriter{
		Writer: zerolog.ConsoleWriter{Out: os.Stderr},
		re:     censorRE,
	}
	zlog.Logger = zerolog.New(cw).With().Timestamp().Logger()

	cfg := config.Load()

	if !cfg.LogWeb {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if cfg.SecretKey == "change-me" {
		zlog.Warn().Msg("SECRET_KEY is using default. Please set a 32-byte string via environment variable.")
	}

	// Derive two 32-byte keys for cookie signing and encryption from
	// the single configured secret.
	hash := sha256.New()
	hash.Write([]byte(cfg.SecretKey))
	authKey := hash.Sum(nil)

	hash.Reset()
	hash.Write([]byte(cfg.SecretKey + "_encryption"))
	blockKey := hash.Sum(nil)

	// Run migrations
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to create iofs source")
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, cfg.PostgresURL)
	if err == nil {
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			zlog.Error().Err(err).Msg("Migration error")
		} else if err == migrate.ErrNoChange {
			zlog.Info().Msg("Database is up to date (no migrations needed)")
		} else {
			zlog.Info().Msg("Database migrations applied successfully")
		}
	} else {
		zlog.Error().Err(err).Msg("Failed to initialize migrations")
	}

	hub := api.NewHub()
	go hub.Run()

	a, err := app.Bootstrap(cfg, hub)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to bootstrap app")
	}
	defer a.Close()

	a.AuthService.EnsureBootstrapAdmin()

	// Background worker, optionally in-process
	var asynqServer *asynq.Server
	var asynqScheduler *asynq.Scheduler

	if cfg.RunWorkerInProcess {
		zlog.Info().Msg("Starting background worker in-process")

		asynqServer = asynq.NewServer(
			a.RedisOpts,
			asynq.Config{
				Concurrency: 10,
				Queues: map[string]int{
					"default": 5,
					"low":     2,
				},
			},
		)

		asynqMux := asynq.NewServeMux()
		asynqMux.Handle(tasks.TypeNotify, tasks.NewNotifyTaskHandler(cfg))
		asynqMux.Handle(tasks.TypeReputationCheck, tasks.NewReputationTaskHandler(cfg, a.PgRepo, a.RedisRepo, a.Audit, a.AsynqClient()))
		asynqMux.Handle(tasks.TypeGeoIPUpdate, tasks.NewGeoIPTaskHandler(cfg, a.GeoResolver))

		go func() {
			if err := asynqServer.Run(asynqMux); err != nil {
				zlog.Fatal().Err(err).Msg("Failed to run asynq server")
			}
		}()

		asynqScheduler = asynq.NewScheduler(a.RedisOpts, &asynq.SchedulerOpts{})

		countryTask, _ := tasks.NewGeoIPUpdateTask("GeoLite2-Country")
		if _, err := asynqScheduler.Register("@every 72h", countryTask); err != nil {
			zlog.Error().Err(err).Msg("Failed to schedule GeoLite2-Country update")
		}

		go func() {
			if err := asynqScheduler.Run(); err != nil {
				zlog.Fatal().Err(err).Msg("Failed to run asynq scheduler")
			}
		}()

		// Event log retention
		go func() {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for range ticker.C {
				if err := a.PgRepo.CleanupOldEvents(cfg.EventRetentionDays); err != nil {
					zlog.Error().Err(err).Msg("Event cleanup failed")
				}
			}
		}()
	} else {
		zlog.Info().Msg("Background worker disabled (external worker expected)")
	}

	// Gin
	if !cfg.LogWeb {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	trustedProxies := []string{"127.0.0.1", "172.16.0.0/12", "10.0.0.0/8", "192.168.0.0/16"}
	if cfg.TrustedProxies != "" {
		for _, p := range strings.Split(cfg.TrustedProxies, ",") {
			trustedProxies = append(trustedProxies, strings.TrimSpace(p))
		}
	}
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		zlog.Error().Err(err).Msg("Failed to set trusted proxies")
	}

	// Sessions
	store, err := redis.NewStore(10, "tcp", fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort), "", cfg.RedisPassword, authKey, blockKey)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to create session store")
	}
	store.Options(sessions.Options{
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   86400,
	})
	r.Use(sessions.Sessions("webshield_session", store))

	r.Use(api.PrometheusMiddleware())
	r.Use(api.SecurityHeadersMiddleware())

	// The firewall runs before every handler.
	r.Use(api.FirewallMiddleware(a.Inspector))

	// Edge limiters for the admin surface, backed by a dedicated Redis DB
	createLimiter := func(limit int, period int, prefix string) gin.HandlerFunc {
		rate := limiter.Rate{
			Period: time.Duration(period) * time.Second,
			Limit:  int64(limit),
		}
		limiterClient := rdb.NewClient(&rdb.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisLimDB,
		})
		limitStore, err := sredis.NewStoreWithOptions(limiterClient, limiter.StoreOptions{
			Prefix: prefix,
		})
		if err != nil {
			zlog.Fatal().Err(err).Msgf("Failed to create limiter store: %s", prefix)
		}
		return mgin.NewMiddleware(limiter.New(limitStore, rate))
	}

	mainLimiter := createLimiter(cfg.RateLimit, cfg.RatePeriod, "limiter_main")
	loginLimiter := createLimiter(cfg.RateLimitLogin, cfg.RatePeriod, "limiter_login")

	handler := api.NewAPIHandler(cfg, a.RedisRepo, a.PgRepo, a.AuthService, a.TOTPService, a.LoginGuard, a.Gate, a.Audit, a.Notifier, hub)
	handler.SetLimiters(mainLimiter, loginLimiter)
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("Starting WebShield server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	if asynqScheduler != nil {
		asynqScheduler.Shutdown()
	}
	if asynqServer != nil {
		asynqServer.Shutdown()
	}
	hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}
