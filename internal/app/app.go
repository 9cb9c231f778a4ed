package app

import (
	"context"
	"fmt"

	"webshield/internal/config"
	"webshield/internal/repository"
	"webshield/internal/service"

	"github.com/hibiken/asynq"
)

// App wires the repositories and services. Every dependency is created
// here and handed in explicitly; nothing reaches for globals.
type App struct {
	Config      *config.Config
	RedisRepo   *repository.RedisRepository
	PgRepo      *repository.PostgresRepository
	AuthService *service.AuthService
	TOTPService *service.TOTPService
	LoginGuard  *service.LoginGuard
	Gate        *service.ReputationGate
	Inspector   *service.Inspector
	Audit       *service.AuditService
	Notifier    *service.Notifier
	GeoResolver *service.GeoIPResolver
	RedisOpts   asynq.RedisClientOpt

	asynqClient *asynq.Client
}

// Broadcaster is attached after the hub exists; Bootstrap runs before
// the HTTP layer.
func Bootstrap(cfg *config.Config, hub service.Broadcaster) (*App, error) {
	redisRepo := repository.NewRedisRepository(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB)
	if err := redisRepo.GetClient().Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	pgRepo, err := repository.NewPostgresRepository(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	redisOpts := asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisOpts)

	audit := service.NewAuditService(pgRepo, hub)
	notifier := service.NewNotifier(asynqClient)
	geoResolver := service.NewGeoIPResolver()
	gate := service.NewReputationGate(cfg, redisRepo, geoResolver, notifier)
	patterns := service.NewPatternMatcher()
	limiter := service.NewRateLimiter(redisRepo)
	inspector := service.NewInspector(cfg, patterns, gate, limiter, audit, notifier)
	authService := service.NewAuthService(cfg, pgRepo)
	totpService := service.NewTOTPService(cfg, redisRepo, pgRepo, audit)
	loginGuard := service.NewLoginGuard(cfg, redisRepo, gate, audit, notifier)

	return &App{
		Config:      cfg,
		RedisRepo:   redisRepo,
		PgRepo:      pgRepo,
		AuthService: authService,
		TOTPService: totpService,
		LoginGuard:  loginGuard,
		Gate:        gate,
		Inspector:   inspector,
		Audit:       audit,
		Notifier:    notifier,
		GeoResolver: geoResolver,
		RedisOpts:   redisOpts,
		asynqClient: asynqClient,
	}, nil
}

func (a *App) AsynqClient() *asynq.Client {
	return a.asynqClient
}

func (a *App) Close() {
	if a.asynqClient != nil {
		_ = a.asynqClient.Close()
	}
}
