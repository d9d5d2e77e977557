package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"authd/internal/config"
	"authd/internal/ratelimit"
	"authd/internal/services/auth"
	"authd/internal/services/sweeper"
	"authd/internal/storage/mongodb"
	"authd/internal/storage/postgres"
	"authd/internal/storage/sqlite"
	"authd/internal/transport/cookie"

	"github.com/redis/go-redis/v9"
)

// Storage is the union of the store capabilities the core consumes; every
// backend implements all of it.
type Storage interface {
	auth.MemberProvider
	auth.TokenStore
	sweeper.TokenSweeper
}

type App struct {
	Auth    *auth.Auth
	Sweeper *sweeper.Sweeper
	Cookies *cookie.Transport

	closeStorage func() error
	redisClient  *redis.Client
}

const startupTimeout = 30 * time.Second

// New wires the auth core from config: storage backend, optional Redis rate
// limiter, cookie transport, and the maintenance sweeper.
func New(logger *slog.Logger, cfg *config.Config) *App {
	storage, closeStorage, err := newStorage(cfg)
	if err != nil {
		panic(err)
	}

	var (
		limiter     auth.RateLimiter
		redisClient *redis.Client
	)
	if cfg.RateLimit.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter = ratelimit.New(redisClient, ratelimit.Config{
			EnableIPThrottle:   cfg.RateLimit.EnableIPThrottle,
			MaxLoginAttempts:   cfg.RateLimit.MaxLoginAttempts,
			LoginCooldown:      cfg.RateLimit.LoginCooldown,
			MaxRefreshAttempts: cfg.RateLimit.MaxRefreshAttempts,
			RefreshCooldown:    cfg.RateLimit.RefreshCooldown,
		})
	}

	authService := auth.New(
		logger,
		storage,
		storage,
		auth.BcryptVerifier{},
		limiter,
		cfg.JWTSecret,
		cfg.AccessTokenTTL,
		cfg.RefreshTokenTTL,
	)

	sw := sweeper.New(logger, storage, cfg.Sweep.Interval, cfg.Sweep.RevokedRetention)

	cookies := cookie.New(cookie.Config{
		Name:   cfg.Cookie.Name,
		Path:   cfg.Cookie.Path,
		Domain: cfg.Cookie.Domain,
		TTL:    cfg.RefreshTokenTTL,
		Secure: cfg.Cookie.Secure,
	})

	return &App{
		Auth:         authService,
		Sweeper:      sw,
		Cookies:      cookies,
		closeStorage: closeStorage,
		redisClient:  redisClient,
	}
}

func newStorage(cfg *config.Config) (Storage, func() error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	switch cfg.StorageDriver {
	case "sqlite":
		s, err := sqlite.New(cfg.StoragePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "mongodb":
		s, err := mongodb.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			return s.Close(closeCtx)
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver: %s", cfg.StorageDriver)
	}
}

// Stop shuts down background work and closes external connections.
func (a *App) Stop() {
	a.Sweeper.Stop()
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	_ = a.closeStorage()
}
