package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"magsd/backend/internal/cache"
	"magsd/backend/internal/config"
	"magsd/backend/internal/httpapi"
	"magsd/backend/internal/logging"
	"magsd/backend/internal/service"
	"magsd/backend/internal/store"
	"magsd/backend/internal/store/memory"
	pgstore "magsd/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("repository unavailable; refusing to start with in-memory fallback while DATABASE_URL is set")
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	catalog := cache.CatalogCache(cache.NoopCatalogCache{})
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCatalogCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, using noop catalog cache and local rate limits")
			_ = redisCache.Close()
		} else {
			catalog = redisCache
			redisClient = redisCache.Client()
			closers = append(closers, redisCache.Close)
			log.Info().Str("addr", cfg.RedisAddr).Msg("cache: redis")
		}
	} else {
		log.Info().Msg("cache: noop")
	}

	svc := service.New(repo, catalog, service.Options{
		CatalogTTL: cfg.CatalogCacheTTL(),
		ShopName:   cfg.ShopName,
		Location:   cfg.Location(),
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	api, err := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		AuthRate:      cfg.LoginRateLimit,
		Redis:         redisClient,
		CSRFSecret:    csrfSecret(cfg.AuthSecret),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build http api")
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Str("shop", cfg.ShopName).Msg("jewelry backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

// openRepository connects to Postgres when DATABASE_URL is set and otherwise
// returns a seeded in-memory store. The returned closer may be nil.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, func() error, error) {
	layawayOff := cfg.LayawayFieldsMode == "off"

	if cfg.DatabaseURL == "" {
		var opts []memory.Option
		if layawayOff {
			opts = append(opts, memory.WithoutSaleFields(store.LayawayFields...))
		}
		log.Info().Bool("layaway_fields", !layawayOff).Msg("repository: in-memory")
		return memory.NewSeeded(opts...), nil, nil
	}

	var opts []pgstore.Option
	if layawayOff {
		opts = append(opts, pgstore.WithoutLayawayFields())
	}
	pg, err := pgstore.New(ctx, cfg.DatabaseURL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.DBAutoMigrate {
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("apply schema: %w", err)
		}
		log.Info().Msg("schema ensured")
	}
	log.Info().Bool("layaway_fields", !layawayOff).Msg("repository: postgres")
	return pg, pg.Close, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must name a specific origin")
	}
	return nil
}

// csrfSecret derives the CSRF key from AUTH_SECRET so every instance behind
// a load balancer accepts the same tokens.
func csrfSecret(authSecret string) []byte {
	sum := sha256.Sum256([]byte("csrf:" + authSecret))
	return sum[:]
}
