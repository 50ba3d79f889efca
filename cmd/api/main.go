package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"fiscal-audit-service/internal/api"
	"fiscal-audit-service/internal/config"
	"fiscal-audit-service/internal/health"
	"fiscal-audit-service/internal/intake"
	"fiscal-audit-service/internal/logging"
	"fiscal-audit-service/internal/queue"
	"fiscal-audit-service/internal/ratelimit"
	"fiscal-audit-service/internal/service"
	"fiscal-audit-service/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	q := queue.NewRedisQueue(cfg)

	validator, err := intake.NewValidator(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init uploads storage")
	}
	svc := service.NewAuditService(st, validator, log)

	var limiter *ratelimit.TokenBucket
	if cfg.RateLimitCapacity > 0 {
		limiterClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewTokenBucket(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	checker := health.NewChecker(st, q)

	server := api.New(cfg, svc, q, checker, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
