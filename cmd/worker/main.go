package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fiscal-audit-service/internal/config"
	"fiscal-audit-service/internal/logging"
	"fiscal-audit-service/internal/queue"
	"fiscal-audit-service/internal/store"
	"fiscal-audit-service/internal/telemetry"
	"fiscal-audit-service/internal/worker"
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

	// nil process installs the default report processor.
	processor := worker.NewProcessor(cfg, st, q, nil, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("poll", cfg.WorkerPollInterval).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Error().Err(err).Msg("worker stopped")
	}
}
