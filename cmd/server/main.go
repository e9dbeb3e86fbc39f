package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/smilemakc/wfcore/internal/application/executor"
	"github.com/smilemakc/wfcore/internal/application/submission"
	"github.com/smilemakc/wfcore/internal/infrastructure/api/rest"
	"github.com/smilemakc/wfcore/internal/infrastructure/config"
	"github.com/smilemakc/wfcore/internal/infrastructure/eventbus"
	"github.com/smilemakc/wfcore/internal/infrastructure/logger"
	"github.com/smilemakc/wfcore/internal/infrastructure/queue"
	"github.com/smilemakc/wfcore/internal/infrastructure/storage"
)

func main() {
	var port = flag.String("port", "", "Server port (overrides config)")
	flag.Parse()

	cfg := config.Load()
	if *port != "" {
		cfg.Port = *port
	}

	log := logger.Setup(cfg.LogLevel, cfg.Stage)
	log.Info().Str("port", cfg.Port).Str("stage", cfg.Stage).Msg("starting wfcore")

	db := storage.Open(cfg.DatabaseDSN)
	ctx := context.Background()
	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database schema")
	}

	runs := storage.NewRunStore(db)
	nodeExecs := storage.NewNodeExecutionStore(db, cfg.NodeRetention)
	workflows := storage.NewWorkflowRepository(db)

	wq := queue.NewWorkQueue(cfg.KafkaBrokers, cfg.QueueTopic, "wfcore-engine")
	defer wq.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	events := eventbus.NewEventBus(redisClient, cfg.EventSource)
	defer events.Close()

	dispatcher := executor.NewDispatcher(&http.Client{Timeout: 30 * time.Second})
	engine := executor.NewEngine(runs, nodeExecs, workflows, events, dispatcher, cfg.EventSource, log)

	api := submission.NewAPI(runs, wq, events, log)

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	go func() {
		log.Info().Str("topic", cfg.QueueTopic).Msg("engine worker loop started")
		if err := wq.Consume(workerCtx, engine.HandleMessage); err != nil {
			log.Error().Err(err).Msg("engine worker loop exited")
		}
	}()

	go runRetentionJanitor(workerCtx, log, runs, nodeExecs, cfg.RunRetention, cfg.NodeRetention)

	srv := rest.NewServer(api, log)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("address", httpServer.Addr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancelWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}

	log.Info().Msg("server exited gracefully")
}

// runRetentionJanitor periodically deletes runs and node executions past
// their retention deadline. Run and node retention windows are configured
// independently, but a single sweep interval covers both.
func runRetentionJanitor(ctx context.Context, log zerolog.Logger, runs *storage.RunStore, nodeExecs *storage.NodeExecutionStore, runRetention, nodeRetention time.Duration) {
	const interval = time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC().Unix()

			if n, err := runs.SweepExpired(ctx, now); err != nil {
				log.Error().Err(err).Msg("run retention sweep failed")
			} else if n > 0 {
				log.Info().Int("deleted", n).Dur("retention", runRetention).Msg("swept expired runs")
			}

			if n, err := nodeExecs.SweepExpired(ctx, now); err != nil {
				log.Error().Err(err).Msg("node execution retention sweep failed")
			} else if n > 0 {
				log.Info().Int("deleted", n).Dur("retention", nodeRetention).Msg("swept expired node executions")
			}
		}
	}
}
