package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"taskpipe/internal/api"
	"taskpipe/internal/application/factories/infrastructure"
	"taskpipe/internal/apply"
	"taskpipe/internal/broker"
	"taskpipe/internal/config"
	"taskpipe/internal/coordinator"
	"taskpipe/internal/dlq"
	"taskpipe/internal/downstream"
	"taskpipe/internal/infrastructure/postgres"
	"taskpipe/internal/producer"
	"taskpipe/internal/worker"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize structured JSON logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	infra := infrastructure.NewFactory(cfg)
	defer infra.Close()

	// Postgres: projections, audit log, quarantine
	pgPool, err := infra.Postgres(ctx)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	notificationRepo := postgres.NewNotificationRepository(pgPool)
	auditRepo := postgres.NewAuditRepository(pgPool)
	dlqRepo := postgres.NewDLQRepository(pgPool)
	for _, ensure := range []func(context.Context) error{
		notificationRepo.EnsureSchema, auditRepo.EnsureSchema, dlqRepo.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			logger.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}
	}

	// Redis: leases, offsets, dedup markers, recurrence state
	store, err := infra.StateStore(ctx)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	// Kafka
	specs := cfg.Pipeline.TopicSpecs()
	kafkaBroker := infra.Kafka()
	if err := kafkaBroker.EnsureTopics(ctx, specs); err != nil {
		logger.Error("failed to ensure topics", "error", err)
		os.Exit(1)
	}

	retry := dlq.Policy{
		MaxAttempts:    cfg.Pipeline.Retry.MaxAttempts,
		InitialBackoff: cfg.Pipeline.Retry.InitialBackoff,
		MaxBackoff:     cfg.Pipeline.Retry.MaxBackoff,
		Multiplier:     cfg.Pipeline.Retry.Multiplier,
		Jitter:         cfg.Pipeline.Retry.Jitter,
	}

	// The recurring-task downstream publishes follow-up reminders through
	// the same producer path the API uses.
	prod := producer.New(kafkaBroker, producer.Config{
		Topics:           producer.Topics{TaskEvents: specs[0], Reminders: specs[1], TaskUpdates: specs[2]},
		Retry:            retry,
		MirrorUpdates:    cfg.Pipeline.MirrorUpdates,
		BreakerThreshold: uint32(cfg.Pipeline.BreakerThreshold),
		BreakerCooldown:  cfg.Pipeline.BreakerCooldown,
	}, logger)

	// Downstreams. Config names the enabled set and its apply order;
	// unknown names are rejected at startup.
	registered := []apply.Downstream{
		downstream.NewNotifier(notificationRepo),
		downstream.NewRecurring(store, prod, logger),
		downstream.NewAudit(auditRepo),
	}
	var downstreams []apply.Downstream
	for _, name := range cfg.Pipeline.Downstreams {
		i := slices.IndexFunc(registered, func(d apply.Downstream) bool { return d.Name() == name })
		if i < 0 {
			logger.Error("unknown downstream in config", "name", name)
			os.Exit(1)
		}
		downstreams = append(downstreams, registered[i])
	}
	if len(downstreams) == 0 {
		logger.Error("no downstreams enabled")
		os.Exit(1)
	}
	applier := apply.NewApplier(store, cfg.Pipeline.DedupTTL, logger, downstreams...)

	offsets := coordinator.NewOffsetStore(store, cfg.Pipeline.Group)
	runner := worker.New(kafkaBroker, applier, offsets, dlqRepo, worker.Config{
		BatchSize:   cfg.Pipeline.BatchSize,
		Retry:       retry,
		StartOffset: worker.StartOffset(cfg.Pipeline.StartOffset),
	}, logger)

	// The group consumes task-events and reminders; task-updates is the
	// mirror other services read.
	coord := coordinator.New(store, runner, coordinator.Config{
		Group:             cfg.Pipeline.Group,
		InstanceID:        cfg.Pipeline.InstanceID,
		Topics:            []broker.TopicSpec{specs[0], specs[1]},
		LeaseTTL:          cfg.Pipeline.LeaseTTL,
		HeartbeatInterval: cfg.Pipeline.HeartbeatInterval,
		RebalanceInterval: cfg.Pipeline.RebalanceInterval,
	}, logger)

	handlers := api.NewHandlers(coord, offsets, dlqRepo, kafkaBroker, logger)
	srv := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: api.NewRouter(handlers, store),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coord.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("ops server starting", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Housekeeping: drop replayed quarantine entries once they are stale.
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n, err := dlqRepo.PurgeReplayed(gctx, 24*time.Hour)
				if err != nil {
					logger.Warn("quarantine purge failed", "error", err)
					continue
				}
				if n > 0 {
					logger.Info("purged replayed quarantine entries", "count", n)
				}
			}
		}
	})

	logger.Info("pipeline instance started", "group", cfg.Pipeline.Group)
	if err := g.Wait(); err != nil {
		logger.Error("pipeline stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("pipeline exiting")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
