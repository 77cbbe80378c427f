package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskpipe/internal/application/factories/infrastructure"
	"taskpipe/internal/config"
	"taskpipe/internal/dlq"
	"taskpipe/internal/domain/event"
	"taskpipe/internal/downstream"
	"taskpipe/internal/producer"
	"taskpipe/internal/statestore"
)

var eventsSeeded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "taskpipe_demo_events_seeded_total",
	Help: "Lifecycle events published by the demo task service.",
})

var (
	titles     = []string{"Pay rent", "Water plants", "Write weekly report", "Call dentist", "Review budget", "Clean garage", "Back up laptop", "Renew insurance"}
	priorities = []string{"low", "medium", "high"}
	categories = []string{"home", "work", "errands"}
)

// The demo task service: provisions the topics, then walks a handful of
// tasks through a realistic lifecycle so the consumer side has something
// to chew on. Every third task is made recurring.
func main() {
	users := flag.Int("users", 3, "number of demo users")
	tasks := flag.Int("tasks", 4, "tasks per user")
	interval := flag.Duration("interval", 300*time.Millisecond, "pause between published events")
	loop := flag.Bool("loop", false, "keep seeding lifecycles until interrupted")
	flag.Parse()

	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("producer metrics listening on :9092")
		http.ListenAndServe(":9092", mux)
	}()

	infra := infrastructure.NewFactory(cfg)
	defer infra.Close()

	// Redis holds recurrence schedules for the tasks we mark recurring.
	store, err := infra.StateStore(ctx)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	specs := cfg.Pipeline.TopicSpecs()
	kafkaBroker := infra.Kafka()
	if err := kafkaBroker.EnsureTopics(ctx, specs); err != nil {
		logger.Error("failed to ensure topics", "error", err)
		os.Exit(1)
	}
	logger.Info("topics provisioned", "count", len(specs))

	prod := producer.New(kafkaBroker, producer.Config{
		Topics: producer.Topics{TaskEvents: specs[0], Reminders: specs[1], TaskUpdates: specs[2]},
		Retry: dlq.Policy{
			MaxAttempts:    cfg.Pipeline.Retry.MaxAttempts,
			InitialBackoff: cfg.Pipeline.Retry.InitialBackoff,
			MaxBackoff:     cfg.Pipeline.Retry.MaxBackoff,
			Multiplier:     cfg.Pipeline.Retry.Multiplier,
			Jitter:         cfg.Pipeline.Retry.Jitter,
		},
		MirrorUpdates:    cfg.Pipeline.MirrorUpdates,
		BreakerThreshold: uint32(cfg.Pipeline.BreakerThreshold),
		BreakerCooldown:  cfg.Pipeline.BreakerCooldown,
	}, logger)

	seq := time.Now().Unix() * 1000
	for round := 1; ctx.Err() == nil; round++ {
		for u := 1; u <= *users && ctx.Err() == nil; u++ {
			userID := fmt.Sprintf("user-%d", u)
			for i := 0; i < *tasks && ctx.Err() == nil; i++ {
				seq++
				runLifecycle(ctx, logger, prod, store, seq, userID, *interval)
			}
		}
		if !*loop {
			break
		}
		logger.Info("lifecycle round finished", "round", round)
	}

	logger.Info("demo producer exiting")
}

func runLifecycle(ctx context.Context, logger *slog.Logger, prod *producer.Producer, store statestore.Store, taskID int64, userID string, interval time.Duration) {
	publish := func(e *event.Event) {
		if err := prod.Publish(ctx, e); err != nil {
			logger.Error("publish failed", "type", string(e.Type), "task_id", taskID, "error", err)
			return
		}
		eventsSeeded.Inc()
		time.Sleep(interval)
	}

	title := titles[rand.Intn(len(titles))]
	priority := priorities[rand.Intn(len(priorities))]
	due := time.Now().AddDate(0, 0, 1+rand.Intn(14)).Format(downstream.DateLayout)

	publish(event.New(event.TaskCreated{
		TaskID:   taskID,
		UserID:   userID,
		Title:    title,
		Priority: priority,
		Category: categories[rand.Intn(len(categories))],
		Status:   "pending",
		DueDate:  due,
	}))

	if taskID%3 == 0 {
		err := downstream.Seed(ctx, store, taskID, downstream.Recurrence{
			Pattern:        downstream.PatternDaily,
			Interval:       1,
			NextDue:        due,
			MaxOccurrences: 10,
		})
		if err != nil {
			logger.Error("seeding recurrence failed", "task_id", taskID, "error", err)
		} else {
			logger.Info("task made recurring", "task_id", taskID, "next_due", due)
		}
	}

	if rand.Intn(2) == 0 {
		next := priorities[rand.Intn(len(priorities))]
		if next != priority {
			publish(event.New(event.TaskUpdated{
				TaskID:  taskID,
				UserID:  userID,
				Changes: event.Changes{Priority: &event.StringChange{Old: priority, New: next}},
			}))
		}
	}

	publish(event.New(event.TaskCompletion{TaskID: taskID, UserID: userID, Title: title, Completed: true}))

	// Some users change their mind, then finish the task after all.
	if rand.Intn(4) == 0 {
		publish(event.New(event.TaskCompletion{TaskID: taskID, UserID: userID, Title: title, Completed: false}))
		publish(event.New(event.TaskCompletion{TaskID: taskID, UserID: userID, Title: title, Completed: true}))
	}

	if rand.Intn(5) == 0 {
		publish(event.New(event.TaskDeleted{TaskID: taskID, UserID: userID}))
	}
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
