// Command job-worker runs the job worker and DLQ alert monitor (spec
// components M/N) standalone, independent of cmd/server's REST façade and
// cmd/fork-monitor's fork-detection loop — each cmd/ entry wires its own
// dependency graph, the teacher's pattern across cmd/api, cmd/probe, and
// cmd/interceptor.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/ocx/kernel/internal/config"
	"github.com/ocx/kernel/internal/halt"
	"github.com/ocx/kernel/internal/jobs"
	"github.com/ocx/kernel/internal/jobs/handlers"
	"github.com/ocx/kernel/internal/metrics"
	"github.com/ocx/kernel/internal/ratelimit"
	"github.com/ocx/kernel/internal/webhooks"
)

func main() {
	logger := log.New(log.Writer(), "[JOB-WORKER] ", log.LstdFlags)
	if err := godotenv.Load(); err != nil {
		logger.Println("no .env file found, using process environment")
	}
	cfg := config.Get()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	haltStore := buildHaltStore(cfg)
	recoveryLimiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Threshold: 5, Window: time.Hour})
	halter, err := halt.NewHalter(ctx, haltStore, recoveryLimiter, halt.NoopAttemptLog{})
	if err != nil {
		logger.Fatalf("halt: %v", err)
	}

	scheduler := buildScheduler(cfg)
	webhookRegistry := webhooks.NewDispatcher(webhooks.NewRegistry(), cfg.Webhooks.Workers)

	orphanHandler := handlers.NewOrphanDetectionHandler(
		handlers.NewMemoryPetitionSource(nil),
		handlers.NewMemoryOrphanDetectionRepository(),
		handlers.DefaultOrphanThresholdHours,
	)
	worker := jobs.NewWorker(jobs.WorkerConfig{
		Scheduler:    scheduler,
		Halt:         halter,
		PollInterval: time.Duration(cfg.Scheduler.PollIntervalSec) * time.Second,
		BatchSize:    cfg.Scheduler.BatchSize,
		Handlers: map[string]jobs.Handler{
			handlers.OrphanDetectionJobType: orphanHandler,
		},
		Metrics: m,
	})
	dlqMonitor := jobs.NewDLQMonitor(scheduler, time.Duration(cfg.Scheduler.DLQCheckIntervalSec)*time.Second, webhookRegistry, m)

	worker.Start(ctx)
	dlqMonitor.Start(ctx)
	logger.Println("job worker and DLQ alert monitor started")

	<-ctx.Done()
	logger.Println("shutdown signal received")
	worker.Stop()
	dlqMonitor.Stop()
	webhookRegistry.Shutdown()
	logger.Println("shutdown complete")
}

func buildHaltStore(cfg *config.Config) halt.Store {
	switch cfg.Halt.Backend {
	case "postgres":
		return halt.NewPostgresStore(mustPostgres(cfg.Halt.PostgresDSN, "halt"))
	default:
		return halt.NewMemoryStore()
	}
}

func buildScheduler(cfg *config.Config) jobs.Scheduler {
	switch cfg.Scheduler.Backend {
	case "postgres":
		return jobs.NewPostgresScheduler(mustPostgres(cfg.Scheduler.PostgresDSN, "scheduler"))
	default:
		return jobs.NewMemoryScheduler()
	}
}

func mustPostgres(dsn string, component string) *sql.DB {
	if dsn == "" {
		log.Fatalf("%s: postgres backend selected but no DSN configured", component)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("%s: open postgres: %v", component, err)
	}
	return db
}
