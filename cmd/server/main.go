// Command server wires every kernel component together and serves the
// REST façade, mirroring the teacher's cmd/server/main.go composition-root
// style: build the dependency graph by hand in main, start background
// loops, serve, wait for a signal, shut down.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/ocx/kernel/internal/api"
	"github.com/ocx/kernel/internal/certification"
	"github.com/ocx/kernel/internal/circuitbreaker"
	"github.com/ocx/kernel/internal/config"
	"github.com/ocx/kernel/internal/crisis"
	"github.com/ocx/kernel/internal/deliberation"
	"github.com/ocx/kernel/internal/events"
	"github.com/ocx/kernel/internal/forkdetect"
	"github.com/ocx/kernel/internal/forkmonitor"
	"github.com/ocx/kernel/internal/governance"
	"github.com/ocx/kernel/internal/halt"
	"github.com/ocx/kernel/internal/jobs"
	"github.com/ocx/kernel/internal/jobs/handlers"
	"github.com/ocx/kernel/internal/keyregistry"
	"github.com/ocx/kernel/internal/ledger"
	"github.com/ocx/kernel/internal/metrics"
	"github.com/ocx/kernel/internal/ratelimit"
	"github.com/ocx/kernel/internal/webhooks"
	"github.com/ocx/kernel/internal/witness"
)

// ledgerEventWriter adapts *ledger.Writer's (Event, error) return to the
// (eventID string, error) shape halt.EventWriter requires, so
// AttemptRecovery can append a witnessed recovery event without the halt
// package importing ledger.
type ledgerEventWriter struct {
	w *ledger.Writer
}

func (l ledgerEventWriter) WriteEvent(ctx context.Context, eventType string, payload map[string]interface{}, now time.Time) (string, error) {
	e, err := l.w.WriteEvent(ctx, eventType, payload, now)
	if err != nil {
		return "", err
	}
	return e.EventID, nil
}

func main() {
	logger := log.New(log.Writer(), "[KERNEL] ", log.LstdFlags)
	if err := godotenv.Load(); err != nil {
		logger.Println("no .env file found, using process environment")
	}
	cfg := config.Get()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// --- key registry + signing identity ---
	keys := buildKeyRegistry(cfg)
	signerKey, signerPriv := mustSystemSigningKey(keys, cfg.Ledger.SignerKeyID)

	// --- ledger ---
	ledgerStore := buildLedgerStore(cfg)
	w := buildWitness(cfg)
	signer := ledger.NewEd25519Signer(signerKey, signerPriv)
	writer := ledger.NewWriter(ledgerStore, keys, w, signer)
	recoveryWriter := ledgerEventWriter{w: writer}

	// --- halt ---
	haltStore := buildHaltStore(cfg)
	recoveryLimiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Threshold: 5, Window: time.Hour})
	halter, err := halt.NewHalter(ctx, haltStore, recoveryLimiter, halt.NoopAttemptLog{})
	if err != nil {
		logger.Fatalf("halt: %v", err)
	}

	// --- events + webhooks ---
	eventBus, memoryBus := buildEventBus(cfg)
	webhookRegistry := buildWebhookEmitter(cfg)

	// --- crisis orchestration ---
	unwitnessed := crisis.NewMemoryUnwitnessedStore()
	haltWriter := crisis.NewHaltWriter(writer, unwitnessed)
	trigger := crisis.New(haltWriter, halter, eventBus, webhookRegistry)

	// --- fork monitor ---
	forkLimiter := ratelimit.NewMemoryLimiter(ratelimit.Config{
		Threshold: cfg.RateLimit.ForkSignalThreshold,
		Window:    time.Duration(cfg.RateLimit.ForkSignalWindowSec) * time.Second,
	})
	monitor := forkmonitor.New(forkmonitor.Config{
		CheckInterval: time.Duration(cfg.ForkMonitor.CheckIntervalSec) * time.Second,
		ServiceID:     cfg.ForkMonitor.ServiceID,
		Source:        ledgerStore,
		Signer:        signer,
		Limiter:       forkLimiter,
		Handler:       forkHandler(trigger),
		Metrics:       m,
	})

	// --- certification ---
	certifier := certification.NewCertifier(certification.NewMemoryResultStore(), signer)
	deliberations := deliberation.NewMemoryStore()
	records := certification.NewRecordGenerator(deliberations, certification.NewMemoryRecordStore(), signer, keys)
	certService := certification.NewService(certifier, records, halter)

	// --- jobs ---
	scheduler := buildScheduler(cfg)
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

	// --- governance ---
	contacts := governance.NewMemoryContactStore()
	contributions := governance.NewMemoryContributionStore()

	// The circuit breakers are constructed here but not passed to any
	// component: no witness or DB call made by the components above goes
	// through them, and their health is not exposed.
	breakers := circuitbreaker.NewKernelCircuitBreakers()
	_ = breakers

	server := api.NewAPIServer(api.Config{
		Halt:           halter,
		RecoveryWriter: recoveryWriter,
		Certification:  certService,
		Scheduler:      scheduler,
		Contacts:       contacts,
		Contributions:  contributions,
		Metrics:        m,
		EventBus:       memoryBus,
		CORSOrigins:    cfg.Server.CORSAllowOrigins,
	})

	monitor.Start(ctx)
	worker.Start(ctx)
	dlqMonitor.Start(ctx)

	go func() {
		logger.Printf("starting HTTP server on port %s", cfg.GetPort())
		if err := server.Start(atoiPort(cfg.GetPort())); err != nil {
			logger.Printf("http server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Println("shutdown signal received, stopping background loops")
	monitor.Stop()
	worker.Stop()
	dlqMonitor.Stop()
	webhookRegistry.Shutdown()
	logger.Println("shutdown complete")
}

func forkHandler(trigger *crisis.Trigger) forkmonitor.ForkHandler {
	return func(ctx context.Context, payload forkdetect.Payload) error {
		return trigger.ForkDetected(ctx, payload)
	}
}

func atoiPort(s string) int {
	port := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 8080
		}
		port = port*10 + int(c-'0')
	}
	if port == 0 {
		return 8080
	}
	return port
}

func buildKeyRegistry(cfg *config.Config) keyregistry.Store {
	switch cfg.KeyRegistry.Backend {
	case "spanner":
		log.Printf("key registry: spanner backend configured but no client wired in this composition root; falling back to memory")
		return keyregistry.NewMemoryStore()
	case "postgres":
		db := mustPostgres(cfg.Ledger.PostgresDSN, "key registry")
		return keyregistry.NewPostgresStore(db)
	default:
		return keyregistry.NewMemoryStore()
	}
}

func buildLedgerStore(cfg *config.Config) ledger.Store {
	switch cfg.Ledger.Backend {
	case "postgres":
		db := mustPostgres(cfg.Ledger.PostgresDSN, "ledger")
		return ledger.NewPostgresStore(db)
	default:
		return ledger.NewMemoryStore()
	}
}

func buildHaltStore(cfg *config.Config) halt.Store {
	switch cfg.Halt.Backend {
	case "postgres":
		db := mustPostgres(cfg.Halt.PostgresDSN, "halt")
		return halt.NewPostgresStore(db)
	default:
		return halt.NewMemoryStore()
	}
}

func buildScheduler(cfg *config.Config) jobs.Scheduler {
	switch cfg.Scheduler.Backend {
	case "postgres":
		db := mustPostgres(cfg.Scheduler.PostgresDSN, "scheduler")
		return jobs.NewPostgresScheduler(db)
	default:
		return jobs.NewMemoryScheduler()
	}
}

func buildWitness(cfg *config.Config) witness.Witness {
	switch cfg.Ledger.WitnessMode {
	case "grpc":
		log.Printf("witness: grpc mode configured but no gRPC client connection is established in this composition root; falling back to in-process witness")
		fallthrough
	default:
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			log.Fatalf("witness: generate in-process witness key: %v", err)
		}
		return witness.NewInProcessWitness("in-process-witness", priv)
	}
}

// buildEventBus returns the configured emitter plus, when it is the
// in-process bus, the concrete *events.EventBus the API's live event-stream
// endpoint subscribes to. For the pub/sub backend memoryBus is nil, so the
// API gets no bus to stream from, although PubSubEventBus also fans out to
// its own in-process subscribers.
func buildEventBus(cfg *config.Config) (emitter events.EventEmitter, memoryBus *events.EventBus) {
	switch cfg.Events.Backend {
	case "pubsub":
		bus, err := events.NewPubSubEventBus(cfg.Events.ProjectID, cfg.Events.TopicID)
		if err != nil {
			log.Printf("events: pubsub backend unavailable (%v), falling back to in-process bus", err)
			mem := events.NewEventBus()
			return mem, mem
		}
		return bus, nil
	default:
		mem := events.NewEventBus()
		return mem, mem
	}
}

func buildWebhookEmitter(cfg *config.Config) webhooks.WebhookEmitter {
	registry := webhooks.NewRegistry()
	switch cfg.Webhooks.Mode {
	case "cloudtasks":
		dispatcher, err := webhooks.NewCloudDispatcher(registry, cfg.Webhooks.ProjectID, cfg.Webhooks.LocationID, cfg.Webhooks.QueueID, cfg.Webhooks.Workers)
		if err != nil {
			log.Printf("webhooks: cloud tasks dispatcher unavailable (%v), falling back to in-process dispatcher", err)
			return webhooks.NewDispatcher(registry, cfg.Webhooks.Workers)
		}
		return dispatcher
	default:
		return webhooks.NewDispatcher(registry, cfg.Webhooks.Workers)
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

// mustSystemSigningKey provisions the ledger's own signing identity,
// generating and registering a fresh ed25519 keypair at every start. A
// production deployment provisions this key out of band and loads its
// private half from a secrets manager; this composition root always
// generates one so a memory-backed registry is usable standalone.
func mustSystemSigningKey(keys keyregistry.Store, keyID string) (string, ed25519.PrivateKey) {
	ctx := context.Background()
	now := time.Now().UTC()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		log.Fatalf("ledger: generate signer key: %v", err)
	}
	var pubArr [32]byte
	copy(pubArr[:], pub)

	if err := keys.Register(ctx, keyregistry.Key{
		AgentID:    ledger.SystemAgentID,
		KeyID:      keyID,
		PublicKey:  pubArr,
		ActiveFrom: now,
		CreatedAt:  now,
	}); err != nil {
		log.Fatalf("ledger: register signer key: %v", err)
	}
	return keyID, priv
}
