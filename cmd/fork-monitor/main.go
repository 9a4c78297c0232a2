// Command fork-monitor runs the fork-detection loop (spec component G) as
// its own process, independent of the REST façade in cmd/server — the
// teacher's pattern of one cmd/ entry per standalone service (cmd/api,
// cmd/probe, cmd/interceptor each wire their own dependency graph rather
// than sharing a composition root).
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

	"github.com/ocx/kernel/internal/config"
	"github.com/ocx/kernel/internal/crisis"
	"github.com/ocx/kernel/internal/events"
	"github.com/ocx/kernel/internal/forkdetect"
	"github.com/ocx/kernel/internal/forkmonitor"
	"github.com/ocx/kernel/internal/halt"
	"github.com/ocx/kernel/internal/keyregistry"
	"github.com/ocx/kernel/internal/ledger"
	"github.com/ocx/kernel/internal/metrics"
	"github.com/ocx/kernel/internal/ratelimit"
	"github.com/ocx/kernel/internal/webhooks"
	"github.com/ocx/kernel/internal/witness"
)

func main() {
	logger := log.New(log.Writer(), "[FORK-MONITOR] ", log.LstdFlags)
	if err := godotenv.Load(); err != nil {
		logger.Println("no .env file found, using process environment")
	}
	cfg := config.Get()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	keys := buildKeyRegistry(cfg)
	signerKey, signerPriv := mustSystemSigningKey(keys, cfg.Ledger.SignerKeyID)

	ledgerStore := buildLedgerStore(cfg)
	w := buildWitness(cfg)
	signer := ledger.NewEd25519Signer(signerKey, signerPriv)
	writer := ledger.NewWriter(ledgerStore, keys, w, signer)

	haltStore := buildHaltStore(cfg)
	recoveryLimiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Threshold: 5, Window: time.Hour})
	halter, err := halt.NewHalter(ctx, haltStore, recoveryLimiter, halt.NoopAttemptLog{})
	if err != nil {
		logger.Fatalf("halt: %v", err)
	}

	eventBus, _ := buildEventBus(cfg)
	webhookRegistry := webhooks.NewDispatcher(webhooks.NewRegistry(), cfg.Webhooks.Workers)

	unwitnessed := crisis.NewMemoryUnwitnessedStore()
	haltWriter := crisis.NewHaltWriter(writer, unwitnessed)
	trigger := crisis.New(haltWriter, halter, eventBus, webhookRegistry)

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
		Handler: func(ctx context.Context, payload forkdetect.Payload) error {
			return trigger.ForkDetected(ctx, payload)
		},
		Metrics: m,
	})

	monitor.Start(ctx)
	logger.Println("fork monitor started")

	<-ctx.Done()
	logger.Println("shutdown signal received")
	monitor.Stop()
	webhookRegistry.Shutdown()
	logger.Println("shutdown complete")
}

func buildKeyRegistry(cfg *config.Config) keyregistry.Store {
	switch cfg.KeyRegistry.Backend {
	case "postgres":
		return keyregistry.NewPostgresStore(mustPostgres(cfg.Ledger.PostgresDSN, "key registry"))
	default:
		return keyregistry.NewMemoryStore()
	}
}

func buildLedgerStore(cfg *config.Config) ledger.Store {
	switch cfg.Ledger.Backend {
	case "postgres":
		return ledger.NewPostgresStore(mustPostgres(cfg.Ledger.PostgresDSN, "ledger"))
	default:
		return ledger.NewMemoryStore()
	}
}

func buildHaltStore(cfg *config.Config) halt.Store {
	switch cfg.Halt.Backend {
	case "postgres":
		return halt.NewPostgresStore(mustPostgres(cfg.Halt.PostgresDSN, "halt"))
	default:
		return halt.NewMemoryStore()
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

func buildEventBus(cfg *config.Config) (events.EventEmitter, *events.EventBus) {
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
