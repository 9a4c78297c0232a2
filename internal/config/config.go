package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Kernel configuration, YAML-backed with environment-variable overrides.
// =============================================================================

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	KeyRegistry   KeyRegistryConfig   `yaml:"key_registry"`
	Halt          HaltConfig          `yaml:"halt"`
	ForkMonitor   ForkMonitorConfig   `yaml:"fork_monitor"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Certification CertificationConfig `yaml:"certification"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Webhooks      WebhooksConfig      `yaml:"webhooks"`
	Events        EventsConfig        `yaml:"events"`
	Security      SecurityConfig      `yaml:"security"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// LedgerConfig configures the event chain's durable store, witness client,
// and signing identity (spec 4.C/4.E).
type LedgerConfig struct {
	Backend           string `yaml:"backend"` // "postgres" | "memory"
	PostgresDSN       string `yaml:"postgres_dsn"`
	SignerKeyID       string `yaml:"signer_key_id"`
	WitnessMode       string `yaml:"witness_mode"` // "grpc" | "inprocess"
	WitnessGRPCAddr   string `yaml:"witness_grpc_addr"`
	WitnessTimeoutSec int    `yaml:"witness_timeout_sec"`
}

// KeyRegistryConfig configures the agent-key registry's backend (spec 4.B).
// The SPIFFE block is loaded but read by no component: register() performs
// no SPIFFE workload-identity verification.
type KeyRegistryConfig struct {
	Backend    string        `yaml:"backend"` // "postgres" | "spanner" | "memory"
	Spanner    SpannerConfig `yaml:"spanner"`
	SPIFFE     SPIFFEConfig  `yaml:"spiffe"`
}

type SpannerConfig struct {
	ProjectID  string `yaml:"project_id"`
	InstanceID string `yaml:"instance_id"`
	DatabaseID string `yaml:"database_id"`
}

type SPIFFEConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// HaltConfig configures the dual-channel halt state's durable channel (spec
// 4.D). Recovery-attempt abuse tracking has no settings here.
type HaltConfig struct {
	Backend     string `yaml:"backend"` // "postgres" | "memory"
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ForkMonitorConfig configures the fork-detection loop (spec 4.G).
type ForkMonitorConfig struct {
	CheckIntervalSec int    `yaml:"check_interval_sec"`
	ServiceID        string `yaml:"service_id"`
}

// SchedulerConfig configures the job scheduler, worker, and DLQ alert
// monitor (spec 4.L/4.M/4.N).
type SchedulerConfig struct {
	Backend            string `yaml:"backend"` // "postgres" | "memory"
	PostgresDSN        string `yaml:"postgres_dsn"`
	PollIntervalSec    int    `yaml:"poll_interval_sec"`
	BatchSize          int    `yaml:"batch_size"`
	DLQCheckIntervalSec int   `yaml:"dlq_check_interval_sec"`
}

// CertificationConfig configures the result certifier and procedural record
// generator's stores (spec 4.I/4.J), plus the Supabase-backed read-only
// deliberation source 4.J reads from.
type CertificationConfig struct {
	Backend    string `yaml:"backend"` // "postgres" | "memory"
	SupabaseURL        string `yaml:"supabase_url"`
	SupabaseServiceKey string `yaml:"supabase_service_key"`
}

// RateLimitConfig configures the sliding-window limiter (spec 4.P) backing
// fork-signal rate limiting; the recovery-attempt limiter is not configured
// here.
type RateLimitConfig struct {
	Backend             string `yaml:"backend"` // "redis" | "memory"
	RedisAddr           string `yaml:"redis_addr"`
	ForkSignalThreshold int    `yaml:"fork_signal_threshold"`
	ForkSignalWindowSec int    `yaml:"fork_signal_window_sec"`
}

// WebhooksConfig configures operator-facing alert delivery (DLQ severity
// changes, crisis notifications).
type WebhooksConfig struct {
	Mode       string `yaml:"mode"` // "memory" | "cloudtasks"
	Workers    int    `yaml:"workers"`
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
}

// EventsConfig configures the CloudEvents bus every halt transition, crisis
// event, and DLQ severity change is published to.
type EventsConfig struct {
	Backend   string `yaml:"backend"` // "pubsub" | "memory"
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// SecurityConfig holds an HMAC secret loaded from config or
// KERNEL_HMAC_SECRET. No component reads it: fork signals are signed with
// ed25519 and webhooks with each subscription's own secret.
type SecurityConfig struct {
	HMACSecret string `yaml:"hmac_secret"`
}

// =============================================================================
// Singleton pattern with environment overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("OCX_ENV", c.Server.Env)
	c.Server.Interface = getEnv("OCX_INTERFACE", c.Server.Interface)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Ledger.Backend = getEnv("LEDGER_BACKEND", c.Ledger.Backend)
	c.Ledger.PostgresDSN = getEnv("LEDGER_POSTGRES_DSN", c.Ledger.PostgresDSN)
	c.Ledger.SignerKeyID = getEnv("LEDGER_SIGNER_KEY_ID", c.Ledger.SignerKeyID)
	c.Ledger.WitnessMode = getEnv("WITNESS_MODE", c.Ledger.WitnessMode)
	c.Ledger.WitnessGRPCAddr = getEnv("WITNESS_GRPC_ADDR", c.Ledger.WitnessGRPCAddr)
	if v := getEnvInt("WITNESS_TIMEOUT_SEC", 0); v > 0 {
		c.Ledger.WitnessTimeoutSec = v
	}

	c.KeyRegistry.Backend = getEnv("KEY_REGISTRY_BACKEND", c.KeyRegistry.Backend)
	c.KeyRegistry.Spanner.ProjectID = getEnv("SPANNER_PROJECT_ID", c.KeyRegistry.Spanner.ProjectID)
	c.KeyRegistry.Spanner.InstanceID = getEnv("SPANNER_INSTANCE_ID", c.KeyRegistry.Spanner.InstanceID)
	c.KeyRegistry.Spanner.DatabaseID = getEnv("SPANNER_DATABASE_ID", c.KeyRegistry.Spanner.DatabaseID)
	c.KeyRegistry.SPIFFE.Enabled = getEnvBool("SPIFFE_ENABLED", c.KeyRegistry.SPIFFE.Enabled)
	c.KeyRegistry.SPIFFE.SocketPath = getEnv("SPIFFE_SOCKET_PATH", c.KeyRegistry.SPIFFE.SocketPath)

	c.Halt.Backend = getEnv("HALT_BACKEND", c.Halt.Backend)
	c.Halt.PostgresDSN = getEnv("HALT_POSTGRES_DSN", c.Halt.PostgresDSN)

	c.ForkMonitor.ServiceID = getEnv("FORK_MONITOR_SERVICE_ID", c.ForkMonitor.ServiceID)
	if v := getEnvInt("FORK_MONITOR_CHECK_INTERVAL_SEC", 0); v > 0 {
		c.ForkMonitor.CheckIntervalSec = v
	}

	c.Scheduler.Backend = getEnv("SCHEDULER_BACKEND", c.Scheduler.Backend)
	c.Scheduler.PostgresDSN = getEnv("SCHEDULER_POSTGRES_DSN", c.Scheduler.PostgresDSN)
	if v := getEnvInt("SCHEDULER_POLL_INTERVAL_SEC", 0); v > 0 {
		c.Scheduler.PollIntervalSec = v
	}
	if v := getEnvInt("SCHEDULER_BATCH_SIZE", 0); v > 0 {
		c.Scheduler.BatchSize = v
	}
	if v := getEnvInt("DLQ_CHECK_INTERVAL_SEC", 0); v > 0 {
		c.Scheduler.DLQCheckIntervalSec = v
	}

	c.Certification.Backend = getEnv("CERTIFICATION_BACKEND", c.Certification.Backend)
	c.Certification.SupabaseURL = getEnv("SUPABASE_URL", c.Certification.SupabaseURL)
	c.Certification.SupabaseServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Certification.SupabaseServiceKey)

	c.RateLimit.Backend = getEnv("RATE_LIMIT_BACKEND", c.RateLimit.Backend)
	c.RateLimit.RedisAddr = getEnv("REDIS_ADDR", c.RateLimit.RedisAddr)
	if v := getEnvInt("FORK_SIGNAL_RATE_THRESHOLD", 0); v > 0 {
		c.RateLimit.ForkSignalThreshold = v
	}
	if v := getEnvInt("FORK_SIGNAL_RATE_WINDOW_SEC", 0); v > 0 {
		c.RateLimit.ForkSignalWindowSec = v
	}

	c.Webhooks.Mode = getEnv("WEBHOOKS_MODE", c.Webhooks.Mode)
	if v := getEnvInt("WEBHOOK_WORKERS", 0); v > 0 {
		c.Webhooks.Workers = v
	}
	c.Webhooks.ProjectID = getEnv("CLOUD_TASKS_PROJECT_ID", c.Webhooks.ProjectID)
	c.Webhooks.LocationID = getEnv("CLOUD_TASKS_LOCATION", c.Webhooks.LocationID)
	c.Webhooks.QueueID = getEnv("CLOUD_TASKS_QUEUE", c.Webhooks.QueueID)

	c.Events.Backend = getEnv("EVENTS_BACKEND", c.Events.Backend)
	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.Events.ProjectID = projectID
	}
	c.Events.TopicID = getEnv("PUBSUB_TOPIC_ID", c.Events.TopicID)

	c.Security.HMACSecret = getEnv("KERNEL_HMAC_SECRET", c.Security.HMACSecret)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "memory"
	}
	if c.Ledger.WitnessMode == "" {
		c.Ledger.WitnessMode = "inprocess"
	}
	if c.Ledger.WitnessTimeoutSec == 0 {
		c.Ledger.WitnessTimeoutSec = 5
	}
	if c.Ledger.SignerKeyID == "" {
		c.Ledger.SignerKeyID = "system-ledger-writer"
	}

	if c.KeyRegistry.Backend == "" {
		c.KeyRegistry.Backend = "memory"
	}

	if c.Halt.Backend == "" {
		c.Halt.Backend = "memory"
	}

	if c.ForkMonitor.CheckIntervalSec == 0 {
		c.ForkMonitor.CheckIntervalSec = 10
	}
	if c.ForkMonitor.ServiceID == "" {
		c.ForkMonitor.ServiceID = "fork-monitor-1"
	}

	if c.Scheduler.Backend == "" {
		c.Scheduler.Backend = "memory"
	}
	if c.Scheduler.PollIntervalSec == 0 {
		c.Scheduler.PollIntervalSec = 10
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 10
	}
	if c.Scheduler.DLQCheckIntervalSec == 0 {
		c.Scheduler.DLQCheckIntervalSec = 60
	}

	if c.Certification.Backend == "" {
		c.Certification.Backend = "memory"
	}

	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.ForkSignalThreshold == 0 {
		c.RateLimit.ForkSignalThreshold = 3
	}
	if c.RateLimit.ForkSignalWindowSec == 0 {
		c.RateLimit.ForkSignalWindowSec = 3600
	}

	if c.Webhooks.Mode == "" {
		c.Webhooks.Mode = "memory"
	}
	if c.Webhooks.Workers == 0 {
		c.Webhooks.Workers = 4
	}
	if c.Webhooks.LocationID == "" {
		c.Webhooks.LocationID = "us-central1"
	}
	if c.Webhooks.QueueID == "" {
		c.Webhooks.QueueID = "kernel-webhooks"
	}

	if c.Events.Backend == "" {
		c.Events.Backend = "memory"
	}
	if c.Events.TopicID == "" {
		c.Events.TopicID = "kernel-events"
	}
}

// =============================================================================
// Helper functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience methods
// =============================================================================

func (c *Config) IsProduction() bool  { return c.Server.Env == "production" }
func (c *Config) IsDevelopment() bool { return c.Server.Env == "development" }

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
