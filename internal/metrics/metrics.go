// Package metrics registers the kernel's Prometheus instrumentation:
// ledger append latency/count, halt state gauge, fork-monitor cycle
// latency, job scheduler claim/complete/fail counters, DLQ depth gauge,
// and rate-limiter rejection counters. Grounded in the teacher's
// internal/escrow/metrics.go registration style (one package-level
// Registry, constructor functions returning bound collectors).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector the kernel's components touch. A single
// instance is constructed at startup and threaded through to each
// component's constructor, mirroring the teacher's metrics-as-a-dependency
// pattern rather than relying on prometheus's global default registry.
type Registry struct {
	reg *prometheus.Registry

	LedgerAppendDuration prometheus.Histogram
	LedgerAppendTotal    *prometheus.CounterVec
	LedgerEventCount     prometheus.Gauge

	HaltState prometheus.Gauge

	ForkMonitorCycleDuration prometheus.Histogram
	ForkMonitorForksFound    prometheus.Counter

	JobClaimTotal     *prometheus.CounterVec
	JobCompleteTotal  prometheus.Counter
	JobFailTotal      *prometheus.CounterVec
	DLQDepth          prometheus.Gauge
	DLQAlertsEmitted  *prometheus.CounterVec

	RateLimitRejections *prometheus.CounterVec
}

// New builds a Registry and registers every collector against a fresh
// prometheus.Registry (not the global default, so tests can construct many
// isolated Registries per spec §9's "no ambient context" guidance).
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		LedgerAppendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kernel",
			Subsystem: "ledger",
			Name:      "append_duration_seconds",
			Help:      "Latency of a single witnessed ledger append, end to end.",
			Buckets:   prometheus.DefBuckets,
		}),
		LedgerAppendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "ledger",
			Name:      "append_total",
			Help:      "Ledger append attempts by outcome (ok, unwitnessed, error).",
		}, []string{"outcome"}),
		LedgerEventCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "ledger",
			Name:      "event_count",
			Help:      "Total events currently in the chain.",
		}),
		HaltState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "halt",
			Name:      "state",
			Help:      "1 if the platform is halted, 0 otherwise.",
		}),
		ForkMonitorCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kernel",
			Subsystem: "forkmonitor",
			Name:      "cycle_duration_seconds",
			Help:      "Latency of one fork-detection cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		ForkMonitorForksFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "forkmonitor",
			Name:      "forks_found_total",
			Help:      "Forks detected across all cycles.",
		}),
		JobClaimTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "jobs",
			Name:      "claim_total",
			Help:      "Successful job claims by job type.",
		}, []string{"job_type"}),
		JobCompleteTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "jobs",
			Name:      "complete_total",
			Help:      "Jobs marked completed.",
		}),
		JobFailTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "jobs",
			Name:      "fail_total",
			Help:      "Jobs marked failed by disposition (retry, dlq).",
		}, []string{"disposition"}),
		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "jobs",
			Name:      "dlq_depth",
			Help:      "Current dead-letter queue depth.",
		}),
		DLQAlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "jobs",
			Name:      "dlq_alerts_total",
			Help:      "DLQ alerts emitted by severity (warning, critical, cleared).",
		}, []string{"severity"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Rate-limit rejections by limiter name.",
		}, []string{"limiter"}),
	}

	reg.MustRegister(
		r.LedgerAppendDuration, r.LedgerAppendTotal, r.LedgerEventCount,
		r.HaltState,
		r.ForkMonitorCycleDuration, r.ForkMonitorForksFound,
		r.JobClaimTotal, r.JobCompleteTotal, r.JobFailTotal, r.DLQDepth, r.DLQAlertsEmitted,
		r.RateLimitRejections,
	)
	return r
}

// Gatherer exposes the underlying prometheus.Registry for an HTTP /metrics
// handler (internal/api wires this via promhttp.HandlerFor).
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
