package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ocx/kernel/internal/metrics"
	"github.com/ocx/kernel/internal/webhooks"
)

// Severity is the DLQ alert monitor's tri-state classification (spec 4.N).
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func severityFor(depth int) Severity {
	switch {
	case depth >= 10:
		return SeverityCritical
	case depth > 0:
		return SeverityWarning
	default:
		return SeverityOK
	}
}

// DLQMonitor implements 4.N: periodically reads dlq_depth() and emits an
// alert on severity escalation or any depth change from a previous nonzero
// value, plus a distinct "cleared" event when depth returns to zero.
type DLQMonitor struct {
	scheduler Scheduler
	interval  time.Duration
	hooks     webhooks.WebhookEmitter
	metrics   *metrics.Registry
	logger    *log.Logger

	mu               sync.Mutex
	running          bool
	cancel           context.CancelFunc
	done             chan struct{}
	lastAlertDepth   int
	lastSeverity     Severity
}

func NewDLQMonitor(scheduler Scheduler, interval time.Duration, hooks webhooks.WebhookEmitter, m *metrics.Registry) *DLQMonitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &DLQMonitor{
		scheduler:    scheduler,
		interval:     interval,
		hooks:        hooks,
		metrics:      m,
		logger:       log.New(log.Writer(), "[DLQ-MONITOR] ", log.LstdFlags),
		lastSeverity: SeverityOK,
	}
}

func (m *DLQMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.loop(loopCtx)
}

func (m *DLQMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *DLQMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *DLQMonitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *DLQMonitor) check(ctx context.Context) {
	depth, err := m.scheduler.DLQDepth(ctx)
	if err != nil {
		m.logger.Printf("dlq_depth failed: %v", err)
		return
	}
	if m.metrics != nil {
		m.metrics.DLQDepth.Set(float64(depth))
	}

	m.mu.Lock()
	prevDepth := m.lastAlertDepth
	prevSeverity := m.lastSeverity
	m.mu.Unlock()

	severity := severityFor(depth)

	if severity == SeverityOK {
		if prevDepth != 0 {
			m.emitCleared(ctx)
		}
		m.setLast(0, SeverityOK)
		return
	}

	if severity != prevSeverity || depth != prevDepth {
		m.emitAlert(ctx, severity, depth)
	}
	m.setLast(depth, severity)
}

func (m *DLQMonitor) setLast(depth int, severity Severity) {
	m.mu.Lock()
	m.lastAlertDepth = depth
	m.lastSeverity = severity
	m.mu.Unlock()
}

func (m *DLQMonitor) emitAlert(ctx context.Context, severity Severity, depth int) {
	m.logger.Printf("dlq depth=%d severity=%s", depth, severity)
	if m.metrics != nil {
		m.metrics.DLQAlertsEmitted.WithLabelValues(string(severity)).Inc()
	}
	if m.hooks == nil {
		return
	}
	eventType := webhooks.EventDLQWarning
	if severity == SeverityCritical {
		eventType = webhooks.EventDLQCritical
	}
	m.hooks.Emit(eventType, "", map[string]interface{}{"depth": depth})
}

func (m *DLQMonitor) emitCleared(ctx context.Context) {
	m.logger.Printf("dlq depth=0 cleared")
	if m.metrics != nil {
		m.metrics.DLQAlertsEmitted.WithLabelValues("cleared").Inc()
	}
	if m.hooks != nil {
		m.hooks.Emit(webhooks.EventDLQCleared, "", map[string]interface{}{"depth": 0})
	}
}
