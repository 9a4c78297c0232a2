package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ocx/kernel/internal/halt"
	"github.com/ocx/kernel/internal/metrics"
)

// Handler processes one job's payload. A returned error is stringified and
// passed to mark_failed; a panic is not caught here — handlers are expected
// to return errors, not panic (spec 4.M's "handler exception" maps to a
// returned error in Go's idiom, not a recovered panic).
type Handler func(ctx context.Context, job Job) error

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Scheduler    Scheduler
	Halt         halt.Checker
	PollInterval time.Duration
	BatchSize    int
	Handlers     map[string]Handler
	Metrics      *metrics.Registry
	Logger       *log.Logger
	StopGrace    time.Duration
}

// Worker implements 4.M: the cooperative polling loop that claims and
// dispatches due jobs.
type Worker struct {
	cfg WorkerConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[JOB-WORKER] ", log.LstdFlags)
	}
	if cfg.Handlers == nil {
		cfg.Handlers = make(map[string]Handler)
	}
	return &Worker{cfg: cfg}
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.loop(loopCtx)
}

// Stop requests cooperative cancellation and waits up to StopGrace for the
// in-flight cycle to finish; past that it gives up waiting (the cycle's own
// ctx is already cancelled, so it is expected to unwind promptly).
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(w.cfg.StopGrace):
		w.cfg.Logger.Printf("stop grace period elapsed, giving up on in-flight cycle")
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.runCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) runCycle(ctx context.Context) {
	w.cfg.Logger.Printf("heartbeat")
	if w.cfg.Halt.IsHalted() {
		w.cfg.Logger.Printf("halted (%s): skipping cycle", w.cfg.Halt.Reason())
		return
	}

	pending, err := w.cfg.Scheduler.GetPending(ctx, w.cfg.BatchSize, time.Now().UTC())
	if err != nil {
		w.cfg.Logger.Printf("get_pending failed: %v", err)
		return
	}

	for _, j := range pending {
		w.dispatch(ctx, j)
	}
}

func (w *Worker) dispatch(ctx context.Context, j Job) {
	claimed, ok, err := w.cfg.Scheduler.Claim(ctx, j.ID)
	if err != nil {
		w.cfg.Logger.Printf("claim %s failed: %v", j.ID, err)
		return
	}
	if !ok {
		return // lost the race to another worker; not an error
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.JobClaimTotal.WithLabelValues(claimed.JobType).Inc()
	}

	handler, ok := w.cfg.Handlers[claimed.JobType]
	if !ok {
		w.failJob(ctx, claimed, "no handler registered for job_type")
		return
	}

	if err := handler(ctx, claimed); err != nil {
		w.failJob(ctx, claimed, err.Error())
		return
	}

	if err := w.cfg.Scheduler.MarkCompleted(ctx, claimed.ID); err != nil {
		w.cfg.Logger.Printf("mark_completed %s failed: %v", claimed.ID, err)
		return
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.JobCompleteTotal.Inc()
	}
}

func (w *Worker) failJob(ctx context.Context, j Job, reason string) {
	dl, err := w.cfg.Scheduler.MarkFailed(ctx, j.ID, reason, time.Now().UTC())
	if err != nil {
		w.cfg.Logger.Printf("mark_failed %s failed: %v", j.ID, err)
		return
	}
	disposition := "retry"
	if dl != nil {
		disposition = "dlq"
		w.cfg.Logger.Printf("job %s dead-lettered after %d attempts: %s", j.ID, dl.Attempts, reason)
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.JobFailTotal.WithLabelValues(disposition).Inc()
	}
}
