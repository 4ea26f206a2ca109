// Package poller implements QueuePoller: a single goroutine that claims at
// most one task at a time, runs it through
// a pipeline.Pipeline, and writes the outcome back to the QueueStore. One
// Poller serves its entire namespace; in-flight work is bounded to one task
// per process, not per session.
package poller

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pm-runner/pmrunner/pkg/config"
	"github.com/pm-runner/pmrunner/pkg/events"
	"github.com/pm-runner/pmrunner/pkg/pipeline"
	"github.com/pm-runner/pmrunner/pkg/queuestore"
)

// Status is the Poller's own run state, surfaced for health checks.
type Status string

// Poller run states.
const (
	StatusStopped Status = "STOPPED"
	StatusIdle    Status = "IDLE"
	StatusBusy    Status = "BUSY"
)

// Poller drives one namespace's QueueStore, claiming and running tasks
// one at a time until Stop is called.
type Poller struct {
	Namespace string
	Store     *queuestore.QueueStore
	Pipeline  *pipeline.Pipeline
	Cfg       *config.QueueConfig
	Events    *events.Emitter
	ClaimedBy string

	mu     sync.Mutex
	status Status
	stopCh chan struct{}
	doneCh chan struct{}
	curID  string
}

// New constructs a Poller. Cfg, Store, and Pipeline must be non-nil.
func New(namespace string, store *queuestore.QueueStore, pl *pipeline.Pipeline, cfg *config.QueueConfig, emitter *events.Emitter, claimedBy string) *Poller {
	if emitter == nil {
		emitter = events.New()
	}
	return &Poller{
		Namespace: namespace,
		Store:     store,
		Pipeline:  pl,
		Cfg:       cfg,
		Events:    emitter,
		ClaimedBy: claimedBy,
		status:    StatusStopped,
	}
}

// Start recovers stale tasks and launches
// the poll loop in a new goroutine. It returns once the recovery sweep
// completes; the loop itself runs in the background until Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	n, err := p.Store.RecoverStaleTasks(ctx, p.Namespace, p.Cfg.StaleTaskThreshold)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("recovered stale tasks at startup", "namespace", p.Namespace, "count", n)
	}

	p.mu.Lock()
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.status = StatusIdle
	p.mu.Unlock()

	p.Events.Emit("started", map[string]any{"namespace": p.Namespace, "recovered": n})

	go p.run(ctx)
	return nil
}

// Stop signals the loop to exit and waits up to GracefulShutdownTimeout for
// any in-flight task to finish.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.mu.Unlock()
	if stopCh == nil {
		return nil
	}
	close(stopCh)

	timeout := p.Cfg.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-doneCh:
	case <-time.After(timeout):
		slog.Warn("poller graceful shutdown timed out", "namespace", p.Namespace)
	case <-ctx.Done():
	}

	p.mu.Lock()
	p.status = StatusStopped
	p.mu.Unlock()
	p.Events.Emit("stopped", map[string]any{"namespace": p.Namespace})
	return nil
}

// Status reports the poller's current run state and, if busy, the id of
// the in-flight task.
func (p *Poller) Status() (Status, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.curID
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		claimed := p.tick(ctx)

		interval := p.nextInterval()
		if claimed {
			interval = 0
		}
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// tick attempts one claim+execute cycle. It returns true if a task was
// claimed, so the caller can skip the idle poll delay and immediately
// attempt another claim (draining a burst of queued work).
func (p *Poller) tick(ctx context.Context) bool {
	task, ok, err := p.Store.Claim(ctx, p.Namespace, p.ClaimedBy)
	if err != nil {
		slog.Error("claim failed", "namespace", p.Namespace, "error", err)
		p.Events.Emit("error", map[string]any{"namespace": p.Namespace, "error": err.Error()})
		return false
	}
	if !ok {
		p.Events.Emit("no-task", map[string]any{"namespace": p.Namespace})
		return false
	}

	p.mu.Lock()
	p.status = StatusBusy
	p.curID = task.TaskID
	p.mu.Unlock()

	p.Events.Emit("claimed", map[string]any{"task_id": task.TaskID, "namespace": p.Namespace})

	p.execute(ctx, task)

	p.mu.Lock()
	p.status = StatusIdle
	p.curID = ""
	p.mu.Unlock()

	return true
}

// execute runs the pipeline for one claimed task and writes the terminal
// outcome back to the QueueStore. A panic or unexpected error anywhere in
// the pipeline is fail-closed into an ERROR status rather than
// left RUNNING forever.
func (p *Poller) execute(ctx context.Context, task *queuestore.Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline panicked", "task_id", task.TaskID, "panic", r)
			_ = p.Store.UpdateStatus(ctx, p.Namespace, task.TaskID, queuestore.StatusError, "internal error: pipeline panicked", "")
			p.Events.Emit("error", map[string]any{"task_id": task.TaskID, "error": "panic"})
		}
	}()

	outcome := p.Pipeline.Run(ctx, task)

	switch outcome.Kind {
	case pipeline.OutcomeComplete:
		if err := p.Store.UpdateStatus(ctx, p.Namespace, task.TaskID, queuestore.StatusComplete, "", outcome.Output); err != nil {
			slog.Error("updateStatus COMPLETE failed", "task_id", task.TaskID, "error", err)
		}
		p.Events.Emit("completed", map[string]any{"task_id": task.TaskID})
	case pipeline.OutcomeAwaitingResponse:
		clar := queuestore.Clarification{}
		if outcome.Clarification != nil {
			clar = *outcome.Clarification
		}
		if err := p.Store.SetAwaitingResponse(ctx, p.Namespace, task.TaskID, clar, outcome.Output); err != nil {
			slog.Error("setAwaitingResponse failed", "task_id", task.TaskID, "error", err)
		}
		p.Events.Emit("awaiting-response", map[string]any{"task_id": task.TaskID})
	case pipeline.OutcomeCancelled:
		if err := p.Store.UpdateStatus(ctx, p.Namespace, task.TaskID, queuestore.StatusCancelled, outcome.ErrorMessage, ""); err != nil {
			slog.Error("updateStatus CANCELLED failed", "task_id", task.TaskID, "error", err)
		}
		p.Events.Emit("cancelled", map[string]any{"task_id": task.TaskID})
	default: // OutcomeError
		if err := p.Store.UpdateStatus(ctx, p.Namespace, task.TaskID, queuestore.StatusError, outcome.ErrorMessage, ""); err != nil {
			slog.Error("updateStatus ERROR failed", "task_id", task.TaskID, "error", err)
		}
		p.Events.Emit("error", map[string]any{"task_id": task.TaskID, "error": outcome.ErrorMessage})
	}
}

// nextInterval applies symmetric jitter around the configured poll interval.
func (p *Poller) nextInterval() time.Duration {
	base := p.Cfg.PollInterval
	jitter := p.Cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	delta := time.Duration(rand.Int63n(int64(2*jitter))) - jitter
	d := base + delta
	if d < 0 {
		d = 0
	}
	return d
}
