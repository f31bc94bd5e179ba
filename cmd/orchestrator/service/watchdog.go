package service

import (
	"context"
	"time"

	"github.com/forgeline/overseer/common/config"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/store"
)

// Watchdog cancels workflows that never started: still pending, no events,
// and older than the start timeout. These are rows whose task died before
// its first node or that queued forever under the wait admission policy.
type Watchdog struct {
	cfg   *config.Config
	store *store.Store
	orch  *Orchestrator
	log   *logger.Logger

	stop chan struct{}
	done chan struct{}
}

// NewWatchdog creates the watchdog. Start begins the loop.
func NewWatchdog(cfg *config.Config, st *store.Store, orch *Orchestrator, log *logger.Logger) *Watchdog {
	return &Watchdog{
		cfg:   cfg,
		store: st,
		orch:  orch,
		log:   log,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start runs the sweep loop until Close.
func (w *Watchdog) Start() {
	go func() {
		defer close(w.done)
		interval := w.cfg.Engine.WatchdogInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.Sweep(context.Background())
			}
		}
	}()
}

// Sweep cancels every stale pending workflow and returns how many it hit.
func (w *Watchdog) Sweep(ctx context.Context) int {
	timeout := w.cfg.Engine.WorkflowStartTimeout
	if timeout <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-timeout)

	stale, err := w.store.StalePending(ctx, cutoff)
	if err != nil {
		w.log.Error("watchdog sweep failed", "error", err)
		return 0
	}

	cancelled := 0
	for _, wf := range stale {
		if err := w.orch.CancelWorkflow(ctx, wf.ID, "start timeout"); err != nil {
			w.log.Warn("failed to cancel stale workflow", "workflow_id", wf.ID, "error", err)
			continue
		}
		w.log.Info("cancelled stale workflow",
			"workflow_id", wf.ID, "issue_id", wf.IssueID, "created_at", wf.CreatedAt)
		cancelled++
	}
	return cancelled
}

// Close stops the loop and waits for a sweep in flight.
func (w *Watchdog) Close() {
	close(w.stop)
	<-w.done
}
