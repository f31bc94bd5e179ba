package service

import (
	"context"
	"time"

	"github.com/forgeline/overseer/common/config"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/store"
)

// Retention prunes the event log on an interval: rows past the age knob go,
// and each workflow keeps only its newest rows per the count knob. Terminal
// workflows past retention age are purged when enabled.
type Retention struct {
	cfg   *config.Config
	store *store.Store
	log   *logger.Logger

	stop chan struct{}
	done chan struct{}
}

// NewRetention creates the pruner. Start begins the loop.
func NewRetention(cfg *config.Config, st *store.Store, log *logger.Logger) *Retention {
	return &Retention{
		cfg:   cfg,
		store: st,
		log:   log,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start runs the pruning loop until Close.
func (r *Retention) Start() {
	go func() {
		defer close(r.done)
		interval := r.cfg.Retention.Interval
		if interval <= 0 {
			interval = time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.RunOnce(context.Background())
			}
		}
	}()
}

// RunOnce performs one pruning pass and returns its stats.
func (r *Retention) RunOnce(ctx context.Context) store.RetentionStats {
	stats, err := r.store.PruneEvents(ctx, r.cfg.Retention.LogRetentionDays, r.cfg.Retention.LogRetentionMaxEvents)
	if err != nil {
		r.log.Error("event pruning failed", "error", err)
		return stats
	}

	if r.cfg.Retention.PurgeTerminal {
		purged, err := r.store.PurgeTerminalWorkflows(ctx, r.cfg.Retention.LogRetentionDays)
		if err != nil {
			r.log.Error("terminal workflow purge failed", "error", err)
		} else {
			stats.WorkflowsPurged = purged
		}
	}

	if stats.EventsDeleted > 0 || stats.WorkflowsPurged > 0 {
		r.log.Info("retention pass complete",
			"workflows_scanned", stats.WorkflowsScanned,
			"events_deleted", stats.EventsDeleted,
			"workflows_purged", stats.WorkflowsPurged)
	}
	return stats
}

// Close stops the loop and waits for a pass in flight.
func (r *Retention) Close() {
	close(r.stop)
	<-r.done
}
