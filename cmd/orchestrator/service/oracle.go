package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgeline/overseer/common/agents"
	"github.com/forgeline/overseer/common/config"
	"github.com/forgeline/overseer/common/driver"
	"github.com/forgeline/overseer/common/events"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
	"github.com/forgeline/overseer/common/store"
	"github.com/google/uuid"
)

// OracleRunner serves one-off consultations asynchronously. Consult returns
// a fresh session id immediately; progress and the answer stream to the bus
// under that id.
type OracleRunner struct {
	cfg     *config.Config
	store   *store.Store
	bus     *events.Bus
	drivers *driver.Factory
	log     *logger.Logger

	wg sync.WaitGroup
}

// OracleOpts wires the oracle runner's dependencies.
type OracleOpts struct {
	Config  *config.Config
	Store   *store.Store
	Bus     *events.Bus
	Drivers *driver.Factory
	Log     *logger.Logger
}

// NewOracleRunner creates the oracle runner.
func NewOracleRunner(opts *OracleOpts) *OracleRunner {
	return &OracleRunner{
		cfg:     opts.Config,
		store:   opts.Store,
		bus:     opts.Bus,
		drivers: opts.Drivers,
		log:     opts.Log,
	}
}

// Consult starts an async consultation and returns its session id.
func (r *OracleRunner) Consult(ctx context.Context, problem, workingDir string, include []string) (string, error) {
	drv, err := r.drivers.New(r.cfg.Driver.Kind, r.cfg.Driver.Model)
	if err != nil {
		return "", fmt.Errorf("failed to open oracle driver: %w", err)
	}

	sessionID := uuid.NewString()
	oracle := &agents.Oracle{
		Driver:  drv,
		Prompts: r.activePrompts(ctx),
		Log:     r.log,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		runCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Driver.Timeout)
		defer cancel()

		var seq int64
		emit := func(evt state.WorkflowEvent) {
			seq++
			evt.ID = uuid.NewString()
			evt.WorkflowID = sessionID
			evt.Sequence = seq
			evt.Timestamp = time.Now().UTC()
			r.bus.Publish(evt)
		}

		if _, err := oracle.Consult(runCtx, problem, workingDir, include, sessionID, emit); err != nil {
			r.log.Error("oracle consultation failed", "session_id", sessionID, "error", err)
			return
		}
		r.log.Info("oracle consultation completed", "session_id", sessionID)
	}()

	return sessionID, nil
}

// Close waits for in-flight consultations.
func (r *OracleRunner) Close() {
	r.wg.Wait()
}

func (r *OracleRunner) activePrompts(ctx context.Context) agents.Prompts {
	actives, err := r.store.ActivePrompts(ctx)
	if err != nil || len(actives) == 0 {
		return nil
	}
	prompts := make(agents.Prompts, len(actives))
	for _, p := range actives {
		prompts[p.Name] = p.Content
	}
	return prompts
}
