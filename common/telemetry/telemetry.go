package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/forgeline/overseer/common/logger"
)

// Telemetry serves pprof diagnostics on a loopback-only port.
type Telemetry struct {
	log    *logger.Logger
	server *http.Server
}

// New creates the pprof server. It does not start listening.
func New(pprofPort int, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log: log,
		server: &http.Server{
			// nil handler serves the DefaultServeMux, where the pprof
			// import registered its routes
			Addr: fmt.Sprintf("localhost:%d", pprofPort),
		},
	}
}

// Start begins serving in the background
func (t *Telemetry) Start(ctx context.Context) error {
	go func() {
		t.log.Info("pprof server starting", "addr", t.server.Addr)
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("pprof server error", "error", err)
		}
	}()
	return nil
}

// Close drains and stops the pprof server
func (t *Telemetry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.server.Shutdown(ctx)
}
