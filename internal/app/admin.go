package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sw4796/makerton-esp32-aiagent/internal/health"
	"github.com/sw4796/makerton-esp32-aiagent/internal/observe"
)

// Handler returns the admin HTTP handler: health probes, the status
// snapshot, metrics and the virtual button, wrapped in the observability
// middleware.
func (a *App) Handler() http.Handler {
	h := health.New(
		health.FuncCheck("transport", "peer not connected", a.client.Connected),
		health.HeartbeatCheck("capture", a.heartbeat, a.cfg.Capture.HeartbeatMaxAge),
	).WithStatus(a.Snapshot)

	mux := http.NewServeMux()
	h.Register(mux)
	if a.metricsH != nil {
		mux.Handle("GET /metrics", a.metricsH)
	}
	if a.vbutton != nil {
		a.vbutton.Register(mux)
	}
	return observe.Middleware(a.metrics)(mux)
}

// Snapshot reports the endpoint's current state for /status.
func (a *App) Snapshot() map[string]any {
	return map[string]any{
		"mode":             a.ctrl.Mode().String(),
		"direction":        a.ctrl.Direction().String(),
		"connection":       a.client.State().String(),
		"connect_attempts": a.client.Attempts(),
		"frames_captured":  a.capture.Frames(),
		"frames_sent":      a.capture.Sent(),
		"frames_dropped":   a.capture.Dropped(),
		"capture_errors":   a.capture.Errors(),
		"payloads_played":  a.engine.Payloads(),
		"volume":           a.engine.Volume(),
		"pitch":            a.engine.Pitch(),
		"heartbeat_age_ms": a.heartbeat.Age().Milliseconds(),
	}
}

// serveAdmin runs the admin server until ctx is done.
func (a *App) serveAdmin(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: admin listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("admin server listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return fmt.Errorf("app: admin server: %w", err)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: admin shutdown: %w", err)
	}
	return ctx.Err()
}
