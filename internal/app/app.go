// Package app wires the intercom subsystems into a running endpoint.
//
// The App struct owns the full lifecycle: New builds every subsystem and
// installs the peripheral for output, Run executes the control loop and the
// long-running tasks, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDialer,
// WithMetrics, ...) and pass mock hardware in [Hardware].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sw4796/makerton-esp32-aiagent/internal/capture"
	"github.com/sw4796/makerton-esp32-aiagent/internal/config"
	"github.com/sw4796/makerton-esp32-aiagent/internal/health"
	"github.com/sw4796/makerton-esp32-aiagent/internal/mode"
	"github.com/sw4796/makerton-esp32-aiagent/internal/observe"
	"github.com/sw4796/makerton-esp32-aiagent/internal/panel"
	"github.com/sw4796/makerton-esp32-aiagent/internal/playback"
	"github.com/sw4796/makerton-esp32-aiagent/internal/transport"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
)

// Hardware is the physical surface of the endpoint.
type Hardware struct {
	// Peripheral is the shared audio device. Required.
	Peripheral audio.Peripheral

	// Button is the push-to-talk button. Required.
	Button audio.Button

	// Indicators maps indicator names ("mic", "speaker", ...) to lights.
	// Missing entries are simply not driven.
	Indicators map[string]audio.Indicator
}

// App owns all subsystem lifetimes and runs the endpoint.
type App struct {
	cfg *config.Config
	hw  Hardware

	metrics  *observe.Metrics
	dialer   transport.Dialer
	levelVar *slog.LevelVar
	watcher  *config.Watcher
	vbutton  *panel.VirtualButton
	metricsH http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	client    *transport.Client
	ctrl      *mode.Controller
	engine    *playback.Engine
	tone      *playback.ToneScheduler
	gate      *audio.Gate
	capture   *capture.Loop
	heartbeat *health.Heartbeat
	edges     mode.EdgeDetector

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects the metric instruments instead of the global ones.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithDialer injects the transport dialer.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithLevelVar lets config reloads change the log level of the logger
// built around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithWatcher runs w alongside the endpoint and applies its changes live.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithVirtualButton exposes b on the admin server.
func WithVirtualButton(b *panel.VirtualButton) Option {
	return func(a *App) { a.vbutton = b }
}

// WithMetricsHandler serves h on /metrics of the admin server.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together and installing the
// peripheral for output. A failed output setup is logged, not returned: the
// endpoint still captures and playback is dropped until the next release.
func New(ctx context.Context, cfg *config.Config, hw Hardware, opts ...Option) (*App, error) {
	if cfg.Transport.URL == "" {
		return nil, errors.New("app: transport.url is required")
	}
	if hw.Peripheral == nil || hw.Button == nil {
		return nil, errors.New("app: peripheral and button are required")
	}

	a := &App{cfg: cfg, hw: hw, heartbeat: &health.Heartbeat{}}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.edges.ActiveLow = cfg.Mode.ActiveLow

	// ── 1. Transport ─────────────────────────────────────────────────────
	a.client = transport.New(transport.Config{
		URL:              cfg.Transport.URL,
		Dialer:           a.dialer,
		RetryDelay:       cfg.Transport.RetryDelay,
		LivenessInterval: cfg.Transport.LivenessInterval,
		WriteTimeout:     cfg.Transport.WriteTimeout,
		Greeting:         cfg.Transport.Greeting,
		InboundBuffer:    cfg.Transport.InboundBuffer,
		OnBinary:         a.onPayload,
		Metrics:          a.metrics,
	})
	a.closers = append(a.closers, a.client.Close)

	// ── 2. Mode controller ───────────────────────────────────────────────
	a.ctrl = mode.New(mode.Config{
		Peripheral:   hw.Peripheral,
		Sender:       a.client,
		InputFormat:  audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: 1},
		OutputFormat: audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.OutputChannels},
		SettleDelay:  cfg.Mode.SettleDelay,
		Metrics:      a.metrics,
		OnChange: func(from, to mode.Mode) {
			slog.Debug("mode changed", "from", from, "to", to)
		},
	})
	if err := a.ctrl.Init(ctx); err != nil {
		slog.Warn("output unavailable, playback disabled until next release", "err", err)
	}
	a.closers = append(a.closers, a.ctrl.Close)

	// ── 3. Playback ──────────────────────────────────────────────────────
	a.engine = playback.New(playback.Config{
		Output:       a.ctrl,
		Volume:       cfg.Playback.VolumeOrDefault(),
		Pitch:        cfg.Playback.Pitch,
		Stereo:       cfg.Audio.OutputChannels == 2,
		WriteTimeout: cfg.Audio.WriteTimeout,
		Metrics:      a.metrics,
	})
	if cfg.Playback.VolumeOrDefault() == 0 {
		a.engine.SetVolume(0)
	}
	if t := cfg.Playback.Tone; t.Enabled {
		a.tone = playback.NewToneScheduler(a.engine, playback.ToneConfig{
			Interval:     t.Interval,
			Duration:     t.Duration,
			FrameSamples: cfg.Audio.FrameSamples,
			Generator: audio.ToneConfig{
				SampleRate: cfg.Audio.SampleRate,
				BaseHz:     t.BaseHz,
				ModHz:      t.ModHz,
				DepthHz:    t.DepthHz,
				Amplitude:  t.Amplitude,
			},
			Indicator: hw.Indicators[audio.IndicatorSpeaker],
		})
	}

	// ── 4. Capture ───────────────────────────────────────────────────────
	entries := make([]audio.ThresholdEntry, 0, len(cfg.Indicators))
	for _, ind := range cfg.Indicators {
		entries = append(entries, audio.ThresholdEntry{
			Name:      ind.Name,
			Indicator: hw.Indicators[ind.Name],
			Threshold: ind.Threshold,
		})
	}
	a.gate = audio.NewGate(entries)
	a.capture = capture.New(capture.Config{
		Arbiter:      a.ctrl,
		Sink:         a.client,
		Gate:         a.gate,
		FrameSamples: cfg.Audio.FrameSamples,
		RingCapacity: cfg.Audio.RingCapacity,
		ReadTimeout:  cfg.Audio.ReadTimeout,
		IdleWait:     cfg.Capture.IdleWait,
		ErrorBackoff: cfg.Capture.ErrorBackoff,
		Watchdog:     a.heartbeat,
		Metrics:      a.metrics,
	})

	return a, nil
}

// Mode returns the current mode.
func (a *App) Mode() mode.Mode { return a.ctrl.Mode() }

// Connected reports whether the peer link is up.
func (a *App) Connected() bool { return a.client.Connected() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the transport supervisor, the capture task, the control loop,
// the admin server and the config watcher, and blocks until ctx is
// cancelled or a task fails. A capture task that ends on its own is logged;
// the rest of the endpoint keeps running.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.client.Run(gctx) })
	g.Go(func() error {
		if err := a.capture.Run(gctx); err != nil {
			slog.Error("capture task stopped", "err", err)
		}
		return nil
	})
	g.Go(func() error { return a.controlLoop(gctx) })
	if a.cfg.Server.ListenAddr != "" {
		g.Go(func() error { return a.serveAdmin(gctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// controlLoop polls the button, services inbound messages and drives the
// diagnostic tone, once per poll interval.
func (a *App) controlLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Mode.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if a.tone != nil {
				a.tone.Stop()
			}
			return ctx.Err()
		case now := <-ticker.C:
			a.step(ctx, now)
		}
	}
}

// step runs one control loop iteration.
func (a *App) step(ctx context.Context, now time.Time) {
	if edge := a.edges.Update(a.hw.Button.Level()); edge != mode.EdgeNone {
		if err := a.ctrl.HandleEdge(ctx, edge); err != nil {
			slog.Error("button transition failed", "edge", edge, "err", err)
		}
	}

	served := a.drainInbound(ctx)

	if a.tone != nil && served == 0 && a.ctrl.Mode() != mode.Capturing {
		if err := a.tone.Tick(ctx, now); err != nil {
			slog.Debug("tone write failed", "err", err)
		}
	}
}

// drainInbound dispatches every queued inbound message and returns how many
// it handled.
func (a *App) drainInbound(ctx context.Context) int {
	n := 0
	for {
		select {
		case msg := <-a.client.Inbound():
			a.client.Dispatch(ctx, msg)
			n++
		default:
			return n
		}
	}
}

func (a *App) onPayload(ctx context.Context, payload []byte) {
	err := a.engine.HandlePayload(ctx, payload)
	if err != nil && !errors.Is(err, playback.ErrBusy) {
		slog.Debug("payload not played", "bytes", len(payload), "err", err)
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the live-reloadable differences between old and next.
// It is the callback for [config.Watcher].
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(LevelFor(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VolumeChanged {
		a.engine.SetVolume(d.NewVolume)
		slog.Info("playback volume changed", "volume", a.engine.Volume())
	}
	if d.PitchChanged {
		if err := a.engine.SetPitch(d.NewPitch); err != nil {
			slog.Warn("pitch not applied", "err", err)
		} else {
			slog.Info("playback pitch changed", "pitch", d.NewPitch)
		}
	}
	if d.IndicatorsChanged {
		for _, ind := range d.NewIndicators {
			if !a.gate.SetThreshold(ind.Name, ind.Threshold) {
				slog.Warn("new indicator needs a restart", "name", ind.Name)
			}
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to apply", "sections", d.RestartRequired)
	}
}

// LevelFor maps a config log level to its slog level.
func LevelFor(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order: the peer link is closed
// first, then the peripheral is stopped. If ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for _, ind := range a.hw.Indicators {
			ind.Set(false)
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	if shutdownErr != nil {
		return fmt.Errorf("app: shutdown: %w", shutdownErr)
	}
	return nil
}
