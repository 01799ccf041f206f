package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sw4796/makerton-esp32-aiagent/internal/app"
	"github.com/sw4796/makerton-esp32-aiagent/internal/config"
	"github.com/sw4796/makerton-esp32-aiagent/internal/observe"
	"github.com/sw4796/makerton-esp32-aiagent/internal/panel"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

type runFlags struct {
	url    string
	driver string
	input  string
	admin  string
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the peer and serve the push-to-talk endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEndpoint(cmd, root, flags)
		},
	}
	cmd.Flags().StringVar(&flags.url, "url", "", "override transport.url (ws://host:port/path); kept across config reloads")
	cmd.Flags().StringVar(&flags.driver, "driver", "", "override audio.driver (portaudio, file, null)")
	cmd.Flags().StringVar(&flags.input, "input", "", "override audio.input_file for the file driver")
	cmd.Flags().StringVar(&flags.admin, "admin", "", "override server.listen_addr")
	return cmd
}

// apply writes the command-line overrides into cfg. It runs on the initial
// config and again on both sides of every reload, so a changed file never
// undoes a flag.
func (f *runFlags) apply(cfg *config.Config, logLevel string) {
	if f.url != "" {
		cfg.Transport.URL = f.url
	}
	if f.driver != "" {
		cfg.Audio.Driver = f.driver
	}
	if f.input != "" {
		cfg.Audio.InputFile = f.input
	}
	if f.admin != "" {
		cfg.Server.ListenAddr = f.admin
	}
	if logLevel != "" {
		cfg.LogLevel = config.LogLevel(logLevel)
	}
}

func runEndpoint(cmd *cobra.Command, root *rootFlags, flags *runFlags) error {
	// ── Configuration ─────────────────────────────────────────────────────────
	loaded, fromFile, err := loadConfig(cmd, root)
	if err != nil {
		return err
	}
	cfg := *loaded
	flags.apply(&cfg, root.logLevel)
	if err := config.Validate(&cfg); err != nil {
		return err
	}
	if cfg.Transport.URL == "" {
		return errors.New("transport.url is required (set it in the config file or pass --url)")
	}

	lv := newLogger(&cfg, root.logLevel)
	source := "(defaults)"
	if fromFile {
		source = root.configPath
	}
	slog.Info("intercom starting", "config", source, "url", cfg.Transport.URL, "driver", cfg.Audio.Driver)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		Role:           observe.RoleEndpoint,
		Instance:       cfg.Transport.URL,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Hardware ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDrivers(reg)
	periph, err := reg.CreateDriver(cfg.Audio)
	if err != nil {
		return fmt.Errorf("create audio driver %q: %w", cfg.Audio.Driver, err)
	}

	button := &panel.VirtualButton{}
	indicators := map[string]audio.Indicator{
		audio.IndicatorMic:     panel.NewLogIndicator(audio.IndicatorMic, nil),
		audio.IndicatorSpeaker: panel.NewLogIndicator(audio.IndicatorSpeaker, nil),
	}
	for _, ind := range cfg.Indicators {
		if _, ok := indicators[ind.Name]; !ok {
			indicators[ind.Name] = panel.NewLogIndicator(ind.Name, nil)
		}
	}
	hw := app.Hardware{Peripheral: periph, Button: button, Indicators: indicators}

	// ── Application ───────────────────────────────────────────────────────────
	var application *app.App
	opts := []app.Option{
		app.WithLevelVar(lv),
		app.WithVirtualButton(button),
		app.WithMetrics(tel.Metrics()),
		app.WithMetricsHandler(tel.Handler()),
	}
	if fromFile {
		// The watcher only fires from Run, after application is assigned.
		w, err := config.NewWatcher(root.configPath, func(old, next *config.Config) {
			prev, cur := *old, *next
			flags.apply(&prev, root.logLevel)
			flags.apply(&cur, root.logLevel)
			application.ApplyConfig(&prev, &cur)
		})
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		opts = append(opts, app.WithWatcher(w))
	}

	printStartupSummary(&cfg, source)

	application, err = app.New(ctx, &cfg, hw, opts...)
	if err != nil {
		_ = periph.Close()
		return fmt.Errorf("initialise application: %w", err)
	}

	slog.Info("endpoint ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("goodbye")
	return runErr
}
