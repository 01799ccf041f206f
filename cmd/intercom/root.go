package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sw4796/makerton-esp32-aiagent/internal/app"
	"github.com/sw4796/makerton-esp32-aiagent/internal/config"
)

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "intercom",
		Short:         "Push-to-talk audio intercom endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log_level (debug, info, warn, error); kept across config reloads")

	cmd.AddCommand(
		newRunCmd(flags),
		newPeerCmd(flags),
		newToneCmd(flags),
	)
	return cmd
}

// loadConfig reads the config file. A missing file is only an error when
// --config was given explicitly; otherwise the defaults are used.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, bool, error) {
	cfg, err := config.Load(flags.configPath)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		return config.Default(), false, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, false, fmt.Errorf("config file %q not found", flags.configPath)
	default:
		return nil, false, err
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger installs a text logger on stderr as the default and returns the
// level variable that config reloads adjust.
func newLogger(cfg *config.Config, override string) *slog.LevelVar {
	level := cfg.LogLevel
	if override != "" {
		level = config.LogLevel(override)
	}
	lv := new(slog.LevelVar)
	lv.Set(app.LevelFor(level))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
	return lv
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, source string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Intercom — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Config", source)
	printRow("Peer URL", cfg.Transport.URL)
	printRow("Audio driver", cfg.Audio.Driver)
	printRow("Format", fmt.Sprintf("%d Hz / %d ch out", cfg.Audio.SampleRate, cfg.Audio.OutputChannels))
	printRow("Frame", fmt.Sprintf("%d samples", cfg.Audio.FrameSamples))
	printRow("Volume", fmt.Sprintf("%.2f", cfg.Playback.VolumeOrDefault()))
	if cfg.Playback.Tone.Enabled {
		printRow("Tone", fmt.Sprintf("every %s", cfg.Playback.Tone.Interval))
	} else {
		printRow("Tone", "(disabled)")
	}
	fmt.Printf("║  Indicators      : %-19d ║\n", len(cfg.Indicators))
	if cfg.Server.ListenAddr != "" {
		printRow("Admin addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
