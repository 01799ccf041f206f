package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sw4796/makerton-esp32-aiagent/internal/config"
	"github.com/sw4796/makerton-esp32-aiagent/internal/playback"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
)

func newToneCmd(root *rootFlags) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "tone",
		Short: "Play the diagnostic tone on the local output",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			newLogger(cfg, root.logLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return playTone(ctx, cfg, duration)
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 2*time.Second, "how long to play")
	return cmd
}

// directOutput is an always-granted output for commands that own the
// peripheral outright.
type directOutput struct{ p audio.Peripheral }

func (d directOutput) UseOutput(fn func(p audio.Peripheral) error) (bool, error) {
	return true, fn(d.p)
}

func playTone(ctx context.Context, cfg *config.Config, d time.Duration) error {
	reg := config.NewRegistry()
	registerBuiltinDrivers(reg)
	p, err := reg.CreateDriver(cfg.Audio)
	if err != nil {
		return fmt.Errorf("create audio driver %q: %w", cfg.Audio.Driver, err)
	}
	defer p.Close()

	if err := p.Configure(audio.DirectionOutput, audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.OutputChannels}); err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}
	defer p.Stop()

	engine := playback.New(playback.Config{
		Output:       directOutput{p},
		Volume:       cfg.Playback.VolumeOrDefault(),
		Stereo:       cfg.Audio.OutputChannels == 2,
		WriteTimeout: cfg.Audio.WriteTimeout,
	})
	t := cfg.Playback.Tone
	gen := audio.NewToneGenerator(audio.ToneConfig{
		SampleRate: cfg.Audio.SampleRate,
		BaseHz:     t.BaseHz,
		ModHz:      t.ModHz,
		DepthHz:    t.DepthHz,
		Amplitude:  t.Amplitude,
	})

	slog.Info("playing tone", "duration", d, "driver", cfg.Audio.Driver)
	frame := make([]int16, cfg.Audio.FrameSamples)
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		gen.Fill(frame)
		if err := engine.PlayTone(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}
