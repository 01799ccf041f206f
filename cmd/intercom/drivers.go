package main

import (
	"log/slog"

	"github.com/sw4796/makerton-esp32-aiagent/internal/config"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio/hostaudio"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio/wavfile"
)

// registerBuiltinDrivers wires the peripheral drivers that ship with the
// endpoint into reg.
func registerBuiltinDrivers(reg *config.Registry) {
	reg.RegisterDriver(config.DriverPortAudio, func(cfg config.AudioConfig) (audio.Peripheral, error) {
		p, err := hostaudio.New(cfg.FrameSamples)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// file plays a WAV file as the microphone and discards output in real
	// time. Without an input file it behaves like null.
	reg.RegisterDriver(config.DriverFile, func(cfg config.AudioConfig) (audio.Peripheral, error) {
		if cfg.InputFile == "" {
			return wavfile.NewPeripheral(nil), nil
		}
		p, f, err := wavfile.Open(cfg.InputFile)
		if err != nil {
			return nil, err
		}
		if f.SampleRate != cfg.SampleRate {
			slog.Warn("input file sample rate differs from audio.sample_rate, playing unresampled",
				"file", cfg.InputFile, "file_rate", f.SampleRate, "sample_rate", cfg.SampleRate)
		}
		return p, nil
	})

	reg.RegisterDriver(config.DriverNull, func(config.AudioConfig) (audio.Peripheral, error) {
		return wavfile.NewPeripheral(nil), nil
	})

	for _, name := range reg.Drivers() {
		slog.Debug("registered audio driver", "name", name)
	}
}
