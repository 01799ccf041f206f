package config_test

import (
	"slices"
	"testing"

	"github.com/sw4796/makerton-esp32-aiagent/internal/config"
)

func ptr[T any](v T) *T { return &v }

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	a, b := config.Default(), config.Default()
	d := config.Diff(a, b)
	if d.Live() {
		t.Errorf("Live() = true for identical configs: %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_LiveChanges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.LogLevel = config.LogDebug },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "volume",
			mutate: func(c *config.Config) { c.Playback.Volume = ptr(0.3) },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.VolumeChanged || d.NewVolume != 0.3 {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "explicit default volume is not a change",
			mutate: func(c *config.Config) { c.Playback.Volume = ptr(1.0) },
			check: func(t *testing.T, d config.ConfigDiff) {
				if d.VolumeChanged {
					t.Errorf("VolumeChanged = true for 1.0 vs unset")
				}
			},
		},
		{
			name:   "pitch",
			mutate: func(c *config.Config) { c.Playback.Pitch = 1.25 },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.PitchChanged || d.NewPitch != 1.25 {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "threshold",
			mutate: func(c *config.Config) { c.Indicators[0].Threshold = 500 },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.IndicatorsChanged || d.NewIndicators[0].Threshold != 500 {
					t.Errorf("diff = %+v", d)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, next := config.Default(), config.Default()
			tt.mutate(next)
			d := config.Diff(old, next)
			tt.check(t, d)
			if len(d.RestartRequired) != 0 {
				t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	old, next := config.Default(), config.Default()
	next.Transport.URL = "ws://other:8888/device"
	next.Audio.Driver = config.DriverNull
	next.Peer.Echo = true
	next.Playback.Tone.Enabled = true

	d := config.Diff(old, next)
	want := []string{"transport", "audio", "playback.tone", "peer"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.Live() {
		t.Errorf("Live() = true, want false: %+v", d)
	}
}

func TestDiff_NewIndicatorsIsACopy(t *testing.T) {
	t.Parallel()

	old, next := config.Default(), config.Default()
	next.Indicators[0].Threshold = 7
	d := config.Diff(old, next)
	next.Indicators[0].Threshold = 8
	if d.NewIndicators[0].Threshold != 7 {
		t.Errorf("diff aliases the new config's slice")
	}
}
