package config

import "slices"

// ConfigDiff describes what changed between two configs.
//
// Log level, playback volume and pitch, and indicator thresholds are applied
// live. Changes to any other section are listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VolumeChanged bool
	NewVolume     float64

	PitchChanged bool
	NewPitch     float64

	IndicatorsChanged bool
	NewIndicators     []IndicatorConfig

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Live reports whether d carries at least one live-applicable change.
func (d ConfigDiff) Live() bool {
	return d.LogLevelChanged || d.VolumeChanged || d.PitchChanged || d.IndicatorsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}
	if ov, nv := old.Playback.VolumeOrDefault(), new.Playback.VolumeOrDefault(); ov != nv {
		d.VolumeChanged = true
		d.NewVolume = nv
	}
	if old.Playback.Pitch != new.Playback.Pitch {
		d.PitchChanged = true
		d.NewPitch = new.Playback.Pitch
	}
	if !slices.Equal(old.Indicators, new.Indicators) {
		d.IndicatorsChanged = true
		d.NewIndicators = slices.Clone(new.Indicators)
	}

	if old.Server != new.Server {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Transport != new.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Mode != new.Mode {
		d.RestartRequired = append(d.RestartRequired, "mode")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Playback.Tone != new.Playback.Tone {
		d.RestartRequired = append(d.RestartRequired, "playback.tone")
	}
	if old.Peer != new.Peer {
		d.RestartRequired = append(d.RestartRequired, "peer")
	}
	return d
}
