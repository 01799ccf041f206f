// Package config provides the configuration schema, loader, hot-reload
// watcher and driver registry for the intercom endpoint.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Driver names understood by [DefaultRegistry].
const (
	DriverPortAudio = "portaudio"
	DriverFile      = "file"
	DriverNull      = "null"
)

// Config is the root configuration structure. It is typically loaded from
// a YAML file using [Load] or [LoadFromReader], which apply [ApplyDefaults]
// and [Validate].
type Config struct {
	LogLevel   LogLevel          `yaml:"log_level"`
	Server     ServerConfig      `yaml:"server"`
	Transport  TransportConfig   `yaml:"transport"`
	Audio      AudioConfig       `yaml:"audio"`
	Mode       ModeConfig        `yaml:"mode"`
	Capture    CaptureConfig     `yaml:"capture"`
	Playback   PlaybackConfig    `yaml:"playback"`
	Indicators []IndicatorConfig `yaml:"indicators"`
	Peer       PeerConfig        `yaml:"peer"`
}

// ServerConfig holds the admin HTTP listener settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the admin server serving health,
	// metrics and the virtual button (e.g., ":9090"). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TransportConfig configures the websocket link to the peer.
type TransportConfig struct {
	// URL of the peer endpoint, e.g. "ws://192.168.0.10:8888/device".
	URL string `yaml:"url"`

	// RetryDelay is the fixed wait between failed connection attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// LivenessInterval is how often the link is checked and, if down,
	// re-established.
	LivenessInterval time.Duration `yaml:"liveness_interval"`

	// WriteTimeout bounds a single outbound message.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// InboundBuffer is the capacity of the inbound message queue.
	InboundBuffer int `yaml:"inbound_buffer"`

	// Greeting is the text message sent after every successful connect.
	Greeting string `yaml:"greeting"`
}

// AudioConfig selects and parameterises the audio peripheral.
type AudioConfig struct {
	// Driver is the registered peripheral driver: "portaudio", "file" or "null".
	Driver string `yaml:"driver"`

	SampleRate int `yaml:"sample_rate"`

	// OutputChannels is 2 to duplicate mono playback into stereo, or 1.
	OutputChannels int `yaml:"output_channels"`

	// FrameSamples is the number of samples per captured frame.
	FrameSamples int `yaml:"frame_samples"`

	// RingCapacity is the size in samples of the capture staging buffer.
	RingCapacity int `yaml:"ring_capacity"`

	// ReadTimeout bounds a single peripheral read; expiry means "no data".
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds a single peripheral write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// InputFile is the WAV file replayed by the "file" driver. Empty
	// produces silence.
	InputFile string `yaml:"input_file"`
}

// ModeConfig configures button handling and mode transitions.
type ModeConfig struct {
	// SettleDelay is waited after the input peripheral starts.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// PollInterval is the control loop period.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ActiveLow treats a low button level as pressed.
	ActiveLow bool `yaml:"active_low"`
}

// CaptureConfig configures the capture task.
type CaptureConfig struct {
	// IdleWait is how long the task blocks for a mode change before
	// re-checking when not capturing.
	IdleWait time.Duration `yaml:"idle_wait"`

	// ErrorBackoff is waited after a failed read.
	ErrorBackoff time.Duration `yaml:"error_backoff"`

	// HeartbeatMaxAge is the staleness after which /readyz reports the
	// capture task as stuck.
	HeartbeatMaxAge time.Duration `yaml:"heartbeat_max_age"`
}

// PlaybackConfig configures network audio playback and the diagnostic tone.
type PlaybackConfig struct {
	// Volume is the gain applied to inbound audio, 0.0–1.0. Nil means 1.0.
	Volume *float64 `yaml:"volume"`

	// Pitch is the resampling factor applied to inbound audio.
	Pitch float64 `yaml:"pitch"`

	Tone ToneConfig `yaml:"tone"`
}

// ToneConfig configures the periodic diagnostic tone.
type ToneConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Duration  time.Duration `yaml:"duration"`
	BaseHz    float64       `yaml:"base_hz"`
	ModHz     float64       `yaml:"mod_hz"`
	DepthHz   float64       `yaml:"depth_hz"`
	Amplitude float64       `yaml:"amplitude"`
}

// IndicatorConfig binds a named indicator to an amplitude threshold.
type IndicatorConfig struct {
	// Name of the indicator, e.g. "mic".
	Name string `yaml:"name"`

	// Threshold is the absolute sample amplitude above which a frame
	// lights the indicator.
	Threshold int `yaml:"threshold"`
}

// PeerConfig configures the bundled peer server.
type PeerConfig struct {
	// ListenAddr is the TCP address of the peer server (e.g., ":8888").
	ListenAddr string `yaml:"listen_addr"`

	// Echo plays each completed take back to the device.
	Echo bool `yaml:"echo"`

	// MaxTakeSamples caps the samples collected between START_RECORD and
	// STOP_RECORD.
	MaxTakeSamples int `yaml:"max_take_samples"`

	// RecordDir, if set, receives every completed take as a WAV file.
	RecordDir string `yaml:"record_dir"`
}

// VolumeOrDefault returns the configured volume, or 1.0 when unset.
func (p PlaybackConfig) VolumeOrDefault() float64 {
	if p.Volume == nil {
		return 1
	}
	return *p.Volume
}
