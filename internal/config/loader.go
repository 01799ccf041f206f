package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultAdminAddr       = ":9090"
	DefaultPeerAddr        = ":8888"
	DefaultSampleRate      = 16000
	DefaultFrameSamples    = 1024
	DefaultRingCapacity    = 32768
	DefaultGreeting        = "Hello Server"
	DefaultInboundBuffer   = 32
	DefaultMicThreshold    = 100
	DefaultMaxTakeSamples  = DefaultSampleRate * 60
	DefaultRetryDelay      = 2 * time.Second
	DefaultLiveness        = 5 * time.Second
	DefaultNetWriteTimeout = 2 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no peer
// URL set.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultAdminAddr
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	t := &cfg.Transport
	if t.RetryDelay == 0 {
		t.RetryDelay = DefaultRetryDelay
	}
	if t.LivenessInterval == 0 {
		t.LivenessInterval = DefaultLiveness
	}
	if t.WriteTimeout == 0 {
		t.WriteTimeout = DefaultNetWriteTimeout
	}
	if t.InboundBuffer == 0 {
		t.InboundBuffer = DefaultInboundBuffer
	}
	if t.Greeting == "" {
		t.Greeting = DefaultGreeting
	}

	a := &cfg.Audio
	if a.Driver == "" {
		a.Driver = DriverPortAudio
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.OutputChannels == 0 {
		a.OutputChannels = 2
	}
	if a.FrameSamples == 0 {
		a.FrameSamples = DefaultFrameSamples
	}
	if a.RingCapacity == 0 {
		a.RingCapacity = DefaultRingCapacity
	}
	if a.ReadTimeout == 0 {
		a.ReadTimeout = 100 * time.Millisecond
	}
	if a.WriteTimeout == 0 {
		a.WriteTimeout = 2 * time.Second
	}

	if cfg.Mode.SettleDelay == 0 {
		cfg.Mode.SettleDelay = 100 * time.Millisecond
	}
	if cfg.Mode.PollInterval == 0 {
		cfg.Mode.PollInterval = 10 * time.Millisecond
	}

	if cfg.Capture.IdleWait == 0 {
		cfg.Capture.IdleWait = 10 * time.Millisecond
	}
	if cfg.Capture.ErrorBackoff == 0 {
		cfg.Capture.ErrorBackoff = 10 * time.Millisecond
	}
	if cfg.Capture.HeartbeatMaxAge == 0 {
		cfg.Capture.HeartbeatMaxAge = 5 * time.Second
	}

	if cfg.Playback.Pitch == 0 {
		cfg.Playback.Pitch = 1
	}
	tone := &cfg.Playback.Tone
	if tone.Interval == 0 {
		tone.Interval = 5 * time.Second
	}
	if tone.Duration == 0 {
		tone.Duration = 2 * time.Second
	}

	if cfg.Indicators == nil {
		cfg.Indicators = []IndicatorConfig{{Name: "mic", Threshold: DefaultMicThreshold}}
	}

	if cfg.Peer.ListenAddr == "" {
		cfg.Peer.ListenAddr = DefaultPeerAddr
	}
	if cfg.Peer.MaxTakeSamples == 0 {
		cfg.Peer.MaxTakeSamples = DefaultMaxTakeSamples
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found. An empty transport
// URL is accepted here and rejected by the commands that need it.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Transport
	if cfg.Transport.URL != "" {
		u, err := url.Parse(cfg.Transport.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("transport.url %q: %w", cfg.Transport.URL, err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("transport.url %q must use ws or wss", cfg.Transport.URL))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("transport.url %q has no host", cfg.Transport.URL))
		}
	}
	if cfg.Transport.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("transport.retry_delay %v must not be negative", cfg.Transport.RetryDelay))
	}
	if cfg.Transport.InboundBuffer < 0 {
		errs = append(errs, fmt.Errorf("transport.inbound_buffer %d must not be negative", cfg.Transport.InboundBuffer))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeout},
		{"transport.liveness_interval", cfg.Transport.LivenessInterval},
		{"transport.write_timeout", cfg.Transport.WriteTimeout},
		{"mode.settle_delay", cfg.Mode.SettleDelay},
		{"capture.idle_wait", cfg.Capture.IdleWait},
		{"capture.error_backoff", cfg.Capture.ErrorBackoff},
		{"capture.heartbeat_max_age", cfg.Capture.HeartbeatMaxAge},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s %v must not be negative", d.name, d.value))
		}
	}

	// Mode
	if cfg.Mode.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("mode.poll_interval %v must be positive", cfg.Mode.PollInterval))
	}

	// Audio
	a := cfg.Audio
	if !slices.Contains(KnownDrivers, a.Driver) {
		slog.Warn("unknown audio driver; it must be registered before startup",
			"driver", a.Driver,
			"known", KnownDrivers,
		)
	}
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.OutputChannels != 1 && a.OutputChannels != 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d must be 1 or 2", a.OutputChannels))
	}
	if a.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must be positive", a.FrameSamples))
	}
	if a.RingCapacity < a.FrameSamples {
		errs = append(errs, fmt.Errorf("audio.ring_capacity %d must hold at least one frame (%d samples)", a.RingCapacity, a.FrameSamples))
	}
	if a.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("audio.read_timeout %v must be positive", a.ReadTimeout))
	}
	if a.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("audio.write_timeout %v must be positive", a.WriteTimeout))
	}
	if a.Driver == DriverFile && a.InputFile == "" {
		slog.Warn("audio.driver is file but audio.input_file is empty; capture will produce silence")
	}

	// Playback
	if v := cfg.Playback.VolumeOrDefault(); v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("playback.volume %.2f is out of range [0, 1]", v))
	}
	if cfg.Playback.Pitch <= 0 {
		errs = append(errs, fmt.Errorf("playback.pitch %.2f must be positive", cfg.Playback.Pitch))
	}
	if amp := cfg.Playback.Tone.Amplitude; amp < 0 || amp > 32767 {
		errs = append(errs, fmt.Errorf("playback.tone.amplitude %.0f is out of range [0, 32767]", amp))
	}
	if cfg.Playback.Tone.Duration > cfg.Playback.Tone.Interval {
		errs = append(errs, fmt.Errorf("playback.tone.duration %v exceeds interval %v", cfg.Playback.Tone.Duration, cfg.Playback.Tone.Interval))
	}

	// Indicators
	seen := make(map[string]int, len(cfg.Indicators))
	for i, ind := range cfg.Indicators {
		prefix := fmt.Sprintf("indicators[%d]", i)
		if ind.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[ind.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of indicators[%d]", prefix, ind.Name, prev))
			}
			seen[ind.Name] = i
		}
		if ind.Threshold < 0 || ind.Threshold > 32767 {
			errs = append(errs, fmt.Errorf("%s.threshold %d is out of range [0, 32767]", prefix, ind.Threshold))
		}
	}

	if cfg.Peer.MaxTakeSamples < 0 {
		errs = append(errs, fmt.Errorf("peer.max_take_samples %d must not be negative", cfg.Peer.MaxTakeSamples))
	}

	return errors.Join(errs...)
}
