package playback

import (
	"context"
	"errors"
	"time"

	"github.com/sw4796/makerton-esp32-aiagent/internal/observe"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
)

// ToneConfig configures a [ToneScheduler].
type ToneConfig struct {
	// Interval between the starts of two tones. Defaults to 5s if zero.
	Interval time.Duration

	// Duration of one tone. Defaults to 2s if zero.
	Duration time.Duration

	// FrameSamples is the number of samples written per tick while a tone
	// plays. Defaults to 1024 if zero.
	FrameSamples int

	// Generator parameterises the oscillator.
	Generator audio.ToneConfig

	// Indicator is lit while a tone plays. May be nil.
	Indicator audio.Indicator
}

// ToneScheduler plays a diagnostic tone for Duration every Interval. It is
// driven by the control loop through [ToneScheduler.Tick] and is not safe
// for concurrent use.
//
// Generated frames make a round trip through a [audio.RingBuffer] before
// they are written, so tones reach the speaker through the same buffer and
// write path as any other locally produced audio.
type ToneScheduler struct {
	engine    *Engine
	gen       *audio.ToneGenerator
	ring      *audio.RingBuffer
	frame     []int16
	interval  time.Duration
	duration  time.Duration
	indicator audio.Indicator

	playing bool
	started time.Time
	last    time.Time
}

// NewToneScheduler creates a scheduler writing through engine.
func NewToneScheduler(engine *Engine, cfg ToneConfig) *ToneScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 2 * time.Second
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = 1024
	}
	return &ToneScheduler{
		engine:    engine,
		gen:       audio.NewToneGenerator(cfg.Generator),
		ring:      audio.NewRingBuffer(cfg.FrameSamples * 2),
		frame:     make([]int16, cfg.FrameSamples),
		interval:  cfg.Interval,
		duration:  cfg.Duration,
		indicator: cfg.Indicator,
	}
}

// Playing reports whether a tone is currently scheduled.
func (s *ToneScheduler) Playing() bool { return s.playing }

// Tick advances the schedule to now and, while a tone is due, writes one
// frame. The first call only starts the clock.
func (s *ToneScheduler) Tick(ctx context.Context, now time.Time) error {
	if s.last.IsZero() {
		s.last = now
		return nil
	}
	if !s.playing && now.Sub(s.last) >= s.interval {
		s.playing = true
		s.started = now
		s.last = now
		s.setIndicator(true)
		observe.Logger(ctx).Debug("playback: tone started", "duration", s.duration)
	}
	if s.playing && now.Sub(s.started) >= s.duration {
		s.playing = false
		s.setIndicator(false)
		return nil
	}
	if !s.playing {
		return nil
	}

	s.gen.Fill(s.frame)
	if !s.ring.Write(s.frame) {
		s.engine.metrics.RecordRingRejection(ctx, "write")
		return nil
	}
	if !s.ring.Read(s.frame) {
		s.engine.metrics.RecordRingRejection(ctx, "read")
		return nil
	}
	err := s.engine.PlayTone(ctx, s.frame)
	if errors.Is(err, ErrBusy) {
		return nil
	}
	return err
}

// Stop ends any tone in progress and turns the indicator off.
func (s *ToneScheduler) Stop() {
	if s.playing {
		s.playing = false
		s.setIndicator(false)
	}
}

func (s *ToneScheduler) setIndicator(on bool) {
	if s.indicator != nil {
		s.indicator.Set(on)
	}
}
