// Package playback turns inbound audio payloads and locally generated tones
// into speaker output.
//
// Every write goes through [Engine], which borrows the peripheral from the
// mode controller for a single bounded, blocking write. There is no playback
// queue: backpressure comes from that write alone.
package playback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sw4796/makerton-esp32-aiagent/internal/observe"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
)

// ErrBusy is returned when the output peripheral is not available, i.e. the
// device is capturing or output setup failed. The payload is dropped.
var ErrBusy = errors.New("playback: output not available")

const defaultWriteTimeout = 2 * time.Second

// Transform resamples in by nearest neighbour and scales it by volume.
//
// The output has floor(len(in)/pitch) samples; sample i is taken from
// in[floor(i*pitch)]. Source indices past the end of in are dropped, never
// wrapped. A pitch above 1 shortens (speeds up) the audio, below 1 lengthens
// it. Results saturate at the int16 range. A non-positive pitch yields nil.
func Transform(in []int16, pitch, volume float64) []int16 {
	if pitch <= 0 || len(in) == 0 {
		return nil
	}
	n := int(float64(len(in)) / pitch)
	out := make([]int16, 0, n)
	for i := range n {
		src := int(float64(i) * pitch)
		if src >= len(in) {
			break
		}
		out = append(out, audio.Clamp16(int32(float64(in[src])*volume)))
	}
	return out
}

// Output lends the peripheral for writing. Implemented by mode.Controller.
type Output interface {
	UseOutput(fn func(p audio.Peripheral) error) (bool, error)
}

// Config configures an [Engine].
type Config struct {
	// Output grants the peripheral. Required.
	Output Output

	// Volume is the gain applied to network audio, 0.0–1.0. Defaults to 1.0
	// if zero; use [Engine.SetVolume] to mute.
	Volume float64

	// Pitch is the resampling factor for network audio. Defaults to 1.0 if zero.
	Pitch float64

	// Stereo duplicates every mono sample into an L+R pair before writing.
	Stereo bool

	// WriteTimeout bounds the blocking write. Defaults to 2s if zero.
	WriteTimeout time.Duration

	// Metrics receives playback counters. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Engine writes audio to the output peripheral. Volume and pitch may be
// changed at any time from any goroutine.
type Engine struct {
	out     Output
	stereo  bool
	writeTO time.Duration
	metrics *observe.Metrics

	volume atomic.Uint64 // float64 bits
	pitch  atomic.Uint64 // float64 bits

	payloads atomic.Int64
	samples  atomic.Int64
}

// New creates an [Engine].
func New(cfg Config) *Engine {
	e := &Engine{
		out:     cfg.Output,
		stereo:  cfg.Stereo,
		writeTO: cfg.WriteTimeout,
		metrics: cfg.Metrics,
	}
	if e.writeTO <= 0 {
		e.writeTO = defaultWriteTimeout
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	vol := cfg.Volume
	if vol == 0 {
		vol = 1
	}
	e.SetVolume(vol)
	pitch := cfg.Pitch
	if pitch == 0 {
		pitch = 1
	}
	if err := e.SetPitch(pitch); err != nil {
		e.pitch.Store(math.Float64bits(1))
	}
	return e
}

// Volume returns the current gain.
func (e *Engine) Volume() float64 { return math.Float64frombits(e.volume.Load()) }

// Pitch returns the current pitch factor.
func (e *Engine) Pitch() float64 { return math.Float64frombits(e.pitch.Load()) }

// SetVolume sets the gain, clamped to 0.0–1.0.
func (e *Engine) SetVolume(v float64) {
	v = min(max(v, 0), 1)
	e.volume.Store(math.Float64bits(v))
}

// SetPitch sets the pitch factor. It must be positive.
func (e *Engine) SetPitch(p float64) error {
	if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
		return fmt.Errorf("playback: pitch must be positive, got %v", p)
	}
	e.pitch.Store(math.Float64bits(p))
	return nil
}

// Payloads returns how many payloads were written.
func (e *Engine) Payloads() int64 { return e.payloads.Load() }

// Samples returns how many mono samples were written.
func (e *Engine) Samples() int64 { return e.samples.Load() }

// HandlePayload plays one inbound binary message of little-endian int16
// samples. It returns [ErrBusy] while the device is capturing.
func (e *Engine) HandlePayload(ctx context.Context, payload []byte) error {
	samples := audio.DecodePCM16(payload)
	if len(samples) == 0 {
		return nil
	}
	return e.write(ctx, "network", Transform(samples, e.Pitch(), e.Volume()))
}

// PlayTone writes a locally generated frame unchanged.
func (e *Engine) PlayTone(ctx context.Context, frame []int16) error {
	return e.write(ctx, "tone", frame)
}

func (e *Engine) write(ctx context.Context, source string, mono []int16) error {
	if len(mono) == 0 {
		return nil
	}
	buf := mono
	if e.stereo {
		buf = audio.MonoToStereo(mono)
	}

	start := time.Now()
	granted, err := e.out.UseOutput(func(p audio.Peripheral) error {
		wctx, cancel := context.WithTimeout(ctx, e.writeTO)
		defer cancel()
		_, werr := p.Write(wctx, buf)
		return werr
	})
	if !granted {
		e.metrics.RecordPlayback(ctx, source, "dropped", 0)
		observe.Logger(ctx).Debug("playback: output busy, dropping payload",
			"source", source, "samples", len(mono))
		return ErrBusy
	}
	if err != nil {
		e.metrics.RecordPlayback(ctx, source, "error", 0)
		observe.Logger(ctx).Warn("playback: write failed", "source", source, "err", err)
		return fmt.Errorf("playback: write: %w", err)
	}

	e.metrics.PlaybackWriteDuration.Record(ctx, time.Since(start).Seconds())
	e.metrics.RecordPlayback(ctx, source, "ok", len(mono))
	e.payloads.Add(1)
	e.samples.Add(int64(len(mono)))
	return nil
}
