// Package capture runs the microphone side of the intercom: while the mode
// controller grants input it reads the peripheral, lights the sound
// indicators and streams frames to the peer.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sw4796/makerton-esp32-aiagent/internal/mode"
	"github.com/sw4796/makerton-esp32-aiagent/internal/observe"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
)

// ErrAllocation is returned by [Loop.Run] when its buffers cannot be sized
// from the configuration. It ends the capture task only.
var ErrAllocation = errors.New("capture: cannot allocate frame buffers")

// Default loop parameters.
const (
	defaultFrameSamples = 1024
	defaultRingCapacity = 32768
	defaultReadTimeout  = 100 * time.Millisecond
	defaultIdleWait     = 10 * time.Millisecond
	defaultErrorBackoff = 10 * time.Millisecond
)

// Arbiter grants the loop access to the peripheral. Implemented by
// [mode.Controller].
type Arbiter interface {
	State() *mode.State
	UseInput(fn func(p audio.Peripheral) error) (bool, error)
}

// Sink receives captured frames. Implemented by the transport client.
type Sink interface {
	Connected() bool
	SendBinary(ctx context.Context, payload []byte) error
}

// Watchdog is fed once per loop iteration.
type Watchdog interface {
	Feed()
}

// Config configures a [Loop].
type Config struct {
	// Arbiter hands out the peripheral while capturing. Required.
	Arbiter Arbiter

	// Sink receives frames while connected. Required.
	Sink Sink

	// Gate drives the sound indicators. May be nil.
	Gate *audio.Gate

	// FrameSamples is the number of mono samples per forwarded frame.
	// Defaults to 1024 if zero.
	FrameSamples int

	// RingCapacity sizes the staging buffer between hardware reads and
	// frame assembly. Must hold at least one frame. Defaults to 32768 if zero.
	RingCapacity int

	// ReadTimeout bounds each peripheral read; expiry means "no data yet".
	// Defaults to 100ms if zero.
	ReadTimeout time.Duration

	// IdleWait is the longest the loop sleeps while not capturing before it
	// re-checks the mode and feeds the watchdog. Defaults to 10ms if zero.
	IdleWait time.Duration

	// ErrorBackoff is waited after a failed read. Defaults to 10ms if zero.
	ErrorBackoff time.Duration

	// Watchdog is fed every iteration. May be nil.
	Watchdog Watchdog

	// Metrics receives capture counters. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Loop is the long-running capture task. Create with [New], run with
// [Loop.Run] on its own goroutine.
type Loop struct {
	arb      Arbiter
	sink     Sink
	gate     *audio.Gate
	frameN   int
	ringCap  int
	readTO   time.Duration
	idleWait time.Duration
	backoff  time.Duration
	watchdog Watchdog
	metrics  *observe.Metrics
	names    []string // indicator names, in gate order

	frames  atomic.Int64
	sent    atomic.Int64
	errs    atomic.Int64
	dropped atomic.Int64
}

// New creates a [Loop]. Sizes are validated when Run starts.
func New(cfg Config) *Loop {
	l := &Loop{
		arb:      cfg.Arbiter,
		sink:     cfg.Sink,
		gate:     cfg.Gate,
		frameN:   cfg.FrameSamples,
		ringCap:  cfg.RingCapacity,
		readTO:   cfg.ReadTimeout,
		idleWait: cfg.IdleWait,
		backoff:  cfg.ErrorBackoff,
		watchdog: cfg.Watchdog,
		metrics:  cfg.Metrics,
	}
	if l.frameN == 0 {
		l.frameN = defaultFrameSamples
	}
	if l.ringCap == 0 {
		l.ringCap = defaultRingCapacity
	}
	if l.readTO <= 0 {
		l.readTO = defaultReadTimeout
	}
	if l.idleWait <= 0 {
		l.idleWait = defaultIdleWait
	}
	if l.backoff <= 0 {
		l.backoff = defaultErrorBackoff
	}
	if l.gate == nil {
		l.gate = audio.NewGate(nil)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	for _, e := range l.gate.Entries() {
		l.names = append(l.names, e.Name)
	}
	return l
}

// Frames returns the number of complete frames captured.
func (l *Loop) Frames() int64 { return l.frames.Load() }

// Sent returns the number of frames forwarded to the sink.
func (l *Loop) Sent() int64 { return l.sent.Load() }

// Errors returns the number of failed peripheral reads.
func (l *Loop) Errors() int64 { return l.errs.Load() }

// Dropped returns the number of frames discarded because capture had
// already ended, or the sink was not connected or rejected them.
func (l *Loop) Dropped() int64 { return l.dropped.Load() }

// Run captures until ctx is done, then returns nil. Read errors are logged
// and retried after a short backoff; the loop only fails, with
// [ErrAllocation], if its buffers cannot be sized.
func (l *Loop) Run(ctx context.Context) error {
	if l.frameN <= 0 || l.ringCap < l.frameN {
		return fmt.Errorf("%w: frame of %d samples, ring of %d", ErrAllocation, l.frameN, l.ringCap)
	}
	ring := audio.NewRingBuffer(l.ringCap)
	readBuf := make([]int16, l.frameN)
	frame := make([]int16, l.frameN)
	state := l.arb.State()
	log := observe.Logger(ctx)
	log.Info("capture: loop started", "frame_samples", l.frameN, "ring_capacity", l.ringCap)

	capturing := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		if l.watchdog != nil {
			l.watchdog.Feed()
		}

		current := state.Load()
		if current != mode.Capturing {
			if capturing {
				// Whatever was staged belongs to the take that just ended.
				ring.Clear()
				l.gate.Reset()
				capturing = false
			}
			state.Wait(ctx, current, l.idleWait)
			continue
		}
		capturing = true

		var n int
		granted, err := l.arb.UseInput(func(p audio.Peripheral) error {
			rctx, cancel := context.WithTimeout(ctx, l.readTO)
			defer cancel()
			var rerr error
			n, rerr = p.Read(rctx, readBuf)
			return rerr
		})
		if !granted {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if audio.IsTimeout(err) {
				continue
			}
			l.errs.Add(1)
			l.metrics.CaptureErrors.Add(ctx, 1)
			log.Warn("capture: read failed", "err", err)
			sleepCtx(ctx, l.backoff)
			continue
		}
		if n == 0 {
			continue
		}

		if !ring.Write(readBuf[:n]) {
			l.metrics.RecordRingRejection(ctx, "write")
			log.Debug("capture: staging ring full, dropping samples", "samples", n)
		}
		for ring.Available() >= l.frameN {
			ring.Read(frame)
			l.emit(ctx, frame)
		}
	}
}

func (l *Loop) emit(ctx context.Context, frame []int16) {
	l.frames.Add(1)
	l.metrics.CaptureFrames.Add(ctx, 1)

	for i, hit := range l.gate.Evaluate(frame) {
		if hit {
			l.metrics.RecordGateTrigger(ctx, l.names[i])
		}
	}

	// The button may have been released while the frame was being read.
	if l.arb.State().Load() != mode.Capturing || !l.sink.Connected() {
		l.dropped.Add(1)
		return
	}
	if err := l.sink.SendBinary(ctx, audio.EncodePCM16(frame)); err != nil {
		l.dropped.Add(1)
		observe.Logger(ctx).Debug("capture: frame not sent", "err", err)
		return
	}
	l.sent.Add(1)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
