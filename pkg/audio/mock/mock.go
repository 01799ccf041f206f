// Package mock provides in-memory mock implementations of the
// [audio.Peripheral], [audio.Button] and [audio.Indicator] interfaces for use
// in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and ordering, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	p := &mock.Peripheral{}
//	p.QueueRead(make([]int16, 1024))
//	p.Configure(audio.DirectionInput, audio.Format{SampleRate: 16000, Channels: 1})
//	p.Start()
//	n, err := p.Read(ctx, buf)
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
)

// ─── Peripheral ───────────────────────────────────────────────────────────────

// Peripheral is a mock implementation of [audio.Peripheral].
//
// It models a single device that is configured for one direction at a time.
// Read serves frames queued with [Peripheral.QueueRead] and blocks on ctx when
// none are queued. Write records every buffer it receives.
type Peripheral struct {
	mu sync.Mutex

	// ConfigureError is returned by Configure, wrapped in [audio.ErrHardwareConfig].
	ConfigureError error

	// StartError is returned by Start.
	StartError error

	// ReadErrors are returned by successive Read calls before any queued
	// frame is served.
	ReadErrors []error

	// WriteError is returned by Write.
	WriteError error

	// WriteFunc, if set, replaces the default Write behaviour. The call is
	// still recorded in Written.
	WriteFunc func(ctx context.Context, buf []int16) (int, error)

	// Calls records lifecycle calls in order: "configure:<dir>", "start",
	// "stop", "flush", "close".
	Calls []string

	// Written holds a copy of every buffer passed to Write.
	Written [][]int16

	// Formats records the format of each successful Configure call.
	Formats []audio.Format

	// Violations counts Configure calls made while the peripheral was still
	// started, i.e. attempts to switch direction on a live device.
	Violations int

	// CallCountRead records how many times Read was called.
	CallCountRead int

	dir     audio.Direction
	started bool
	closed  bool
	queue   [][]int16
	ready   chan struct{}
}

func (p *Peripheral) signal() chan struct{} {
	if p.ready == nil {
		p.ready = make(chan struct{}, 1)
	}
	return p.ready
}

// QueueRead appends frames to be returned by subsequent Read calls.
func (p *Peripheral) QueueRead(frames ...[]int16) {
	p.mu.Lock()
	for _, f := range frames {
		p.queue = append(p.queue, append([]int16(nil), f...))
	}
	ch := p.signal()
	p.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Configure implements [audio.Peripheral].
func (p *Peripheral) Configure(dir audio.Direction, format audio.Format) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, "configure:"+dir.String())
	if p.started {
		p.Violations++
	}
	if p.ConfigureError != nil {
		p.dir = audio.DirectionNone
		return fmt.Errorf("%w: %w", audio.ErrHardwareConfig, p.ConfigureError)
	}
	p.dir = dir
	p.Formats = append(p.Formats, format)
	return nil
}

// Start implements [audio.Peripheral].
func (p *Peripheral) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, "start")
	if p.StartError != nil {
		return p.StartError
	}
	if p.dir == audio.DirectionNone {
		return fmt.Errorf("%w: start before configure", audio.ErrHardwareConfig)
	}
	p.started = true
	return nil
}

// Stop implements [audio.Peripheral].
func (p *Peripheral) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, "stop")
	p.started = false
	return nil
}

// Flush implements [audio.Peripheral].
func (p *Peripheral) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, "flush")
	return nil
}

// Close implements [audio.Peripheral].
func (p *Peripheral) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, "close")
	p.started = false
	p.closed = true
	return nil
}

// Read implements [audio.Peripheral].
func (p *Peripheral) Read(ctx context.Context, buf []int16) (int, error) {
	for {
		p.mu.Lock()
		p.CallCountRead++
		if len(p.ReadErrors) > 0 {
			err := p.ReadErrors[0]
			p.ReadErrors = p.ReadErrors[1:]
			p.mu.Unlock()
			return 0, err
		}
		if !p.started || p.dir != audio.DirectionInput {
			p.mu.Unlock()
			return 0, audio.ErrNotStarted
		}
		if len(p.queue) > 0 {
			frame := p.queue[0]
			n := copy(buf, frame)
			if n < len(frame) {
				p.queue[0] = frame[n:]
			} else {
				p.queue = p.queue[1:]
			}
			p.mu.Unlock()
			return n, nil
		}
		ch := p.signal()
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ch:
		}
	}
}

// Write implements [audio.Peripheral].
func (p *Peripheral) Write(ctx context.Context, buf []int16) (int, error) {
	p.mu.Lock()
	p.Written = append(p.Written, append([]int16(nil), buf...))
	fn := p.WriteFunc
	if fn == nil && (!p.started || p.dir != audio.DirectionOutput) {
		p.mu.Unlock()
		return 0, audio.ErrNotStarted
	}
	err := p.WriteError
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, buf)
	}
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Direction returns the currently configured direction.
func (p *Peripheral) Direction() audio.Direction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dir
}

// InputActive reports whether the peripheral is started for input.
func (p *Peripheral) InputActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && p.dir == audio.DirectionInput
}

// OutputActive reports whether the peripheral is started for output.
func (p *Peripheral) OutputActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && p.dir == audio.DirectionOutput
}

// Snapshot returns a copy of the recorded lifecycle calls.
func (p *Peripheral) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Calls...)
}

// WrittenFrames returns a copy of every buffer passed to Write.
func (p *Peripheral) WrittenFrames() [][]int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]int16(nil), p.Written...)
}

// ReadCalls returns how many times Read was entered, counting each wake-up
// of a blocked Read.
func (p *Peripheral) ReadCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountRead
}

// ResetCalls clears the recorded lifecycle calls.
func (p *Peripheral) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// ─── Button ───────────────────────────────────────────────────────────────────

// Button is a mock implementation of [audio.Button].
type Button struct {
	level atomic.Bool

	// CallCountLevel records how many times Level was called.
	CallCountLevel atomic.Int64
}

// Level implements [audio.Button].
func (b *Button) Level() bool {
	b.CallCountLevel.Add(1)
	return b.level.Load()
}

// SetLevel changes the raw level returned by Level.
func (b *Button) SetLevel(high bool) { b.level.Store(high) }

// ─── Indicator ────────────────────────────────────────────────────────────────

// Indicator is a mock implementation of [audio.Indicator].
type Indicator struct {
	mu sync.Mutex

	// History records every value passed to Set, in order.
	History []bool
}

// Set implements [audio.Indicator].
func (i *Indicator) Set(on bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.History = append(i.History, on)
}

// On returns the most recently set value (false if never set).
func (i *Indicator) On() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.History) == 0 {
		return false
	}
	return i.History[len(i.History)-1]
}

// Values returns a copy of History.
func (i *Indicator) Values() []bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]bool(nil), i.History...)
}

// Count returns how many times Set was called.
func (i *Indicator) Count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.History)
}
