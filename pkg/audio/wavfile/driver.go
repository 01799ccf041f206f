package wavfile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
)

// deadlineSlack keeps a paced read from finishing right on its deadline.
const deadlineSlack = 2 * time.Millisecond

// Peripheral is an [audio.Peripheral] backed by memory instead of hardware.
//
// Input replays a mono sample source in a loop; with no source it produces
// silence. Output discards samples. Both directions are paced to the
// configured sample rate, so reads and writes take as long as they would on
// a real device.
type Peripheral struct {
	source []int16

	mu      sync.Mutex
	dir     audio.Direction
	format  audio.Format
	started bool
	pos     int
	next    time.Time

	written int64
}

// NewPeripheral returns a peripheral that replays source as captured audio.
// A nil source produces silence.
func NewPeripheral(source []int16) *Peripheral {
	return &Peripheral{source: source}
}

// Open loads path as the capture source, downmixed to mono. The file's
// sample rate should match the configured input rate; no resampling is done.
func Open(path string) (*Peripheral, audio.Format, error) {
	samples, f, err := ReadFile(path)
	if err != nil {
		return nil, audio.Format{}, err
	}
	return NewPeripheral(Downmix(samples, f.Channels)), f, nil
}

// Configure implements [audio.Peripheral].
func (p *Peripheral) Configure(dir audio.Direction, f audio.Format) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("%w: configure while started", audio.ErrHardwareConfig)
	}
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("%w: invalid format %s", audio.ErrHardwareConfig, f)
	}
	p.dir = dir
	p.format = f
	return nil
}

// Start implements [audio.Peripheral].
func (p *Peripheral) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dir == audio.DirectionNone {
		return fmt.Errorf("%w: start before configure", audio.ErrHardwareConfig)
	}
	p.started = true
	p.next = time.Now()
	return nil
}

// Stop implements [audio.Peripheral].
func (p *Peripheral) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
	return nil
}

// Flush implements [audio.Peripheral]. There is nothing buffered.
func (p *Peripheral) Flush() error { return nil }

// Close implements [audio.Peripheral].
func (p *Peripheral) Close() error { return p.Stop() }

// Written returns the number of samples accepted by Write.
func (p *Peripheral) Written() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

// Read implements [audio.Peripheral]. It returns as many samples as are due
// before ctx's deadline, at least one, or ctx's error if none are.
func (p *Peripheral) Read(ctx context.Context, buf []int16) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	if !p.started || p.dir != audio.DirectionInput {
		p.mu.Unlock()
		return 0, audio.ErrNotStarted
	}
	n := p.fit(ctx, len(buf))
	if n == 0 {
		p.mu.Unlock()
		<-ctx.Done()
		return 0, ctx.Err()
	}
	due := p.advance(n)
	for i := range n {
		if len(p.source) == 0 {
			buf[i] = 0
			continue
		}
		buf[i] = p.source[p.pos]
		p.pos = (p.pos + 1) % len(p.source)
	}
	p.mu.Unlock()

	if err := sleepUntil(ctx, due); err != nil {
		return 0, err
	}
	return n, nil
}

// Write implements [audio.Peripheral]. Samples are discarded after the time
// they would take to play.
func (p *Peripheral) Write(ctx context.Context, buf []int16) (int, error) {
	p.mu.Lock()
	if !p.started || p.dir != audio.DirectionOutput {
		p.mu.Unlock()
		return 0, audio.ErrNotStarted
	}
	due := p.advance(len(buf) / max(p.format.Channels, 1))
	p.written += int64(len(buf))
	p.mu.Unlock()

	if err := sleepUntil(ctx, due); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// fit returns how many of want frames can be delivered before ctx's
// deadline. Caller holds mu.
func (p *Peripheral) fit(ctx context.Context, want int) int {
	deadline, ok := ctx.Deadline()
	if !ok {
		return want
	}
	start := time.Now()
	if p.next.After(start) {
		start = p.next
	}
	room := int((deadline.Sub(start) - deadlineSlack).Seconds() * float64(p.format.SampleRate))
	return max(min(want, room), 0)
}

// advance moves the playback clock forward by frames and returns when they
// are due. A clock that fell far behind is resynchronised. Caller holds mu.
func (p *Peripheral) advance(frames int) time.Time {
	now := time.Now()
	if now.Sub(p.next) > time.Second {
		p.next = now
	}
	p.next = p.next.Add(time.Duration(frames) * time.Second / time.Duration(p.format.SampleRate))
	return p.next
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
