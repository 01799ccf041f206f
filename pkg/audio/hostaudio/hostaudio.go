// Package hostaudio drives the host's default sound device through
// PortAudio. It implements [audio.Peripheral] with blocking streams that
// are polled, so reads and writes honour context deadlines.
package hostaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
)

const (
	defaultFramesPerBuffer = 512
	pollInterval           = 2 * time.Millisecond
)

// Peripheral is a PortAudio-backed [audio.Peripheral]. Only one direction
// is open at a time; [Peripheral.Configure] closes the previous stream.
type Peripheral struct {
	fpb int

	mu      sync.Mutex
	stream  *portaudio.Stream
	buf     []int16
	dir     audio.Direction
	format  audio.Format
	started bool
	staged  []int16
}

// New initialises PortAudio. framesPerBuffer sets the device block size;
// zero selects 512 frames. Call [Peripheral.Close] to release PortAudio.
func New(framesPerBuffer int) (*Peripheral, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = defaultFramesPerBuffer
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio init: %w", audio.ErrHardwareConfig, err)
	}
	return &Peripheral{fpb: framesPerBuffer}, nil
}

// Configure implements [audio.Peripheral].
func (p *Peripheral) Configure(dir audio.Direction, f audio.Format) error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("%w: invalid format %s", audio.ErrHardwareConfig, f)
	}
	if dir != audio.DirectionInput && dir != audio.DirectionOutput {
		return fmt.Errorf("%w: invalid direction %s", audio.ErrHardwareConfig, dir)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("%w: configure while started", audio.ErrHardwareConfig)
	}
	if err := p.closeStream(); err != nil {
		return err
	}

	in, out := 0, 0
	if dir == audio.DirectionInput {
		in = f.Channels
	} else {
		out = f.Channels
	}
	buf := make([]int16, p.fpb*f.Channels)
	stream, err := portaudio.OpenDefaultStream(in, out, float64(f.SampleRate), p.fpb, buf)
	if err != nil {
		return fmt.Errorf("%w: open %s stream %s: %w", audio.ErrHardwareConfig, dir, f, err)
	}
	p.stream = stream
	p.buf = buf
	p.dir = dir
	p.format = f
	p.staged = nil
	return nil
}

// Start implements [audio.Peripheral].
func (p *Peripheral) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return fmt.Errorf("%w: start before configure", audio.ErrHardwareConfig)
	}
	if p.started {
		return nil
	}
	if err := p.stream.Start(); err != nil {
		return fmt.Errorf("%w: start: %w", audio.ErrHardwareConfig, err)
	}
	p.started = true
	return nil
}

// Stop implements [audio.Peripheral].
func (p *Peripheral) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.started = false
	if err := p.stream.Stop(); err != nil {
		return fmt.Errorf("hostaudio: stop: %w", err)
	}
	return nil
}

// Flush implements [audio.Peripheral]. It discards staged capture samples;
// the device buffers are dropped when the stream stops.
func (p *Peripheral) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.staged = nil
	return nil
}

// Close stops and closes the stream and terminates PortAudio.
func (p *Peripheral) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.started {
		p.started = false
		errs = append(errs, p.stream.Stop())
	}
	errs = append(errs, p.closeStream(), portaudio.Terminate())
	return errors.Join(errs...)
}

func (p *Peripheral) closeStream() error {
	if p.stream == nil {
		return nil
	}
	err := p.stream.Close()
	p.stream = nil
	if err != nil {
		return fmt.Errorf("hostaudio: close stream: %w", err)
	}
	return nil
}

// Read implements [audio.Peripheral]. It returns at most one device block
// per call; leftovers are staged for the next call.
func (p *Peripheral) Read(ctx context.Context, out []int16) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.dir != audio.DirectionInput {
		return 0, audio.ErrNotStarted
	}

	if len(p.staged) == 0 {
		if err := waitAvailable(ctx, p.stream.AvailableToRead, p.fpb); err != nil {
			return 0, err
		}
		if err := p.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			return 0, fmt.Errorf("hostaudio: read: %w", err)
		}
		p.staged = p.buf
	}
	n := copy(out, p.staged)
	p.staged = p.staged[n:]
	return n, nil
}

// Write implements [audio.Peripheral]. The final partial block is padded
// with silence.
func (p *Peripheral) Write(ctx context.Context, in []int16) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.dir != audio.DirectionOutput {
		return 0, audio.ErrNotStarted
	}

	written := 0
	for written < len(in) {
		if err := waitAvailable(ctx, p.stream.AvailableToWrite, p.fpb); err != nil {
			return written, err
		}
		n := copy(p.buf, in[written:])
		clear(p.buf[n:])
		if err := p.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return written, fmt.Errorf("hostaudio: write: %w", err)
		}
		written += n
	}
	return written, nil
}

// waitAvailable polls avail until it reports at least need frames or ctx
// ends.
func waitAvailable(ctx context.Context, avail func() (int, error), need int) error {
	for {
		n, err := avail()
		if err != nil {
			return fmt.Errorf("hostaudio: query stream: %w", err)
		}
		if n >= need {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
