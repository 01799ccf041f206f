// Package audio defines the sample types and the real-time building blocks of
// the intercom pipeline, together with the hardware boundary it drives.
//
// The building blocks are:
//
//   - [RingBuffer]: single-producer/single-consumer sample store that
//     rejects overflow instead of overwriting.
//   - [Gate]: peak-amplitude detector that drives indicator lights.
//   - [ToneGenerator]: phase-accumulating FM oscillator for diagnostic tones.
//
// The hardware boundary is one [Peripheral] that is
// configured for either input or output at a time, one [Button] and any
// number of [Indicator] lights. Driver packages (audio/hostaudio,
// audio/wavfile) implement these; audio/mock provides test doubles.
package audio

import (
	"context"
	"errors"
)

// Direction selects which way the shared peripheral moves samples.
type Direction int

const (
	// DirectionNone means the peripheral is not configured.
	DirectionNone Direction = iota

	// DirectionInput configures the peripheral as a microphone.
	DirectionInput

	// DirectionOutput configures the peripheral as a speaker.
	DirectionOutput
)

// String returns the human-readable name of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionNone:
		return "none"
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	default:
		return "unknown"
	}
}

var (
	// ErrHardwareConfig is returned when the peripheral cannot be installed or
	// configured for a direction. The direction stays unusable until the next
	// explicit Configure call.
	ErrHardwareConfig = errors.New("audio: hardware configuration failed")

	// ErrTimeout is returned by Read and Write when their bounded wait expires
	// before any data moved. Callers treat it as "no data yet".
	ErrTimeout = errors.New("audio: operation timed out")

	// ErrNotStarted is returned by Read and Write when the peripheral is
	// stopped or configured for the other direction.
	ErrNotStarted = errors.New("audio: peripheral not started for this direction")
)

// IsTimeout reports whether err means a bounded read or write expired
// without moving data.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Peripheral is the single audio device shared between capture and playback.
//
// Exactly one direction is configured at a time. Configure, Start, Stop and
// Flush are only ever called by the mode controller; Read and Write are
// called by the capture loop and the playback engine while their mode holds
// the peripheral. Implementations must tolerate Read and Write being called
// from a different goroutine than the lifecycle methods.
type Peripheral interface {
	// Configure (re)installs the peripheral for dir at format. Any previous
	// direction is torn down first. Failures wrap [ErrHardwareConfig].
	Configure(dir Direction, format Format) error

	// Start begins moving samples in the configured direction.
	Start() error

	// Stop halts sample movement. Stopping a stopped peripheral is a no-op.
	Stop() error

	// Flush discards any samples queued in hardware for the configured direction.
	Flush() error

	// Read blocks until at least one sample is available, ctx is done, or
	// the driver's own wait expires. It returns the number of samples copied
	// into buf.
	Read(ctx context.Context, buf []int16) (int, error)

	// Write blocks until the hardware has consumed buf or ctx is done. It
	// returns the number of samples written.
	Write(ctx context.Context, buf []int16) (int, error)

	// Close releases the device. The peripheral is unusable afterwards.
	Close() error
}

// Button is a single push button read by polling. Debouncing, if any, is the
// caller's concern: the mode controller compares successive polled levels.
type Button interface {
	// Level returns the raw electrical level (true = high).
	Level() bool
}

// Indicator is a single on/off light.
type Indicator interface {
	Set(on bool)
}

// IndicatorFunc adapts a plain function to [Indicator].
type IndicatorFunc func(on bool)

// Set implements [Indicator].
func (f IndicatorFunc) Set(on bool) { f(on) }

// Well-known indicator names.
const (
	IndicatorMic     = "mic"
	IndicatorSpeaker = "speaker"
)
