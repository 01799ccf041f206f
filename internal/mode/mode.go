// Package mode arbitrates exclusive ownership of the shared audio peripheral
// between capture and playback.
//
// The [Controller] is the one place that installs, starts, stops and
// reconfigures the peripheral. Button edges drive Idle ⇄ Capturing; playback
// is entered implicitly through [Controller.UseOutput] whenever the device is
// not capturing. The current [Mode] lives in a [State] cell that other
// goroutines read without locking and can block on until it changes.
package mode

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Mode is the current owner of the shared peripheral.
type Mode int32

const (
	// Idle: peripheral configured for output and ready for playback, nothing
	// playing.
	Idle Mode = iota

	// Capturing: peripheral configured for input; the capture loop reads.
	Capturing

	// Playing: a payload is being written to the output peripheral.
	Playing
)

// String returns the human-readable name of the mode.
func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Playing:
		return "playing"
	default:
		return "unknown"
	}
}

// State is an atomically readable mode cell with change notification.
// Any number of goroutines may read it; writes are serialised by the
// [Controller].
type State struct {
	v atomic.Int32

	mu      sync.Mutex
	changed chan struct{}
}

// Load returns the current mode.
func (s *State) Load() Mode { return Mode(s.v.Load()) }

// Store sets the mode and wakes every waiter if it changed.
func (s *State) Store(m Mode) {
	if Mode(s.v.Swap(int32(m))) == m {
		return
	}
	s.broadcast()
}

// CompareAndSwap sets the mode to to only if it is currently from.
func (s *State) CompareAndSwap(from, to Mode) bool {
	if !s.v.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if from != to {
		s.broadcast()
	}
	return true
}

func (s *State) broadcast() {
	s.mu.Lock()
	if s.changed != nil {
		close(s.changed)
		s.changed = nil
	}
	s.mu.Unlock()
}

// Changed returns a channel that is closed on the next mode change.
func (s *State) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.changed == nil {
		s.changed = make(chan struct{})
	}
	return s.changed
}

// Wait blocks until the mode differs from from, timeout elapses or ctx is
// done, and returns the mode observed at that point.
func (s *State) Wait(ctx context.Context, from Mode, timeout time.Duration) Mode {
	ch := s.Changed()
	if m := s.Load(); m != from {
		return m
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
	return s.Load()
}
