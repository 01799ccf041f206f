package audio

import "sync/atomic"

// RingBuffer is a fixed-capacity circular sample store for exactly one
// producer goroutine and one consumer goroutine.
//
// The producer owns the write cursor and the consumer owns the read cursor;
// the only state both sides touch is the sample count, which is published
// atomically after the copy completes. Overflow is rejected, never
// overwritten: a Write that does not fit returns false and leaves the buffer
// untouched, and the producer decides whether to drop or retry.
//
// Multiple producers or multiple consumers are not supported.
type RingBuffer struct {
	data []int16
	w    int // producer-owned
	r    int // consumer-owned
	n    atomic.Int64
}

// NewRingBuffer allocates a ring holding up to capacity samples.
// It panics if capacity is not positive.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		panic("audio: ring buffer capacity must be positive")
	}
	return &RingBuffer{data: make([]int16, capacity)}
}

// Cap returns the fixed capacity in samples.
func (b *RingBuffer) Cap() int { return len(b.data) }

// Available returns the number of samples currently held.
func (b *RingBuffer) Available() int { return int(b.n.Load()) }

// Free returns the number of samples that can be written without rejection.
func (b *RingBuffer) Free() int { return len(b.data) - b.Available() }

// Write appends all of samples or nothing. It returns false if the write
// would exceed capacity.
func (b *RingBuffer) Write(samples []int16) bool {
	length := len(samples)
	if length == 0 {
		return true
	}
	if int(b.n.Load())+length > len(b.data) {
		return false
	}
	first := copy(b.data[b.w:], samples)
	if first < length {
		copy(b.data, samples[first:])
	}
	b.w = (b.w + length) % len(b.data)
	b.n.Add(int64(length))
	return true
}

// Read fills out completely in FIFO order, or does nothing and returns false
// if fewer than len(out) samples are available.
func (b *RingBuffer) Read(out []int16) bool {
	length := len(out)
	if length == 0 {
		return true
	}
	if int(b.n.Load()) < length {
		return false
	}
	first := copy(out, b.data[b.r:])
	if first < length {
		copy(out[first:], b.data)
	}
	b.r = (b.r + length) % len(b.data)
	b.n.Add(-int64(length))
	return true
}

// Clear resets both cursors and zero-fills the storage. It must not run
// concurrently with Write or Read.
func (b *RingBuffer) Clear() {
	clear(b.data)
	b.w, b.r = 0, 0
	b.n.Store(0)
}
