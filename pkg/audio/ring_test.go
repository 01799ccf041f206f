package audio_test

import (
	"sync"
	"testing"

	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
)

func seq(start, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(start + i)
	}
	return out
}

func TestRingBuffer_FIFOAcrossWrap(t *testing.T) {
	t.Parallel()

	rb := audio.NewRingBuffer(8)
	next := 0
	want := 0
	// Uneven write/read sizes force the cursors to wrap several times.
	for round := range 20 {
		w := 1 + round%5
		if rb.Free() >= w {
			if !rb.Write(seq(next, w)) {
				t.Fatalf("round %d: write of %d rejected with %d free", round, w, rb.Free())
			}
			next += w
		}
		r := 1 + (round+2)%4
		if rb.Available() < r {
			continue
		}
		out := make([]int16, r)
		if !rb.Read(out) {
			t.Fatalf("round %d: read of %d rejected with %d available", round, r, rb.Available())
		}
		for i, s := range out {
			if int(s) != want {
				t.Fatalf("round %d sample %d: got %d, want %d", round, i, s, want)
			}
			want++
		}
	}
	if want == 0 {
		t.Fatal("no samples were read")
	}
}

func TestRingBuffer_WriteOverflowRejected(t *testing.T) {
	t.Parallel()

	rb := audio.NewRingBuffer(4)
	if !rb.Write([]int16{1, 2, 3}) {
		t.Fatal("initial write rejected")
	}
	if rb.Write([]int16{4, 5}) {
		t.Fatal("overflowing write accepted")
	}
	if got := rb.Available(); got != 3 {
		t.Errorf("Available after rejected write = %d, want 3", got)
	}

	// The rejected write must not have touched the cursors: the next read
	// still sees 1,2,3 and an exact-fit write still lands after them.
	if !rb.Write([]int16{4}) {
		t.Fatal("exact-fit write rejected")
	}
	out := make([]int16, 4)
	if !rb.Read(out) {
		t.Fatal("read rejected")
	}
	for i, want := range []int16{1, 2, 3, 4} {
		if out[i] != want {
			t.Errorf("sample %d: got %d, want %d", i, out[i], want)
		}
	}
}

func TestRingBuffer_ReadUnderrunRejected(t *testing.T) {
	t.Parallel()

	rb := audio.NewRingBuffer(4)
	rb.Write([]int16{7, 8})
	out := []int16{-1, -1, -1}
	if rb.Read(out) {
		t.Fatal("underrunning read accepted")
	}
	for i, s := range out {
		if s != -1 {
			t.Errorf("out[%d] modified to %d", i, s)
		}
	}
	if got := rb.Available(); got != 2 {
		t.Errorf("Available = %d, want 2", got)
	}
	two := make([]int16, 2)
	if !rb.Read(two) || two[0] != 7 || two[1] != 8 {
		t.Errorf("follow-up read = %v, want [7 8]", two)
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	t.Parallel()

	rb := audio.NewRingBuffer(4)
	rb.Write([]int16{1, 2, 3})
	rb.Read(make([]int16, 1))
	rb.Clear()
	if got := rb.Available(); got != 0 {
		t.Fatalf("Available after Clear = %d, want 0", got)
	}
	if got := rb.Free(); got != 4 {
		t.Errorf("Free after Clear = %d, want 4", got)
	}
	if !rb.Write([]int16{9, 9, 9, 9}) {
		t.Error("full-capacity write after Clear rejected")
	}
}

func TestRingBuffer_EmptyOps(t *testing.T) {
	t.Parallel()

	rb := audio.NewRingBuffer(1)
	if !rb.Write(nil) || !rb.Read(nil) {
		t.Error("zero-length operations should succeed")
	}
	if rb.Cap() != 1 {
		t.Errorf("Cap = %d, want 1", rb.Cap())
	}
}

func TestNewRingBuffer_PanicsOnZeroCapacity(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	audio.NewRingBuffer(0)
}

func TestRingBuffer_ConcurrentSPSC(t *testing.T) {
	t.Parallel()

	const total = 20000
	rb := audio.NewRingBuffer(64)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			chunk := min(7, total-i)
			if rb.Write(seq(i, chunk)) {
				i += chunk
			}
		}
	}()

	got := 0
	buf := make([]int16, 5)
	for got < total {
		n := min(len(buf), total-got)
		if !rb.Read(buf[:n]) {
			continue
		}
		for _, s := range buf[:n] {
			if s != int16(got) {
				t.Fatalf("sample %d: got %d", got, s)
			}
			got++
		}
	}
	wg.Wait()
}
