package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sw4796/makerton-esp32-aiagent/internal/capture"
	"github.com/sw4796/makerton-esp32-aiagent/internal/health"
	"github.com/sw4796/makerton-esp32-aiagent/internal/mode"
	"github.com/sw4796/makerton-esp32-aiagent/internal/observe"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// fakeSink records every payload it is given.
type fakeSink struct {
	mu        sync.Mutex
	connected bool
	payloads  [][]byte
}

func (s *fakeSink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSink) SendBinary(_ context.Context, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, b)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *fakeSink) get(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads[i]
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// releasingArbiter grants every read, then leaves Capturing before the
// read result reaches the loop, as a release racing a read would.
type releasingArbiter struct {
	state mode.State
	p     audio.Peripheral
}

func (a *releasingArbiter) State() *mode.State { return &a.state }

func (a *releasingArbiter) UseInput(fn func(p audio.Peripheral) error) (bool, error) {
	err := fn(a.p)
	a.state.Store(mode.Idle)
	return true, err
}

// newCapturing returns a controller that has already entered Capturing.
func newCapturing(t *testing.T, p *mock.Peripheral) *mode.Controller {
	t.Helper()
	c := mode.New(mode.Config{
		Peripheral:   p,
		InputFormat:  audio.Format{SampleRate: 16000, Channels: 1},
		OutputFormat: audio.Format{SampleRate: 16000, Channels: 1},
		SettleDelay:  -1,
		Metrics:      testMetrics(t),
	})
	if err := c.Init(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := c.HandleEdge(t.Context(), mode.EdgePressed); err != nil {
		t.Fatal(err)
	}
	return c
}

// runLoop starts l and returns a stop function that cancels it and waits.
func runLoop(t *testing.T, l *capture.Loop) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(3 * time.Second):
			t.Fatal("capture loop did not stop")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func filled(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestLoop_ForwardsFramesAndDrivesIndicator(t *testing.T) {
	t.Parallel()

	p := &mock.Peripheral{}
	ctrl := newCapturing(t, p)
	sink := &fakeSink{connected: true}
	mic := &mock.Indicator{}

	l := capture.New(capture.Config{
		Arbiter:      ctrl,
		Sink:         sink,
		Gate:         audio.NewGate([]audio.ThresholdEntry{{Name: audio.IndicatorMic, Indicator: mic, Threshold: 100}}),
		FrameSamples: 4,
		RingCapacity: 16,
		Metrics:      testMetrics(t),
	})
	p.QueueRead([]int16{1, -2, 101, 4}, []int16{5, 6, 7, 8})
	runLoop(t, l)

	waitFor(t, "two frames", func() bool { return sink.count() == 2 })

	want := audio.EncodePCM16([]int16{1, -2, 101, 4})
	if got := sink.get(0); string(got) != string(want) {
		t.Errorf("payload 0 = % x, want % x", got, want)
	}
	if got := mic.Values(); len(got) < 2 || !got[0] || got[1] {
		t.Errorf("mic history = %v, want [true false ...]", got)
	}
	if l.Frames() != 2 || l.Sent() != 2 {
		t.Errorf("frames=%d sent=%d, want 2 2", l.Frames(), l.Sent())
	}
}

func TestLoop_AccumulatesPartialReads(t *testing.T) {
	t.Parallel()

	p := &mock.Peripheral{}
	ctrl := newCapturing(t, p)
	sink := &fakeSink{connected: true}

	l := capture.New(capture.Config{
		Arbiter:      ctrl,
		Sink:         sink,
		FrameSamples: 8,
		RingCapacity: 32,
		Metrics:      testMetrics(t),
	})
	p.QueueRead([]int16{0, 1, 2}, []int16{3, 4, 5}, []int16{6, 7, 8})
	stop := runLoop(t, l)

	waitFor(t, "one frame", func() bool { return sink.count() == 1 })
	_ = stop()
	got := audio.DecodePCM16(sink.get(0))
	for i, s := range got {
		if int(s) != i {
			t.Fatalf("sample %d = %d, want %d", i, s, i)
		}
	}
	if sink.count() != 1 {
		t.Errorf("sent %d frames, want 1 (one sample left staged)", sink.count())
	}
}

func TestLoop_DropsWhileDisconnected(t *testing.T) {
	t.Parallel()

	p := &mock.Peripheral{}
	ctrl := newCapturing(t, p)
	sink := &fakeSink{connected: false}

	l := capture.New(capture.Config{
		Arbiter:      ctrl,
		Sink:         sink,
		FrameSamples: 2,
		RingCapacity: 8,
		Metrics:      testMetrics(t),
	})
	p.QueueRead([]int16{1, 2}, []int16{3, 4})
	runLoop(t, l)

	waitFor(t, "two dropped frames", func() bool { return l.Dropped() == 2 })
	if sink.count() != 0 {
		t.Errorf("sink received %d payloads while disconnected", sink.count())
	}
}

func TestLoop_FrameReadAcrossReleaseIsNotSent(t *testing.T) {
	t.Parallel()

	p := &mock.Peripheral{}
	if err := p.Configure(audio.DirectionInput, audio.Format{SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	arb := &releasingArbiter{p: p}
	arb.state.Store(mode.Capturing)
	sink := &fakeSink{connected: true}

	l := capture.New(capture.Config{
		Arbiter:      arb,
		Sink:         sink,
		FrameSamples: 2,
		RingCapacity: 4,
		IdleWait:     time.Millisecond,
		Metrics:      testMetrics(t),
	})
	p.QueueRead([]int16{7, 8})
	runLoop(t, l)

	waitFor(t, "dropped frame", func() bool { return l.Dropped() == 1 })
	if sink.count() != 0 {
		t.Errorf("sink received %d payloads after release", sink.count())
	}
	if l.Sent() != 0 {
		t.Errorf("sent = %d, want 0", l.Sent())
	}
}

func TestLoop_ReadErrorsAreRetried(t *testing.T) {
	t.Parallel()

	p := &mock.Peripheral{ReadErrors: []error{errors.New("dma overrun"), errors.New("dma overrun")}}
	ctrl := newCapturing(t, p)
	sink := &fakeSink{connected: true}

	l := capture.New(capture.Config{
		Arbiter:      ctrl,
		Sink:         sink,
		FrameSamples: 2,
		RingCapacity: 4,
		ErrorBackoff: time.Millisecond,
		Metrics:      testMetrics(t),
	})
	p.QueueRead(filled(2, 9))
	runLoop(t, l)

	waitFor(t, "frame after errors", func() bool { return sink.count() == 1 })
	if l.Errors() != 2 {
		t.Errorf("errors = %d, want 2", l.Errors())
	}
}

func TestLoop_TimeoutIsNotAnError(t *testing.T) {
	t.Parallel()

	p := &mock.Peripheral{}
	ctrl := newCapturing(t, p)

	l := capture.New(capture.Config{
		Arbiter:     ctrl,
		Sink:        &fakeSink{connected: true},
		ReadTimeout: 2 * time.Millisecond,
		Metrics:     testMetrics(t),
	})
	stop := runLoop(t, l)
	time.Sleep(30 * time.Millisecond)
	if err := stop(); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	if l.Errors() != 0 {
		t.Errorf("errors = %d, want 0 for read timeouts", l.Errors())
	}
}

func TestLoop_IdleDoesNotTouchPeripheral(t *testing.T) {
	t.Parallel()

	p := &mock.Peripheral{}
	ctrl := mode.New(mode.Config{Peripheral: p, SettleDelay: -1, Metrics: testMetrics(t)})
	if err := ctrl.Init(t.Context()); err != nil {
		t.Fatal(err)
	}
	var hb health.Heartbeat
	l := capture.New(capture.Config{
		Arbiter:  ctrl,
		Sink:     &fakeSink{connected: true},
		IdleWait: time.Millisecond,
		Watchdog: &hb,
		Metrics:  testMetrics(t),
	})
	runLoop(t, l)

	waitFor(t, "watchdog feed", func() bool { return !hb.Last().IsZero() })
	time.Sleep(20 * time.Millisecond)
	if got := p.ReadCalls(); got != 0 {
		t.Errorf("peripheral read %d times while idle", got)
	}
	if age := hb.Age(); age < 0 || age > time.Second {
		t.Errorf("heartbeat age = %v while idle", age)
	}
}

func TestLoop_StagedSamplesDiscardedWhenCaptureEnds(t *testing.T) {
	t.Parallel()

	p := &mock.Peripheral{}
	ctrl := newCapturing(t, p)
	sink := &fakeSink{connected: true}
	l := capture.New(capture.Config{
		Arbiter:      ctrl,
		Sink:         sink,
		FrameSamples: 4,
		RingCapacity: 8,
		ReadTimeout:  5 * time.Millisecond,
		Metrics:      testMetrics(t),
	})
	p.QueueRead([]int16{1, 2})
	runLoop(t, l)
	waitFor(t, "partial read", func() bool { return p.ReadCalls() >= 2 })

	// Release then press again: the two staged samples must not prefix the
	// next take.
	_ = ctrl.HandleEdge(t.Context(), mode.EdgeReleased)
	time.Sleep(20 * time.Millisecond)
	_ = ctrl.HandleEdge(t.Context(), mode.EdgePressed)
	p.QueueRead([]int16{10, 11, 12, 13})

	waitFor(t, "frame from the new take", func() bool { return sink.count() == 1 })
	if got := audio.DecodePCM16(sink.get(0)); got[0] != 10 {
		t.Errorf("first sample of new take = %d, want 10", got[0])
	}
}

func TestLoop_AllocationError(t *testing.T) {
	t.Parallel()

	p := &mock.Peripheral{}
	l := capture.New(capture.Config{
		Arbiter:      newCapturing(t, p),
		Sink:         &fakeSink{},
		FrameSamples: 64,
		RingCapacity: 32,
		Metrics:      testMetrics(t),
	})
	err := l.Run(t.Context())
	if !errors.Is(err, capture.ErrAllocation) {
		t.Fatalf("Run = %v, want ErrAllocation", err)
	}
	if got := p.ReadCalls(); got != 0 {
		t.Errorf("peripheral read %d times", got)
	}
}
