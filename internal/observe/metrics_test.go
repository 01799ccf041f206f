package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the first int64 sum data point carrying
// key=value, or -1 if none matches.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"intercom.playback.write.duration", m.PlaybackWriteDuration},
		{"intercom.mode.transition.duration", m.TransitionDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.064)
		tc.h.Record(ctx, 0.1)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordSend(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSend(ctx, "binary", "ok")
	m.RecordSend(ctx, "binary", "ok")
	m.RecordSend(ctx, "text", "dropped")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "intercom.transport.sent", "status", "ok"); got != 2 {
		t.Errorf("ok sends = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "intercom.transport.sent", "status", "dropped"); got != 1 {
		t.Errorf("dropped sends = %d, want 1", got)
	}
}

func TestRecordModeTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordModeTransition(ctx, "capturing", 0.1)
	m.RecordModeTransition(ctx, "idle", 0.1)
	m.RecordModeTransition(ctx, "capturing", 0.1)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "intercom.mode.transitions", "to", "capturing"); got != 2 {
		t.Errorf("transitions to capturing = %d, want 2", got)
	}
	hist, ok := findMetric(rm, "intercom.mode.transition.duration").Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("transition duration is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("transition duration count = %d, want 3", total)
	}
}

func TestRecordPlayback(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPlayback(ctx, "network", "ok", 1250)
	m.RecordPlayback(ctx, "tone", "ok", 1024)
	m.RecordPlayback(ctx, "network", "dropped", 0)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "intercom.playback.payloads", "status", "dropped"); got != 1 {
		t.Errorf("dropped payloads = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "intercom.playback.samples", "source", "network"); got != 1250 {
		t.Errorf("network samples = %d, want 1250", got)
	}
}

func TestSimpleCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordConnectAttempt(ctx, "error")
	m.RecordConnectAttempt(ctx, "ok")
	m.RecordGateTrigger(ctx, "mic")
	m.RecordRingRejection(ctx, "write")
	m.RecordReceive(ctx, "binary", "dropped")

	rm := collect(t, reader)
	cases := []struct {
		name, key, value string
	}{
		{"intercom.transport.connect_attempts", "status", "ok"},
		{"intercom.transport.connect_attempts", "status", "error"},
		{"intercom.gate.triggers", "indicator", "mic"},
		{"intercom.ring.rejections", "op", "write"},
		{"intercom.transport.received", "status", "dropped"},
	}
	for _, tc := range cases {
		t.Run(tc.name+"/"+tc.value, func(t *testing.T) {
			if got := sumWhere(t, rm, tc.name, tc.key, tc.value); got != 1 {
				t.Errorf("value = %d, want 1", got)
			}
		})
	}
}

func TestGaugeUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.Connected.Add(ctx, 1)
	m.Connected.Add(ctx, -1)
	m.Connected.Add(ctx, 1)
	m.ActiveMonitors.Add(ctx, 2)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"intercom.transport.connected", 1},
		{"intercom.peer.active_monitors", 2},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
