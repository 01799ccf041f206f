package audio

import "sync/atomic"

// ThresholdEntry pairs an indicator with the amplitude above which it lights.
type ThresholdEntry struct {
	// Name identifies the indicator in logs and metrics.
	Name string

	// Indicator is driven to the per-frame trigger result. May be nil.
	Indicator Indicator

	// Threshold is compared against the absolute sample value; the entry
	// triggers only when some sample strictly exceeds it.
	Threshold int
}

// Triggered reports whether any sample in frame has an absolute value
// strictly greater than threshold. Scanning stops at the first such sample.
func Triggered(frame []int16, threshold int) bool {
	for _, s := range frame {
		if abs16(s) > threshold {
			return true
		}
	}
	return false
}

// Peak returns the largest absolute sample value in frame. Unlike
// [Triggered] it always scans the whole frame.
func Peak(frame []int16) int {
	peak := 0
	for _, s := range frame {
		if v := abs16(s); v > peak {
			peak = v
		}
	}
	return peak
}

func abs16(s int16) int {
	v := int(s)
	if v < 0 {
		return -v
	}
	return v
}

// Gate is a peak-amplitude sound detector over a fixed set of indicators.
// The set is fixed at construction; thresholds may be changed at any time
// with [Gate.SetThreshold]. Evaluate drives indicators and is meant for one
// caller.
type Gate struct {
	entries []ThresholdEntry
	limits  []atomic.Int64
}

// NewGate builds a gate over a copy of entries.
func NewGate(entries []ThresholdEntry) *Gate {
	g := &Gate{
		entries: append([]ThresholdEntry(nil), entries...),
		limits:  make([]atomic.Int64, len(entries)),
	}
	for i, e := range entries {
		g.limits[i].Store(int64(e.Threshold))
	}
	return g
}

// Entries returns a copy of the threshold table with current thresholds.
func (g *Gate) Entries() []ThresholdEntry {
	out := append([]ThresholdEntry(nil), g.entries...)
	for i := range out {
		out[i].Threshold = int(g.limits[i].Load())
	}
	return out
}

// SetThreshold changes the threshold of the entry called name. It reports
// false if there is no such entry.
func (g *Gate) SetThreshold(name string, threshold int) bool {
	for i, e := range g.entries {
		if e.Name == name {
			g.limits[i].Store(int64(threshold))
			return true
		}
	}
	return false
}

// Evaluate checks frame against every entry, sets each indicator to its
// result and returns the results in table order. Indicators are level
// driven: a quiet frame clears them again.
func (g *Gate) Evaluate(frame []int16) []bool {
	out := make([]bool, len(g.entries))
	for i, e := range g.entries {
		out[i] = Triggered(frame, int(g.limits[i].Load()))
		if e.Indicator != nil {
			e.Indicator.Set(out[i])
		}
	}
	return out
}

// Reset clears every indicator.
func (g *Gate) Reset() {
	for _, e := range g.entries {
		if e.Indicator != nil {
			e.Indicator.Set(false)
		}
	}
}
