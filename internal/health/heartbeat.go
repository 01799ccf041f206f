package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Heartbeat records when a long-running loop last made progress. It plays
// the role of a hardware watchdog: the loop feeds it every iteration and a
// readiness check fails once it goes stale. The zero value has never been
// fed. Safe for concurrent use.
type Heartbeat struct {
	last atomic.Int64 // unix nanos
}

// Feed marks the loop as alive now.
func (h *Heartbeat) Feed() { h.last.Store(time.Now().UnixNano()) }

// Last returns the time of the most recent Feed, or the zero time.
func (h *Heartbeat) Last() time.Time {
	n := h.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Age returns how long ago the heartbeat was last fed. A heartbeat that was
// never fed reports a negative age.
func (h *Heartbeat) Age() time.Duration {
	last := h.Last()
	if last.IsZero() {
		return -1
	}
	return time.Since(last)
}

// HeartbeatCheck builds a [Checker] that fails when hb has not been fed
// within maxAge.
func HeartbeatCheck(name string, hb *Heartbeat, maxAge time.Duration) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			age := hb.Age()
			if age < 0 {
				return fmt.Errorf("%s has not started", name)
			}
			if age > maxAge {
				return fmt.Errorf("%s stalled for %s", name, age.Round(time.Millisecond))
			}
			return nil
		},
	}
}

// FuncCheck builds a [Checker] that fails with msg whenever ok returns false.
func FuncCheck(name, msg string, ok func() bool) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !ok() {
				return fmt.Errorf("%s", msg)
			}
			return nil
		},
	}
}
