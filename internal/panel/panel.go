// Package panel provides software stand-ins for the push-to-talk button and
// the indicator LEDs, so the endpoint can run on hosts without GPIO.
//
// The [VirtualButton] is driven over HTTP; [LogIndicator] reports state
// changes through slog. Both satisfy the interfaces in pkg/audio.
package panel

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// VirtualButton is a button whose level is set programmatically. It is
// active high: [VirtualButton.Press] raises the level.
type VirtualButton struct {
	level   atomic.Bool
	presses atomic.Int64
}

// Level implements [audio.Button].
func (b *VirtualButton) Level() bool { return b.level.Load() }

// Press raises the level. Pressing a held button is a no-op.
func (b *VirtualButton) Press() {
	if b.level.CompareAndSwap(false, true) {
		b.presses.Add(1)
	}
}

// Release lowers the level.
func (b *VirtualButton) Release() { b.level.Store(false) }

// Presses returns how many times the button went from released to pressed.
func (b *VirtualButton) Presses() int64 { return b.presses.Load() }

type buttonState struct {
	Pressed bool  `json:"pressed"`
	Presses int64 `json:"presses"`
}

func (b *VirtualButton) writeState(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(buttonState{Pressed: b.Level(), Presses: b.Presses()})
}

// Register adds the button endpoints to mux:
//
//	POST /button/press    raise the level
//	POST /button/release  lower the level
//	GET  /button          report the current level
//
// The control loop observes the new level on its next poll.
func (b *VirtualButton) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /button/press", func(w http.ResponseWriter, r *http.Request) {
		b.Press()
		slog.Debug("panel: button pressed", "remote", r.RemoteAddr)
		b.writeState(w)
	})
	mux.HandleFunc("POST /button/release", func(w http.ResponseWriter, r *http.Request) {
		b.Release()
		slog.Debug("panel: button released", "remote", r.RemoteAddr)
		b.writeState(w)
	})
	mux.HandleFunc("GET /button", func(w http.ResponseWriter, _ *http.Request) {
		b.writeState(w)
	})
}

// LogIndicator is an indicator that logs every on/off transition. Repeated
// sets to the same state are silent.
type LogIndicator struct {
	name   string
	logger *slog.Logger

	mu    sync.Mutex
	on    bool
	since time.Time
}

// NewLogIndicator returns an indicator named name. A nil logger uses
// [slog.Default].
func NewLogIndicator(name string, logger *slog.Logger) *LogIndicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogIndicator{name: name, logger: logger, since: time.Now()}
}

// Set implements [audio.Indicator].
func (l *LogIndicator) Set(on bool) {
	l.mu.Lock()
	if l.on == on {
		l.mu.Unlock()
		return
	}
	l.on = on
	held := time.Since(l.since)
	l.since = time.Now()
	l.mu.Unlock()

	l.logger.Debug("panel: indicator", "name", l.name, "on", on, "after", held)
}

// On reports the current state.
func (l *LogIndicator) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// Name returns the indicator name.
func (l *LogIndicator) Name() string { return l.name }
