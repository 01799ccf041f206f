// Package peer implements the server side of the intercom link.
//
// A device connects to /device, sends its greeting and button events as
// text and single-byte binary messages, and streams captured audio as
// binary PCM between START_RECORD and STOP_RECORD. The server collects each
// take, optionally saves it as WAV and echoes it back for playback. Every
// device message is also relayed to clients attached to /monitor.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/sw4796/makerton-esp32-aiagent/internal/mode"
	"github.com/sw4796/makerton-esp32-aiagent/internal/observe"
	"github.com/sw4796/makerton-esp32-aiagent/internal/resilience"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio/wavfile"
)

const (
	defaultMaxTake   = 16000 * 60
	defaultEchoChunk = 4096
	readLimit        = 1 << 20
)

// Config configures a [Server].
type Config struct {
	// Echo sends each completed take back to the device.
	Echo bool

	// EchoChunkSamples is the size of one echoed binary message.
	// Defaults to 4096 if zero.
	EchoChunkSamples int

	// MaxTakeSamples caps a take; later samples are dropped.
	// Defaults to one minute at 16 kHz if zero.
	MaxTakeSamples int

	// RecordDir, if set, receives every completed take as a WAV file.
	RecordDir string

	// SaveFailures is the number of consecutive failed saves after which
	// saving pauses for SaveCooldown. Defaults to 3 and 30s.
	SaveFailures int
	SaveCooldown time.Duration

	// SampleRate is written into saved WAV files. Defaults to 16000.
	SampleRate int

	// Metrics receives message counters. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Take is one completed recording.
type Take struct {
	Seq      int64
	Samples  []int16
	Started  time.Time
	Duration time.Duration

	// Truncated is set when the take hit MaxTakeSamples.
	Truncated bool

	// Path is the saved WAV file, if any.
	Path string
}

// Server serves /device and /monitor. It is safe for concurrent use.
type Server struct {
	cfg     Config
	metrics *observe.Metrics

	devices atomic.Int64
	seq     atomic.Int64
	saver   *resilience.Breaker

	mu       sync.Mutex
	monitors map[*monitor]struct{}
	last     *Take
	takes    chan Take
}

// New creates a [Server].
func New(cfg Config) *Server {
	if cfg.EchoChunkSamples <= 0 {
		cfg.EchoChunkSamples = defaultEchoChunk
	}
	if cfg.MaxTakeSamples <= 0 {
		cfg.MaxTakeSamples = defaultMaxTake
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	saver := resilience.New(resilience.Config{
		Name:        "take-recorder",
		MaxFailures: cfg.SaveFailures,
		Cooldown:    cfg.SaveCooldown,
	})
	return &Server{
		cfg:      cfg,
		metrics:  m,
		saver:    saver,
		monitors: make(map[*monitor]struct{}),
		takes:    make(chan Take, 8),
	}
}

// Register adds the websocket endpoints to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /device", s.handleDevice)
	mux.HandleFunc("GET /monitor", s.handleMonitor)
}

// Recorder reports whether takes are currently being saved.
func (s *Server) Recorder() resilience.State { return s.saver.State() }

// Devices returns the number of connected devices.
func (s *Server) Devices() int64 { return s.devices.Load() }

// LastTake returns the most recent completed take, or nil.
func (s *Server) LastTake() *Take {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Takes delivers completed takes. Takes are dropped when nobody drains the
// channel.
func (s *Server) Takes() <-chan Take { return s.takes }

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("peer: device upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	s.devices.Add(1)
	defer s.devices.Add(-1)

	ctx := r.Context()
	log := slog.With("remote", r.RemoteAddr)
	log.Info("peer: device connected")

	sess := &session{server: s, conn: conn, log: log}
	err = sess.serve(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case websocket.CloseStatus(err) != -1:
		log.Info("peer: device disconnected", "status", websocket.CloseStatus(err))
	default:
		log.Warn("peer: device connection lost", "err", err)
	}
}

// session tracks one device connection. Only its own goroutine touches it.
type session struct {
	server *Server
	conn   *websocket.Conn
	log    *slog.Logger

	recording bool
	truncated bool
	started   time.Time
	take      []int16
}

func (sess *session) serve(ctx context.Context) error {
	s := sess.server
	for {
		typ, data, err := sess.conn.Read(ctx)
		if err != nil {
			return err
		}
		s.broadcast(typ, data)

		if typ == websocket.MessageText {
			s.metrics.RecordReceive(ctx, "text", "ok")
			if err := sess.handleText(ctx, string(data)); err != nil {
				return err
			}
			continue
		}
		s.metrics.RecordReceive(ctx, "binary", "ok")
		sess.handleBinary(data)
	}
}

func (sess *session) handleText(ctx context.Context, text string) error {
	switch text {
	case mode.MsgStartRecord:
		sess.recording = true
		sess.truncated = false
		sess.started = time.Now()
		sess.take = sess.take[:0]
		sess.log.Info("peer: recording started")
	case mode.MsgStopRecord:
		if !sess.recording {
			sess.log.Warn("peer: STOP_RECORD without START_RECORD")
			return nil
		}
		sess.recording = false
		return sess.finish(ctx)
	default:
		sess.log.Info("peer: device says", "text", text)
	}
	return nil
}

func (sess *session) handleBinary(data []byte) {
	if len(data) == 1 {
		sess.log.Debug("peer: button", "pressed", data[0] == mode.ButtonDown[0])
		return
	}
	if !sess.recording {
		sess.log.Debug("peer: audio outside a take", "bytes", len(data))
		return
	}
	samples := audio.DecodePCM16(data)
	room := sess.server.cfg.MaxTakeSamples - len(sess.take)
	if len(samples) > room {
		samples = samples[:max(room, 0)]
		if !sess.truncated {
			sess.log.Warn("peer: take truncated", "max_samples", sess.server.cfg.MaxTakeSamples)
		}
		sess.truncated = true
	}
	sess.take = append(sess.take, samples...)
}

func (sess *session) finish(ctx context.Context) error {
	s := sess.server
	take := Take{
		Seq:       s.seq.Add(1),
		Samples:   append([]int16(nil), sess.take...),
		Started:   sess.started,
		Duration:  time.Since(sess.started),
		Truncated: sess.truncated,
	}
	f := audio.Format{SampleRate: s.cfg.SampleRate, Channels: 1}

	if s.cfg.RecordDir != "" && len(take.Samples) > 0 {
		path := filepath.Join(s.cfg.RecordDir, fmt.Sprintf("take-%04d.wav", take.Seq))
		err := s.saver.Execute(func() error { return wavfile.WriteFile(path, take.Samples, f) })
		switch {
		case errors.Is(err, resilience.ErrOpen):
			sess.log.Debug("peer: saving paused after repeated failures", "seq", take.Seq)
		case err != nil:
			sess.log.Error("peer: save take failed", "err", err)
		default:
			take.Path = path
		}
	}
	sess.log.Info("peer: recording finished",
		"seq", take.Seq,
		"samples", len(take.Samples),
		"audio", audio.AudioFrame{Samples: take.Samples, SampleRate: f.SampleRate, Channels: f.Channels}.Duration(),
		"path", take.Path,
	)

	s.mu.Lock()
	s.last = &take
	s.mu.Unlock()
	select {
	case s.takes <- take:
	default:
	}

	if !s.cfg.Echo {
		return nil
	}
	for chunk := range chunks(take.Samples, s.cfg.EchoChunkSamples) {
		if err := sess.conn.Write(ctx, websocket.MessageBinary, audio.EncodePCM16(chunk)); err != nil {
			s.metrics.RecordSend(ctx, "binary", "error")
			return fmt.Errorf("peer: echo: %w", err)
		}
		s.metrics.RecordSend(ctx, "binary", "ok")
	}
	return nil
}

// chunks yields consecutive slices of at most size samples.
func chunks(samples []int16, size int) func(yield func([]int16) bool) {
	return func(yield func([]int16) bool) {
		for len(samples) > 0 {
			n := min(size, len(samples))
			if !yield(samples[:n]) {
				return
			}
			samples = samples[n:]
		}
	}
}
