package peer

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	monitorQueue    = 64
	monitorPing     = 15 * time.Second
	monitorWriteTTL = 5 * time.Second
)

type relayed struct {
	typ  websocket.MessageType
	data []byte
}

// monitor is one attached /monitor client. Messages are queued without
// blocking the device; a full queue drops the message for that monitor.
type monitor struct {
	queue   chan relayed
	dropped int64
}

// Monitors returns the number of attached monitor clients.
func (s *Server) Monitors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

func (s *Server) broadcast(typ websocket.MessageType, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for m := range s.monitors {
		select {
		case m.queue <- relayed{typ: typ, data: data}:
		default:
			m.dropped++
		}
	}
}

func (s *Server) attach(m *monitor) {
	s.mu.Lock()
	s.monitors[m] = struct{}{}
	s.mu.Unlock()
	s.metrics.ActiveMonitors.Add(context.Background(), 1)
}

func (s *Server) detach(m *monitor) {
	s.mu.Lock()
	delete(s.monitors, m)
	dropped := m.dropped
	s.mu.Unlock()
	s.metrics.ActiveMonitors.Add(context.Background(), -1)
	if dropped > 0 {
		slog.Warn("peer: monitor fell behind", "dropped", dropped)
	}
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("peer: monitor upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	// Monitors only listen; CloseRead discards anything they send and
	// cancels ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())

	m := &monitor{queue: make(chan relayed, monitorQueue)}
	s.attach(m)
	defer s.detach(m)
	slog.Info("peer: monitor attached", "remote", r.RemoteAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case msg := <-m.queue:
				wctx, cancel := context.WithTimeout(gctx, monitorWriteTTL)
				err := conn.Write(wctx, msg.typ, msg.data)
				cancel()
				if err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		t := time.NewTicker(monitorPing)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-t.C:
				if err := conn.Ping(gctx); err != nil {
					return err
				}
			}
		}
	})
	err = g.Wait()
	slog.Info("peer: monitor detached", "remote", r.RemoteAddr, "reason", err)
}
