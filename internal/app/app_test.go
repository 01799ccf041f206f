package app_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sw4796/makerton-esp32-aiagent/internal/app"
	"github.com/sw4796/makerton-esp32-aiagent/internal/config"
	"github.com/sw4796/makerton-esp32-aiagent/internal/mode"
	"github.com/sw4796/makerton-esp32-aiagent/internal/observe"
	"github.com/sw4796/makerton-esp32-aiagent/internal/panel"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio/mock"
)

// testPeer is a websocket server that records what the endpoint sends and
// can push payloads back.
type testPeer struct {
	mu   sync.Mutex
	msgs []string
	conn *websocket.Conn
}

func newTestPeer(t *testing.T) (*testPeer, string) {
	t.Helper()
	p := &testPeer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		p.mu.Lock()
		p.conn = c
		p.mu.Unlock()
		for {
			typ, data, err := c.Read(r.Context())
			if err != nil {
				return
			}
			p.mu.Lock()
			if typ == websocket.MessageText {
				p.msgs = append(p.msgs, "text:"+string(data))
			} else {
				p.msgs = append(p.msgs, fmt.Sprintf("binary:%d", len(data)))
			}
			p.mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	return p, "ws" + strings.TrimPrefix(srv.URL, "http") + "/device"
}

func (p *testPeer) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.msgs...)
}

func (p *testPeer) push(ctx context.Context, data []byte) error {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil {
		return fmt.Errorf("no device connected")
	}
	return c.Write(ctx, websocket.MessageBinary, data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
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

// testConfig returns a fast-polling config pointed at url with the admin
// server disabled.
func testConfig(url string) *config.Config {
	cfg := config.Default()
	cfg.Transport.URL = url
	cfg.Transport.RetryDelay = 20 * time.Millisecond
	cfg.Server.ListenAddr = ""
	cfg.Mode.SettleDelay = time.Millisecond
	cfg.Mode.PollInterval = 2 * time.Millisecond
	cfg.Audio.ReadTimeout = 10 * time.Millisecond
	cfg.Audio.FrameSamples = 4
	cfg.Audio.RingCapacity = 64
	return cfg
}

type rig struct {
	app    *app.App
	periph *mock.Peripheral
	button *mock.Button
	mic    *mock.Indicator
	done   chan error
}

func startApp(t *testing.T, cfg *config.Config, opts ...app.Option) *rig {
	t.Helper()
	r := &rig{
		periph: &mock.Peripheral{},
		button: &mock.Button{},
		mic:    &mock.Indicator{},
		done:   make(chan error, 1),
	}
	hw := app.Hardware{
		Peripheral: r.periph,
		Button:     r.button,
		Indicators: map[string]audio.Indicator{audio.IndicatorMic: r.mic},
	}
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(t.Context(), cfg, hw, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.app = a

	ctx, cancel := context.WithCancel(t.Context())
	go func() { r.done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-r.done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("Run did not return after cancel")
		}
		_ = a.Shutdown(context.Background())
	})
	return r
}

func TestNew_RequiresURL(t *testing.T) {
	t.Parallel()

	_, err := app.New(t.Context(), config.Default(), app.Hardware{Peripheral: &mock.Peripheral{}, Button: &mock.Button{}})
	if err == nil {
		t.Fatal("expected error without transport.url")
	}
}

func TestNew_InstallsOutput(t *testing.T) {
	t.Parallel()

	p := &mock.Peripheral{}
	a, err := app.New(t.Context(), testConfig("ws://127.0.0.1:1/device"),
		app.Hardware{Peripheral: p, Button: &mock.Button{}},
		app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !p.OutputActive() {
		t.Error("output not active after New")
	}
	if a.Mode() != mode.Idle {
		t.Errorf("mode = %v, want idle", a.Mode())
	}
}

func TestApp_PushToTalkEndToEnd(t *testing.T) {
	t.Parallel()

	peer, url := newTestPeer(t)
	r := startApp(t, testConfig(url))

	waitFor(t, "greeting", func() bool {
		m := peer.messages()
		return len(m) > 0 && m[0] == "text:Hello Server"
	})
	waitFor(t, "connect", r.app.Connected)

	// Press: START_RECORD then 0x01, and the device captures.
	r.button.SetLevel(true)
	waitFor(t, "capturing", func() bool { return r.app.Mode() == mode.Capturing })
	waitFor(t, "press messages", func() bool { return len(peer.messages()) >= 3 })
	if got := peer.messages()[1:3]; got[0] != "text:START_RECORD" || got[1] != "binary:1" {
		t.Fatalf("press messages = %v, want [START_RECORD, 0x01]", got)
	}

	// A loud frame is forwarded and lights the mic indicator.
	r.periph.QueueRead([]int16{0, 500, 0, 0})
	waitFor(t, "audio frame", func() bool {
		m := peer.messages()
		return len(m) >= 4 && m[3] == "binary:8"
	})
	waitFor(t, "mic indicator", r.mic.On)

	// Release: 0x00 then STOP_RECORD, and output is reinstalled.
	r.button.SetLevel(false)
	waitFor(t, "release messages", func() bool { return len(peer.messages()) >= 6 })
	if got := peer.messages()[4:6]; got[0] != "binary:1" || got[1] != "text:STOP_RECORD" {
		t.Fatalf("release messages = %v, want [0x00, STOP_RECORD]", got)
	}
	waitFor(t, "idle", func() bool { return r.app.Mode() == mode.Idle })
	if !r.periph.OutputActive() {
		t.Error("output not reinstalled after release")
	}
	waitFor(t, "mic indicator off", func() bool { return !r.mic.On() })
}

func TestApp_PlaysInboundAudio(t *testing.T) {
	t.Parallel()

	peer, url := newTestPeer(t)
	r := startApp(t, testConfig(url))
	waitFor(t, "connect", r.app.Connected)

	if err := peer.push(t.Context(), audio.EncodePCM16([]int16{10, -20})); err != nil {
		t.Fatalf("push: %v", err)
	}
	waitFor(t, "playback", func() bool { return len(r.periph.WrittenFrames()) == 1 })
	got := r.periph.WrittenFrames()[0]
	want := []int16{10, 10, -20, -20}
	if len(got) != len(want) {
		t.Fatalf("written = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("written = %v, want %v", got, want)
		}
	}
}

func TestApp_PlaysEveryPayloadBeyondInboundBuffer(t *testing.T) {
	t.Parallel()

	const payloads = 12
	peer, url := newTestPeer(t)
	cfg := testConfig(url)
	cfg.Transport.InboundBuffer = 1
	r := startApp(t, cfg)
	waitFor(t, "connect", r.app.Connected)

	for i := range payloads {
		if err := peer.push(t.Context(), audio.EncodePCM16([]int16{int16(i + 1), 0})); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	waitFor(t, "every payload played", func() bool { return len(r.periph.WrittenFrames()) == payloads })
	for i, frame := range r.periph.WrittenFrames() {
		if frame[0] != int16(i+1) {
			t.Errorf("frame %d starts with %d, want %d", i, frame[0], i+1)
		}
	}
	if !r.app.Connected() {
		t.Error("endpoint disconnected while draining a backlog")
	}
}

func TestApp_DropsInboundAudioWhileCapturing(t *testing.T) {
	t.Parallel()

	peer, url := newTestPeer(t)
	r := startApp(t, testConfig(url))
	waitFor(t, "connect", r.app.Connected)

	r.button.SetLevel(true)
	waitFor(t, "capturing", func() bool { return r.app.Mode() == mode.Capturing })

	if err := peer.push(t.Context(), audio.EncodePCM16([]int16{1, 2})); err != nil {
		t.Fatalf("push: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(r.periph.WrittenFrames()); n != 0 {
		t.Errorf("writes while capturing = %d, want 0", n)
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()

	var lv slog.LevelVar
	cfg := testConfig("ws://127.0.0.1:1/device")
	a, err := app.New(t.Context(), cfg,
		app.Hardware{Peripheral: &mock.Peripheral{}, Button: &mock.Button{}},
		app.WithMetrics(testMetrics(t)), app.WithLevelVar(&lv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next := testConfig("ws://127.0.0.1:1/device")
	next.LogLevel = config.LogDebug
	vol := 0.25
	next.Playback.Volume = &vol
	next.Playback.Pitch = 1.5
	a.ApplyConfig(cfg, next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	snap := a.Snapshot()
	if snap["volume"] != 0.25 || snap["pitch"] != 1.5 {
		t.Errorf("snapshot volume/pitch = %v/%v, want 0.25/1.5", snap["volume"], snap["pitch"])
	}
}

func TestApp_AdminHandler(t *testing.T) {
	t.Parallel()

	var vb panel.VirtualButton
	a, err := app.New(t.Context(), testConfig("ws://127.0.0.1:1/device"),
		app.Hardware{Peripheral: &mock.Peripheral{}, Button: &vb},
		app.WithMetrics(testMetrics(t)),
		app.WithVirtualButton(&vb),
		app.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "# metrics")
		})),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusServiceUnavailable}, // not connected
		{http.MethodGet, "/status", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodPost, "/button/press", http.StatusOK},
	}
	for _, tt := range tests {
		req, _ := http.NewRequestWithContext(t.Context(), tt.method, srv.URL+tt.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.method, tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s %s: status = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
		}
	}
	if !vb.Level() {
		t.Error("virtual button not pressed via admin API")
	}
}

func TestLevelFor(t *testing.T) {
	t.Parallel()

	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.LevelFor(in); got != want {
			t.Errorf("LevelFor(%q) = %v, want %v", in, got, want)
		}
	}
}
