package mode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sw4796/makerton-esp32-aiagent/internal/observe"
	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Control messages sent to the peer around a capture.
const (
	MsgStartRecord = "START_RECORD"
	MsgStopRecord  = "STOP_RECORD"
)

// Button-state payloads: a single byte, 1 while held.
var (
	ButtonDown = []byte{0x01}
	ButtonUp   = []byte{0x00}
)

const defaultSettleDelay = 100 * time.Millisecond

// Sender is the outbound half of the transport. Sends made while the
// transport is not connected fail and are dropped; the controller does not
// retry them.
type Sender interface {
	SendText(ctx context.Context, msg string) error
	SendBinary(ctx context.Context, payload []byte) error
}

// Config configures a [Controller].
type Config struct {
	// Peripheral is the shared audio device. Required.
	Peripheral audio.Peripheral

	// Sender receives the capture start/stop notifications. May be nil.
	Sender Sender

	// InputFormat is installed when capture starts (mono).
	InputFormat audio.Format

	// OutputFormat is installed when capture stops and at Init.
	OutputFormat audio.Format

	// SettleDelay is waited after starting the peripheral before the new
	// mode becomes active. Defaults to 100ms if zero; negative disables it.
	SettleDelay time.Duration

	// Metrics receives transition counters. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnChange is called after every completed transition, with the
	// peripheral lock released. May be nil.
	OnChange func(from, to Mode)
}

// Controller is the mode state machine. Transitions hold the peripheral
// exclusively; capture and playback hold it shared through [Controller.UseInput]
// and [Controller.UseOutput], which only grant the direction the current mode
// allows. As a result the peripheral is never in use for one direction while
// it is being switched to the other.
//
// All methods are safe for concurrent use.
type Controller struct {
	p        audio.Peripheral
	sender   Sender
	inFmt    audio.Format
	outFmt   audio.Format
	settle   time.Duration
	metrics  *observe.Metrics
	onChange func(from, to Mode)

	state State

	io  sync.RWMutex
	dir audio.Direction // guarded by io

	playMu  sync.Mutex
	playing int
}

// New creates a [Controller]. Call [Controller.Init] before use.
func New(cfg Config) *Controller {
	settle := cfg.SettleDelay
	if settle == 0 {
		settle = defaultSettleDelay
	}
	if settle < 0 {
		settle = 0
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Controller{
		p:        cfg.Peripheral,
		sender:   cfg.Sender,
		inFmt:    cfg.InputFormat,
		outFmt:   cfg.OutputFormat,
		settle:   settle,
		metrics:  m,
		onChange: cfg.OnChange,
	}
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode { return c.state.Load() }

// State exposes the mode cell so other goroutines can wait on changes.
func (c *Controller) State() *State { return &c.state }

// Direction returns the direction the peripheral is currently installed for,
// or [audio.DirectionNone] after a failed reconfiguration.
func (c *Controller) Direction() audio.Direction {
	c.io.RLock()
	defer c.io.RUnlock()
	return c.dir
}

// Init installs the peripheral for output and enters Idle.
func (c *Controller) Init(ctx context.Context) error {
	c.io.Lock()
	defer c.io.Unlock()
	c.state.Store(Idle)
	if err := c.activate(ctx, audio.DirectionOutput, c.outFmt); err != nil {
		observe.Logger(ctx).Error("mode: output setup failed", "err", err)
		return err
	}
	return nil
}

// HandleEdge applies one polled button edge. Pressed while not capturing
// enters Capturing; Released while capturing returns to Idle. Every other
// combination is a no-op.
//
// A returned error wraps [audio.ErrHardwareConfig]; the transition was
// abandoned and the failing direction stays unusable until the next one.
func (c *Controller) HandleEdge(ctx context.Context, edge ButtonEdge) error {
	switch edge {
	case EdgePressed:
		return c.enterCapture(ctx)
	case EdgeReleased:
		return c.leaveCapture(ctx)
	default:
		return nil
	}
}

func (c *Controller) enterCapture(ctx context.Context) error {
	c.io.Lock()
	from := c.state.Load()
	if from == Capturing {
		c.io.Unlock()
		return nil
	}
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "mode.transition",
		trace.WithAttributes(attribute.String("from", from.String()), attribute.String("to", Capturing.String())))

	if err := c.activate(ctx, audio.DirectionInput, c.inFmt); err != nil {
		observe.Logger(ctx).Error("mode: failed to enter capture", "err", err)
		if rerr := c.activate(ctx, audio.DirectionOutput, c.outFmt); rerr != nil {
			observe.Logger(ctx).Error("mode: failed to restore output", "err", rerr)
		}
		c.io.Unlock()
		observe.EndSpan(span, err)
		return err
	}

	// Announce before the capture loop may send its first frame so the peer
	// always sees START_RECORD ahead of the audio.
	c.send(ctx, MsgStartRecord, ButtonDown, false)
	c.state.Store(Capturing)
	c.io.Unlock()

	c.finish(ctx, from, Capturing, start)
	observe.EndSpan(span, nil)
	return nil
}

func (c *Controller) leaveCapture(ctx context.Context) error {
	c.io.Lock()
	if c.state.Load() != Capturing {
		c.io.Unlock()
		return nil
	}
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "mode.transition",
		trace.WithAttributes(attribute.String("from", Capturing.String()), attribute.String("to", Idle.String())))

	c.state.Store(Idle)
	err := c.activate(ctx, audio.DirectionOutput, c.outFmt)
	if err != nil {
		observe.Logger(ctx).Error("mode: failed to restore output after capture", "err", err)
	}
	c.send(ctx, MsgStopRecord, ButtonUp, true)
	c.io.Unlock()

	c.finish(ctx, Capturing, Idle, start)
	observe.EndSpan(span, err)
	return err
}

// activate tears down the current direction and installs dir. Caller holds
// io exclusively. On failure the peripheral is left with no direction.
func (c *Controller) activate(ctx context.Context, dir audio.Direction, format audio.Format) error {
	log := observe.Logger(ctx)
	c.dir = audio.DirectionNone
	if err := c.p.Stop(); err != nil {
		log.Warn("mode: peripheral stop failed", "err", err)
	}
	if err := c.p.Flush(); err != nil {
		log.Warn("mode: peripheral flush failed", "err", err)
	}
	if err := c.p.Configure(dir, format); err != nil {
		return fmt.Errorf("mode: configure %s: %w", dir, err)
	}
	if err := c.p.Start(); err != nil {
		return fmt.Errorf("mode: start %s: %w: %w", dir, audio.ErrHardwareConfig, err)
	}
	sleepCtx(ctx, c.settle)
	c.dir = dir
	log.Debug("mode: peripheral ready", "direction", dir.String(), "format", format.String())
	return nil
}

// send emits the text notification and the button-state byte. On release
// the byte goes first so the peer sees the button come up before the take
// is closed.
func (c *Controller) send(ctx context.Context, text string, button []byte, buttonFirst bool) {
	if c.sender == nil {
		return
	}
	log := observe.Logger(ctx)
	sendText := func() {
		if err := c.sender.SendText(ctx, text); err != nil {
			log.Debug("mode: control message not sent", "msg", text, "err", err)
		}
	}
	sendButton := func() {
		if err := c.sender.SendBinary(ctx, button); err != nil {
			log.Debug("mode: button state not sent", "state", button[0], "err", err)
		}
	}
	if buttonFirst {
		sendButton()
		sendText()
		return
	}
	sendText()
	sendButton()
}

func (c *Controller) finish(ctx context.Context, from, to Mode, start time.Time) {
	elapsed := time.Since(start)
	c.metrics.RecordModeTransition(ctx, to.String(), elapsed.Seconds())
	observe.Logger(ctx).Info("mode changed", "from", from.String(), "to", to.String(), "took", elapsed)
	if c.onChange != nil {
		c.onChange(from, to)
	}
}

// UseInput runs fn with the peripheral while the controller is Capturing.
// It reports false without calling fn in any other mode. Transitions wait
// for fn to return, so fn must be bounded.
func (c *Controller) UseInput(fn func(p audio.Peripheral) error) (bool, error) {
	c.io.RLock()
	defer c.io.RUnlock()
	if c.state.Load() != Capturing || c.dir != audio.DirectionInput {
		return false, nil
	}
	return true, fn(c.p)
}

// UseOutput runs fn with the peripheral installed for output, marking the
// mode Playing for the duration. It reports false without calling fn while
// capturing or when output setup previously failed.
func (c *Controller) UseOutput(fn func(p audio.Peripheral) error) (bool, error) {
	c.io.RLock()
	defer c.io.RUnlock()
	if c.dir != audio.DirectionOutput {
		return false, nil
	}
	c.playMu.Lock()
	c.playing++
	if c.playing == 1 {
		c.state.CompareAndSwap(Idle, Playing)
	}
	c.playMu.Unlock()

	defer func() {
		c.playMu.Lock()
		c.playing--
		if c.playing == 0 {
			c.state.CompareAndSwap(Playing, Idle)
		}
		c.playMu.Unlock()
	}()
	return true, fn(c.p)
}

// Close stops and releases the peripheral.
func (c *Controller) Close() error {
	c.io.Lock()
	defer c.io.Unlock()
	c.dir = audio.DirectionNone
	c.state.Store(Idle)
	if err := c.p.Stop(); err != nil {
		return fmt.Errorf("mode: stop: %w", err)
	}
	return c.p.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
