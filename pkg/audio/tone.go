package audio

import "math"

// ToneConfig parameterises a [ToneGenerator]. Zero values are replaced with
// the defaults below.
type ToneConfig struct {
	SampleRate int
	BaseHz     float64
	ModHz      float64
	DepthHz    float64

	// Amplitude is the peak sample value (0–32767).
	Amplitude float64
}

// Tone defaults: an A4 carrier wobbling ±200 Hz twice every four seconds at
// 2 % of full scale.
const (
	DefaultToneBaseHz    = 440.0
	DefaultToneModHz     = 0.5
	DefaultToneDepthHz   = 200.0
	DefaultToneAmplitude = 32767.0 * 0.02
)

// ToneGenerator is a phase-accumulating frequency-modulated oscillator. Its
// phase and modulation clock persist across calls so consecutive frames join
// without clicks. Not safe for concurrent use.
type ToneGenerator struct {
	cfg   ToneConfig
	phase float64
	t     float64
}

// NewToneGenerator returns an oscillator for cfg.
func NewToneGenerator(cfg ToneConfig) *ToneGenerator {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.BaseHz == 0 {
		cfg.BaseHz = DefaultToneBaseHz
	}
	if cfg.ModHz == 0 {
		cfg.ModHz = DefaultToneModHz
	}
	if cfg.DepthHz == 0 {
		cfg.DepthHz = DefaultToneDepthHz
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = DefaultToneAmplitude
	}
	return &ToneGenerator{cfg: cfg}
}

// Fill writes len(buf) consecutive samples into buf.
func (g *ToneGenerator) Fill(buf []int16) {
	rate := float64(g.cfg.SampleRate)
	for i := range buf {
		freq := g.cfg.BaseHz + g.cfg.DepthHz*math.Sin(2*math.Pi*g.cfg.ModHz*g.t)
		buf[i] = int16(g.cfg.Amplitude * math.Sin(g.phase))
		g.phase += 2 * math.Pi * freq / rate
		if g.phase >= 2*math.Pi {
			g.phase -= 2 * math.Pi
		}
		g.t += 1 / rate
	}
}

// Reset restarts the oscillator at zero phase.
func (g *ToneGenerator) Reset() {
	g.phase, g.t = 0, 0
}
