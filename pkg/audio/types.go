package audio

import "time"

// AudioFrame is one fixed-size batch of signed 16-bit samples exchanged with
// the peripheral or the network in a single operation. Frames are value data;
// they carry no identity beyond their position in the stream.
type AudioFrame struct {
	// Samples holds interleaved PCM. Capture frames are always mono.
	Samples []int16

	// SampleRate in Hz (16000 for the intercom voice path).
	SampleRate int

	// Channels: 1 for mono capture, 2 when the output peripheral wants stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration reports how much audio the frame holds at its sample rate.
// Returns zero if the frame format is incomplete.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	perChannel := len(f.Samples) / f.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(f.SampleRate)
}
