package audio

import (
	"encoding/binary"
	"fmt"
)

// Format describes the sample rate and channel count of an audio stream.
// Sample depth is fixed at 16 bits for every stream in the intercom.
type Format struct {
	SampleRate int
	Channels   int
}

// String renders the format as e.g. "16000Hz/mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// BytesPerSample is the width of one PCM sample on the wire.
const BytesPerSample = 2

// EncodePCM16 serialises samples as little-endian signed 16-bit PCM, the
// payload layout used for binary audio messages.
func EncodePCM16(samples []int16) []byte {
	buf := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// DecodePCM16 interprets b as little-endian signed 16-bit PCM. A trailing odd
// byte is ignored.
func DecodePCM16(b []byte) []int16 {
	samples := make([]int16, len(b)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(mono []int16) []int16 {
	out := make([]int16, len(mono)*2)
	for i, s := range mono {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// Clamp16 saturates v to the int16 range.
func Clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels != 1 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz/%s", rate, ch)
}
