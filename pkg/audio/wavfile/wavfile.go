// Package wavfile reads and writes 16-bit PCM WAV files and provides a
// file-backed [audio.Peripheral] for running without sound hardware.
package wavfile

import (
	"errors"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
)

// ErrInvalidFile is returned when a file is not a readable PCM WAV file.
var ErrInvalidFile = errors.New("wavfile: invalid WAV file")

// wavFormatPCM is the WAVE_FORMAT_PCM tag.
const wavFormatPCM = 1

// WriteFile writes samples as a 16-bit PCM WAV file at path. Samples are
// interleaved when f.Channels > 1.
func WriteFile(path string, samples []int16, f audio.Format) error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("wavfile: invalid format %s", f)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wavfile: create %q: %w", path, err)
	}

	enc := wav.NewEncoder(out, f.SampleRate, 16, f.Channels, wavFormatPCM)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		out.Close()
		return fmt.Errorf("wavfile: encode %q: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return fmt.Errorf("wavfile: finalise %q: %w", path, err)
	}
	return out.Close()
}

// ReadFile decodes the WAV file at path into interleaved int16 samples.
// 8-, 24- and 32-bit files are scaled to 16 bits.
func ReadFile(path string) ([]int16, audio.Format, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("wavfile: open %q: %w", path, err)
	}
	defer in.Close()

	dec := wav.NewDecoder(in)
	if !dec.IsValidFile() {
		return nil, audio.Format{}, fmt.Errorf("%w: %q", ErrInvalidFile, path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("wavfile: decode %q: %w", path, err)
	}

	format := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	samples := make([]int16, len(buf.Data))
	switch depth := int(dec.BitDepth); depth {
	case 8:
		// 8-bit WAV is unsigned.
		for i, v := range buf.Data {
			samples[i] = int16((v - 128) << 8)
		}
	case 16:
		for i, v := range buf.Data {
			samples[i] = int16(v)
		}
	case 24, 32:
		shift := depth - 16
		for i, v := range buf.Data {
			samples[i] = int16(v >> shift)
		}
	default:
		return nil, audio.Format{}, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidFile, depth)
	}
	return samples, format, nil
}

// Downmix averages interleaved channels into mono. Mono input is returned
// unchanged.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		var sum int32
		for c := range channels {
			sum += int32(samples[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}
