// Package playback holds the decoded samples of the loaded track and drives
// preview playback through a single replaceable handle.
package playback

import (
	"encoding/binary"
	"errors"
	"math"
)

// Static errors for decoding and playback.
var (
	// ErrDecode is returned when raw bytes cannot be decoded to samples.
	ErrDecode = errors.New("playback: decode failed")
	// ErrUnsupportedFormat is returned when no decoder recognizes the input.
	ErrUnsupportedFormat = errors.New("playback: unsupported audio format")
	// ErrNotLoaded is returned when playback is requested without a decoded track.
	ErrNotLoaded = errors.New("playback: no track loaded")
	// ErrInvalidOffset is returned when playback offsets fall outside the track.
	ErrInvalidOffset = errors.New("playback: invalid offset")
)

// Buffer is a fully decoded track: one float32 slice per channel, normalized
// to [-1, 1].
type Buffer struct {
	SampleRate int
	Samples    [][]float32
	// Format names the decoder that produced the buffer ("wav", "mp3", ...).
	Format string
}

// NumChannels returns the channel count.
func (b *Buffer) NumChannels() int {
	return len(b.Samples)
}

// Frames returns the number of samples per channel.
func (b *Buffer) Frames() int {
	if len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0])
}

// Duration returns the track length in seconds.
func (b *Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// frameAt converts a time offset to a sample index, clamped to the buffer.
func (b *Buffer) frameAt(seconds float64) int {
	i := int(math.Round(seconds * float64(b.SampleRate)))
	if i < 0 {
		return 0
	}
	if n := b.Frames(); i > n {
		return n
	}
	return i
}

// PCM16 renders frames [from, to) as interleaved signed 16-bit little-endian
// samples.
func (b *Buffer) PCM16(from, to int) []byte {
	channels := b.NumChannels()
	if from < 0 {
		from = 0
	}
	if n := b.Frames(); to > n {
		to = n
	}
	if to <= from {
		return nil
	}

	out := make([]byte, (to-from)*channels*2)
	pos := 0
	for i := from; i < to; i++ {
		for ch := 0; ch < channels; ch++ {
			v := b.Samples[ch][i]
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			binary.LittleEndian.PutUint16(out[pos:], uint16(int16(v*math.MaxInt16)))
			pos += 2
		}
	}
	return out
}

// deinterleave splits interleaved samples into per-channel slices using scale
// to normalize each value.
func deinterleave(data []int, channels int, scale func(int) float32) [][]float32 {
	frames := len(data) / channels
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			out[ch][i] = scale(data[i*channels+ch])
		}
	}
	return out
}

// deinterleaveS16 splits interleaved signed 16-bit little-endian PCM.
func deinterleaveS16(pcm []byte, channels int) [][]float32 {
	frames := len(pcm) / (2 * channels)
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	pos := 0
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			s := int16(binary.LittleEndian.Uint16(pcm[pos:]))
			out[ch][i] = float32(s) / 32768.0
			pos += 2
		}
	}
	return out
}
