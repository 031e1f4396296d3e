package playback

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
)

// encodeTestWAV renders a 16-bit sine WAV and returns its bytes.
func encodeTestWAV(t *testing.T, sampleRate, channels int, durationSec float64) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	frames := int(float64(sampleRate) * durationSec)
	data := make([]int, frames*channels)
	for i := 0; i < frames; i++ {
		v := int(math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)) * 16000)
		for ch := 0; ch < channels; ch++ {
			data[i*channels+ch] = v
		}
	}

	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return raw
}

// testBuffer builds a mono ramp buffer of the given length.
func testBuffer(sampleRate int, durationSec float64) *Buffer {
	frames := int(float64(sampleRate) * durationSec)
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = float32(i%100) / 100
	}
	return &Buffer{SampleRate: sampleRate, Samples: [][]float32{samples}, Format: "test"}
}
