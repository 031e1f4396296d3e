package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

// Fallback decode format used when ffmpeg converts an unknown container.
const (
	fallbackSampleRate = 48000
	fallbackChannels   = 2
)

// Decoder turns encoded bytes into a Buffer. WAV, MP3 and FLAC are decoded
// in-process; other formats go through ffmpeg when a binary is configured.
type Decoder struct {
	ffmpegPath string
	logger     *slog.Logger
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithFFmpegFallback enables decoding of other formats through ffmpeg.
func WithFFmpegFallback(path string) DecoderOption {
	return func(d *Decoder) {
		d.ffmpegPath = path
	}
}

// WithDecoderLogger sets the decoder logger.
func WithDecoderLogger(logger *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDecoder creates a Decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode detects the container of raw and decodes it.
func (d *Decoder) Decode(ctx context.Context, raw []byte) (*Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	format := sniffFormat(raw)

	var (
		buf *Buffer
		err error
	)
	switch format {
	case "wav":
		buf, err = decodeWAV(raw)
		if errors.Is(err, ErrUnsupportedFormat) && d.ffmpegPath != "" {
			buf, err = d.decodeFFmpeg(ctx, raw)
		}
	case "mp3":
		buf, err = decodeMP3(raw)
	case "flac":
		buf, err = decodeFLAC(raw)
	default:
		if d.ffmpegPath == "" {
			return nil, fmt.Errorf("%w: %w", ErrDecode, ErrUnsupportedFormat)
		}
		buf, err = d.decodeFFmpeg(ctx, raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, format, err)
	}
	if buf.Frames() == 0 || buf.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: %s: no audio samples", ErrDecode, format)
	}

	d.logger.Debug("decoded track",
		slog.String("format", buf.Format),
		slog.Int("sample_rate", buf.SampleRate),
		slog.Int("channels", buf.NumChannels()),
		slog.Float64("duration_sec", buf.Duration()),
	)
	return buf, nil
}

// sniffFormat identifies the container from its leading bytes.
func sniffFormat(raw []byte) string {
	switch {
	case len(raw) >= 12 && string(raw[0:4]) == "RIFF" && string(raw[8:12]) == "WAVE":
		return "wav"
	case len(raw) >= 4 && string(raw[0:4]) == "fLaC":
		return "flac"
	case len(raw) >= 3 && string(raw[0:3]) == "ID3":
		return "mp3"
	// MPEG audio frame sync with a non-zero layer; ADTS AAC uses layer 00.
	case len(raw) >= 2 && raw[0] == 0xFF && raw[1]&0xE0 == 0xE0 && raw[1]&0x06 != 0:
		return "mp3"
	default:
		return "unknown"
	}
}

func decodeWAV(raw []byte) (*Buffer, error) {
	decoder := wav.NewDecoder(bytes.NewReader(raw))
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file")
	}
	// Only integer PCM is handled in-process.
	if decoder.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: WAV audio format %d", ErrUnsupportedFormat, decoder.WavAudioFormat)
	}

	pcm, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read PCM: %w", err)
	}

	channels := int(decoder.NumChans)
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}

	bitDepth := int(decoder.BitDepth)
	var scale func(int) float32
	if bitDepth == 8 {
		// 8-bit WAV is unsigned.
		scale = func(v int) float32 { return float32(v-128) / 128 }
	} else {
		maxVal := float32(audio.IntMaxSignedValue(bitDepth))
		scale = func(v int) float32 { return float32(v) / maxVal }
	}

	return &Buffer{
		SampleRate: int(decoder.SampleRate),
		Samples:    deinterleave(pcm.Data, channels, scale),
		Format:     "wav",
	}, nil
}

func decodeMP3(raw []byte) (*Buffer, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create MP3 decoder: %w", err)
	}

	// go-mp3 always outputs interleaved 16-bit stereo.
	pcm, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("read MP3 data: %w", err)
	}

	return &Buffer{
		SampleRate: decoder.SampleRate(),
		Samples:    deinterleaveS16(pcm, 2),
		Format:     "mp3",
	}, nil
}

func decodeFLAC(raw []byte) (*Buffer, error) {
	stream, err := flac.New(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create FLAC decoder: %w", err)
	}
	defer stream.Close()

	channels := int(stream.Info.NChannels)
	samples := make([][]float32, channels)
	if stream.Info.NSamples > 0 {
		for ch := range samples {
			samples[ch] = make([]float32, 0, stream.Info.NSamples)
		}
	}

	for {
		frame, err := stream.ParseNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse FLAC frame: %w", err)
		}

		maxVal := float32(int64(1) << (frame.BitsPerSample - 1))
		for ch := 0; ch < channels && ch < len(frame.Subframes); ch++ {
			for _, s := range frame.Subframes[ch].Samples {
				samples[ch] = append(samples[ch], float32(s)/maxVal)
			}
		}
	}

	return &Buffer{
		SampleRate: int(stream.Info.SampleRate),
		Samples:    samples,
		Format:     "flac",
	}, nil
}

// decodeFFmpeg pipes raw through ffmpeg and reads back 48kHz stereo s16le.
func (d *Decoder) decodeFFmpeg(ctx context.Context, raw []byte) (*Buffer, error) {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, d.ffmpegPath,
		"-hide_banner",
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprint(fallbackSampleRate),
		"-ac", fmt.Sprint(fallbackChannels),
		"-loglevel", "error",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(raw)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffmpeg decode cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("ffmpeg decode: %w, stderr: %s", err, stderr.String())
	}

	return &Buffer{
		SampleRate: fallbackSampleRate,
		Samples:    deinterleaveS16(stdout.Bytes(), fallbackChannels),
		Format:     "ffmpeg",
	}, nil
}
