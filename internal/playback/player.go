package playback

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// DefaultFrameDuration is the amount of audio pushed to the sink per frame.
const DefaultFrameDuration = 20 * time.Millisecond

// Frame is one slice of preview audio.
type Frame struct {
	// Offset is the track position of the first sample, in seconds.
	Offset     float64
	SampleRate int
	Channels   int
	// PCM holds interleaved signed 16-bit little-endian samples.
	PCM []byte
}

// Sink receives preview frames as they are played.
type Sink interface {
	WriteFrame(ctx context.Context, f Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, f Frame) error

// WriteFrame calls fn.
func (fn SinkFunc) WriteFrame(ctx context.Context, f Frame) error {
	return fn(ctx, f)
}

// Discard is a Sink that drops every frame.
var Discard Sink = SinkFunc(func(context.Context, Frame) error { return nil })

// EndReason explains why a playback handle finished.
type EndReason string

const (
	// EndCompleted means playback reached its stop offset or the track end.
	EndCompleted EndReason = "completed"
	// EndStopped means Stop was called.
	EndStopped EndReason = "stopped"
	// EndReplaced means a newer Play call took over.
	EndReplaced EndReason = "replaced"
	// EndFailed means the sink rejected a frame.
	EndFailed EndReason = "failed"
)

// Handle is one in-flight playback.
type Handle struct {
	start float64
	stop  float64

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	position float64
	reason   EndReason
	err      error
}

// Start returns the offset playback began at.
func (h *Handle) Start() float64 { return h.start }

// Stop returns the offset playback ends at.
func (h *Handle) Stop() float64 { return h.stop }

// Done is closed when playback has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Position returns the track offset most recently handed to the sink.
func (h *Handle) Position() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.position
}

// Reason returns why playback ended, or "" while it is running.
func (h *Handle) Reason() EndReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Err returns the sink error for EndFailed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Active reports whether playback is still running.
func (h *Handle) Active() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Handle) setPosition(p float64) {
	h.mu.Lock()
	h.position = p
	h.mu.Unlock()
}

// finish records the first end reason only.
func (h *Handle) finish(reason EndReason, err error) {
	h.mu.Lock()
	if h.reason == "" {
		h.reason = reason
		h.err = err
	}
	h.mu.Unlock()
}

// Player owns the decoded buffer and at most one active Handle.
type Player struct {
	sink     Sink
	frameDur time.Duration
	realtime bool
	logger   *slog.Logger

	mu     sync.Mutex
	buf    *Buffer
	active *Handle
}

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithSink sets where frames are delivered. Defaults to Discard.
func WithSink(s Sink) PlayerOption {
	return func(p *Player) {
		if s != nil {
			p.sink = s
		}
	}
}

// WithFrameDuration sets the frame length.
func WithFrameDuration(d time.Duration) PlayerOption {
	return func(p *Player) {
		if d > 0 {
			p.frameDur = d
		}
	}
}

// WithRealtime controls pacing. When false frames are pushed as fast as the
// sink accepts them.
func WithRealtime(enabled bool) PlayerOption {
	return func(p *Player) {
		p.realtime = enabled
	}
}

// WithPlayerLogger sets the player logger.
func WithPlayerLogger(logger *slog.Logger) PlayerOption {
	return func(p *Player) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPlayer creates a Player with no buffer loaded.
func NewPlayer(opts ...PlayerOption) *Player {
	p := &Player{
		sink:     Discard,
		frameDur: DefaultFrameDuration,
		realtime: true,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load replaces the buffer, stopping any active playback.
func (p *Player) Load(buf *Buffer) {
	p.mu.Lock()
	prev := p.active
	p.active = nil
	p.buf = buf
	p.mu.Unlock()

	halt(prev, EndStopped)
}

// Unload drops the buffer, stopping any active playback.
func (p *Player) Unload() {
	p.Load(nil)
}

// Buffer returns the loaded buffer, or nil.
func (p *Player) Buffer() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf
}

// Play starts playback at start. A nil stop plays to the end of the track.
// Any active handle is stopped first so playbacks never overlap.
func (p *Player) Play(start float64, stop *float64) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.buf == nil {
		return nil, ErrNotLoaded
	}

	duration := p.buf.Duration()
	end := duration
	if stop != nil {
		end = *stop
	}
	if math.IsNaN(start) || start < 0 || start >= duration {
		return nil, fmt.Errorf("%w: start %v outside [0, %v)", ErrInvalidOffset, start, duration)
	}
	if math.IsNaN(end) || end <= start || end > duration {
		return nil, fmt.Errorf("%w: stop %v outside (%v, %v]", ErrInvalidOffset, end, start, duration)
	}

	halt(p.active, EndReplaced)

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		start:    start,
		stop:     end,
		cancel:   cancel,
		done:     make(chan struct{}),
		position: start,
	}
	p.active = h

	go p.run(ctx, h, p.buf)

	p.logger.Debug("playback started",
		slog.Float64("start", start),
		slog.Float64("stop", end),
	)
	return h, nil
}

// Stop halts the active playback. It is a no-op when nothing is playing.
func (p *Player) Stop() {
	p.mu.Lock()
	prev := p.active
	p.active = nil
	p.mu.Unlock()

	halt(prev, EndStopped)
}

// Active returns the running handle, or nil.
func (p *Player) Active() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil && p.active.Active() {
		return p.active
	}
	return nil
}

// halt cancels h and waits until its goroutine has exited.
func halt(h *Handle, reason EndReason) {
	if h == nil {
		return
	}
	h.finish(reason, nil)
	h.cancel()
	<-h.done
}

func (p *Player) run(ctx context.Context, h *Handle, buf *Buffer) {
	defer close(h.done)
	defer h.cancel()

	perFrame := int(math.Max(1, math.Round(float64(buf.SampleRate)*p.frameDur.Seconds())))
	from := buf.frameAt(h.start)
	to := buf.frameAt(h.stop)

	var ticker *time.Ticker
	if p.realtime {
		ticker = time.NewTicker(p.frameDur)
		defer ticker.Stop()
	}

	for i := from; i < to; i += perFrame {
		if ctx.Err() != nil {
			return
		}

		offset := float64(i) / float64(buf.SampleRate)
		frame := Frame{
			Offset:     offset,
			SampleRate: buf.SampleRate,
			Channels:   buf.NumChannels(),
			PCM:        buf.PCM16(i, min(i+perFrame, to)),
		}
		if err := p.sink.WriteFrame(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("playback sink failed", slog.String("error", err.Error()))
			h.finish(EndFailed, err)
			return
		}
		h.setPosition(offset)

		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}

	h.setPosition(h.stop)
	h.finish(EndCompleted, nil)
}
