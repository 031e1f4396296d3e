package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maauso/audiocut/internal/engine"
	"github.com/maauso/audiocut/internal/playback"
	"github.com/maauso/audiocut/internal/selection"
	"github.com/maauso/audiocut/internal/session/id"
)

// Decoder turns encoded audio into a playable buffer.
type Decoder interface {
	Decode(ctx context.Context, raw []byte) (*playback.Buffer, error)
}

// Controller is one editing session.
//
// Initialize, LoadTrack and Cut are long commands: only one runs at a time and
// an overlapping call fails with ErrSessionBusy. Playback and selection
// commands are short and may run alongside a Cut.
type Controller struct {
	id              string
	engine          engine.Engine
	decoder         Decoder
	player          *playback.Player
	defaultStrategy engine.Strategy
	logger          *slog.Logger
	createdAt       time.Time

	// busy gates long commands.
	busy sync.Mutex

	mu        sync.RWMutex
	phase     Phase
	track     *Track
	selection selection.Machine
	initErr   error
	closed    bool

	diagMu  sync.Mutex
	lastLog string
	lastErr string

	observers   observerList
	unsubscribe func()
	onClose     []func()
}

// Option configures a Controller.
type Option func(*Controller)

// WithID sets the session ID. Defaults to a generated one.
func WithID(sessionID string) Option {
	return func(c *Controller) {
		if sessionID != "" {
			c.id = sessionID
		}
	}
}

// WithDecoder sets the preview decoder.
func WithDecoder(d Decoder) Option {
	return func(c *Controller) {
		if d != nil {
			c.decoder = d
		}
	}
}

// WithPlayer sets the preview player.
func WithPlayer(p *playback.Player) Option {
	return func(c *Controller) {
		if p != nil {
			c.player = p
		}
	}
}

// WithDefaultStrategy sets the codec strategy used when Cut is given none.
func WithDefaultStrategy(s engine.Strategy) Option {
	return func(c *Controller) {
		if s != "" {
			c.defaultStrategy = s
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOnClose registers fn to run at the end of Close.
func WithOnClose(fn func()) Option {
	return func(c *Controller) {
		if fn != nil {
			c.onClose = append(c.onClose, fn)
		}
	}
}

// New creates an uninitialized session around eng and subscribes to its
// events.
func New(eng engine.Engine, opts ...Option) *Controller {
	c := &Controller{
		id:              id.Generate(),
		engine:          eng,
		decoder:         playback.NewDecoder(),
		player:          playback.NewPlayer(),
		defaultStrategy: engine.StrategyStreamCopy,
		logger:          slog.Default(),
		createdAt:       time.Now(),
		phase:           PhaseUninitialized,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("session_id", c.id))
	c.unsubscribe = eng.Subscribe(c.onEngineEvent)
	return c
}

// ID returns the session ID.
func (c *Controller) ID() string {
	return c.id
}

// Observe registers fn for session events and returns a function that
// removes it.
func (c *Controller) Observe(fn Observer) func() {
	return c.observers.add(fn)
}

// Initialize starts the engine. It is a no-op once the engine is ready. A
// failure is stored and returned by every later command.
func (c *Controller) Initialize(ctx context.Context) error {
	if !c.busy.TryLock() {
		return ErrSessionBusy
	}
	defer c.busy.Unlock()

	c.mu.RLock()
	err := c.usableLocked()
	phase := c.phase
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	if phase != PhaseUninitialized {
		return nil
	}

	if err := c.engine.Initialize(ctx); err != nil {
		if !errors.Is(err, engine.ErrEngineInit) {
			err = fmt.Errorf("%w: %w", engine.ErrEngineInit, err)
		}
		c.mu.Lock()
		c.initErr = err
		c.mu.Unlock()
		c.logger.Error("engine initialization failed", slog.String("error", err.Error()))
		return c.fail(err)
	}

	c.setPhase(PhaseEngineReady)
	c.logger.Info("engine ready")
	return nil
}

// LoadTrack registers data with the engine under name and decodes it for
// preview. Both must succeed. On success the previous track, selection and
// playback are discarded together. On failure the previous track stays loaded
// and a *LoadError is returned.
func (c *Controller) LoadTrack(ctx context.Context, name string, data []byte) (*Track, error) {
	if !c.busy.TryLock() {
		return nil, ErrSessionBusy
	}
	defer c.busy.Unlock()

	c.mu.RLock()
	err := c.usableLocked()
	phase := c.phase
	prev := c.track
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if phase == PhaseUninitialized {
		return nil, c.fail(ErrEngineNotReady)
	}

	start := time.Now()
	var buf *playback.Buffer

	register := func(ctx context.Context) error {
		return c.engine.RegisterInput(ctx, name, bytes.NewReader(data))
	}
	decode := func(ctx context.Context) error {
		b, err := c.decoder.Decode(ctx, data)
		if err != nil {
			return err
		}
		buf = b
		return nil
	}

	if prev != nil && prev.Name == name {
		// Overwriting the current input must wait for a good decode, or a
		// failed load would leave the engine holding bytes the preview
		// does not match.
		err = decode(ctx)
		if err == nil {
			err = register(ctx)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return register(gctx) })
		g.Go(func() error { return decode(gctx) })
		err = g.Wait()
		if err != nil {
			c.release(ctx, name)
		}
	}
	if err != nil {
		c.logger.Warn("load failed",
			slog.String("track", name),
			slog.String("error", err.Error()),
		)
		return nil, c.fail(&LoadError{Name: name, Err: err})
	}

	track := &Track{
		Name:       name,
		Size:       len(data),
		Format:     buf.Format,
		SampleRate: buf.SampleRate,
		Channels:   buf.NumChannels(),
		Duration:   buf.Duration(),
		LoadedAt:   time.Now(),
	}

	c.mu.Lock()
	c.player.Load(buf)
	c.selection.Clear()
	c.track = track
	c.phase = PhaseTrackLoaded
	c.mu.Unlock()

	if prev != nil && prev.Name != name {
		c.release(ctx, prev.Name)
	}

	c.logger.Info("track loaded",
		slog.String("track", name),
		slog.String("format", track.Format),
		slog.Float64("duration_sec", track.Duration),
		slog.Duration("elapsed", time.Since(start)),
	)
	c.notify(Event{Type: EventPhase, Phase: PhaseTrackLoaded})
	c.notify(Event{Type: EventSelection})
	return track, nil
}

// Play starts preview playback at start, replacing any active playback. A nil
// stop plays to the end of the track.
func (c *Controller) Play(start float64, stop *float64) (*playback.Handle, error) {
	c.mu.RLock()
	err := c.loadedLocked()
	var h *playback.Handle
	if err == nil {
		h, err = c.player.Play(start, stop)
	}
	c.mu.RUnlock()
	if err != nil {
		return nil, c.fail(err)
	}

	c.notify(Event{Type: EventPlayback, Playback: &PlaybackState{
		State: "started",
		Start: h.Start(),
		Stop:  h.Stop(),
	}})
	go c.watchPlayback(h)
	return h, nil
}

// Stop halts preview playback. It is a no-op when nothing is playing.
func (c *Controller) Stop() error {
	c.mu.RLock()
	err := c.loadedLocked()
	if err == nil {
		c.player.Stop()
	}
	c.mu.RUnlock()
	if err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Controller) watchPlayback(h *playback.Handle) {
	<-h.Done()
	c.notify(Event{Type: EventPlayback, Playback: &PlaybackState{
		State: string(h.Reason()),
		Start: h.Start(),
		Stop:  h.Position(),
	}})
}

// SelectRegion creates the active region, replacing any existing one.
func (c *Controller) SelectRegion(start, end float64) (selection.Region, error) {
	return c.changeRegion(func(duration float64) (selection.Region, error) {
		return c.selection.Create(start, end, duration)
	})
}

// UpdateRegion moves the bounds of the active region.
func (c *Controller) UpdateRegion(start, end float64) (selection.Region, error) {
	return c.changeRegion(func(duration float64) (selection.Region, error) {
		return c.selection.Update(start, end, duration)
	})
}

func (c *Controller) changeRegion(apply func(duration float64) (selection.Region, error)) (selection.Region, error) {
	c.mu.RLock()
	err := c.loadedLocked()
	var r selection.Region
	if err == nil {
		r, err = apply(c.track.Duration)
	}
	c.mu.RUnlock()
	if err != nil {
		return selection.Region{}, c.fail(err)
	}

	c.notify(Event{Type: EventSelection, Selection: &r})
	return r, nil
}

// ClearRegion drops the active region. It is a no-op when none exists.
func (c *Controller) ClearRegion() error {
	c.mu.RLock()
	err := c.loadedLocked()
	if err == nil {
		c.selection.Clear()
	}
	c.mu.RUnlock()
	if err != nil {
		return c.fail(err)
	}

	c.notify(Event{Type: EventSelection})
	return nil
}

// Selection returns the active region, if any.
func (c *Controller) Selection() (selection.Region, bool) {
	return c.selection.Current()
}

// Cut trims the active region of the loaded track into output and returns the
// produced bytes. An empty strategy uses the session default. The selection
// and track are left as they are, so the same region can be cut again.
func (c *Controller) Cut(ctx context.Context, output string, strategy engine.Strategy) ([]byte, error) {
	if !c.busy.TryLock() {
		return nil, ErrSessionBusy
	}
	defer c.busy.Unlock()

	c.mu.RLock()
	err := c.loadedLocked()
	track := c.track
	region, ok := c.selection.Current()
	c.mu.RUnlock()
	if err != nil {
		return nil, c.fail(err)
	}
	if !ok {
		return nil, c.fail(selection.ErrNoSelection)
	}
	if strategy == "" {
		strategy = c.defaultStrategy
	}
	strategy, err = engine.ParseStrategy(string(strategy))
	if err != nil {
		return nil, c.fail(err)
	}

	req := engine.TrimRequest{
		Input:    track.Name,
		Start:    region.Start,
		Duration: region.Length(),
		Output:   output,
		Strategy: strategy,
	}

	start := time.Now()
	if output != track.Name {
		// Drop the output buffer, including any partial file from a failed run.
		defer c.release(ctx, output)
	}
	if err := c.engine.Trim(ctx, req); err != nil {
		c.logger.Warn("cut failed",
			slog.String("output", output),
			slog.String("error", err.Error()),
		)
		return nil, c.fail(err)
	}

	data, err := c.engine.ReadOutput(ctx, output)
	if err != nil {
		return nil, c.fail(err)
	}

	c.logger.Info("cut complete",
		slog.String("input", track.Name),
		slog.String("output", output),
		slog.String("strategy", string(strategy)),
		slog.Float64("start_sec", req.Start),
		slog.Float64("duration_sec", req.Duration),
		slog.Int("bytes", len(data)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return data, nil
}

// Status returns a snapshot of the session.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		ID:        c.id,
		Phase:     c.phase,
		CreatedAt: c.createdAt,
	}
	c.diagMu.Lock()
	st.LastLog = c.lastLog
	st.LastError = c.lastErr
	c.diagMu.Unlock()
	if c.track != nil {
		t := *c.track
		st.Track = &t
	}
	if r, ok := c.selection.Current(); ok {
		st.Selection = &r
	}
	if h := c.player.Active(); h != nil {
		st.Playing = true
		st.Position = h.Position()
	}
	return st
}

// Close stops playback, releases the loaded track and detaches observers. It
// waits for an in-flight long command to finish. Closing twice is a no-op.
func (c *Controller) Close(ctx context.Context) error {
	c.busy.Lock()
	defer c.busy.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	track := c.track
	c.track = nil
	c.selection.Clear()
	c.player.Unload()
	c.mu.Unlock()

	var err error
	if track != nil {
		if rerr := c.engine.Release(ctx, track.Name); rerr != nil {
			err = rerr
		}
	}
	c.unsubscribe()
	c.observers.reset()
	for _, fn := range c.onClose {
		fn()
	}

	c.logger.Info("session closed")
	return err
}

func (c *Controller) usableLocked() error {
	if c.closed {
		return ErrClosed
	}
	return c.initErr
}

func (c *Controller) loadedLocked() error {
	if err := c.usableLocked(); err != nil {
		return err
	}
	if c.phase != PhaseTrackLoaded {
		return ErrNotLoaded
	}
	return nil
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	c.notify(Event{Type: EventPhase, Phase: p})
}

// fail records err as the latest error, reports it to observers and returns
// it unchanged.
func (c *Controller) fail(err error) error {
	c.diagMu.Lock()
	c.lastErr = err.Error()
	c.diagMu.Unlock()
	c.notify(Event{Type: EventError, Message: err.Error()})
	return err
}

// release drops an engine buffer. It runs even when ctx is already cancelled.
func (c *Controller) release(ctx context.Context, name string) {
	if err := c.engine.Release(context.WithoutCancel(ctx), name); err != nil {
		c.logger.Warn("release failed",
			slog.String("buffer", name),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) onEngineEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventLog:
		c.diagMu.Lock()
		c.lastLog = ev.Message
		c.diagMu.Unlock()
		c.notify(Event{Type: EventLog, Message: ev.Message, Output: ev.Output})
	case engine.EventProgress:
		c.notify(Event{Type: EventProgress, Progress: ev.Progress, Output: ev.Output})
	}
}

func (c *Controller) notify(ev Event) {
	ev.SessionID = c.id
	c.observers.notify(ev)
}
