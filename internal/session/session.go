// Package session drives one audio editing session: it owns the media engine
// handle, the decoded preview buffer, the active selection and the playback
// handle, and serializes the commands that change them.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maauso/audiocut/internal/playback"
	"github.com/maauso/audiocut/internal/selection"
)

// Static errors for session commands.
var (
	// ErrSessionBusy is returned when a long command overlaps another one.
	ErrSessionBusy = errors.New("session: another command is in flight")
	// ErrEngineNotReady is returned when a track is loaded before Initialize.
	ErrEngineNotReady = errors.New("session: engine not initialized")
	// ErrNotLoaded is returned by commands that need a loaded track.
	ErrNotLoaded = playback.ErrNotLoaded
	// ErrLoad matches every *LoadError.
	ErrLoad = errors.New("session: load failed")
	// ErrClosed is returned by commands issued after Close.
	ErrClosed = errors.New("session: closed")
)

// LoadError reports a failed LoadTrack. It unwraps to the engine or decode
// failure and matches ErrLoad.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("session: load %q: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrLoad.
func (e *LoadError) Is(target error) bool {
	return target == ErrLoad
}

// Phase is the lifecycle stage of a session.
type Phase string

const (
	// PhaseUninitialized means the engine has not been started.
	PhaseUninitialized Phase = "uninitialized"
	// PhaseEngineReady means the engine is ready and no track is loaded.
	PhaseEngineReady Phase = "engine-ready"
	// PhaseTrackLoaded means a track is loaded for preview and cutting.
	PhaseTrackLoaded Phase = "track-loaded"
)

// Track summarizes the loaded audio.
type Track struct {
	// Name is the engine input key. Reusing a name overwrites the buffer.
	Name       string    `json:"name"`
	Size       int       `json:"size"`
	Format     string    `json:"format"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	Duration   float64   `json:"duration"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// Status is a snapshot of a session for display.
type Status struct {
	ID        string            `json:"id"`
	Phase     Phase             `json:"phase"`
	Track     *Track            `json:"track,omitempty"`
	Selection *selection.Region `json:"selection,omitempty"`
	Playing   bool              `json:"playing"`
	Position  float64           `json:"position,omitempty"`
	LastLog   string            `json:"last_log,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// EventType identifies a session notification.
type EventType string

const (
	EventLog       EventType = "log"
	EventProgress  EventType = "progress"
	EventPhase     EventType = "phase"
	EventError     EventType = "error"
	EventPlayback  EventType = "playback"
	EventSelection EventType = "selection"
)

// PlaybackState describes a playback start or end.
type PlaybackState struct {
	// State is "started" or the playback.EndReason.
	State string  `json:"state"`
	Start float64 `json:"start"`
	Stop  float64 `json:"stop"`
}

// Event is delivered to observers as the session changes.
type Event struct {
	Type      EventType         `json:"type"`
	SessionID string            `json:"session_id"`
	Message   string            `json:"message,omitempty"`
	Progress  float64           `json:"progress,omitempty"`
	Output    string            `json:"output,omitempty"`
	Phase     Phase             `json:"phase,omitempty"`
	Selection *selection.Region `json:"selection,omitempty"`
	Playback  *PlaybackState    `json:"playback,omitempty"`
}

// Observer receives session events. It must not call back into the session.
type Observer func(Event)

type observerList struct {
	mu    sync.Mutex
	next  int
	items []observerEntry
}

type observerEntry struct {
	id int
	fn Observer
}

func (l *observerList) add(fn Observer) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.next
	l.next++
	l.items = append(l.items, observerEntry{id: id, fn: fn})

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.items {
			if e.id == id {
				l.items = append(l.items[:i], l.items[i+1:]...)
				return
			}
		}
	}
}

func (l *observerList) notify(ev Event) {
	l.mu.Lock()
	items := make([]observerEntry, len(l.items))
	copy(items, l.items)
	l.mu.Unlock()

	for _, e := range items {
		e.fn(ev)
	}
}

func (l *observerList) reset() {
	l.mu.Lock()
	l.items = nil
	l.mu.Unlock()
}
