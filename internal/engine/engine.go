// Package engine wraps the external media engine (ffmpeg) that cuts encoded
// audio. Inputs and outputs live in a named-buffer file space; trims are issued
// as argument vectors and report log and progress events to subscribers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
)

// Static errors for engine operations.
var (
	// ErrEngineInit is returned when the engine cannot be started. It is fatal
	// for the session that owns the engine.
	ErrEngineInit = errors.New("engine: initialization failed")
	// ErrEngineIO is returned when a named buffer cannot be written or read.
	ErrEngineIO = errors.New("engine: buffer I/O failed")
	// ErrEngineExec is returned when a trim command is rejected or fails.
	ErrEngineExec = errors.New("engine: command failed")
	// ErrNotInitialized is returned when a method is called before Initialize.
	ErrNotInitialized = errors.New("engine: not initialized")
)

// Strategy selects how a trim produces its output.
type Strategy string

const (
	// StrategyStreamCopy copies compressed frames. It is fast but can only cut
	// at existing sync points, so boundaries may shift slightly.
	StrategyStreamCopy Strategy = "stream-copy"
	// StrategyReEncode decodes and re-encodes the range. It is frame accurate
	// but slower.
	StrategyReEncode Strategy = "re-encode"
)

// ParseStrategy converts a configuration or request value to a Strategy.
// An empty string yields StrategyStreamCopy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyStreamCopy:
		return StrategyStreamCopy, nil
	case StrategyReEncode:
		return StrategyReEncode, nil
	default:
		return "", fmt.Errorf("%w: unknown codec strategy %q", ErrEngineExec, s)
	}
}

// reencodeCodecs maps output extensions to the encoder used for re-encoding.
var reencodeCodecs = map[string]string{
	".mp3":  "libmp3lame",
	".wav":  "pcm_s16le",
	".flac": "flac",
	".ogg":  "libvorbis",
	".opus": "libopus",
	".m4a":  "aac",
	".aac":  "aac",
}

// CodecForOutput returns the encoder for re-encoding into the output's format.
func CodecForOutput(output string) string {
	if codec, ok := reencodeCodecs[strings.ToLower(filepath.Ext(output))]; ok {
		return codec
	}
	return "aac"
}

// TrimRequest describes one cut of a registered input.
type TrimRequest struct {
	// Input is the file space name of the source buffer.
	Input string
	// Start is the offset in seconds where the cut begins.
	Start float64
	// Duration is the length of the cut in seconds.
	Duration float64
	// Output is the file space name for the produced buffer.
	Output string
	// Strategy selects stream copy or re-encoding.
	Strategy Strategy
	// Codec overrides the re-encode codec. Ignored for stream copy.
	Codec string
}

// EventKind identifies the type of engine notification.
type EventKind string

const (
	// EventLog carries one line of engine output.
	EventLog EventKind = "log"
	// EventProgress carries the completion ratio of the running trim.
	EventProgress EventKind = "progress"
)

// Event is an advisory notification emitted while the engine works.
type Event struct {
	Kind EventKind
	// Message is the log line for EventLog.
	Message string
	// Progress is the completion ratio in [0, 1] for EventProgress.
	Progress float64
	// Output is the buffer being produced, when known.
	Output string
}

// Engine is the port for the external media engine.
type Engine interface {
	// Initialize prepares the engine. It must succeed before any other method.
	Initialize(ctx context.Context) error

	// RegisterInput stores data under name, overwriting any prior entry.
	RegisterInput(ctx context.Context, name string, data io.Reader) error

	// Trim cuts a registered input into a new named buffer.
	Trim(ctx context.Context, req TrimRequest) error

	// ReadOutput returns the bytes stored under name.
	ReadOutput(ctx context.Context, name string) ([]byte, error)

	// Release drops the buffer stored under name. Missing names are ignored.
	Release(ctx context.Context, name string) error

	// Subscribe registers fn for log and progress events and returns a
	// function that removes it.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// subscribers delivers events synchronously, in emission order, once per
// registered function.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(Event)
	order  []int
}

func (s *subscribers) add(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fns == nil {
		s.fns = make(map[int]func(Event))
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn
	s.order = append(s.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.fns, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *subscribers) emit(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.fns[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
