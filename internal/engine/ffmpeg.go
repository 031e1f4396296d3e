package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/maauso/audiocut/internal/storage"
)

// stderrTailLines bounds how much ffmpeg output is kept for error reports.
const stderrTailLines = 20

// FFmpegEngine implements Engine using the ffmpeg CLI over a storage file space.
type FFmpegEngine struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	files      storage.Storage
	logger     *slog.Logger
	subs       subscribers

	mu          sync.RWMutex
	initialized bool
	version     string
}

// Option configures an FFmpegEngine.
type Option func(*FFmpegEngine)

// WithFFmpegPath sets the ffmpeg binary. Empty keeps the default.
func WithFFmpegPath(path string) Option {
	return func(e *FFmpegEngine) {
		if path != "" {
			e.ffmpegPath = path
		}
	}
}

// WithLogger sets the logger used for command tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(e *FFmpegEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewFFmpegEngine creates an engine whose named buffers live in files.
func NewFFmpegEngine(files storage.Storage, opts ...Option) *FFmpegEngine {
	e := &FFmpegEngine{
		ffmpegPath: "ffmpeg",
		files:      files,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initialize checks that ffmpeg can be executed and records its version.
func (e *FFmpegEngine) Initialize(ctx context.Context) error {
	if e.files == nil {
		return fmt.Errorf("%w: no file space configured", ErrEngineInit)
	}

	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, e.ffmpegPath, "-hide_banner", "-version")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrEngineInit, ctx.Err())
		}
		return fmt.Errorf("%w: run %s: %w, stderr: %s", ErrEngineInit, e.ffmpegPath, err, stderr.String())
	}

	version := strings.TrimSpace(strings.SplitN(stdout.String(), "\n", 2)[0])

	e.mu.Lock()
	e.initialized = true
	e.version = version
	e.mu.Unlock()

	e.logger.Debug("media engine ready",
		slog.String("ffmpeg", e.ffmpegPath),
		slog.String("version", version),
	)
	e.subs.emit(Event{Kind: EventLog, Message: version})
	return nil
}

// Version returns the ffmpeg version line reported during Initialize.
func (e *FFmpegEngine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// ready reports ErrNotInitialized wrapped in the calling method's error kind.
func (e *FFmpegEngine) ready(kind error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.initialized {
		return fmt.Errorf("%w: %w", kind, ErrNotInitialized)
	}
	return nil
}

// RegisterInput stores data under name in the file space.
func (e *FFmpegEngine) RegisterInput(ctx context.Context, name string, data io.Reader) error {
	if err := e.ready(ErrEngineIO); err != nil {
		return err
	}
	if err := e.files.Put(ctx, name, data); err != nil {
		return fmt.Errorf("%w: register %s: %w", ErrEngineIO, name, err)
	}
	return nil
}

// ReadOutput returns the bytes stored under name.
func (e *FFmpegEngine) ReadOutput(ctx context.Context, name string) ([]byte, error) {
	if err := e.ready(ErrEngineIO); err != nil {
		return nil, err
	}

	r, err := e.files.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrEngineIO, name, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrEngineIO, name, err)
	}
	return data, nil
}

// Release removes the buffer stored under name.
func (e *FFmpegEngine) Release(ctx context.Context, name string) error {
	if err := e.files.Delete(ctx, name); err != nil {
		return fmt.Errorf("%w: release %s: %w", ErrEngineIO, name, err)
	}
	return nil
}

// Subscribe registers fn for engine events.
func (e *FFmpegEngine) Subscribe(fn func(Event)) func() {
	return e.subs.add(fn)
}

// ValidateTrim checks a request before any command is built and returns it
// with the strategy in canonical form. An empty strategy becomes stream-copy.
func ValidateTrim(req TrimRequest) (TrimRequest, error) {
	switch {
	case math.IsNaN(req.Start) || math.IsInf(req.Start, 0) || req.Start < 0:
		return req, fmt.Errorf("%w: start must be >= 0, got %v", ErrEngineExec, req.Start)
	case math.IsNaN(req.Duration) || math.IsInf(req.Duration, 0) || req.Duration <= 0:
		return req, fmt.Errorf("%w: duration must be > 0, got %v", ErrEngineExec, req.Duration)
	case req.Input == req.Output:
		return req, fmt.Errorf("%w: output %q must differ from input", ErrEngineExec, req.Output)
	}
	if err := storage.ValidateKey(req.Input); err != nil {
		return req, fmt.Errorf("%w: input %q: %w", ErrEngineExec, req.Input, err)
	}
	if err := storage.ValidateKey(req.Output); err != nil {
		return req, fmt.Errorf("%w: output %q: %w", ErrEngineExec, req.Output, err)
	}
	strategy, err := ParseStrategy(string(req.Strategy))
	if err != nil {
		return req, err
	}
	req.Strategy = strategy
	return req, nil
}

// formatSeconds renders seconds in the shortest exact decimal form.
func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// TrimArgs builds the argument vector for a trim:
// [-i, <input>, -ss, <start>, -t, <duration>, -c, copy|<codec>, <output>].
// The strategy is matched the same way ParseStrategy reads it.
func TrimArgs(req TrimRequest) []string {
	codec := "copy"
	if s, err := ParseStrategy(string(req.Strategy)); err == nil && s == StrategyReEncode {
		codec = req.Codec
		if codec == "" {
			codec = CodecForOutput(req.Output)
		}
	}
	return []string{
		"-i", req.Input,
		"-ss", formatSeconds(req.Start),
		"-t", formatSeconds(req.Duration),
		"-c", codec,
		req.Output,
	}
}

// Trim runs ffmpeg inside the file space directory, streaming its output to
// subscribers as log and progress events.
func (e *FFmpegEngine) Trim(ctx context.Context, req TrimRequest) error {
	if err := e.ready(ErrEngineExec); err != nil {
		return err
	}
	req, err := ValidateTrim(req)
	if err != nil {
		return err
	}

	inputPath, err := e.files.Path(req.Input)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEngineExec, err)
	}
	if _, err := os.Stat(inputPath); err != nil {
		return fmt.Errorf("%w: missing input %s: %w", ErrEngineExec, req.Input, err)
	}

	args := TrimArgs(req)
	if err := e.runFFmpeg(ctx, args, req); err != nil {
		return err
	}

	e.subs.emit(Event{Kind: EventProgress, Progress: 1, Output: req.Output})
	return nil
}

// runFFmpeg executes ffmpeg with the given trim arguments. Failures carry the
// tail of stderr in an *FFmpegError wrapped with ErrEngineExec.
func (e *FFmpegEngine) runFFmpeg(ctx context.Context, args []string, req TrimRequest) error {
	full := append([]string{"-hide_banner", "-nostdin", "-y"}, args...)

	// #nosec G204 - ffmpegPath is set by the application, names are validated keys
	cmd := exec.CommandContext(ctx, e.ffmpegPath, full...)
	cmd.Dir = e.files.Dir()

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEngineExec, err)
	}

	e.logger.Debug("running ffmpeg", slog.Any("args", full))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrEngineExec, &FFmpegError{Args: full, Err: err})
	}

	tail := e.consumeOutput(stderr, req)

	if err := cmd.Wait(); err != nil {
		// Check if context was cancelled
		if ctx.Err() != nil {
			return fmt.Errorf("%w: ffmpeg cancelled: %w", ErrEngineExec, ctx.Err())
		}
		return fmt.Errorf("%w: %w", ErrEngineExec, &FFmpegError{
			Args:   full,
			Stderr: strings.Join(tail, "\n"),
			Err:    err,
		})
	}

	return nil
}

// consumeOutput forwards every stderr line as a log event, derives progress
// from status lines and returns the last lines for error reporting.
func (e *FFmpegEngine) consumeOutput(r io.Reader, req TrimRequest) []string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanOutputLines)

	total := req.Duration
	tail := make([]string, 0, stderrTailLines)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if len(tail) == stderrTailLines {
			tail = tail[1:]
		}
		tail = append(tail, line)

		e.subs.emit(Event{Kind: EventLog, Message: line, Output: req.Output})

		// A cut past the end of the input finishes early.
		if inputDur, ok := parseInputDuration(line); ok && inputDur-req.Start < total {
			total = inputDur - req.Start
		}

		if elapsed, ok := parseProgressTime(line); ok {
			e.subs.emit(Event{
				Kind:     EventProgress,
				Progress: progressRatio(elapsed, total),
				Output:   req.Output,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		e.logger.Warn("reading ffmpeg output", slog.String("error", err.Error()))
		// Drain so the process is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
	return tail
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// Verify interface implementation at compile time.
var _ Engine = (*FFmpegEngine)(nil)

// AsFFmpegError extracts the *FFmpegError from err, if any.
func AsFFmpegError(err error) (*FFmpegError, bool) {
	var ffErr *FFmpegError
	ok := errors.As(err, &ffErr)
	return ffErr, ok
}
