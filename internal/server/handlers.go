package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/audiocut/internal/engine"
	"github.com/maauso/audiocut/internal/playback"
	"github.com/maauso/audiocut/internal/selection"
	"github.com/maauso/audiocut/internal/session"
	"github.com/maauso/audiocut/internal/storage"
	"github.com/maauso/audiocut/internal/stream"
)

// DefaultMaxUploadBytes bounds track uploads when no limit is configured.
const DefaultMaxUploadBytes = 200 << 20

// SessionFactory builds an uninitialized session whose preview audio is
// written to sink.
type SessionFactory func(sink playback.Sink) (*session.Controller, error)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	registry       session.Registry
	newSession     SessionFactory
	delivery       storage.Storage
	validator      *validator.Validate
	logger         *slog.Logger
	maxUploadBytes int64

	mu   sync.RWMutex
	hubs map[string]*stream.Hub
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithMaxUploadBytes limits the size of uploaded tracks.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// WithDelivery sets the storage used to publish cuts with push_to_s3.
func WithDelivery(s storage.Storage) HandlerOption {
	return func(h *Handlers) {
		if s != nil {
			h.delivery = s
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(registry session.Registry, factory SessionFactory, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		registry:       registry,
		newSession:     factory,
		validator:      validator.New(),
		logger:         logger,
		maxUploadBytes: DefaultMaxUploadBytes,
		hubs:           make(map[string]*stream.Hub),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions", "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Sessions: len(sessions)})
}

// CreateSession handles POST /sessions requests.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	hub := stream.NewHub(stream.WithLogger(h.logger))

	ctrl, err := h.newSession(hub)
	if err != nil {
		h.logger.Error("failed to create session", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create session", "SESSION_CREATION_FAILED")
		return
	}
	ctrl.Observe(hub.Publish)

	if err := h.registry.Save(r.Context(), ctrl); err != nil {
		h.discard(r.Context(), ctrl, hub)
		h.writeSessionError(w, err)
		return
	}

	if err := ctrl.Initialize(r.Context()); err != nil {
		h.logger.Error("session initialization failed",
			slog.String("session_id", ctrl.ID()),
			slog.String("error", err.Error()),
		)
		_ = h.registry.Delete(r.Context(), ctrl.ID())
		h.discard(r.Context(), ctrl, hub)
		h.writeSessionError(w, err)
		return
	}

	h.mu.Lock()
	h.hubs[ctrl.ID()] = hub
	h.mu.Unlock()

	h.logger.Info("session created", slog.String("session_id", ctrl.ID()))

	st := ctrl.Status()
	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		ID:    st.ID,
		Phase: string(st.Phase),
	})
}

// ListSessions handles GET /sessions requests.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.registry.List(r.Context())
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	resp := ListSessionsResponse{Sessions: make([]SessionResponse, 0, len(sessions))}
	for _, ctrl := range sessions {
		resp.Sessions = append(resp.Sessions, newSessionResponse(ctrl.Status()))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSession handles GET /sessions/{id} requests.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(ctrl.Status()))
}

// DeleteSession handles DELETE /sessions/{id} requests.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.registry.Delete(r.Context(), ctrl.ID()); err != nil {
		h.writeSessionError(w, err)
		return
	}

	h.mu.Lock()
	hub := h.hubs[ctrl.ID()]
	delete(h.hubs, ctrl.ID())
	h.mu.Unlock()

	h.discard(r.Context(), ctrl, hub)
	h.logger.Info("session deleted", slog.String("session_id", ctrl.ID()))
	w.WriteHeader(http.StatusNoContent)
}

// LoadTrack handles PUT /sessions/{id}/track requests. The body is either the
// raw audio file, named by the "name" query parameter, or a multipart form with
// a "file" part.
func (h *Handlers) LoadTrack(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	name, data, err := h.readUpload(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("track exceeds %d bytes", maxErr.Limit), "TRACK_TOO_LARGE")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_UPLOAD")
		return
	}
	if err := storage.ValidateKey(name); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid track name %q", name), "INVALID_NAME")
		return
	}

	track, err := ctrl.LoadTrack(r.Context(), name, data)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TrackResponse{
		Name:       track.Name,
		Size:       track.Size,
		Format:     track.Format,
		SampleRate: track.SampleRate,
		Channels:   track.Channels,
		Duration:   track.Duration,
		LoadedAt:   track.LoadedAt,
	})
}

func (h *Handlers) readUpload(r *http.Request) (string, []byte, error) {
	name := r.URL.Query().Get("name")

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if name == "" {
			return "", nil, errors.New("name query parameter is required")
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return "", nil, err
		}
		if len(data) == 0 {
			return "", nil, errors.New("request body is empty")
		}
		return name, data, nil
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, fmt.Errorf("read multipart file: %w", err)
	}
	defer func() { _ = file.Close() }()
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	if name == "" {
		name = filepath.Base(header.Filename)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, err
	}
	return name, data, nil
}

// Play handles POST /sessions/{id}/play requests.
func (h *Handlers) Play(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	// An empty body plays the whole track.
	var req PlayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	start := 0.0
	if req.Start != nil {
		start = *req.Start
	}
	handle, err := ctrl.Play(start, req.Stop)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PlayResponse{Start: handle.Start(), Stop: handle.Stop()})
}

// Stop handles POST /sessions/{id}/stop requests.
func (h *Handlers) Stop(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := ctrl.Stop(); err != nil {
		h.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SelectRegion handles PUT /sessions/{id}/selection requests.
func (h *Handlers) SelectRegion(w http.ResponseWriter, r *http.Request) {
	h.changeRegion(w, r, (*session.Controller).SelectRegion)
}

// UpdateRegion handles PATCH /sessions/{id}/selection requests.
func (h *Handlers) UpdateRegion(w http.ResponseWriter, r *http.Request) {
	h.changeRegion(w, r, (*session.Controller).UpdateRegion)
}

func (h *Handlers) changeRegion(w http.ResponseWriter, r *http.Request,
	apply func(*session.Controller, float64, float64) (selection.Region, error)) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req RegionRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	region, err := apply(ctrl, *req.Start, *req.End)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RegionResponse{Start: region.Start, End: region.End})
}

// ClearRegion handles DELETE /sessions/{id}/selection requests.
func (h *Handlers) ClearRegion(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := ctrl.ClearRegion(); err != nil {
		h.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cut handles POST /sessions/{id}/cut requests. The cut is returned as an
// attachment, or published and returned as a URL when push_to_s3 is set.
func (h *Handlers) Cut(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req CutRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if err := storage.ValidateKey(req.OutputName); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid output name %q", req.OutputName), "INVALID_NAME")
		return
	}
	if st := ctrl.Status(); st.Track != nil && st.Track.Name == req.OutputName {
		writeError(w, http.StatusBadRequest, "output_name must differ from the track name", "INVALID_NAME")
		return
	}
	if req.PushToS3 && h.delivery == nil {
		h.writeSessionError(w, storage.ErrS3NotConfigured)
		return
	}

	data, err := ctrl.Cut(r.Context(), req.OutputName, engine.Strategy(req.CodecStrategy))
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	contentType := contentTypeFor(req.OutputName)

	if req.PushToS3 {
		key := ctrl.ID() + "/" + req.OutputName
		url, err := h.delivery.Publish(r.Context(), key, contentType, bytes.NewReader(data))
		if err != nil {
			h.logger.Error("failed to publish cut",
				slog.String("session_id", ctrl.ID()),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			h.writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, CutResponse{OutputName: req.OutputName, Size: len(data), URL: url})
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": req.OutputName}))
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("failed to write cut", slog.String("error", err.Error()))
	}
}

// Events handles GET /sessions/{id}/events websocket upgrades.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	h.mu.RLock()
	hub := h.hubs[ctrl.ID()]
	h.mu.RUnlock()
	if hub == nil {
		writeError(w, http.StatusNotFound, "session not found", "SESSION_NOT_FOUND")
		return
	}
	hub.ServeHTTP(w, r)
}

// Shutdown closes every session. It is used during graceful shutdown.
func (h *Handlers) Shutdown(ctx context.Context) {
	sessions, err := h.registry.List(ctx)
	if err != nil {
		return
	}
	for _, ctrl := range sessions {
		_ = h.registry.Delete(ctx, ctrl.ID())
		h.mu.Lock()
		hub := h.hubs[ctrl.ID()]
		delete(h.hubs, ctrl.ID())
		h.mu.Unlock()
		h.discard(ctx, ctrl, hub)
	}
}

// discard closes a session and its stream hub.
func (h *Handlers) discard(ctx context.Context, ctrl *session.Controller, hub *stream.Hub) {
	if err := ctrl.Close(ctx); err != nil {
		h.logger.Warn("failed to close session",
			slog.String("session_id", ctrl.ID()),
			slog.String("error", err.Error()),
		)
	}
	if hub != nil {
		hub.Close()
	}
}

// lookup resolves the {id} path value, writing a 404 when it is unknown.
func (h *Handlers) lookup(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session ID is required", "MISSING_SESSION_ID")
		return nil, false
	}
	ctrl, err := h.registry.FindByID(r.Context(), sessionID)
	if err != nil {
		h.writeSessionError(w, err)
		return nil, false
	}
	return ctrl, true
}

// decodeAndValidate reads a JSON body into dst and validates it.
func (h *Handlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return false
	}

	if err := h.validator.Struct(dst); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return false
	}
	return true
}

// writeSessionError maps domain errors to HTTP status codes.
func (h *Handlers) writeSessionError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, err.Error(), code)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, session.ErrRegistryFull):
		return http.StatusServiceUnavailable, "SESSION_LIMIT"
	case errors.Is(err, engine.ErrEngineInit):
		return http.StatusServiceUnavailable, "ENGINE_INIT_FAILED"
	case errors.Is(err, selection.ErrInvalidRange):
		return http.StatusUnprocessableEntity, "INVALID_RANGE"
	case errors.Is(err, playback.ErrInvalidOffset):
		return http.StatusUnprocessableEntity, "INVALID_OFFSET"
	case errors.Is(err, selection.ErrNoSelection):
		return http.StatusConflict, "NO_SELECTION"
	case errors.Is(err, session.ErrNotLoaded):
		return http.StatusConflict, "NOT_LOADED"
	case errors.Is(err, session.ErrEngineNotReady):
		return http.StatusConflict, "ENGINE_NOT_READY"
	case errors.Is(err, session.ErrSessionBusy):
		return http.StatusConflict, "SESSION_BUSY"
	case errors.Is(err, session.ErrClosed):
		return http.StatusConflict, "SESSION_CLOSED"
	case errors.Is(err, session.ErrLoad):
		return http.StatusUnprocessableEntity, "LOAD_FAILED"
	case errors.Is(err, engine.ErrEngineExec):
		return http.StatusBadGateway, "ENGINE_EXEC_FAILED"
	case errors.Is(err, engine.ErrEngineIO):
		return http.StatusInternalServerError, "ENGINE_IO_FAILED"
	case errors.Is(err, storage.ErrS3NotConfigured):
		return http.StatusBadRequest, "S3_NOT_CONFIGURED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// audioContentTypes maps cut extensions to response content types.
var audioContentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
}

func contentTypeFor(name string) string {
	if ct, ok := audioContentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
