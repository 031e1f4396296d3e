package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/audiocut/internal/engine"
	"github.com/maauso/audiocut/internal/playback"
	"github.com/maauso/audiocut/internal/session"
	"github.com/maauso/audiocut/internal/storage"
)

// mockEngine implements engine.Engine for testing.
type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Initialize(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockEngine) RegisterInput(ctx context.Context, name string, data io.Reader) error {
	args := m.Called(ctx, name, data)
	return args.Error(0)
}

func (m *mockEngine) Trim(ctx context.Context, req engine.TrimRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *mockEngine) ReadOutput(ctx context.Context, name string) ([]byte, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockEngine) Release(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *mockEngine) Subscribe(func(engine.Event)) func() {
	return func() {}
}

// mockDelivery implements storage.Storage for testing cut publishing.
type mockDelivery struct {
	mock.Mock
}

func (m *mockDelivery) Put(context.Context, string, io.Reader) error { return nil }

func (m *mockDelivery) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, storage.ErrNotFound
}

func (m *mockDelivery) Delete(context.Context, string) error { return nil }

func (m *mockDelivery) Path(key string) (string, error) { return key, nil }

func (m *mockDelivery) Dir() string { return "" }

func (m *mockDelivery) Publish(ctx context.Context, key, contentType string, data io.Reader) (string, error) {
	raw, _ := io.ReadAll(data)
	args := m.Called(ctx, key, contentType, raw)
	return args.String(0), args.Error(1)
}

// fixedDecoder decodes every payload to a 120 second mono buffer, except
// "not audio" which fails.
type fixedDecoder struct{}

func (fixedDecoder) Decode(_ context.Context, raw []byte) (*playback.Buffer, error) {
	if string(raw) == "not audio" {
		return nil, playback.ErrDecode
	}
	return &playback.Buffer{
		SampleRate: 100,
		Samples:    [][]float32{make([]float32, 120*100)},
		Format:     "mp3",
	}, nil
}

type testEnv struct {
	router   http.Handler
	handlers *Handlers
	engine   *mockEngine
	delivery *mockDelivery
	registry *session.MemoryRegistry
}

func newTestEnv(t *testing.T, opts ...HandlerOption) *testEnv {
	t.Helper()
	eng := &mockEngine{}
	eng.On("Initialize", mock.Anything).Return(nil).Maybe()
	eng.On("RegisterInput", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	eng.On("Release", mock.Anything, mock.Anything).Return(nil).Maybe()

	return newTestEnvWithEngine(t, eng, 0, opts...)
}

func newTestEnvWithEngine(t *testing.T, eng *mockEngine, maxSessions int, opts ...HandlerOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	registry := session.NewMemoryRegistry(maxSessions)
	delivery := &mockDelivery{}

	factory := func(sink playback.Sink) (*session.Controller, error) {
		player := playback.NewPlayer(playback.WithSink(sink), playback.WithRealtime(false))
		return session.New(eng,
			session.WithDecoder(fixedDecoder{}),
			session.WithPlayer(player),
			session.WithLogger(logger),
		), nil
	}

	opts = append([]HandlerOption{WithDelivery(delivery)}, opts...)
	h := NewHandlers(registry, factory, logger, opts...)
	t.Cleanup(func() { h.Shutdown(context.Background()) })

	return &testEnv{
		router:   NewRouter(h, logger, DefaultConfig()),
		handlers: h,
		engine:   eng,
		delivery: delivery,
		registry: registry,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/sessions", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp CreateSessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.ID
}

func (e *testEnv) loadTrack(t *testing.T, sessionID, name string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut, "/sessions/"+sessionID+"/track?name="+name,
		strings.NewReader("encoded audio"))
	req.Header.Set("Content-Type", "audio/mpeg")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Sessions)
}

func TestCreateSession_Success(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/sessions", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp CreateSessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, strings.HasPrefix(resp.ID, "sess-"))
	assert.Equal(t, "engine-ready", resp.Phase)

	rec = env.do(t, http.MethodGet, "/sessions/"+resp.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, resp.ID, got.ID)
	assert.Equal(t, "engine-ready", got.Phase)
	assert.Nil(t, got.Track)
}

func TestCreateSession_EngineInitFailure(t *testing.T) {
	eng := &mockEngine{}
	eng.On("Initialize", mock.Anything).Return(errors.New("ffmpeg: not found"))
	env := newTestEnvWithEngine(t, eng, 0)

	rec := env.do(t, http.MethodPost, "/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "ENGINE_INIT_FAILED", decodeError(t, rec).Code)

	sessions, err := env.registry.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCreateSession_Limit(t *testing.T) {
	eng := &mockEngine{}
	eng.On("Initialize", mock.Anything).Return(nil)
	env := newTestEnvWithEngine(t, eng, 1)

	env.createSession(t)

	rec := env.do(t, http.MethodPost, "/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SESSION_LIMIT", decodeError(t, rec).Code)
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t)
	first := env.createSession(t)
	second := env.createSession(t)

	rec := env.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListSessionsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	ids := make([]string, 0, len(resp.Sessions))
	for _, s := range resp.Sessions {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{first, second}, ids)
}

func TestGetSession_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/sessions/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", decodeError(t, rec).Code)
}

func TestGetSession_MissingID(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/sessions/", nil)
	// Don't set path value to simulate missing ID
	rec := httptest.NewRecorder()
	env.handlers.GetSession(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_SESSION_ID", decodeError(t, rec).Code)
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	env.loadTrack(t, id, "a.mp3")

	rec := env.do(t, http.MethodDelete, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	env.engine.AssertCalled(t, "Release", mock.Anything, "a.mp3")

	rec = env.do(t, http.MethodGet, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoadTrack_RawBody(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	req := httptest.NewRequest(http.MethodPut, "/sessions/"+id+"/track?name=a.mp3", strings.NewReader("encoded audio"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var track TrackResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&track))
	assert.Equal(t, "a.mp3", track.Name)
	assert.Equal(t, len("encoded audio"), track.Size)
	assert.InDelta(t, 120.0, track.Duration, 1e-9)

	env.engine.AssertCalled(t, "RegisterInput", mock.Anything, "a.mp3", mock.Anything)

	rec = env.do(t, http.MethodGet, "/sessions/"+id, nil)
	var got SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "track-loaded", got.Phase)
	require.NotNil(t, got.Track)
	assert.Equal(t, "a.mp3", got.Track.Name)
}

func TestLoadTrack_Multipart(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "song.flac")
	require.NoError(t, err)
	_, err = part.Write([]byte("encoded audio"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPut, "/sessions/"+id+"/track", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var track TrackResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&track))
	assert.Equal(t, "song.flac", track.Name)
}

func TestLoadTrack_BadRequests(t *testing.T) {
	env := newTestEnv(t, WithMaxUploadBytes(32))
	id := env.createSession(t)

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"missing name", "/sessions/" + id + "/track", "encoded audio", http.StatusBadRequest, "INVALID_UPLOAD"},
		{"empty body", "/sessions/" + id + "/track?name=a.mp3", "", http.StatusBadRequest, "INVALID_UPLOAD"},
		{"path in name", "/sessions/" + id + "/track?name=..%2Fa.mp3", "encoded audio", http.StatusBadRequest, "INVALID_NAME"},
		{"flag-like name", "/sessions/" + id + "/track?name=-y.mp3", "encoded audio", http.StatusBadRequest, "INVALID_NAME"},
		{"too large", "/sessions/" + id + "/track?name=a.mp3", strings.Repeat("x", 64), http.StatusRequestEntityTooLarge, "TRACK_TOO_LARGE"},
		{"decode failure", "/sessions/" + id + "/track?name=a.mp3", "not audio", http.StatusUnprocessableEntity, "LOAD_FAILED"},
		{"unknown session", "/sessions/nope/track?name=a.mp3", "encoded audio", http.StatusNotFound, "SESSION_NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			env.router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantErr, decodeError(t, rec).Code)
		})
	}
}

func TestPlay(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	rec := env.do(t, http.MethodPost, "/sessions/"+id+"/play", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_LOADED", decodeError(t, rec).Code)

	env.loadTrack(t, id, "a.mp3")

	rec = env.do(t, http.MethodPost, "/sessions/"+id+"/play", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp PlayResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, PlayResponse{Start: 0, Stop: 120}, resp)

	rec = env.do(t, http.MethodPost, "/sessions/"+id+"/play", jsonBody(t, map[string]float64{"start": 10, "stop": 20}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, PlayResponse{Start: 10, Stop: 20}, resp)

	rec = env.do(t, http.MethodPost, "/sessions/"+id+"/play", jsonBody(t, map[string]float64{"start": 130}))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INVALID_OFFSET", decodeError(t, rec).Code)

	rec = env.do(t, http.MethodPost, "/sessions/"+id+"/play", jsonBody(t, map[string]float64{"start": -1}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)

	rec = env.do(t, http.MethodPost, "/sessions/"+id+"/stop", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSelection(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	path := "/sessions/" + id + "/selection"

	rec := env.do(t, http.MethodPut, path, jsonBody(t, map[string]float64{"start": 5, "end": 15}))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_LOADED", decodeError(t, rec).Code)

	env.loadTrack(t, id, "a.mp3")

	rec = env.do(t, http.MethodPatch, path, jsonBody(t, map[string]float64{"start": 5, "end": 15}))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_SELECTION", decodeError(t, rec).Code)

	rec = env.do(t, http.MethodPut, path, jsonBody(t, map[string]float64{"start": 5, "end": 15}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var region RegionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&region))
	assert.Equal(t, RegionResponse{Start: 5, End: 15}, region)

	rec = env.do(t, http.MethodPatch, path, jsonBody(t, map[string]float64{"start": 0, "end": 30}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPut, path, jsonBody(t, map[string]float64{"start": 50, "end": 121}))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INVALID_RANGE", decodeError(t, rec).Code)

	rec = env.do(t, http.MethodPut, path, jsonBody(t, map[string]float64{"start": 5}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)

	rec = env.do(t, http.MethodGet, "/sessions/"+id, nil)
	var got SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.NotNil(t, got.Selection)
	assert.Equal(t, RegionResponse{Start: 0, End: 30}, *got.Selection)

	rec = env.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCut_Download(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	env.loadTrack(t, id, "a.mp3")

	rec := env.do(t, http.MethodPost, "/sessions/"+id+"/cut", jsonBody(t, CutRequest{OutputName: "out.mp3"}))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_SELECTION", decodeError(t, rec).Code)
	env.engine.AssertNotCalled(t, "Trim", mock.Anything, mock.Anything)

	rec = env.do(t, http.MethodPut, "/sessions/"+id+"/selection", jsonBody(t, map[string]float64{"start": 5, "end": 15}))
	require.Equal(t, http.StatusOK, rec.Code)

	env.engine.On("Trim", mock.Anything, engine.TrimRequest{
		Input:    "a.mp3",
		Start:    5,
		Duration: 10,
		Output:   "out.mp3",
		Strategy: engine.StrategyStreamCopy,
	}).Return(nil).Once()
	env.engine.On("ReadOutput", mock.Anything, "out.mp3").Return([]byte("cut bytes"), nil).Once()

	rec = env.do(t, http.MethodPost, "/sessions/"+id+"/cut", jsonBody(t, CutRequest{OutputName: "out.mp3"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=out.mp3", rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "cut bytes", rec.Body.String())
	env.engine.AssertExpectations(t)
}

func TestCut_Errors(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	env.loadTrack(t, id, "a.mp3")
	rec := env.do(t, http.MethodPut, "/sessions/"+id+"/selection", jsonBody(t, map[string]float64{"start": 5, "end": 15}))
	require.Equal(t, http.StatusOK, rec.Code)

	tests := []struct {
		name     string
		req      any
		wantCode int
		wantErr  string
	}{
		{"missing output", CutRequest{}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown strategy", map[string]string{"output_name": "out.mp3", "codec_strategy": "lossless"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"output with path", CutRequest{OutputName: "../out.mp3"}, http.StatusBadRequest, "INVALID_NAME"},
		{"output overwrites track", CutRequest{OutputName: "a.mp3"}, http.StatusBadRequest, "INVALID_NAME"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/sessions/"+id+"/cut", jsonBody(t, tt.req))
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantErr, decodeError(t, rec).Code)
		})
	}
	env.engine.AssertNotCalled(t, "Trim", mock.Anything, mock.Anything)

	env.engine.On("Trim", mock.Anything, mock.Anything).
		Return(errors.Join(engine.ErrEngineExec, errors.New("exit status 1"))).Once()

	rec = env.do(t, http.MethodPost, "/sessions/"+id+"/cut", jsonBody(t, CutRequest{OutputName: "out.mp3", CodecStrategy: "re-encode"}))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "ENGINE_EXEC_FAILED", decodeError(t, rec).Code)

	rec = env.do(t, http.MethodGet, "/sessions/"+id, nil)
	var got SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Contains(t, got.LastError, "exit status 1")
	require.NotNil(t, got.Selection)
	assert.Equal(t, RegionResponse{Start: 5, End: 15}, *got.Selection)
}

func TestCut_PushToS3(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	env.loadTrack(t, id, "a.mp3")
	rec := env.do(t, http.MethodPut, "/sessions/"+id+"/selection", jsonBody(t, map[string]float64{"start": 1, "end": 2}))
	require.Equal(t, http.StatusOK, rec.Code)

	env.engine.On("Trim", mock.Anything, mock.Anything).Return(nil).Once()
	env.engine.On("ReadOutput", mock.Anything, "clip.wav").Return([]byte("RIFF"), nil).Once()
	env.delivery.On("Publish", mock.Anything, id+"/clip.wav", "audio/wav", []byte("RIFF")).
		Return("https://bucket.s3.us-east-1.amazonaws.com/cuts/"+id+"/clip.wav", nil).Once()

	rec = env.do(t, http.MethodPost, "/sessions/"+id+"/cut", jsonBody(t, CutRequest{OutputName: "clip.wav", PushToS3: true}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp CutResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "clip.wav", resp.OutputName)
	assert.Equal(t, 4, resp.Size)
	assert.Contains(t, resp.URL, "/cuts/"+id+"/clip.wav")
	env.delivery.AssertExpectations(t)
}

func TestCut_PushToS3NotConfigured(t *testing.T) {
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	env := newTestEnv(t, WithDelivery(local))
	id := env.createSession(t)
	env.loadTrack(t, id, "a.mp3")
	rec := env.do(t, http.MethodPut, "/sessions/"+id+"/selection", jsonBody(t, map[string]float64{"start": 1, "end": 2}))
	require.Equal(t, http.StatusOK, rec.Code)

	env.engine.On("Trim", mock.Anything, mock.Anything).Return(nil).Once()
	env.engine.On("ReadOutput", mock.Anything, "clip.mp3").Return([]byte("ID3"), nil).Once()

	rec = env.do(t, http.MethodPost, "/sessions/"+id+"/cut", jsonBody(t, CutRequest{OutputName: "clip.mp3", PushToS3: true}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "S3_NOT_CONFIGURED", decodeError(t, rec).Code)
}

func TestEvents_WebSocket(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	env.loadTrack(t, id, "a.mp3")

	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// The hub registers the client asynchronously.
	require.Eventually(t, func() bool {
		env.handlers.mu.RLock()
		defer env.handlers.mu.RUnlock()
		return env.handlers.hubs[id].Clients() == 1
	}, 3*time.Second, 10*time.Millisecond)

	rec := env.do(t, http.MethodPut, "/sessions/"+id+"/selection", jsonBody(t, map[string]float64{"start": 5, "end": 15}))
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)

	var ev session.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, session.EventSelection, ev.Type)
	assert.Equal(t, id, ev.SessionID)
	require.NotNil(t, ev.Selection)
	assert.InDelta(t, 10.0, ev.Selection.Length(), 1e-9)
}

func TestEvents_UnknownSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/sessions/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{session.ErrSessionBusy, http.StatusConflict, "SESSION_BUSY"},
		{session.ErrEngineNotReady, http.StatusConflict, "ENGINE_NOT_READY"},
		{&session.LoadError{Name: "a.mp3", Err: engine.ErrEngineIO}, http.StatusUnprocessableEntity, "LOAD_FAILED"},
		{engine.ErrEngineIO, http.StatusInternalServerError, "ENGINE_IO_FAILED"},
		{session.ErrClosed, http.StatusConflict, "SESSION_CLOSED"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			status, code := statusFor(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "audio/mpeg", contentTypeFor("out.MP3"))
	assert.Equal(t, "audio/flac", contentTypeFor("out.flac"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("out.bin"))
}
