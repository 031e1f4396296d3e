// Package stream fans session events and preview audio out to websocket
// clients.
//
// Events are sent as JSON text messages. Preview audio is sent as binary
// messages: a 16 byte little-endian header (float64 offset in seconds, uint32
// sample rate, uint16 channels, uint16 reserved) followed by interleaved s16le
// PCM.
package stream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maauso/audiocut/internal/playback"
	"github.com/maauso/audiocut/internal/session"
)

// FrameHeaderSize is the length of the header before PCM data in binary
// messages.
const FrameHeaderSize = 16

const (
	defaultSendBuffer = 256
	writeWait         = 10 * time.Second
)

// ErrHubClosed is returned when writing to a closed hub.
var ErrHubClosed = errors.New("stream: hub closed")

type message struct {
	kind int
	data []byte
}

type client struct {
	conn *websocket.Conn
	send chan message
}

// Hub is the set of websocket clients following one session. Slow clients
// drop messages instead of blocking the session.
type Hub struct {
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	sendBuffer int

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithSendBuffer sets how many messages may be queued per client.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithCheckOrigin overrides the upgrade origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) HubOption {
	return func(h *Hub) {
		if fn != nil {
			h.upgrader.CheckOrigin = fn
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		logger:     slog.Default(),
		sendBuffer: defaultSendBuffer,
		clients:    make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and follows the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{conn: conn, send: make(chan message, h.sendBuffer)}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go h.writeLoop(c)

	// Incoming messages are ignored; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("stream client connected", slog.Int("clients", len(h.clients)))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("stream client disconnected", slog.Int("clients", len(h.clients)))
}

func (h *Hub) writeLoop(c *client) {
	defer func() { _ = c.conn.Close() }()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(msg.kind, msg.data); err != nil {
			h.logger.Debug("stream write failed", slog.String("error", err.Error()))
			h.unregister(c)
			// Drain what was queued before the channel closed.
			for range c.send {
				continue
			}
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// broadcast queues msg for every client. Full queues drop the message.
func (h *Hub) broadcast(msg message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Debug("stream client queue full, dropping message")
		}
	}
	return nil
}

// Publish sends ev to every client as JSON. It can be registered directly as
// a session observer.
func (h *Hub) Publish(ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", slog.String("error", err.Error()))
		return
	}
	_ = h.broadcast(message{kind: websocket.TextMessage, data: data})
}

// WriteFrame sends a preview frame to every client.
func (h *Hub) WriteFrame(ctx context.Context, f playback.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.broadcast(message{kind: websocket.BinaryMessage, data: EncodeFrame(f)})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. Later writes return ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// EncodeFrame renders f as a binary stream message.
func EncodeFrame(f playback.Frame) []byte {
	out := make([]byte, FrameHeaderSize+len(f.PCM))
	binary.LittleEndian.PutUint64(out[0:8], math.Float64bits(f.Offset))
	binary.LittleEndian.PutUint32(out[8:12], uint32(f.SampleRate))
	binary.LittleEndian.PutUint16(out[12:14], uint16(f.Channels))
	copy(out[FrameHeaderSize:], f.PCM)
	return out
}

// DecodeFrame parses a binary stream message.
func DecodeFrame(data []byte) (playback.Frame, error) {
	if len(data) < FrameHeaderSize {
		return playback.Frame{}, errors.New("stream: short frame")
	}
	return playback.Frame{
		Offset:     math.Float64frombits(binary.LittleEndian.Uint64(data[0:8])),
		SampleRate: int(binary.LittleEndian.Uint32(data[8:12])),
		Channels:   int(binary.LittleEndian.Uint16(data[12:14])),
		PCM:        data[FrameHeaderSize:],
	}, nil
}

// Verify interface implementation at compile time.
var _ playback.Sink = (*Hub)(nil)
