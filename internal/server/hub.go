package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/yaoay/internal/avatar"
	"github.com/normanking/yaoay/internal/metrics"
	"github.com/normanking/yaoay/internal/stt"
	"github.com/normanking/yaoay/internal/tts"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16384

	sendBuffer = 64

	// Slots in the send buffer that pose frames may not take, so control
	// messages still fit behind a backlog of frames.
	controlReserve = 8
)

// Outbound message types.
const (
	TypeHello            = "hello"
	TypePose             = "pose"
	TypeState            = "state"
	TypeEvent            = "event"
	TypeLogEntry         = "log.entry"
	TypeRecognitionStart = "recognition.start"
	TypeRecognitionStop  = "recognition.stop"
	TypeSpeechSpeak      = "speech.speak"
	TypeSpeechCancel     = "speech.cancel"
	TypeError            = "error"
)

// Inbound message types.
const (
	TypeCaptureToggle     = "capture.toggle"
	TypeRecognitionResult = "recognition.result"
	TypeRecognitionEnd    = "recognition.end"
	TypeRecognitionError  = "recognition.error"
	TypeSpeechEnd         = "speech.end"
	TypeCredentialSet     = "credential.set"
	TypeLog               = "log"
)

// Message is the websocket envelope in both directions.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// RecognitionCapture is the payload of recognition.start, recognition.stop
// and recognition.end. The client echoes the capture id it was started
// with on every recognition message.
type RecognitionCapture struct {
	Capture string `json:"capture"`
}

// RecognitionResult is the payload of recognition.result.
type RecognitionResult struct {
	Capture    string `json:"capture"`
	Transcript string `json:"transcript"`
	Final      bool   `json:"final"`
}

// RecognitionFailure is the payload of recognition.error.
type RecognitionFailure struct {
	Capture string `json:"capture"`
	Code    string `json:"code"`
}

// SpeechEnd is the payload of speech.end.
type SpeechEnd struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// CredentialUpdate is the payload of credential.set and PUT /api/credential.
type CredentialUpdate struct {
	APIKey string `json:"apiKey"`
}

// ClientLog is the payload of log: a browser-side log line.
type ClientLog struct {
	Level     string         `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Client is one websocket connection.
type Client struct {
	ID          string
	ConnectedAt time.Time

	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// Hub tracks websocket clients and fans messages out to them. The newest
// client owns the microphone and the speaker.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	order    []string
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	handlers HubHandlers
}

// HubHandlers are the callbacks a Hub runs for its clients. OnMessage runs
// on the client's read goroutine.
type HubHandlers struct {
	OnMessage    func(c *Client, msg Message)
	OnConnect    func(c *Client)
	OnDisconnect func(c *Client, remaining int)
}

// NewHub creates a Hub accepting the given origins. An empty list or "*"
// accepts any origin.
func NewHub(allowedOrigins []string, logger zerolog.Logger) *Hub {
	h := &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With().Str("component", "ws-hub").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(allowedOrigins, r.Header.Get("Origin"))
		},
	}
	return h
}

// SetHandlers replaces the client callbacks.
func (h *Hub) SetHandlers(handlers HubHandlers) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = handlers
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

// ServeWS upgrades the request and runs the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		conn:        conn,
		hub:         h,
		send:        make(chan []byte, sendBuffer),
		ctx:         ctx,
		cancel:      cancel,
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.order = append(h.order, c.ID)
	count := len(h.clients)
	onConnect := h.handlers.OnConnect
	h.mu.Unlock()

	metrics.ConnectedClients.Set(float64(count))
	h.logger.Info().Str("client", c.ID).Int("clients", count).Msg("Client connected")
	if onConnect != nil {
		onConnect(c)
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	h.order = slices.DeleteFunc(h.order, func(id string) bool { return id == c.ID })
	remaining := len(h.clients)
	onDisconnect := h.handlers.OnDisconnect
	h.mu.Unlock()

	c.close()
	metrics.ConnectedClients.Set(float64(remaining))
	h.logger.Info().Str("client", c.ID).Int("clients", remaining).Msg("Client disconnected")
	if onDisconnect != nil {
		onDisconnect(c, remaining)
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// primary returns the newest client, or nil.
func (h *Hub) primary() *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.order) == 0 {
		return nil
	}
	return h.clients[h.order[len(h.order)-1]]
}

// Broadcast sends a message to every client.
func (h *Hub) Broadcast(msgType string, data any) {
	payload, err := encode(msgType, data)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("Failed to encode message")
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		_ = c.enqueue(msgType, payload)
	}
}

func (h *Hub) sendPrimary(msgType string, data any) error {
	c := h.primary()
	if c == nil {
		return errNoClient
	}
	return c.Send(msgType, data)
}

// StartRecognition asks the primary client to start listening for capture.
func (h *Hub) StartRecognition(_ context.Context, capture string) error {
	err := h.sendPrimary(TypeRecognitionStart, RecognitionCapture{Capture: capture})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNoClient):
		return stt.ErrNoClient
	default:
		return fmt.Errorf("start recognition: %w", err)
	}
}

// StopRecognition asks the primary client to stop listening for capture.
func (h *Hub) StopRecognition(capture string) error {
	err := h.sendPrimary(TypeRecognitionStop, RecognitionCapture{Capture: capture})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNoClient):
		return stt.ErrNoClient
	default:
		return fmt.Errorf("stop recognition: %w", err)
	}
}

// RecognitionHooks returns bridge hooks that drive the primary client.
func (h *Hub) RecognitionHooks() stt.BridgeHooks {
	return stt.BridgeHooks{OnStart: h.StartRecognition, OnStop: h.StopRecognition}
}

// SendSpeak implements tts.RemoteTransport.
func (h *Hub) SendSpeak(req tts.SpeakRequest) error {
	err := h.sendPrimary(TypeSpeechSpeak, req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNoClient):
		return tts.ErrNoClient
	default:
		return fmt.Errorf("send speech: %w", err)
	}
}

// SendCancel implements tts.RemoteTransport.
func (h *Hub) SendCancel(id string) error {
	if h.Count() == 0 {
		return tts.ErrNoClient
	}
	h.Broadcast(TypeSpeechCancel, map[string]string{"id": id})
	return nil
}

// RunFrames streams poses to every client at rate frames per second until
// ctx is done. No frames are computed while nobody is connected.
func (h *Hub) RunFrames(ctx context.Context, rate int, frame func() avatar.Pose) {
	if rate <= 0 {
		return
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.Count() == 0 {
				continue
			}
			h.Broadcast(TypePose, frame())
		}
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

func encode(msgType string, data any) ([]byte, error) {
	out := struct {
		Type      string `json:"type"`
		Data      any    `json:"data,omitempty"`
		Timestamp int64  `json:"timestamp"`
	}{Type: msgType, Data: data, Timestamp: time.Now().UnixMilli()}
	return json.Marshal(out)
}

// Send queues a message for this client.
func (c *Client) Send(msgType string, data any) error {
	payload, err := encode(msgType, data)
	if err != nil {
		return err
	}
	return c.enqueue(msgType, payload)
}

func (c *Client) enqueue(msgType string, payload []byte) error {
	select {
	case <-c.ctx.Done():
		return errClientClosed
	default:
	}

	// Pose frames are superseded by the next tick.
	if msgType == TypePose && len(c.send) >= cap(c.send)-controlReserve {
		return errSendBufferFull
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.hub.logger.Warn().Str("client", c.ID).Str("type", msgType).Msg("Client send buffer full, dropping message")
		return errSendBufferFull
	}
}

// close stops the write pump, which sends a close frame and drops the
// connection.
func (c *Client) close() {
	c.cancel()
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Str("client", c.ID).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.logger.Warn().Err(err).Str("client", c.ID).Msg("Malformed client message")
			_ = c.Send(TypeError, map[string]string{"error": "malformed message"})
			continue
		}

		c.hub.mu.RLock()
		handler := c.hub.handlers.OnMessage
		c.hub.mu.RUnlock()
		if handler != nil {
			handler(c, msg)
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
