package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/iotlab-core/internal/infrastructure/config"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/logging"
	"github.com/nerrad567/iotlab-core/internal/reading"
	"github.com/nerrad567/iotlab-core/internal/realtime"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeLatest      = "latest"
	WSTypeCommand     = "command"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	// wsRequestTimeout bounds store and bus work done for one client message.
	wsRequestTimeout = 10 * time.Second
)

// wsRequest is a message received from a client. Payload is decoded per type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// WSLatestPayload asks for the newest reading of a device.
type WSLatestPayload struct {
	DeviceID int64 `json:"device_id"`
}

// WSCommandPayload carries a command for a device.
type WSCommandPayload struct {
	DeviceID int64           `json:"device_id"`
	Body     json.RawMessage `json:"body"`
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// wsClient is one WebSocket connection. It is registered with the realtime
// hub as a listener.
type wsClient struct {
	id     string
	server *Server
	conn   *websocket.Conn
	logger *logging.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// Deliver queues data for the write pump. It never blocks: a full buffer
// drops the message for this client only.
func (c *wsClient) Deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("websocket client buffer full, message dropped", "client_id", c.id)
		return false
	}
}

// close stops delivery and ends the write pump. Safe to call more than once.
func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		id:     uuid.NewString(),
		server: s,
		conn:   conn,
		logger: s.logger,
		send:   make(chan []byte, wsSendBufferSize),
	}
	s.registerClient(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

func (s *Server) registerClient(c *wsClient) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("websocket client connected", "client_id", c.id, "clients", n)
}

// unregisterClient detaches c from the hub and closes its send channel.
func (s *Server) unregisterClient(c *wsClient) {
	s.hub.Remove(c)

	s.clientsMu.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.clientsMu.Unlock()

	c.close()
	s.logger.Debug("websocket client disconnected", "client_id", c.id, "clients", n)
}

// closeClients disconnects every client during shutdown.
func (s *Server) closeClients() {
	s.clientsMu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		s.unregisterClient(c)
		c.conn.Close()
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// readPump reads messages from the WebSocket connection.
func (c *wsClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.server.unregisterClient(c)
		c.conn.Close()
	}()

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	pingInterval, pongWait := wsIntervals(cfg)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "client_id", c.id, "error", err)
			} else {
				c.logger.Debug("websocket closed", "client_id", c.id, "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *wsClient) writePump(cfg config.WebSocketConfig) {
	pingInterval, pongWait := wsIntervals(cfg)
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func wsIntervals(cfg config.WebSocketConfig) (ping, pong time.Duration) {
	ping = time.Duration(cfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = 30 * time.Second
	}
	pong = time.Duration(cfg.PongTimeout) * time.Second
	if pong <= 0 {
		pong = 10 * time.Second
	}
	return ping, pong
}

// handleMessage processes an incoming WebSocket message.
func (c *wsClient) handleMessage(data []byte) {
	var msg wsRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	case WSTypeLatest:
		c.handleLatest(msg)
	case WSTypeCommand:
		c.handleCommand(msg)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *wsClient) handleSubscribe(msg wsRequest) {
	var sub WSSubscribePayload
	if err := json.Unmarshal(msg.Payload, &sub); err != nil || len(sub.Channels) == 0 {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}

	c.server.hub.Subscribe(c, sub.Channels...)
	c.logger.Info("websocket client subscribed", "client_id", c.id, "channels", sub.Channels)

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"subscribed": sub.Channels,
	})
}

func (c *wsClient) handleUnsubscribe(msg wsRequest) {
	var sub WSSubscribePayload
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}

	c.server.hub.Unsubscribe(c, sub.Channels...)

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": sub.Channels,
	})
}

// handleLatest subscribes the client to a device's readings and pushes the
// newest stored one, so a fresh dashboard does not wait for the next frame.
func (c *wsClient) handleLatest(msg wsRequest) {
	var req WSLatestPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.DeviceID <= 0 {
		c.sendError(msg.ID, "invalid latest payload")
		return
	}

	channel := realtime.SensorDataChannel(req.DeviceID)
	c.server.hub.Subscribe(c, channel)
	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"subscribed": []string{channel},
	})

	ctx, cancel := context.WithTimeout(c.server.ctx, wsRequestTimeout)
	defer cancel()

	latest, err := c.server.readings.Latest(ctx, req.DeviceID)
	if errors.Is(err, reading.ErrReadingNotFound) {
		return
	}
	if err != nil {
		c.logger.Error("failed to load latest reading", "device", req.DeviceID, "error", err)
		c.sendError(msg.ID, "failed to load latest reading")
		return
	}
	c.sendMessage(realtime.Message{
		Type:      realtime.TypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   latest,
	})
}

func (c *wsClient) handleCommand(msg wsRequest) {
	var req WSCommandPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.DeviceID <= 0 {
		c.sendError(msg.ID, "invalid command payload")
		return
	}

	ctx, cancel := context.WithTimeout(c.server.ctx, wsRequestTimeout)
	defer cancel()

	ack, err := c.server.commands.Send(ctx, req.DeviceID, req.Body)
	if err != nil {
		c.sendError(msg.ID, err.Error())
		return
	}
	c.sendResponse(msg.ID, WSTypeResponse, ack)
}

func (c *wsClient) sendResponse(id, msgType string, payload any) {
	c.sendMessage(realtime.Message{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
}

func (c *wsClient) sendError(id, message string) {
	c.sendMessage(realtime.Message{
		Type:      WSTypeError,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   map[string]string{"error": message},
	})
}

func (c *wsClient) sendMessage(msg realtime.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal websocket message", "error", err)
		return
	}
	c.Deliver(data)
}
