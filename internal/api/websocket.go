// Package api provides the HTTP API handlers and WebSocket support
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/firewatch-io/firewatch/internal/core"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeCameraStatus MessageType = "camera_status"
	MessageTypeDetection    MessageType = "detection"
	MessageTypeIncident     MessageType = "incident"
	MessageTypeMonitorState MessageType = "monitor_state"
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeUnsubscribe  MessageType = "unsubscribe"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Client represents a WebSocket client
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool // camera IDs, "*" for all
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     slog.Default().With("component", "websocket-hub"),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client connected", "total_clients", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("Client disconnected", "total_clients", h.ClientCount())

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.logger.Warn("Client buffer full, dropping message")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
	}
}

// BroadcastToCamera sends a message to clients subscribed to a camera
func (h *Hub) BroadcastToCamera(cameraID string, msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal camera message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.subscriptions["*"] || client.subscriptions[cameraID] {
			select {
			case client.send <- data:
			default:
			}
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// AttachBus forwards event bus traffic to connected clients. Camera
// status events reach only the subscribed clients; detections,
// incidents and monitor state go to everyone.
func (h *Hub) AttachBus(bus *core.EventBus) error {
	_, err := bus.Subscribe(core.SubjectCameraStatus+".*", func(m *nats.Msg) {
		var event core.CameraStatusEvent
		if err := json.Unmarshal(m.Data, &event); err != nil {
			return
		}
		h.BroadcastToCamera(event.CameraID, Message{Type: MessageTypeCameraStatus, Data: event})
	})
	if err != nil {
		return err
	}

	if _, err := bus.Subscribe(core.SubjectDetection, func(m *nats.Msg) {
		h.Broadcast(Message{Type: MessageTypeDetection, Data: json.RawMessage(m.Data)})
	}); err != nil {
		return err
	}

	if _, err := bus.Subscribe(core.SubjectIncident, func(m *nats.Msg) {
		h.Broadcast(Message{Type: MessageTypeIncident, Data: json.RawMessage(m.Data)})
	}); err != nil {
		return err
	}

	_, err = bus.Subscribe(core.SubjectMonitorState, func(m *nats.Msg) {
		h.Broadcast(Message{Type: MessageTypeMonitorState, Data: json.RawMessage(m.Data)})
	})
	return err
}

// HandleWebSocket handles WebSocket connections
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: map[string]bool{"*": true},
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket read error", "error", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch pending messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage handles incoming messages from the client
func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case MessageTypePing:
		response := Message{Type: MessageTypePong, Timestamp: time.Now()}
		if data, err := json.Marshal(response); err == nil {
			select {
			case c.send <- data:
			default:
			}
		}

	case MessageTypeSubscribe:
		if cameras, ok := msg.Data.([]interface{}); ok {
			for _, cam := range cameras {
				if cameraID, ok := cam.(string); ok {
					c.subscriptions[cameraID] = true
				}
			}
		}

	case MessageTypeUnsubscribe:
		if cameras, ok := msg.Data.([]interface{}); ok {
			for _, cam := range cameras {
				if cameraID, ok := cam.(string); ok {
					delete(c.subscriptions, cameraID)
				}
			}
		}
	}
}
