// Package websocket streams device events to browser clients.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dsyorkd/hydro-controller/internal/events"
	"github.com/dsyorkd/hydro-controller/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// TopicAll subscribes a client to every device class
const TopicAll = "*"

// MessageType names client frames
type MessageType string

const (
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeEvent       MessageType = "event"
	MessageTypeError       MessageType = "error"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
)

// Message is the envelope for every frame in both directions
type Message struct {
	Type      MessageType     `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
}

// SubscribeMessage selects a device class (pump, flow, relay, sensor, system) or "*"
type SubscribeMessage struct {
	Topic string `json:"topic"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server relays hub events to connected clients
type Server struct {
	hub      *events.Hub
	logger   logger.Interface
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
}

// Client is one websocket connection
type Client struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	id     string

	subMux        sync.RWMutex
	subscriptions map[string]bool
}

// New creates a server. An empty allowedOrigins accepts any origin.
func New(hub *events.Hub, allowedOrigins []string, log logger.Interface) *Server {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	return &Server{
		hub:    hub,
		logger: log.WithField("component", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(origins) == 0 || origin == "" || origins[origin]
			},
		},
		clients: make(map[*Client]bool),
	}
}

// Run forwards hub events until ctx is done, then closes every client
func (s *Server) Run(ctx context.Context) {
	msgs, cancel := s.hub.Subscribe(256)
	defer cancel()
	defer s.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.Broadcast(msg)
		}
	}
}

// Broadcast sends an event to every client subscribed to its class
func (s *Server) Broadcast(ev events.Message) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal event")
		return
	}
	frame, err := json.Marshal(Message{
		Type:      MessageTypeEvent,
		Topic:     ev.Topic(),
		Payload:   data,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal event frame")
		return
	}

	class := ev.Class
	if class == "" {
		class = "system"
	}

	s.mu.RLock()
	var slow []*Client
	for client := range s.clients {
		if !client.isSubscribedTo(class) {
			continue
		}
		select {
		case client.send <- frame:
		default:
			slow = append(slow, client)
		}
	}
	s.mu.RUnlock()

	for _, client := range slow {
		s.logger.Warn("Dropping slow websocket client", "client_id", client.id)
		s.remove(client)
	}
}

// Clients returns the number of connected clients
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Handle upgrades the request and starts the client pumps
func (s *Server) Handle(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		server:        s,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            uuid.NewString(),
		subscriptions: map[string]bool{TopicAll: true},
	}
	if topic := c.Query("topic"); topic != "" {
		client.subscriptions = map[string]bool{topic: true}
	}

	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()
	s.logger.Debug("Client connected", "client_id", client.id)

	go client.writePump()
	go client.readPump()
}

// remove unregisters client and closes its send channel once
func (s *Server) remove(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
		s.logger.Debug("Client disconnected", "client_id", client.id)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		delete(s.clients, client)
		close(client.send)
	}
}

func (s *Server) sendToClient(client *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal client message")
		return
	}

	s.mu.RLock()
	_, ok := s.clients[client]
	if ok {
		select {
		case client.send <- data:
		default:
			ok = false
		}
	}
	s.mu.RUnlock()
	if !ok {
		s.remove(client)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.server.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.WithError(err).Warn("WebSocket read error", "client_id", c.id)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(http.StatusBadRequest, "Invalid message format")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg Message) {
	switch msg.Type {
	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		var sub SubscribeMessage
		if err := json.Unmarshal(msg.Payload, &sub); err != nil || sub.Topic == "" {
			c.sendError(http.StatusBadRequest, "Invalid subscription message")
			return
		}
		c.subMux.Lock()
		if msg.Type == MessageTypeSubscribe {
			c.subscriptions[sub.Topic] = true
		} else {
			delete(c.subscriptions, sub.Topic)
		}
		c.subMux.Unlock()
		c.server.logger.Debug("Client subscriptions changed", "client_id", c.id, "type", msg.Type, "topic", sub.Topic)
		c.server.sendToClient(c, Message{
			Type:      msg.Type,
			Topic:     sub.Topic,
			Timestamp: time.Now(),
			RequestID: msg.RequestID,
		})

	case MessageTypePing:
		c.server.sendToClient(c, Message{
			Type:      MessageTypePong,
			Timestamp: time.Now(),
			RequestID: msg.RequestID,
		})

	default:
		c.sendError(http.StatusBadRequest, "Unknown message type")
	}
}

func (c *Client) isSubscribedTo(class string) bool {
	c.subMux.RLock()
	defer c.subMux.RUnlock()
	return c.subscriptions[TopicAll] || c.subscriptions[class]
}

func (c *Client) sendError(code int, message string) {
	payload, _ := json.Marshal(ErrorMessage{Code: code, Message: message})
	c.server.sendToClient(c, Message{
		Type:      MessageTypeError,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}
