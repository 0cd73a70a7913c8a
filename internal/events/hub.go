// Package events fans device state changes out to subscribers such as the
// MQTT publisher and the websocket event stream.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dsyorkd/hydro-controller/internal/logger"
)

// Type names what changed
type Type string

const (
	TypePumpJob       Type = "pump_job"
	TypeFlowJob       Type = "flow_job"
	TypeRelayState    Type = "relay_state"
	TypeSensorReading Type = "sensor_reading"
	TypeEmergencyStop Type = "emergency_stop"
)

// Message is one state change
type Message struct {
	Type      Type            `json:"type"`
	Class     string          `json:"class"`
	DeviceID  int             `json:"device_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Topic returns <class>/<id>/<type>, or <type> for system wide messages
func (m Message) Topic() string {
	if m.Class == "" {
		return string(m.Type)
	}
	return fmt.Sprintf("%s/%d/%s", m.Class, m.DeviceID, m.Type)
}

// Publisher accepts state changes. Publish must not block.
type Publisher interface {
	Publish(t Type, class string, id int, payload interface{})
}

// Nop drops everything
type Nop struct{}

// Publish does nothing
func (Nop) Publish(Type, string, int, interface{}) {}

// Hub broadcasts messages to every subscriber. Slow subscribers lose
// messages instead of blocking device code.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Message
	nextID  int
	dropped atomic.Uint64
	logger  logger.Interface
	now     func() time.Time
}

// NewHub creates an empty hub
func NewHub(log logger.Interface) *Hub {
	return &Hub{
		subs:   make(map[int]chan Message),
		logger: log.WithField("component", "events"),
		now:    time.Now,
	}
}

// Publish marshals payload and hands the message to every subscriber
func (h *Hub) Publish(t Type, class string, id int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal event payload", "type", t)
		return
	}
	msg := Message{
		Type:      t,
		Class:     class,
		DeviceID:  id,
		Payload:   data,
		Timestamp: h.now(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for subID, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.dropped.Add(1)
			h.logger.Debug("Dropped event for slow subscriber", "subscriber", subID, "topic", msg.Topic())
		}
	}
}

// Subscribe returns a channel of messages and a cancel func that closes it
func (h *Hub) Subscribe(buffer int) (<-chan Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Message, buffer)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Dropped returns how many messages were dropped for slow subscribers
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
