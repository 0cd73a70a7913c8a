package gpio

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockGPIO provides a mock implementation of the GPIO interface for testing and development
type MockGPIO struct {
	mu            sync.RWMutex
	pins          map[int]*mockPin
	eventHandlers map[int]EventHandler
	eventTypes    map[int]EventType
	writeErrors   map[int]error
	writes        []PinWrite
}

type mockPin struct {
	config    PinConfig
	value     PinValue
	timestamp time.Time
}

// PinWrite records one successful WritePin call
type PinWrite struct {
	Pin   int
	Value PinValue
	At    time.Time
}

// NewMockGPIO creates a new mock GPIO interface
func NewMockGPIO() *MockGPIO {
	return &MockGPIO{
		pins:          make(map[int]*mockPin),
		eventHandlers: make(map[int]EventHandler),
		eventTypes:    make(map[int]EventType),
		writeErrors:   make(map[int]error),
	}
}

// Initialize initializes the mock GPIO interface
func (m *MockGPIO) Initialize(ctx context.Context) error {
	return nil
}

// Close removes all handlers
func (m *MockGPIO) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventHandlers = make(map[int]EventHandler)
	m.eventTypes = make(map[int]EventType)
	return nil
}

// ConfigurePin configures a GPIO pin
func (m *MockGPIO) ConfigurePin(config PinConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if config.Pin < 0 || config.Pin > 27 {
		return fmt.Errorf("invalid pin number: %d", config.Pin)
	}

	m.pins[config.Pin] = &mockPin{
		config:    config,
		value:     config.Initial,
		timestamp: time.Now(),
	}
	return nil
}

// ReadPin reads the current value of a GPIO pin
func (m *MockGPIO) ReadPin(pin int) (PinValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.pins[pin]
	if !exists {
		return Low, fmt.Errorf("pin %d not configured", pin)
	}
	return p.value, nil
}

// WritePin writes a value to a GPIO pin
func (m *MockGPIO) WritePin(pin int, value PinValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.writeErrors[pin]; ok {
		return err
	}

	p, exists := m.pins[pin]
	if !exists {
		return fmt.Errorf("pin %d not configured", pin)
	}
	if p.config.Direction != DirectionOutput {
		return fmt.Errorf("pin %d is not configured as output", pin)
	}

	p.value = value
	p.timestamp = time.Now()
	m.writes = append(m.writes, PinWrite{Pin: pin, Value: value, At: p.timestamp})
	return nil
}

// IsAvailable returns whether GPIO hardware is available (always true for mock)
func (m *MockGPIO) IsAvailable() bool {
	return true
}

// EnableInterrupt registers a handler for simulated edges
func (m *MockGPIO) EnableInterrupt(pin int, eventType EventType, handler EventHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.pins[pin]
	if !exists {
		return fmt.Errorf("pin %d not configured", pin)
	}
	if p.config.Direction != DirectionInput {
		return fmt.Errorf("pin %d must be configured as input for interrupts", pin)
	}

	m.eventHandlers[pin] = handler
	m.eventTypes[pin] = eventType
	return nil
}

// DisableInterrupt removes the handler for a pin
func (m *MockGPIO) DisableInterrupt(pin int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pins[pin]; !exists {
		return fmt.Errorf("pin %d not configured", pin)
	}
	delete(m.eventHandlers, pin)
	delete(m.eventTypes, pin)
	return nil
}

// FailWrites makes every WritePin on pin return err. A nil err clears the failure.
func (m *MockGPIO) FailWrites(pin int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.writeErrors, pin)
		return
	}
	m.writeErrors[pin] = err
}

// Value returns the last level driven or configured on pin
func (m *MockGPIO) Value(pin int) (PinValue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pins[pin]
	if !ok {
		return Low, false
	}
	return p.value, true
}

// Writes returns a copy of the write history
func (m *MockGPIO) Writes() []PinWrite {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PinWrite, len(m.writes))
	copy(out, m.writes)
	return out
}

// TriggerEdges delivers n simulated edges to the handler registered on pin,
// synchronously on the caller's goroutine. It reports false when no handler is set.
func (m *MockGPIO) TriggerEdges(pin int, n int) bool {
	m.mu.RLock()
	handler, ok := m.eventHandlers[pin]
	eventType := m.eventTypes[pin]
	m.mu.RUnlock()

	if !ok {
		return false
	}

	for i := 0; i < n; i++ {
		handler(Event{
			Pin:       pin,
			Type:      eventType,
			Value:     Low,
			Timestamp: time.Now(),
		})
	}
	return true
}
