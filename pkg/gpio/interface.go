// Package gpio provides the GPIO hardware abstraction used for valve relays
// and flow meter pulse inputs on a Raspberry Pi.
package gpio

import (
	"context"
	"time"
)

// PinDirection represents the direction of a GPIO pin
type PinDirection string

const (
	DirectionInput  PinDirection = "input"
	DirectionOutput PinDirection = "output"
)

// PullMode represents the pull resistor configuration
type PullMode string

const (
	PullNone PullMode = "none"
	PullUp   PullMode = "up"
	PullDown PullMode = "down"
)

// PinValue represents the electrical level of a GPIO pin
type PinValue int

const (
	Low  PinValue = 0
	High PinValue = 1
)

// PinConfig represents the configuration for a GPIO pin
type PinConfig struct {
	Pin       int          `json:"pin"`
	Direction PinDirection `json:"direction"`
	PullMode  PullMode     `json:"pull_mode"`
	// Initial is the level an output is driven to when configured
	Initial PinValue `json:"initial"`
}

// Interface defines the GPIO hardware interface
type Interface interface {
	// Initialize initializes the GPIO interface
	Initialize(ctx context.Context) error

	// Close closes the GPIO interface and cleans up resources
	Close() error

	// ConfigurePin configures a GPIO pin with the given configuration
	ConfigurePin(config PinConfig) error

	// ReadPin reads the current value of a GPIO pin
	ReadPin(pin int) (PinValue, error)

	// WritePin writes a value to a GPIO pin
	WritePin(pin int, value PinValue) error

	// IsAvailable returns whether GPIO hardware is available
	IsAvailable() bool
}

// EventType represents the type of GPIO event
type EventType string

const (
	EventRisingEdge  EventType = "rising"
	EventFallingEdge EventType = "falling"
	EventBothEdges   EventType = "both"
)

// Event represents a GPIO pin event
type Event struct {
	Pin       int       `json:"pin"`
	Type      EventType `json:"type"`
	Value     PinValue  `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler is called once per detected edge. It runs on the monitor
// goroutine and must not block.
type EventHandler func(event Event)

// EventInterface defines the GPIO event interface
type EventInterface interface {
	// EnableInterrupt enables edge detection on an input pin
	EnableInterrupt(pin int, eventType EventType, handler EventHandler) error

	// DisableInterrupt disables edge detection on a pin
	DisableInterrupt(pin int) error
}

// FullInterface combines all GPIO interfaces
type FullInterface interface {
	Interface
	EventInterface
}

// Config represents the GPIO controller configuration
type Config struct {
	MockMode       bool  `yaml:"mock_mode"`
	AllowedPins    []int `yaml:"allowed_pins"`
	RestrictedPins []int `yaml:"restricted_pins"`
}

// DefaultConfig returns a default GPIO configuration
func DefaultConfig() *Config {
	return &Config{
		MockMode: false,
		AllowedPins: []int{
			4, 5, 6, 12, 13, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27,
		},
		RestrictedPins: []int{
			0, 1, 2, 3, // I2C buses shared with the pumps and sensors
			14, 15, // UART
		},
	}
}
