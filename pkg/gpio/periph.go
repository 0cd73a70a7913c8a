package gpio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// edgePollTimeout bounds each WaitForEdge call so monitors notice shutdown
const edgePollTimeout = 250 * time.Millisecond

// PeriphGPIO implements the GPIO interface using periph.io
type PeriphGPIO struct {
	logger      logrus.FieldLogger
	initialized bool
	pins        map[int]*pinState
	mutex       sync.RWMutex
	monitorWG   sync.WaitGroup
}

// pinState tracks the state of a configured GPIO pin
type pinState struct {
	pin       gpio.PinIO
	config    PinConfig
	lastValue PinValue
	stop      chan struct{}
}

// NewPeriphGPIO creates a new periph.io-based GPIO implementation
func NewPeriphGPIO(logger logrus.FieldLogger) *PeriphGPIO {
	return &PeriphGPIO{
		logger: logger.WithField("component", "periph-gpio"),
		pins:   make(map[int]*pinState),
	}
}

// Initialize initializes the periph.io GPIO system
func (p *PeriphGPIO) Initialize(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.initialized {
		return nil
	}

	if _, err := host.Init(); err != nil {
		p.logger.WithError(err).Error("Failed to initialize periph.io host")
		return fmt.Errorf("failed to initialize periph.io host: %w", err)
	}

	p.initialized = true
	p.logger.Info("periph.io GPIO system initialized")
	return nil
}

// Close stops all edge monitors. Outputs are left at their current level so
// valves do not change state when the process exits.
func (p *PeriphGPIO) Close() error {
	p.mutex.Lock()
	if !p.initialized {
		p.mutex.Unlock()
		return nil
	}
	for _, state := range p.pins {
		stopMonitor(state)
	}
	p.pins = make(map[int]*pinState)
	p.initialized = false
	p.mutex.Unlock()

	p.monitorWG.Wait()
	p.logger.Info("periph.io GPIO system shut down")
	return nil
}

func stopMonitor(state *pinState) {
	if state.stop != nil {
		close(state.stop)
		state.stop = nil
	}
}

// ConfigurePin configures a GPIO pin with the specified settings
func (p *PeriphGPIO) ConfigurePin(config PinConfig) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.initialized {
		return fmt.Errorf("GPIO system not initialized")
	}

	pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", config.Pin))
	if pin == nil {
		return fmt.Errorf("pin GPIO%d not found", config.Pin)
	}

	var err error
	switch config.Direction {
	case DirectionInput:
		err = pin.In(toPull(config.PullMode), gpio.NoEdge)
	case DirectionOutput:
		err = pin.Out(toLevel(config.Initial))
	default:
		return fmt.Errorf("invalid pin direction: %s", config.Direction)
	}
	if err != nil {
		return fmt.Errorf("failed to configure pin %d: %w", config.Pin, err)
	}

	if old, ok := p.pins[config.Pin]; ok {
		stopMonitor(old)
	}
	p.pins[config.Pin] = &pinState{
		pin:       pin,
		config:    config,
		lastValue: config.Initial,
	}

	p.logger.WithFields(logrus.Fields{
		"pin":       config.Pin,
		"direction": config.Direction,
		"pull_mode": config.PullMode,
	}).Debug("GPIO pin configured")
	return nil
}

func toPull(mode PullMode) gpio.Pull {
	switch mode {
	case PullNone:
		return gpio.Float
	case PullUp:
		return gpio.PullUp
	case PullDown:
		return gpio.PullDown
	}
	return gpio.PullNoChange
}

func toLevel(value PinValue) gpio.Level {
	if value == High {
		return gpio.High
	}
	return gpio.Low
}

// ReadPin reads the current value of a GPIO pin
func (p *PeriphGPIO) ReadPin(pin int) (PinValue, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if !p.initialized {
		return Low, fmt.Errorf("GPIO system not initialized")
	}

	state, exists := p.pins[pin]
	if !exists {
		return Low, fmt.Errorf("pin %d not configured", pin)
	}

	if state.pin.Read() == gpio.High {
		return High, nil
	}
	return Low, nil
}

// WritePin writes a value to a GPIO pin
func (p *PeriphGPIO) WritePin(pin int, value PinValue) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.initialized {
		return fmt.Errorf("GPIO system not initialized")
	}

	state, exists := p.pins[pin]
	if !exists {
		return fmt.Errorf("pin %d not configured", pin)
	}
	if state.config.Direction != DirectionOutput {
		return fmt.Errorf("pin %d is not configured as output", pin)
	}

	if err := state.pin.Out(toLevel(value)); err != nil {
		return fmt.Errorf("failed to write pin %d: %w", pin, err)
	}
	state.lastValue = value

	p.logger.WithFields(logrus.Fields{
		"pin":   pin,
		"value": value,
	}).Debug("GPIO pin written")
	return nil
}

// IsAvailable returns whether GPIO hardware is available
func (p *PeriphGPIO) IsAvailable() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.initialized
}

// EnableInterrupt starts an edge monitor goroutine for an input pin
func (p *PeriphGPIO) EnableInterrupt(pin int, eventType EventType, handler EventHandler) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.initialized {
		return fmt.Errorf("GPIO system not initialized")
	}

	state, exists := p.pins[pin]
	if !exists {
		return fmt.Errorf("pin %d not configured", pin)
	}
	if state.config.Direction != DirectionInput {
		return fmt.Errorf("pin %d must be configured as input for interrupts", pin)
	}

	var edge gpio.Edge
	switch eventType {
	case EventRisingEdge:
		edge = gpio.RisingEdge
	case EventFallingEdge:
		edge = gpio.FallingEdge
	case EventBothEdges:
		edge = gpio.BothEdges
	default:
		return fmt.Errorf("invalid event type: %s", eventType)
	}

	if err := state.pin.In(toPull(state.config.PullMode), edge); err != nil {
		return fmt.Errorf("failed to configure interrupt on pin %d: %w", pin, err)
	}

	stopMonitor(state)
	stop := make(chan struct{})
	state.stop = stop

	p.monitorWG.Add(1)
	go p.monitorPin(state.pin, pin, eventType, handler, stop)

	p.logger.WithFields(logrus.Fields{
		"pin":        pin,
		"event_type": eventType,
	}).Info("Interrupt enabled on pin")
	return nil
}

// DisableInterrupt stops the edge monitor for a pin
func (p *PeriphGPIO) DisableInterrupt(pin int) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	state, exists := p.pins[pin]
	if !exists {
		return fmt.Errorf("pin %d not configured", pin)
	}

	stopMonitor(state)
	if err := state.pin.In(toPull(state.config.PullMode), gpio.NoEdge); err != nil {
		return fmt.Errorf("failed to disable interrupt on pin %d: %w", pin, err)
	}

	p.logger.WithField("pin", pin).Info("Interrupt disabled on pin")
	return nil
}

// monitorPin waits for edges until stop is closed
func (p *PeriphGPIO) monitorPin(pin gpio.PinIO, pinNum int, eventType EventType, handler EventHandler, stop <-chan struct{}) {
	defer p.monitorWG.Done()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if !pin.WaitForEdge(edgePollTimeout) {
			continue
		}

		value := Low
		if pin.Read() == gpio.High {
			value = High
		}
		handler(Event{
			Pin:       pinNum,
			Type:      eventType,
			Value:     value,
			Timestamp: time.Now(),
		})
	}
}
