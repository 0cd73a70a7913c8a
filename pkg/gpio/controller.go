package gpio

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// CriticalSystemPins are never handed out, whatever the allow list says
var CriticalSystemPins = []int{
	0,  // ID EEPROM SDA
	1,  // ID EEPROM SCL
	2,  // I2C1 SDA, shared with the pump bus
	3,  // I2C1 SCL
	14, // UART TXD
	15, // UART RXD
}

// Controller guards pin access and delegates to a hardware implementation
type Controller struct {
	config *Config
	impl   FullInterface
	logger logrus.FieldLogger
}

var _ FullInterface = (*Controller)(nil)

// NewController creates a controller over periph.io, or the mock in mock mode
func NewController(config *Config, logger logrus.FieldLogger) *Controller {
	if config == nil {
		config = DefaultConfig()
	}

	var impl FullInterface
	if config.MockMode {
		impl = NewMockGPIO()
	} else {
		impl = NewPeriphGPIO(logger)
	}
	return NewControllerWith(config, impl, logger)
}

// NewControllerWith creates a controller over an explicit implementation
func NewControllerWith(config *Config, impl FullInterface, logger logrus.FieldLogger) *Controller {
	if config == nil {
		config = DefaultConfig()
	}

	c := &Controller{
		config: config,
		impl:   impl,
		logger: logger.WithField("component", "gpio"),
	}

	c.logger.WithFields(logrus.Fields{
		"mock_mode":       config.MockMode,
		"allowed_pins":    config.AllowedPins,
		"restricted_pins": config.RestrictedPins,
	}).Debug("GPIO controller created")
	return c
}

// Impl returns the wrapped implementation
func (c *Controller) Impl() FullInterface {
	return c.impl
}

// Initialize initializes the GPIO controller
func (c *Controller) Initialize(ctx context.Context) error {
	if err := c.impl.Initialize(ctx); err != nil {
		c.logger.WithError(err).Error("Failed to initialize GPIO implementation")
		return fmt.Errorf("failed to initialize GPIO: %w", err)
	}
	return nil
}

// Close closes the GPIO controller
func (c *Controller) Close() error {
	if err := c.impl.Close(); err != nil {
		return fmt.Errorf("failed to close GPIO: %w", err)
	}
	return nil
}

// IsAvailable returns whether GPIO hardware is available
func (c *Controller) IsAvailable() bool {
	return c.impl.IsAvailable()
}

// IsPinAllowed checks a pin against the critical, restricted and allowed lists
func (c *Controller) IsPinAllowed(pin int) error {
	if pin < 0 || pin > 27 {
		return fmt.Errorf("invalid pin number %d: must be 0-27", pin)
	}
	if contains(CriticalSystemPins, pin) {
		return fmt.Errorf("pin %d is a critical system pin and cannot be accessed", pin)
	}
	if contains(c.config.RestrictedPins, pin) {
		return fmt.Errorf("pin %d is restricted", pin)
	}
	if len(c.config.AllowedPins) > 0 && !contains(c.config.AllowedPins, pin) {
		return fmt.Errorf("pin %d is not in allowed pins list", pin)
	}
	return nil
}

func contains(pins []int, pin int) bool {
	for _, p := range pins {
		if p == pin {
			return true
		}
	}
	return false
}

// ConfigurePin configures a GPIO pin after the access check
func (c *Controller) ConfigurePin(config PinConfig) error {
	if err := c.IsPinAllowed(config.Pin); err != nil {
		return err
	}

	if err := c.impl.ConfigurePin(config); err != nil {
		c.logger.WithFields(logrus.Fields{
			"pin":       config.Pin,
			"direction": config.Direction,
		}).WithError(err).Error("Failed to configure GPIO pin")
		return fmt.Errorf("failed to configure pin %d: %w", config.Pin, err)
	}
	return nil
}

// ReadPin reads the current value of a GPIO pin
func (c *Controller) ReadPin(pin int) (PinValue, error) {
	if err := c.IsPinAllowed(pin); err != nil {
		return Low, err
	}
	return c.impl.ReadPin(pin)
}

// WritePin writes a value to a GPIO pin
func (c *Controller) WritePin(pin int, value PinValue) error {
	if err := c.IsPinAllowed(pin); err != nil {
		return err
	}
	if err := c.impl.WritePin(pin, value); err != nil {
		return err
	}
	return nil
}

// EnableInterrupt enables edge detection on an input pin
func (c *Controller) EnableInterrupt(pin int, eventType EventType, handler EventHandler) error {
	if err := c.IsPinAllowed(pin); err != nil {
		return err
	}
	return c.impl.EnableInterrupt(pin, eventType, handler)
}

// DisableInterrupt disables edge detection on a pin
func (c *Controller) DisableInterrupt(pin int) error {
	return c.impl.DisableInterrupt(pin)
}
