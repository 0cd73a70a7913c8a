// Package i2c provides the raw I2C bus drivers shared by the dosing pumps
// and pH/EC sensor circuits. Drivers do no locking of their own; the
// transport manager serializes every transaction.
package i2c

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Driver names accepted by Open
const (
	DriverPeriph = "periph"
	DriverReefPi = "reefpi"
	DriverMock   = "mock"
)

// Bus is a single I2C bus handle
type Bus interface {
	// Write sends data to the device at addr
	Write(addr uint16, data []byte) error

	// Read reads n bytes from the device at addr
	Read(addr uint16, n int) ([]byte, error)

	// Close releases the bus handle
	Close() error
}

// Open opens a bus with the named driver. busName is only used by periph,
// where an empty name selects the first registered bus.
func Open(driver, busName string, logger logrus.FieldLogger) (Bus, error) {
	log := logger.WithFields(logrus.Fields{
		"component": "i2c",
		"driver":    driver,
	})

	switch driver {
	case DriverPeriph, "":
		bus, err := OpenPeriph(busName)
		if err != nil {
			return nil, err
		}
		log.WithField("bus", busName).Info("I2C bus opened")
		return bus, nil
	case DriverReefPi:
		bus, err := OpenReefPi()
		if err != nil {
			return nil, err
		}
		log.Info("I2C bus opened")
		return bus, nil
	case DriverMock:
		log.Warn("Using mock I2C bus, no hardware will be driven")
		return NewMockBus(), nil
	}
	return nil, fmt.Errorf("unknown i2c driver %q", driver)
}
