package i2c

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// PeriphBus drives the bus through periph.io
type PeriphBus struct {
	bus i2c.BusCloser
}

// OpenPeriph initializes the periph host drivers and opens busName
func OpenPeriph(busName string) (*PeriphBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io host: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open i2c bus %q: %w", busName, err)
	}
	return &PeriphBus{bus: bus}, nil
}

// Write sends data as a single write transaction
func (p *PeriphBus) Write(addr uint16, data []byte) error {
	return p.bus.Tx(addr, data, nil)
}

// Read reads n bytes as a single read transaction
func (p *PeriphBus) Read(addr uint16, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := p.bus.Tx(addr, nil, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close closes the bus
func (p *PeriphBus) Close() error {
	return p.bus.Close()
}

func (p *PeriphBus) String() string {
	return p.bus.String()
}
