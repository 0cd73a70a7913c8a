package i2c

import (
	"fmt"

	rpii2c "github.com/reef-pi/rpi/i2c"
)

// ReefPiBus drives /dev/i2c-1 through reef-pi's rpi package
type ReefPiBus struct {
	bus rpii2c.Bus
}

// OpenReefPi opens the default Raspberry Pi bus
func OpenReefPi() (*ReefPiBus, error) {
	bus, err := rpii2c.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open i2c bus: %w", err)
	}
	return &ReefPiBus{bus: bus}, nil
}

func checkAddr(addr uint16) error {
	if addr > 0x7f {
		return fmt.Errorf("address 0x%x does not fit a 7-bit i2c address", addr)
	}
	return nil
}

// Write sends data to addr
func (r *ReefPiBus) Write(addr uint16, data []byte) error {
	if err := checkAddr(addr); err != nil {
		return err
	}
	return r.bus.WriteBytes(byte(addr), data)
}

// Read reads n bytes from addr
func (r *ReefPiBus) Read(addr uint16, n int) ([]byte, error) {
	if err := checkAddr(addr); err != nil {
		return nil, err
	}
	return r.bus.ReadBytes(byte(addr), n)
}

// Close closes the bus
func (r *ReefPiBus) Close() error {
	return r.bus.Close()
}
