package config

import (
	"fmt"
	"sort"
)

// Device classes used as the first segment of every state key
const (
	ClassPump   = "pump"
	ClassRelay  = "relay"
	ClassFlow   = "flow"
	ClassSensor = "sensor"
)

// Devices is the static address table. It is read-only once Load returns.
type Devices struct {
	Pumps      []PumpDevice   `yaml:"pumps"`
	Relays     []RelayDevice  `yaml:"relays"`
	FlowMeters []FlowDevice   `yaml:"flow_meters"`
	Sensors    []SensorDevice `yaml:"sensors"`
}

// PumpDevice is an I2C dosing pump
type PumpDevice struct {
	ID      int    `yaml:"id"`
	Name    string `yaml:"name"`
	Address int    `yaml:"address"`
}

// RelayDevice is a GPIO driven valve relay
type RelayDevice struct {
	ID        int    `yaml:"id"`
	Name      string `yaml:"name"`
	Pin       int    `yaml:"pin"`
	ActiveLow bool   `yaml:"active_low"`
}

// FlowDevice is a pulse output flow meter on a GPIO input
type FlowDevice struct {
	ID              int    `yaml:"id"`
	Name            string `yaml:"name"`
	Pin             int    `yaml:"pin"`
	PulsesPerGallon int    `yaml:"pulses_per_gallon"`
	// ValveRelay is opened while a job runs, 0 means none
	ValveRelay      int    `yaml:"valve_relay"`
}

// SensorDevice is an I2C pH or EC probe
type SensorDevice struct {
	ID      int    `yaml:"id"`
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // ph or ec
	Address int    `yaml:"address"`
}

// Validate checks ids, addresses and cross references in the table
func (d *Devices) Validate() error {
	addresses := make(map[int]string)
	pins := make(map[int]string)

	seen := make(map[int]bool)
	for _, p := range d.Pumps {
		if p.ID <= 0 || seen[p.ID] {
			return fmt.Errorf("pump id %d is invalid or duplicated", p.ID)
		}
		seen[p.ID] = true
		if err := claimAddress(addresses, p.Address, fmt.Sprintf("pump %d", p.ID)); err != nil {
			return err
		}
	}

	seen = make(map[int]bool)
	for _, s := range d.Sensors {
		if s.ID <= 0 || seen[s.ID] {
			return fmt.Errorf("sensor id %d is invalid or duplicated", s.ID)
		}
		seen[s.ID] = true
		if s.Kind != "ph" && s.Kind != "ec" {
			return fmt.Errorf("sensor %d has unknown kind '%s'", s.ID, s.Kind)
		}
		if err := claimAddress(addresses, s.Address, fmt.Sprintf("sensor %d", s.ID)); err != nil {
			return err
		}
	}

	seen = make(map[int]bool)
	for _, r := range d.Relays {
		if r.ID <= 0 || seen[r.ID] {
			return fmt.Errorf("relay id %d is invalid or duplicated", r.ID)
		}
		seen[r.ID] = true
		if err := claimPin(pins, r.Pin, fmt.Sprintf("relay %d", r.ID)); err != nil {
			return err
		}
	}
	relays := seen

	seen = make(map[int]bool)
	for _, f := range d.FlowMeters {
		if f.ID <= 0 || seen[f.ID] {
			return fmt.Errorf("flow meter id %d is invalid or duplicated", f.ID)
		}
		seen[f.ID] = true
		if f.PulsesPerGallon <= 0 {
			return fmt.Errorf("flow meter %d needs pulses_per_gallon > 0", f.ID)
		}
		if f.ValveRelay != 0 && !relays[f.ValveRelay] {
			return fmt.Errorf("flow meter %d references unknown relay %d", f.ID, f.ValveRelay)
		}
		if err := claimPin(pins, f.Pin, fmt.Sprintf("flow meter %d", f.ID)); err != nil {
			return err
		}
	}

	return nil
}

func claimAddress(used map[int]string, address int, owner string) error {
	// 7-bit addresses outside the reserved ranges
	if address < 0x08 || address > 0x77 {
		return fmt.Errorf("%s has invalid i2c address 0x%02x", owner, address)
	}
	if other, ok := used[address]; ok {
		return fmt.Errorf("%s and %s share i2c address 0x%02x", owner, other, address)
	}
	used[address] = owner
	return nil
}

func claimPin(used map[int]string, pin int, owner string) error {
	if pin < 0 || pin > 27 {
		return fmt.Errorf("%s has invalid gpio pin %d", owner, pin)
	}
	if other, ok := used[pin]; ok {
		return fmt.Errorf("%s and %s share gpio pin %d", owner, other, pin)
	}
	used[pin] = owner
	return nil
}

// Pump returns the pump with the given id
func (d *Devices) Pump(id int) (PumpDevice, bool) {
	for _, p := range d.Pumps {
		if p.ID == id {
			return p, true
		}
	}
	return PumpDevice{}, false
}

// Relay returns the relay with the given id
func (d *Devices) Relay(id int) (RelayDevice, bool) {
	for _, r := range d.Relays {
		if r.ID == id {
			return r, true
		}
	}
	return RelayDevice{}, false
}

// FlowMeter returns the flow meter with the given id
func (d *Devices) FlowMeter(id int) (FlowDevice, bool) {
	for _, f := range d.FlowMeters {
		if f.ID == id {
			return f, true
		}
	}
	return FlowDevice{}, false
}

// Sensor returns the sensor with the given id
func (d *Devices) Sensor(id int) (SensorDevice, bool) {
	for _, s := range d.Sensors {
		if s.ID == id {
			return s, true
		}
	}
	return SensorDevice{}, false
}

// PumpIDs returns all configured pump ids in ascending order
func (d *Devices) PumpIDs() []int {
	ids := make([]int, 0, len(d.Pumps))
	for _, p := range d.Pumps {
		ids = append(ids, p.ID)
	}
	sort.Ints(ids)
	return ids
}

// RelayIDs returns all configured relay ids in ascending order
func (d *Devices) RelayIDs() []int {
	ids := make([]int, 0, len(d.Relays))
	for _, r := range d.Relays {
		ids = append(ids, r.ID)
	}
	sort.Ints(ids)
	return ids
}
