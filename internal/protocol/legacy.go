package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Legacy command types of the Start;<Type>;<id>;<param>;end grammar
const (
	LegacyDispense  = "Dispense"
	LegacyStop      = "Stop"
	LegacyPause     = "Pause"
	LegacyCalibrate = "Calibrate"
	LegacyRelay     = "Relay"
	LegacyFill      = "Fill"
	LegacySend      = "Send"
)

const (
	legacyStart = "Start"
	legacyEnd   = "end"
)

// LegacyCommand is one command of the serial grammar the controller firmware
// used to accept. Param is empty for commands that take none.
type LegacyCommand struct {
	Type  string
	ID    int
	Param string
}

// String encodes the command as Start;<Type>;<id>;<param>;end
func (c LegacyCommand) String() string {
	return strings.Join([]string{legacyStart, c.Type, strconv.Itoa(c.ID), c.Param, legacyEnd}, ";")
}

// ParseLegacy decodes Start;<Type>;<id>[;<param>];end
func ParseLegacy(text string) (LegacyCommand, error) {
	text = strings.TrimSpace(text)
	parts := strings.Split(text, ";")
	if len(parts) < 4 || len(parts) > 5 {
		return LegacyCommand{}, fmt.Errorf("%w: %q is not Start;<Type>;<id>;<param>;end", ErrMalformed, text)
	}
	if parts[0] != legacyStart || parts[len(parts)-1] != legacyEnd {
		return LegacyCommand{}, fmt.Errorf("%w: %q must begin with Start and finish with end", ErrMalformed, text)
	}

	cmd := LegacyCommand{Type: parts[1]}
	if !knownLegacyType(cmd.Type) {
		return LegacyCommand{}, fmt.Errorf("%w: unknown command type %q", ErrMalformed, cmd.Type)
	}
	id, err := strconv.Atoi(parts[2])
	if err != nil || id < 1 {
		return LegacyCommand{}, fmt.Errorf("%w: bad device id %q", ErrMalformed, parts[2])
	}
	cmd.ID = id
	if len(parts) == 5 {
		cmd.Param = parts[3]
	}
	return cmd, nil
}

func knownLegacyType(t string) bool {
	switch t {
	case LegacyDispense, LegacyStop, LegacyPause, LegacyCalibrate, LegacyRelay, LegacyFill, LegacySend:
		return true
	}
	return false
}

// Float returns Param as a number
func (c LegacyCommand) Float() (float64, error) {
	v, err := strconv.ParseFloat(c.Param, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s parameter %q is not a number", ErrMalformed, c.Type, c.Param)
	}
	return v, nil
}

// Bool returns Param as a relay state. On, 1 and true switch on.
func (c LegacyCommand) Bool() (bool, error) {
	switch strings.ToLower(c.Param) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("%w: %s parameter %q is not on or off", ErrMalformed, c.Type, c.Param)
}

// DeviceCommand translates a pump command into the I2C command it maps to.
// Relay and flow commands have no I2C form.
func (c LegacyCommand) DeviceCommand() (Command, error) {
	switch c.Type {
	case LegacyDispense:
		ml, err := c.Float()
		if err != nil {
			return Command{}, err
		}
		return Dispense(ml), nil
	case LegacyStop:
		return Stop(), nil
	case LegacyPause:
		return Pause(), nil
	case LegacyCalibrate:
		ml, err := c.Float()
		if err != nil {
			return Command{}, err
		}
		return CalibrateVolume(ml), nil
	}
	return Command{}, fmt.Errorf("%s commands are not sent over i2c", c.Type)
}
