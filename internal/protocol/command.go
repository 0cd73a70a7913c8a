// Package protocol encodes device commands and decodes response frames for
// the ASCII command set spoken by the EZO pump and sensor circuits.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Command verbs
const (
	VerbDispense    = "D"
	VerbRead        = "R"
	VerbStop        = "X"
	VerbPause       = "P"
	VerbCalibrate   = "Cal"
	VerbTotalVolume = "TV"
	VerbTemperature = "T"
)

// Command is a single device command of the form <verb>[,<param>...]
type Command struct {
	Verb   string
	Params []string
}

// String returns the wire text without the terminator
func (c Command) String() string {
	if len(c.Params) == 0 {
		return c.Verb
	}
	return c.Verb + "," + strings.Join(c.Params, ",")
}

// Bytes returns the NUL-terminated wire encoding
func (c Command) Bytes() []byte {
	return append([]byte(c.String()), 0)
}

// ParseCommand splits wire text back into a command
func ParseCommand(text string) (Command, error) {
	text = strings.TrimRight(text, "\x00\r\n")
	if text == "" {
		return Command{}, fmt.Errorf("empty command")
	}
	parts := strings.Split(text, ",")
	if parts[0] == "" {
		return Command{}, fmt.Errorf("command %q has no verb", text)
	}
	cmd := Command{Verb: parts[0]}
	if len(parts) > 1 {
		cmd.Params = parts[1:]
	}
	return cmd, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// Dispense asks a pump to dispense ml
func Dispense(ml float64) Command {
	return Command{Verb: VerbDispense, Params: []string{formatFloat(ml)}}
}

// Read asks for the current reading. Pumps answer with the volume dispensed by
// the running job, sensors with their measurement.
func Read() Command {
	return Command{Verb: VerbRead}
}

// Stop halts a pump
func Stop() Command {
	return Command{Verb: VerbStop}
}

// Pause toggles a pump between paused and dispensing
func Pause() Command {
	return Command{Verb: VerbPause}
}

// PauseStatus asks a pump whether it is paused
func PauseStatus() Command {
	return Command{Verb: VerbPause, Params: []string{"?"}}
}

// CalibrateVolume tells a pump how much it actually dispensed
func CalibrateVolume(ml float64) Command {
	return Command{Verb: VerbCalibrate, Params: []string{formatFloat(ml)}}
}

// CalibratePoint sets a sensor calibration point such as mid, low or high
func CalibratePoint(point string, value float64) Command {
	return Command{Verb: VerbCalibrate, Params: []string{point, formatFloat(value)}}
}

// TotalVolume asks a pump for its total dispensed volume since power on
func TotalVolume() Command {
	return Command{Verb: VerbTotalVolume, Params: []string{"?"}}
}

// Temperature sets the compensation temperature of a sensor in Celsius
func Temperature(celsius float64) Command {
	return Command{Verb: VerbTemperature, Params: []string{formatFloat(celsius)}}
}
