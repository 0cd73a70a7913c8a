package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind tags what a parsed response holds
type Kind string

const (
	KindAck         Kind = "ack"
	KindVolume      Kind = "volume"
	KindTotalVolume Kind = "total_volume"
	KindPaused      Kind = "paused"
	KindReading     Kind = "reading"
)

// Value is a typed device response
type Value struct {
	Kind   Kind    `json:"kind"`
	Number float64 `json:"number"`
	Flag   bool    `json:"flag"`
	Raw    string  `json:"raw"`
}

// Parser turns a decoded payload into a typed value
type Parser func(payload string) (Value, error)

// ParseAck accepts any payload
func ParseAck(payload string) (Value, error) {
	return Value{Kind: KindAck, Raw: payload}, nil
}

// ParseVolume reads the volume a pump reports for its running job.
// Pumps may answer with "*DONE" style markers after the number; only the
// first field is used.
func ParseVolume(payload string) (Value, error) {
	n, err := leadingFloat(payload)
	if err != nil {
		return Value{}, err
	}
	return Value{Kind: KindVolume, Number: n, Raw: payload}, nil
}

// ParseReading reads a sensor measurement
func ParseReading(payload string) (Value, error) {
	n, err := leadingFloat(payload)
	if err != nil {
		return Value{}, err
	}
	return Value{Kind: KindReading, Number: n, Raw: payload}, nil
}

// ParseTotalVolume reads a "?TV,<ml>" answer
func ParseTotalVolume(payload string) (Value, error) {
	field, err := tagged(payload, "TV")
	if err != nil {
		return Value{}, err
	}
	n, err := leadingFloat(field)
	if err != nil {
		return Value{}, err
	}
	return Value{Kind: KindTotalVolume, Number: n, Raw: payload}, nil
}

// ParsePaused reads a "?P,<0|1>" answer
func ParsePaused(payload string) (Value, error) {
	field, err := tagged(payload, "P")
	if err != nil {
		return Value{}, err
	}
	switch field {
	case "0":
		return Value{Kind: KindPaused, Flag: false, Raw: payload}, nil
	case "1":
		return Value{Kind: KindPaused, Flag: true, Raw: payload}, nil
	}
	return Value{}, fmt.Errorf("%w: pause flag %q", ErrMalformed, field)
}

// ParserFor picks the parser matching what a command returns
func ParserFor(cmd Command) Parser {
	switch cmd.Verb {
	case VerbRead:
		return ParseVolume
	case VerbTotalVolume:
		return ParseTotalVolume
	case VerbPause:
		if len(cmd.Params) == 1 && cmd.Params[0] == "?" {
			return ParsePaused
		}
	}
	return ParseAck
}

func tagged(payload, tag string) (string, error) {
	prefix := "?" + tag + ","
	if !strings.HasPrefix(payload, prefix) {
		return "", fmt.Errorf("%w: expected %q prefix in %q", ErrMalformed, prefix, payload)
	}
	return strings.TrimPrefix(payload, prefix), nil
}

func leadingFloat(payload string) (float64, error) {
	field := strings.TrimSpace(strings.SplitN(payload, ",", 2)[0])
	if field == "" {
		return 0, fmt.Errorf("%w: empty numeric payload", ErrMalformed)
	}
	n, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrMalformed, field)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("%w: %q is not finite", ErrMalformed, field)
	}
	return n, nil
}
