package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Leading status byte of a response frame
const (
	StatusOK          byte = 1
	StatusSyntaxError byte = 2
	StatusProcessing  byte = 254
	StatusNoData      byte = 255
)

var (
	// ErrNoData means the device had nothing to send yet, or the bus returned idle 0xFF bytes
	ErrNoData = errors.New("no data")

	// ErrProcessing means the device is still working on the previous command
	ErrProcessing = errors.New("still processing")

	// ErrSyntax means the device rejected the command
	ErrSyntax = errors.New("syntax error")

	// ErrMalformed means the frame or payload could not be understood
	ErrMalformed = errors.New("malformed response")
)

// Retryable reports whether a decode error may clear up by asking again
func Retryable(err error) bool {
	return errors.Is(err, ErrNoData) || errors.Is(err, ErrProcessing)
}

// Decode strips the status byte and trailing padding from a response frame
// and returns the ASCII payload. A status OK frame with no payload is an
// acknowledgement and decodes to "".
func Decode(frame []byte) (string, error) {
	if len(frame) == 0 || allBytes(frame, 0x00) {
		return "", fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if allBytes(frame, 0xFF) {
		return "", ErrNoData
	}

	body := frame
	switch frame[0] {
	case StatusOK:
		body = frame[1:]
	case StatusSyntaxError:
		return "", ErrSyntax
	case StatusProcessing:
		return "", ErrProcessing
	case StatusNoData:
		return "", ErrNoData
	default:
		if !printable(frame[0]) {
			return "", fmt.Errorf("%w: unknown status byte 0x%02x", ErrMalformed, frame[0])
		}
	}

	if i := indexByte(body, 0x00); i >= 0 {
		body = body[:i]
	}
	payload := strings.TrimRight(string(body), "\xff\r\n ")
	payload = strings.TrimLeft(payload, "\r\n ")

	for i := 0; i < len(payload); i++ {
		if !printable(payload[i]) {
			return "", fmt.Errorf("%w: non-ASCII byte 0x%02x in payload", ErrMalformed, payload[i])
		}
	}
	return payload, nil
}

func allBytes(b []byte, v byte) bool {
	for _, c := range b {
		if c != v {
			return false
		}
	}
	return true
}

func indexByte(b []byte, v byte) int {
	for i, c := range b {
		if c == v {
			return i
		}
	}
	return -1
}

func printable(c byte) bool {
	return c >= 0x20 && c < 0x7f
}
