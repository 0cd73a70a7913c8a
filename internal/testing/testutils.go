// Package testing holds fixtures shared by package tests: temporary state
// stores and simulated I2C devices for the mock bus.
package testing

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/protocol"
	"github.com/dsyorkd/hydro-controller/internal/storage"
	"github.com/dsyorkd/hydro-controller/pkg/i2c"
)

// OpenStore opens a state store in a temporary directory that is closed
// when the test ends
func OpenStore(t *testing.T, driver string) *storage.Database {
	t.Helper()
	db, err := storage.New(&storage.Config{
		Driver: driver,
		Path:   filepath.Join(t.TempDir(), "state.db"),
	}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// DosingPump simulates a peristaltic pump. R reports the volume set with
// Set, P toggles a pause flag that P,? reports, dispense, stop and calibrate
// commands are acknowledged and anything else is a syntax error.
type DosingPump struct {
	mu      sync.Mutex
	reading float64
	paused  bool
}

// Set changes what R reports
func (p *DosingPump) Set(ml float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reading = ml
}

// Respond implements i2c.Responder
func (p *DosingPump) Respond(command string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case command == "R":
		return i2c.Frame(protocol.StatusOK, fmt.Sprintf("%.2f", p.reading)), nil
	case command == "P":
		p.paused = !p.paused
		return i2c.Frame(protocol.StatusOK, ""), nil
	case command == "P,?":
		if p.paused {
			return i2c.Frame(protocol.StatusOK, "?P,1"), nil
		}
		return i2c.Frame(protocol.StatusOK, "?P,0"), nil
	case command == "X", strings.HasPrefix(command, "D,"), strings.HasPrefix(command, "Cal,"):
		return i2c.Frame(protocol.StatusOK, ""), nil
	}
	return i2c.Frame(protocol.StatusSyntaxError, ""), nil
}

// Probe simulates a pH or EC probe that always reads value
func Probe(value string) i2c.Responder {
	return func(command string) ([]byte, error) {
		if command == "R" {
			return i2c.Frame(protocol.StatusOK, value), nil
		}
		return i2c.Frame(protocol.StatusOK, ""), nil
	}
}
