package storage

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dsyorkd/hydro-controller/internal/errors"
	"github.com/dsyorkd/hydro-controller/internal/logger"
)

// Supported backends
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Config holds state store configuration
type Config struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	LogLevel string `yaml:"log_level"`
	// Timeout bounds how long opening waits for the file lock (bolt only)
	Timeout  string `yaml:"timeout"`
}

// DefaultConfig returns default store configuration
func DefaultConfig() *Config {
	return &Config{
		Driver:   DriverSQLite,
		Path:     "data/hydro-state.db",
		LogLevel: "warn",
		Timeout:  "1s",
	}
}

// Database is the local state store. A single lock guards every operation,
// and every Set is durably committed before it returns.
type Database struct {
	mu      sync.Mutex
	backend backend
	logger  logger.Interface
	now     func() time.Time
}

var _ Store = (*Database)(nil)

// New opens the configured backend, applying schema migrations for sqlite
func New(config *Config, log logger.Interface) (*Database, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var (
		b   backend
		err error
	)
	switch config.Driver {
	case DriverSQLite, "":
		b, err = openSQLite(config, log)
	case DriverBolt:
		b, err = openBolt(config, log)
	default:
		return nil, fmt.Errorf("unsupported store driver '%s'", config.Driver)
	}
	if err != nil {
		return nil, err
	}

	log.WithFields(map[string]interface{}{
		"driver": config.Driver,
		"path":   config.Path,
	}).Info("State store opened")

	return newDatabase(b, log), nil
}

func newDatabase(b backend, log logger.Interface) *Database {
	return &Database{
		backend: b,
		logger:  log.WithField("component", "state-store"),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Close closes the underlying backend
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend.close()
}

// Get returns the decoded value for key, or def when the key is missing
func (d *Database) Get(key string, def interface{}) (interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok, err := d.backend.get(key)
	if err != nil {
		return def, errors.NewPersistenceError("get", key, err)
	}
	if !ok {
		return def, nil
	}
	v, err := rec.Decoded()
	if err != nil {
		return def, errors.NewPersistenceError("get", key, err)
	}
	return v, nil
}

// Decode unmarshals the value for key into out
func (d *Database) Decode(key string, out interface{}) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok, err := d.backend.get(key)
	if err != nil {
		return false, errors.NewPersistenceError("get", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := rec.DecodeInto(out); err != nil {
		return true, errors.NewPersistenceError("decode", key, err)
	}
	return true, nil
}

// Set stores value under key
func (d *Database) Set(key string, value interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setLocked(key, value)
}

func (d *Database) setLocked(key string, value interface{}) error {
	if key == "" {
		return errors.NewPersistenceError("set", key, fmt.Errorf("empty key"))
	}
	rec, err := newRecord(key, value, d.now())
	if err != nil {
		return errors.NewPersistenceError("set", key, err)
	}
	if err := d.backend.put(rec); err != nil {
		return errors.NewPersistenceError("set", key, err)
	}
	return nil
}

// GetPrefix returns every key starting with prefix and its decoded value
func (d *Database) GetPrefix(prefix string) (map[string]interface{}, error) {
	records, err := d.Records(prefix)
	if err != nil {
		return nil, err
	}

	values := make(map[string]interface{}, len(records))
	for _, rec := range records {
		v, err := rec.Decoded()
		if err != nil {
			return nil, errors.NewPersistenceError("get_prefix", rec.Key, err)
		}
		values[rec.Key] = v
	}
	return values, nil
}

// Records returns the raw rows matching prefix ordered by key
func (d *Database) Records(prefix string) ([]Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	records, err := d.backend.scan(prefix)
	if err != nil {
		return nil, errors.NewPersistenceError("scan", prefix, err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Key < records[j].Key
	})
	return records, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (d *Database) Delete(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.backend.remove(key); err != nil {
		return errors.NewPersistenceError("delete", key, err)
	}
	return nil
}

// Update reads key, applies fn and writes the result under one lock hold
func (d *Database) Update(key string, fn UpdateFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok, err := d.backend.get(key)
	if err != nil {
		return errors.NewPersistenceError("get", key, err)
	}

	var current interface{}
	if ok {
		if current, err = rec.Decoded(); err != nil {
			return errors.NewPersistenceError("get", key, err)
		}
	}

	next, err := fn(current, ok)
	if err != nil {
		return err
	}
	return d.setLocked(key, next)
}

// GetFloat returns a numeric value, or def when missing
func (d *Database) GetFloat(key string, def float64) (float64, error) {
	v, err := d.Get(key, nil)
	if err != nil || v == nil {
		return def, err
	}
	f, ok := asFloat(v)
	if !ok {
		return def, errors.NewPersistenceError("get", key, fmt.Errorf("value %v is not numeric", v))
	}
	return f, nil
}

// GetBool returns a boolean value, or def when missing
func (d *Database) GetBool(key string, def bool) (bool, error) {
	v, err := d.Get(key, nil)
	if err != nil || v == nil {
		return def, err
	}
	b, ok := asBool(v)
	if !ok {
		return def, errors.NewPersistenceError("get", key, fmt.Errorf("value %v is not boolean", v))
	}
	return b, nil
}

// AddFloat adds delta to a numeric counter and returns the new total
func (d *Database) AddFloat(key string, delta float64) (float64, error) {
	var total float64
	err := d.Update(key, func(current interface{}, exists bool) (interface{}, error) {
		if exists {
			f, ok := asFloat(current)
			if !ok {
				return nil, errors.NewPersistenceError("add", key, fmt.Errorf("value %v is not numeric", current))
			}
			total = f
		}
		total += delta
		return total, nil
	})
	return total, err
}

// ensureDirExists creates directory if it doesn't exist
func ensureDirExists(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}

	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path %s exists but is not a directory", dir)
		}
		return nil
	}

	if !os.IsNotExist(err) {
		return err
	}

	return os.MkdirAll(dir, 0755)
}
