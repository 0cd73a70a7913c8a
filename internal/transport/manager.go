// Package transport owns the shared I2C bus. Every pump and sensor command
// goes through Manager.Send, which holds one exclusive lock for the whole
// write, settle, read cycle.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	apperrors "github.com/dsyorkd/hydro-controller/internal/errors"
	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/protocol"
	"github.com/dsyorkd/hydro-controller/pkg/i2c"
)

// Valid 7-bit device addresses, excluding the reserved ranges
const (
	MinAddress = 0x08
	MaxAddress = 0x77
)

// Config holds transport timing
type Config struct {
	// SettleDelay is the wait between writing a command and reading the answer
	SettleDelay time.Duration
	// Retries is how many extra attempts a transient failure gets
	Retries int
	// RetryDelay is multiplied by the attempt number between attempts
	RetryDelay time.Duration
	// MaxRate limits commands per second across the bus, 0 disables it
	MaxRate float64
	// Timeout bounds one Send including the wait for the bus lock
	Timeout time.Duration
	// FrameSize is how many bytes are read per response
	FrameSize int
}

// DefaultConfig returns the timings EZO circuits need
func DefaultConfig() Config {
	return Config{
		SettleDelay: 300 * time.Millisecond,
		Retries:     2,
		RetryDelay:  100 * time.Millisecond,
		Timeout:     5 * time.Second,
		FrameSize:   i2c.FrameSize,
	}
}

// Recorder receives one observation per Send
type Recorder interface {
	ObserveCommand(address int, verb, result string, attempts int, elapsed time.Duration)
}

// Option configures a Manager
type Option func(*Manager)

// WithRecorder attaches a metrics recorder
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// Manager serializes all traffic on one bus
type Manager struct {
	bus      i2c.Bus
	lock     *semaphore.Weighted
	limiter  *rate.Limiter
	config   Config
	logger   logger.Interface
	recorder Recorder
	closed   atomic.Bool
}

// New creates a Manager that owns bus
func New(bus i2c.Bus, config Config, log logger.Interface, opts ...Option) *Manager {
	if config.FrameSize <= 0 {
		config.FrameSize = i2c.FrameSize
	}
	if config.Retries < 0 {
		config.Retries = 0
	}

	m := &Manager{
		bus:    bus,
		lock:   semaphore.NewWeighted(1),
		config: config,
		logger: log.WithField("component", "transport"),
	}
	if config.MaxRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(config.MaxRate), 1)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close closes the underlying bus once no command is in flight
func (m *Manager) Close() error {
	if err := m.lock.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer m.lock.Release(1)
	if m.closed.Swap(true) {
		return nil
	}
	return m.bus.Close()
}

// Ready reports whether the bus is still open
func (m *Manager) Ready() bool {
	return !m.closed.Load()
}

// SendText parses text as a command, sends it and parses the answer with
// the parser matching the command verb
func (m *Manager) SendText(ctx context.Context, address int, text string) (protocol.Value, error) {
	cmd, err := protocol.ParseCommand(text)
	if err != nil {
		return protocol.Value{}, apperrors.NewValidationError("command", text, err.Error())
	}
	return m.SendValue(ctx, address, cmd, protocol.ParserFor(cmd))
}

// SendValue sends cmd and parses the answer with parser
func (m *Manager) SendValue(ctx context.Context, address int, cmd protocol.Command, parser protocol.Parser) (protocol.Value, error) {
	payload, err := m.Send(ctx, address, cmd)
	if err != nil {
		return protocol.Value{}, err
	}
	value, err := parser(payload)
	if err != nil {
		return protocol.Value{}, apperrors.NewTransportError(apperrors.InvalidResponse, address, cmd.String(), err)
	}
	return value, nil
}

// Send writes cmd to the device at address, waits the settle delay and
// returns the decoded payload. Transient failures are retried. A write that
// was accepted is never repeated; later attempts only read again, so a
// dispense command cannot be issued twice.
func (m *Manager) Send(ctx context.Context, address int, cmd protocol.Command) (string, error) {
	if address < MinAddress || address > MaxAddress {
		return "", apperrors.NewValidationError("address", address, fmt.Sprintf("must be 0x%02x-0x%02x", MinAddress, MaxAddress))
	}

	start := time.Now()
	if m.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.Timeout)
		defer cancel()
	}

	text := cmd.String()
	log := m.logger.WithFields(map[string]interface{}{
		"address": fmt.Sprintf("0x%02x", address),
		"command": text,
	})

	if err := m.lock.Acquire(ctx, 1); err != nil {
		terr := apperrors.NewTransportError(apperrors.BusBusy, address, text, err)
		m.observe(address, cmd, terr, 0, start)
		return "", terr
	}
	defer m.lock.Release(1)

	var (
		payload  string
		lastErr  error
		attempts int
		written  bool
	)

	operation := func() error {
		attempts++
		if !written {
			if m.limiter != nil {
				if err := m.limiter.Wait(ctx); err != nil {
					return backoff.Permanent(err)
				}
			}
			if err := m.bus.Write(uint16(address), cmd.Bytes()); err != nil {
				lastErr = err
				return err
			}
			written = true
			if err := sleep(ctx, m.config.SettleDelay); err != nil {
				return backoff.Permanent(err)
			}
		}

		frame, err := m.bus.Read(uint16(address), m.config.FrameSize)
		if err != nil {
			lastErr = err
			return err
		}
		decoded, err := protocol.Decode(frame)
		if err != nil {
			lastErr = err
			if protocol.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		payload = decoded
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: m.config.RetryDelay}, uint64(m.config.Retries)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		log.Warn("Retrying device command", "attempt", attempts, "wait", wait.String(), "error", err.Error())
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		terr := classify(address, text, lastErr, attempts)
		log.WithError(terr).Warn("Device command failed")
		m.observe(address, cmd, terr, attempts, start)
		return "", terr
	}

	log.Debug("Device command complete", "attempts", attempts, "payload", payload)
	m.observe(address, cmd, nil, attempts, start)
	return payload, nil
}

func classify(address int, command string, err error, attempts int) *apperrors.TransportError {
	kind := apperrors.Unresponsive
	switch {
	case errors.Is(err, protocol.ErrSyntax), errors.Is(err, protocol.ErrMalformed):
		kind = apperrors.InvalidResponse
	case errors.Is(err, protocol.ErrProcessing):
		kind = apperrors.BusBusy
	}
	terr := apperrors.NewTransportError(kind, address, command, err)
	terr.Attempts = attempts
	return terr
}

func (m *Manager) observe(address int, cmd protocol.Command, err error, attempts int, start time.Time) {
	if m.recorder == nil {
		return
	}
	result := "ok"
	var terr *apperrors.TransportError
	if errors.As(err, &terr) {
		result = string(terr.Kind)
	}
	m.recorder.ObserveCommand(address, cmd.Verb, result, attempts, time.Since(start))
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.step * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
