// Package relay switches GPIO driven valve relays and keeps their state in
// the store so a restart re-asserts the last commanded position.
package relay

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/dsyorkd/hydro-controller/internal/config"
	apperrors "github.com/dsyorkd/hydro-controller/internal/errors"
	"github.com/dsyorkd/hydro-controller/internal/events"
	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/storage"
	"github.com/dsyorkd/hydro-controller/pkg/gpio"
)

const (
	class      = "relay"
	fieldState = "state"
)

// Pins is the GPIO surface relays need
type Pins interface {
	ConfigurePin(config gpio.PinConfig) error
	WritePin(pin int, value gpio.PinValue) error
}

// Recorder receives relay writes for metrics
type Recorder interface {
	RelayWritten(id int, on bool, err error)
}

// SweepResult lists the outcome of SetAll per relay
type SweepResult struct {
	Succeeded []int
	Failed    map[int]error
}

// OK reports whether every relay was switched
func (r SweepResult) OK() bool {
	return len(r.Failed) == 0
}

type relay struct {
	mu     sync.Mutex
	device config.RelayDevice
	on     bool
}

// level maps a logical state to the pin level for this relay's wiring
func (r *relay) level(on bool) gpio.PinValue {
	if on != r.device.ActiveLow {
		return gpio.High
	}
	return gpio.Low
}

// Option configures a Controller
type Option func(*Controller)

// WithEvents publishes state changes
func WithEvents(p events.Publisher) Option {
	return func(c *Controller) {
		c.events = p
	}
}

// WithRecorder reports writes
func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		c.recorder = r
	}
}

// Controller owns every configured relay
type Controller struct {
	pins     Pins
	store    storage.Store
	relays   map[int]*relay
	ids      []int
	logger   logger.Interface
	events   events.Publisher
	recorder Recorder
}

// New configures every relay pin as an output driven to its persisted state.
// Nothing is accepted until all pins have been re-asserted.
func New(pins Pins, store storage.Store, devices []config.RelayDevice, log logger.Interface, opts ...Option) (*Controller, error) {
	c := &Controller{
		pins:   pins,
		store:  store,
		relays: make(map[int]*relay, len(devices)),
		logger: log.WithField("component", "relay"),
		events: events.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, d := range devices {
		on, err := store.GetBool(storage.RelayKey(d.ID, fieldState), false)
		if err != nil {
			return nil, err
		}
		r := &relay{device: d, on: on}
		if err := pins.ConfigurePin(gpio.PinConfig{
			Pin:       d.Pin,
			Direction: gpio.DirectionOutput,
			Initial:   r.level(on),
		}); err != nil {
			return nil, apperrors.NewGPIOError(d.Pin, "configure", err)
		}
		c.relays[d.ID] = r
		c.ids = append(c.ids, d.ID)
		c.logger.Debug("Relay restored", "relay", d.ID, "pin", d.Pin, "on", on, "active_low", d.ActiveLow)
	}
	sort.Ints(c.ids)

	c.logger.Info("Relays re-asserted from store", "count", len(c.ids))
	return c, nil
}

func (c *Controller) lookup(id int) (*relay, error) {
	r, ok := c.relays[id]
	if !ok {
		return nil, apperrors.NewJobError(apperrors.NotFound, class, id, "no such relay")
	}
	return r, nil
}

// IDs returns the configured relay ids in order
func (c *Controller) IDs() []int {
	return append([]int(nil), c.ids...)
}

// Set drives relay id and persists the new state before returning. When the
// pin write fails nothing is persisted.
func (c *Controller) Set(ctx context.Context, id int, on bool) error {
	r, err := c.lookup(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return c.setLocked(r, on)
}

func (c *Controller) setLocked(r *relay, on bool) error {
	id := r.device.ID
	err := c.pins.WritePin(r.device.Pin, r.level(on))
	if c.recorder != nil {
		c.recorder.RelayWritten(id, on, err)
	}
	if err != nil {
		c.logger.WithError(err).Error("Relay write failed", "relay", id, "pin", r.device.Pin, "on", on)
		return apperrors.NewGPIOError(r.device.Pin, "write", err)
	}
	r.on = on

	if err := c.store.Set(storage.RelayKey(id, fieldState), on); err != nil {
		c.logger.WithError(err).Error("Relay switched but state not persisted", "relay", id, "on", on)
		return err
	}
	c.events.Publish(events.TypeRelayState, class, id, map[string]bool{"on": on})
	c.logger.Info("Relay switched", "relay", id, "on", on)
	return nil
}

// Toggle flips relay id and returns the new state
func (c *Controller) Toggle(ctx context.Context, id int) (bool, error) {
	r, err := c.lookup(id)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := !r.on
	if err := c.setLocked(r, next); err != nil {
		return r.on, err
	}
	return next, nil
}

// SetAll switches every relay. A failing relay does not stop the sweep; all
// failures are listed in the result and combined in the error.
func (c *Controller) SetAll(ctx context.Context, on bool) (SweepResult, error) {
	result := SweepResult{Failed: make(map[int]error)}
	var errs error
	for _, id := range c.ids {
		if err := c.Set(ctx, id, on); err != nil {
			result.Failed[id] = err
			errs = multierr.Append(errs, apperrors.Wrapf(err, "relay %d", id))
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	if errs != nil {
		c.logger.WithError(errs).Error("Relay sweep incomplete", "on", on, "failed", len(result.Failed))
	}
	return result, errs
}

// State returns the last commanded state of relay id
func (c *Controller) State(id int) (bool, error) {
	r, err := c.lookup(id)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.on, nil
}

// States returns the last commanded state of every relay
func (c *Controller) States() map[int]bool {
	out := make(map[int]bool, len(c.relays))
	for _, id := range c.ids {
		on, _ := c.State(id)
		out[id] = on
	}
	return out
}
