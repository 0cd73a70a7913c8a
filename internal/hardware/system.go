// Package hardware assembles the controller: state store, I2C transport,
// pump and flow job tracking, relays and sensors.
package hardware

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/dsyorkd/hydro-controller/internal/config"
	"github.com/dsyorkd/hydro-controller/internal/events"
	"github.com/dsyorkd/hydro-controller/internal/flow"
	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/metrics"
	"github.com/dsyorkd/hydro-controller/internal/pump"
	"github.com/dsyorkd/hydro-controller/internal/relay"
	"github.com/dsyorkd/hydro-controller/internal/sensor"
	"github.com/dsyorkd/hydro-controller/internal/storage"
	"github.com/dsyorkd/hydro-controller/internal/transport"
	"github.com/dsyorkd/hydro-controller/pkg/gpio"
	"github.com/dsyorkd/hydro-controller/pkg/i2c"
)

// Option overrides a hardware dependency, mostly for tests
type Option func(*options)

type options struct {
	bus  i2c.Bus
	gpio gpio.FullInterface
}

// WithBus uses bus instead of opening the configured driver
func WithBus(bus i2c.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithGPIO uses impl instead of periph.io or the built-in mock
func WithGPIO(impl gpio.FullInterface) Option {
	return func(o *options) {
		o.gpio = impl
	}
}

// System owns every device controller
type System struct {
	config *config.Config
	logger logger.Interface

	Store     *storage.Database
	Transport *transport.Manager
	GPIO      *gpio.Controller
	Pumps     *pump.Tracker
	Flow      *flow.Counter
	Relays    *relay.Controller
	Sensors   *sensor.Reader
	Metrics   *metrics.Metrics
	Events    *events.Hub
}

// New opens the store and the hardware and builds every controller. Relays
// are driven to their persisted state before New returns.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*System, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	s := &System{
		config:  cfg,
		logger:  log.WithField("component", "hardware"),
		Metrics: metrics.New(),
		Events:  events.NewHub(log),
	}
	built := false
	defer func() {
		if !built {
			s.Close()
		}
	}()

	var err error
	s.Store, err = storage.New(&cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	bus := o.bus
	if bus == nil {
		bus, err = i2c.Open(cfg.I2C.Driver, cfg.I2C.Bus, log.Logrus())
		if err != nil {
			return nil, fmt.Errorf("failed to open i2c bus: %w", err)
		}
	}
	s.Transport = transport.New(bus, transportConfig(cfg.I2C), log, transport.WithRecorder(s.Metrics))

	gpioConfig := &gpio.Config{
		MockMode:       cfg.GPIO.MockMode,
		AllowedPins:    cfg.GPIO.AllowedPins,
		RestrictedPins: cfg.GPIO.RestrictedPins,
	}
	if o.gpio != nil {
		s.GPIO = gpio.NewControllerWith(gpioConfig, o.gpio, log.Logrus())
	} else {
		s.GPIO = gpio.NewController(gpioConfig, log.Logrus())
	}
	if err := s.GPIO.Initialize(ctx); err != nil {
		return nil, err
	}

	s.Relays, err = relay.New(s.GPIO, s.Store, cfg.Devices.Relays, log,
		relay.WithEvents(s.Events), relay.WithRecorder(s.Metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to restore relays: %w", err)
	}

	s.Pumps = pump.NewTracker(s.Transport, s.Store, cfg.Devices.Pumps, pumpConfig(cfg.Pumps), log,
		pump.WithEvents(s.Events), pump.WithRecorder(s.Metrics))

	s.Flow, err = flow.NewCounter(s.Store, cfg.Devices.FlowMeters, log,
		flow.WithValves(s.Relays), flow.WithEvents(s.Events), flow.WithRecorder(s.Metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to load flow meters: %w", err)
	}
	if err := s.Flow.Attach(s.GPIO); err != nil {
		return nil, fmt.Errorf("failed to attach flow meters: %w", err)
	}

	s.Sensors = sensor.NewReader(s.Transport, s.Store, cfg.Devices.Sensors, log, sensor.WithEvents(s.Events))

	s.logger.Info("Hardware system created",
		"pumps", len(cfg.Devices.Pumps),
		"relays", len(cfg.Devices.Relays),
		"flow_meters", len(cfg.Devices.FlowMeters),
		"sensors", len(cfg.Devices.Sensors))
	built = true
	return s, nil
}

func transportConfig(c config.I2CConfig) transport.Config {
	defaults := transport.DefaultConfig()
	return transport.Config{
		SettleDelay: config.Duration(c.SettleDelay, defaults.SettleDelay),
		Retries:     c.Retries,
		RetryDelay:  config.Duration(c.RetryDelay, defaults.RetryDelay),
		MaxRate:     c.MaxRate,
		Timeout:     config.Duration(c.Timeout, defaults.Timeout),
		FrameSize:   i2c.FrameSize,
	}
}

func pumpConfig(c config.PumpConfig) pump.Config {
	defaults := pump.DefaultConfig()
	return pump.Config{
		ToleranceML:          c.ToleranceML,
		MaxDispenseML:        c.MaxDispenseML,
		DuplicateThresholdML: c.DuplicateThresholdML,
		DuplicateWindow:      config.Duration(c.DuplicateWindow, defaults.DuplicateWindow),
	}
}

// Initialize reloads pump and flow jobs that were running when the process
// last stopped. Failures are logged per device and returned together.
func (s *System) Initialize(ctx context.Context) error {
	s.logger.Info("Restoring persisted jobs")

	errs := multierr.Append(s.Pumps.Restore(ctx), s.Flow.Restore(ctx))
	if errs != nil {
		s.logger.WithError(errs).Warn("Some jobs could not be restored")
	}
	return errs
}

// Close releases the hardware and the store. Relay outputs keep their level.
func (s *System) Close() error {
	var errs error
	if s.Flow != nil {
		errs = multierr.Append(errs, s.Flow.Detach())
	}
	if s.Transport != nil {
		errs = multierr.Append(errs, s.Transport.Close())
	}
	if s.GPIO != nil {
		errs = multierr.Append(errs, s.GPIO.Close())
	}
	if s.Store != nil {
		errs = multierr.Append(errs, s.Store.Close())
	}
	s.logger.Info("Hardware system closed")
	return errs
}

// EmergencyStop halts every pump, stops every flow meter and switches every
// relay off. Every device is attempted regardless of earlier failures.
func (s *System) EmergencyStop(ctx context.Context) error {
	s.logger.Warn("Emergency stop requested")

	var errs error
	for _, id := range s.Pumps.IDs() {
		if err := s.Pumps.Halt(ctx, id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("pump %d: %w", id, err))
		}
	}
	for _, id := range s.Flow.IDs() {
		if _, err := s.Flow.Stop(ctx, id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("flow meter %d: %w", id, err))
		}
	}
	result, err := s.Relays.SetAll(ctx, false)
	errs = multierr.Append(errs, err)

	s.Events.Publish(events.TypeEmergencyStop, "system", 0, map[string]interface{}{
		"failed_relays": len(result.Failed),
		"ok":            errs == nil,
	})
	if errs != nil {
		s.logger.WithError(errs).Error("Emergency stop incomplete")
		return errs
	}
	s.logger.Warn("Emergency stop complete")
	return nil
}

// PumpStatus is one pump in a snapshot
type PumpStatus struct {
	Job        *pump.Job `json:"job,omitempty"`
	Progress   float64   `json:"progress"`
	LifetimeML float64   `json:"lifetime_ml"`
}

// FlowStatus is one flow meter in a snapshot
type FlowStatus struct {
	Job             *flow.Job `json:"job,omitempty"`
	Pulses          uint64    `json:"pulses"`
	PulsesPerGallon int       `json:"pulses_per_gallon"`
	LifetimeGallons float64   `json:"lifetime_gallons"`
}

// Snapshot is the state of every device
type Snapshot struct {
	Relays  map[int]bool            `json:"relays"`
	Pumps   map[int]PumpStatus      `json:"pumps"`
	Flow    map[int]FlowStatus      `json:"flow"`
	Sensors map[int]*sensor.Reading `json:"sensors"`
	TakenAt time.Time               `json:"taken_at"`
}

// Snapshot reports every device from memory and the store without bus traffic
func (s *System) Snapshot() (Snapshot, error) {
	snap := Snapshot{
		Relays:  s.Relays.States(),
		Pumps:   make(map[int]PumpStatus),
		Flow:    make(map[int]FlowStatus),
		Sensors: make(map[int]*sensor.Reading),
		TakenAt: time.Now(),
	}

	var errs error
	for _, id := range s.Pumps.IDs() {
		status := PumpStatus{}
		if job, ok := s.Pumps.Job(id); ok {
			status.Job = &job
			status.Progress = job.Progress()
		}
		total, err := s.Pumps.LifetimeML(id)
		errs = multierr.Append(errs, err)
		status.LifetimeML = total
		snap.Pumps[id] = status
	}
	for _, id := range s.Flow.IDs() {
		status := FlowStatus{}
		if job, ok := s.Flow.Job(id); ok {
			status.Job = &job
		}
		status.Pulses, _ = s.Flow.Pulses(id)
		status.PulsesPerGallon, _ = s.Flow.PulsesPerGallon(id)
		total, err := s.Flow.LifetimeGallons(id)
		errs = multierr.Append(errs, err)
		status.LifetimeGallons = total
		snap.Flow[id] = status
	}
	for _, id := range s.Sensors.IDs() {
		reading, ok, err := s.Sensors.Last(id)
		errs = multierr.Append(errs, err)
		if ok {
			snap.Sensors[id] = &reading
		}
	}
	return snap, errs
}
