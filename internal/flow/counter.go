package flow

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/multierr"

	"github.com/dsyorkd/hydro-controller/internal/config"
	apperrors "github.com/dsyorkd/hydro-controller/internal/errors"
	"github.com/dsyorkd/hydro-controller/internal/events"
	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/storage"
	"github.com/dsyorkd/hydro-controller/pkg/gpio"
)

const (
	class = "flow"

	fieldJob   = "job"
	fieldTotal = "total_gallons"
	fieldPPG   = "ppg"
)

// Valves opens and closes the relay feeding a meter
type Valves interface {
	Set(ctx context.Context, id int, on bool) error
}

// Pins is the GPIO surface needed to receive pulses
type Pins interface {
	ConfigurePin(config gpio.PinConfig) error
	EnableInterrupt(pin int, eventType gpio.EventType, handler gpio.EventHandler) error
	DisableInterrupt(pin int) error
}

// Recorder receives job outcomes for metrics
type Recorder interface {
	JobFinished(class string, id int, outcome string, volume float64)
	SetActiveJobs(class string, n int)
}

type meter struct {
	device config.FlowDevice
	pulses atomic.Uint64
	ppg    atomic.Int64

	mu      sync.Mutex
	job     *Job
	machine *fsm.FSM
}

// pulse is the interrupt callback. It must stay a single atomic add.
func (m *meter) pulse() {
	m.pulses.Add(1)
}

// Option configures a Counter
type Option func(*Counter)

// WithValves drives each meter's valve relay while a job runs
func WithValves(v Valves) Option {
	return func(c *Counter) {
		c.valves = v
	}
}

// WithEvents publishes job changes
func WithEvents(p events.Publisher) Option {
	return func(c *Counter) {
		c.events = p
	}
}

// WithRecorder reports job outcomes
func WithRecorder(r Recorder) Option {
	return func(c *Counter) {
		c.recorder = r
	}
}

// Counter tracks every configured flow meter
type Counter struct {
	store    storage.Store
	valves   Valves
	logger   logger.Interface
	events   events.Publisher
	recorder Recorder
	now      func() time.Time
	meters   map[int]*meter
	pins     Pins
	active   atomic.Int32
}

// NewCounter creates a counter, loading calibrations saved by earlier runs
func NewCounter(store storage.Store, devices []config.FlowDevice, log logger.Interface, opts ...Option) (*Counter, error) {
	c := &Counter{
		store:  store,
		logger: log.WithField("component", "flow"),
		events: events.Nop{},
		now:    time.Now,
		meters: make(map[int]*meter, len(devices)),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, d := range devices {
		m := &meter{device: d}
		ppg, err := c.loadPPG(d)
		if err != nil {
			return nil, err
		}
		m.ppg.Store(int64(ppg))
		c.meters[d.ID] = m
	}
	return c, nil
}

// loadPPG returns the saved calibration of d. A saved value that is not a
// whole number above zero is ignored in favor of the configured one.
func (c *Counter) loadPPG(d config.FlowDevice) (int, error) {
	key := storage.FlowKey(d.ID, fieldPPG)
	ppg, err := c.store.GetFloat(key, float64(d.PulsesPerGallon))
	if err != nil {
		return 0, err
	}
	if ppg < 1 || ppg != math.Trunc(ppg) || ppg > math.MaxInt32 {
		c.logger.Warn("Ignoring invalid saved flow calibration", "meter", d.ID, "key", key,
			"saved", ppg, "configured", d.PulsesPerGallon)
		return d.PulsesPerGallon, nil
	}
	return int(ppg), nil
}

func (c *Counter) lookup(id int) (*meter, error) {
	m, ok := c.meters[id]
	if !ok {
		return nil, apperrors.NewJobError(apperrors.NotFound, class, id, "no such flow meter")
	}
	return m, nil
}

// IDs returns the configured meter ids in order
func (c *Counter) IDs() []int {
	ids := make([]int, 0, len(c.meters))
	for id := range c.meters {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Attach configures every meter pin as a pulled-up input and counts falling edges
func (c *Counter) Attach(pins Pins) error {
	for _, id := range c.IDs() {
		m := c.meters[id]
		pin := m.device.Pin
		if err := pins.ConfigurePin(gpio.PinConfig{Pin: pin, Direction: gpio.DirectionInput, PullMode: gpio.PullUp}); err != nil {
			return apperrors.NewGPIOError(pin, "configure", err)
		}
		if err := pins.EnableInterrupt(pin, gpio.EventFallingEdge, func(gpio.Event) { m.pulse() }); err != nil {
			return apperrors.NewGPIOError(pin, "enable interrupt", err)
		}
		c.logger.Info("Flow meter attached", "meter", id, "pin", pin)
	}
	c.pins = pins
	return nil
}

// Detach stops counting pulses
func (c *Counter) Detach() error {
	if c.pins == nil {
		return nil
	}
	var errs error
	for _, id := range c.IDs() {
		errs = multierr.Append(errs, c.pins.DisableInterrupt(c.meters[id].device.Pin))
	}
	c.pins = nil
	return errs
}

// Pulse records one pulse on meter id
func (c *Counter) Pulse(id int) error {
	m, err := c.lookup(id)
	if err != nil {
		return err
	}
	m.pulse()
	return nil
}

// Pulses returns the pulses counted since the last reset
func (c *Counter) Pulses(id int) (uint64, error) {
	m, err := c.lookup(id)
	if err != nil {
		return 0, err
	}
	return m.pulses.Load(), nil
}

// ResetPulses zeroes the pulse count of an idle meter
func (c *Counter) ResetPulses(id int) error {
	m, err := c.lookup(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job != nil && m.job.Running() {
		return apperrors.NewJobError(apperrors.AlreadyActive, class, id, "cannot reset pulses while a job is running")
	}
	m.pulses.Store(0)
	return nil
}

// PulsesPerGallon returns the calibration in effect for meter id
func (c *Counter) PulsesPerGallon(id int) (int, error) {
	m, err := c.lookup(id)
	if err != nil {
		return 0, err
	}
	return int(m.ppg.Load()), nil
}

// Calibrate sets the pulses per gallon of meter id. It applies from the next
// poll on and does not rewrite gallons already recorded.
func (c *Counter) Calibrate(id int, pulsesPerGallon int) error {
	m, err := c.lookup(id)
	if err != nil {
		return err
	}
	if pulsesPerGallon <= 0 {
		return apperrors.NewJobError(apperrors.InvalidTarget, class, id, "pulses per gallon must be above 0, got %d", pulsesPerGallon)
	}
	if err := c.store.Set(storage.FlowKey(id, fieldPPG), pulsesPerGallon); err != nil {
		return err
	}
	m.ppg.Store(int64(pulsesPerGallon))
	c.logger.Info("Flow meter calibrated", "meter", id, "pulses_per_gallon", pulsesPerGallon)
	return nil
}

// Start begins a job on meter id. A pulsesPerGallon of 0 keeps the meter's
// current calibration, any other value becomes the new calibration.
func (c *Counter) Start(ctx context.Context, id int, targetGallons float64, pulsesPerGallon int, op Operation, tankID int) (Job, error) {
	m, err := c.lookup(id)
	if err != nil {
		return Job{}, err
	}
	if math.IsNaN(targetGallons) || math.IsInf(targetGallons, 0) || targetGallons <= 0 {
		return Job{}, apperrors.NewJobError(apperrors.InvalidTarget, class, id, "target %.2f gallons must be above 0", targetGallons)
	}
	if pulsesPerGallon < 0 {
		return Job{}, apperrors.NewJobError(apperrors.InvalidTarget, class, id, "pulses per gallon must not be negative")
	}
	if op != OperationFill && op != OperationSend {
		return Job{}, apperrors.NewJobError(apperrors.InvalidTarget, class, id, "unknown operation %q", op)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.job != nil && m.job.Running() {
		return Job{}, apperrors.NewJobError(apperrors.AlreadyActive, class, id,
			"already running %s of %.2f gallons", m.job.Operation, m.job.TargetGallons)
	}

	if pulsesPerGallon > 0 && int64(pulsesPerGallon) != m.ppg.Load() {
		if err := c.store.Set(storage.FlowKey(id, fieldPPG), pulsesPerGallon); err != nil {
			return Job{}, err
		}
		m.ppg.Store(int64(pulsesPerGallon))
	}

	if err := c.setValve(ctx, m, true); err != nil {
		return Job{}, err
	}

	m.pulses.Store(0)
	now := c.now()
	job := &Job{
		ID:              uuid.NewString(),
		MeterID:         id,
		TankID:          tankID,
		Operation:       op,
		TargetGallons:   targetGallons,
		PulsesPerGallon: int(m.ppg.Load()),
		State:           StateIdle,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	machine := newMachine(StateIdle)
	if err := job.transition(ctx, machine, eventStart); err != nil {
		return Job{}, err
	}
	m.job = job
	m.machine = machine
	c.setActive(1)

	c.logger.Info("Flow job started", "meter", id, "operation", op, "tank", tankID, "target_gallons", targetGallons, "job", job.ID)
	return *job, c.save(m)
}

// refresh recomputes gallons from the live pulse count and calibration.
// The caller holds m.mu.
func (c *Counter) refresh(m *meter) {
	pulses := m.pulses.Load()
	ppg := int(m.ppg.Load())
	m.job.PulseCount = pulses
	m.job.PulsesPerGallon = ppg
	m.job.GallonsMeasured = Gallons(pulses, ppg)
	m.job.UpdatedAt = c.now()
}

// Poll updates the measured volume of the running job and completes it once
// the target is reached. Finished jobs are returned unchanged.
func (c *Counter) Poll(ctx context.Context, id int) (Job, error) {
	m, err := c.lookup(id)
	if err != nil {
		return Job{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.job == nil {
		return Job{}, apperrors.NewJobError(apperrors.NotFound, class, id, "no flow job")
	}
	if !m.job.Running() {
		return *m.job, nil
	}

	c.refresh(m)
	if m.job.GallonsMeasured >= m.job.TargetGallons {
		return c.finish(ctx, m, eventComplete)
	}
	return *m.job, c.save(m)
}

// Stop ends the running job of meter id. The gallons measured so far still
// count towards the lifetime total. Stopping an idle meter does nothing.
func (c *Counter) Stop(ctx context.Context, id int) (Job, error) {
	m, err := c.lookup(id)
	if err != nil {
		return Job{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.job == nil {
		return Job{MeterID: id, State: StateIdle}, nil
	}
	if !m.job.Running() {
		return *m.job, nil
	}

	c.refresh(m)
	return c.finish(ctx, m, eventStop)
}

// finish closes the valve and records the job end. The caller holds m.mu.
func (c *Counter) finish(ctx context.Context, m *meter, event string) (Job, error) {
	job := m.job
	if err := job.transition(ctx, m.machine, event); err != nil {
		return *job, err
	}
	now := c.now()
	job.FinishedAt = &now
	c.setActive(-1)

	c.logger.Info("Flow job finished", "meter", job.MeterID, "job", job.ID, "state", job.State,
		"gallons", job.GallonsMeasured, "target_gallons", job.TargetGallons)

	errs := c.setValve(ctx, m, false)
	if err := c.save(m); err != nil {
		return *job, multierr.Append(errs, err)
	}
	if _, err := c.store.AddFloat(storage.FlowKey(job.MeterID, fieldTotal), job.GallonsMeasured); err != nil {
		return *job, multierr.Append(errs, err)
	}
	if c.recorder != nil {
		c.recorder.JobFinished(class, job.MeterID, string(job.State), job.GallonsMeasured)
	}
	return *job, errs
}

func (c *Counter) setValve(ctx context.Context, m *meter, open bool) error {
	if c.valves == nil || m.device.ValveRelay == 0 {
		return nil
	}
	if err := c.valves.Set(ctx, m.device.ValveRelay, open); err != nil {
		c.logger.WithError(err).Error("Failed to drive valve", "meter", m.device.ID, "relay", m.device.ValveRelay, "open", open)
		return err
	}
	return nil
}

// Job returns the current or last job of meter id
func (c *Counter) Job(id int) (Job, bool) {
	m, ok := c.meters[id]
	if !ok {
		return Job{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job == nil {
		return Job{}, false
	}
	return *m.job, true
}

// Jobs returns the current or last job of every meter that has one
func (c *Counter) Jobs() map[int]Job {
	out := make(map[int]Job, len(c.meters))
	for id := range c.meters {
		if job, ok := c.Job(id); ok {
			out[id] = job
		}
	}
	return out
}

// ActiveIDs returns meters with a running job
func (c *Counter) ActiveIDs() []int {
	var ids []int
	for _, id := range c.IDs() {
		if job, ok := c.Job(id); ok && job.Running() {
			ids = append(ids, id)
		}
	}
	return ids
}

// LifetimeGallons returns the total volume meter id has measured across all jobs
func (c *Counter) LifetimeGallons(id int) (float64, error) {
	if _, err := c.lookup(id); err != nil {
		return 0, err
	}
	return c.store.GetFloat(storage.FlowKey(id, fieldTotal), 0)
}

// Restore reloads persisted jobs after a restart. A running job continues
// from its last persisted pulse count plus any pulses seen since Attach.
func (c *Counter) Restore(ctx context.Context) error {
	var errs error
	for _, id := range c.IDs() {
		m := c.meters[id]

		var job Job
		found, err := c.store.Decode(storage.FlowKey(id, fieldJob), &job)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !found {
			continue
		}

		m.mu.Lock()
		m.job = &job
		m.machine = newMachine(job.State)
		if job.Running() {
			m.pulses.Add(job.PulseCount)
			c.setActive(1)
			c.logger.Info("Resuming interrupted flow job", "meter", id, "job", job.ID,
				"gallons", job.GallonsMeasured, "target_gallons", job.TargetGallons)
		}
		m.mu.Unlock()
	}
	return errs
}

// save persists the job of m and publishes it. The caller holds m.mu.
func (c *Counter) save(m *meter) error {
	job := *m.job
	c.events.Publish(events.TypeFlowJob, class, job.MeterID, job)
	return c.store.Set(storage.FlowKey(job.MeterID, fieldJob), job)
}

func (c *Counter) setActive(delta int32) {
	n := c.active.Add(delta)
	if c.recorder != nil {
		c.recorder.SetActiveJobs(class, int(n))
	}
}
