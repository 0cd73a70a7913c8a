package pump

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
	"github.com/dsyorkd/hydro-controller/internal/protocol"
	"github.com/dsyorkd/hydro-controller/internal/storage"
)

const (
	class = "pump"

	fieldJob         = "job"
	fieldTotal       = "total_ml"
	fieldCalibration = "calibration"
)

// Sender is the part of the transport manager pumps use
type Sender interface {
	Send(ctx context.Context, address int, cmd protocol.Command) (string, error)
	SendValue(ctx context.Context, address int, cmd protocol.Command, parser protocol.Parser) (protocol.Value, error)
}

// Recorder receives job outcomes for metrics
type Recorder interface {
	JobFinished(class string, id int, outcome string, volume float64)
	SetActiveJobs(class string, n int)
}

// Config holds dispense limits
type Config struct {
	// ToleranceML is how close to target a job must get to be complete
	ToleranceML float64
	// MaxDispenseML bounds one job; targets must stay below it
	MaxDispenseML float64
	// DuplicateThresholdML decides when a repeated request is the same dispense, 0 disables
	DuplicateThresholdML float64
	// DuplicateWindow is how long after completion a repeat counts as a duplicate
	DuplicateWindow time.Duration
}

// DefaultConfig returns the standard limits
func DefaultConfig() Config {
	return Config{
		ToleranceML:          0.1,
		MaxDispenseML:        1000,
		DuplicateThresholdML: 0.1,
		DuplicateWindow:      2 * time.Second,
	}
}

// Calibration is the last calibration sent to a pump
type Calibration struct {
	ActualML     float64   `json:"actual_ml"`
	CalibratedAt time.Time `json:"calibrated_at"`
}

type pump struct {
	mu      sync.Mutex
	device  config.PumpDevice
	job     *Job
	machine *fsm.FSM
}

// Option configures a Tracker
type Option func(*Tracker)

// WithEvents publishes job changes
func WithEvents(p events.Publisher) Option {
	return func(t *Tracker) {
		t.events = p
	}
}

// WithRecorder reports job outcomes
func WithRecorder(r Recorder) Option {
	return func(t *Tracker) {
		t.recorder = r
	}
}

// Tracker drives dispense jobs. Calls for one pump are serialized; calls for
// different pumps only meet at the transport lock.
type Tracker struct {
	sender   Sender
	store    storage.Store
	config   Config
	logger   logger.Interface
	events   events.Publisher
	recorder Recorder
	now      func() time.Time
	pumps    map[int]*pump
	active   atomic.Int32
}

// NewTracker creates a tracker for the configured pumps
func NewTracker(sender Sender, store storage.Store, devices []config.PumpDevice, cfg Config, log logger.Interface, opts ...Option) *Tracker {
	t := &Tracker{
		sender: sender,
		store:  store,
		config: cfg,
		logger: log.WithField("component", "pump"),
		events: events.Nop{},
		now:    time.Now,
		pumps:  make(map[int]*pump, len(devices)),
	}
	for _, d := range devices {
		t.pumps[d.ID] = &pump{device: d}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) lookup(id int) (*pump, error) {
	p, ok := t.pumps[id]
	if !ok {
		return nil, apperrors.NewJobError(apperrors.NotFound, class, id, "no such pump")
	}
	return p, nil
}

// IDs returns the configured pump ids in order
func (t *Tracker) IDs() []int {
	ids := make([]int, 0, len(t.pumps))
	for id := range t.pumps {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// StartDispense asks pump id to dispense targetML.
//
// A request for a pump whose running job is within the duplicate threshold
// of its target completes that job instead of starting another. A request
// matching the target of a job that completed within the duplicate window
// returns that job. Both cases come back with Duplicate set.
func (t *Tracker) StartDispense(ctx context.Context, id int, targetML float64) (Job, error) {
	p, err := t.lookup(id)
	if err != nil {
		return Job{}, err
	}
	if !sendableVolume(targetML) || targetML >= t.config.MaxDispenseML {
		return Job{}, apperrors.NewJobError(apperrors.InvalidTarget, class, id,
			"target %v ml must be at least %.2f ml and below %.2f ml", targetML, minVolumeML, t.config.MaxDispenseML)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.job != nil && p.job.Active() {
		if t.config.DuplicateThresholdML > 0 && p.job.RemainingML() < t.config.DuplicateThresholdML {
			job, err := t.finish(ctx, p, eventComplete)
			job.Duplicate = true
			return job, err
		}
		return Job{}, apperrors.NewJobError(apperrors.AlreadyActive, class, id,
			"already dispensing %.2f of %.2f ml", p.job.DispensedML, p.job.TargetML)
	}

	if t.isRecentDuplicate(p.job, targetML) {
		job := *p.job
		job.Duplicate = true
		t.logger.Info("Ignoring repeated dispense request", "pump", id, "target_ml", targetML, "job", job.ID)
		return job, nil
	}

	if _, err := t.sender.Send(ctx, p.device.Address, protocol.Dispense(targetML)); err != nil {
		return Job{}, err
	}

	now := t.now()
	job := &Job{
		ID:        uuid.NewString(),
		PumpID:    id,
		TargetML:  targetML,
		State:     StateIdle,
		StartedAt: now,
		UpdatedAt: now,
	}
	machine := newMachine(StateIdle)
	if err := job.transition(ctx, machine, eventDispense); err != nil {
		return Job{}, err
	}
	p.job = job
	p.machine = machine
	t.setActive(1)

	t.logger.Info("Dispense started", "pump", id, "target_ml", targetML, "job", job.ID)
	return *job, t.save(p)
}

func (t *Tracker) isRecentDuplicate(last *Job, targetML float64) bool {
	if last == nil || last.State != StateComplete || last.FinishedAt == nil {
		return false
	}
	if t.config.DuplicateThresholdML <= 0 || t.config.DuplicateWindow <= 0 {
		return false
	}
	if t.now().Sub(*last.FinishedAt) > t.config.DuplicateWindow {
		return false
	}
	return math.Abs(targetML-last.TargetML) < t.config.DuplicateThresholdML
}

// Poll reads the dispensed volume of the running job, completing it once the
// remaining volume drops below the tolerance. Paused and finished jobs are
// returned without touching the bus. A failed read moves the job to error
// and the next good read moves it back.
func (t *Tracker) Poll(ctx context.Context, id int) (Job, error) {
	p, err := t.lookup(id)
	if err != nil {
		return Job{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.job == nil {
		return Job{}, apperrors.NewJobError(apperrors.NotFound, class, id, "no dispense job")
	}
	if !p.job.Active() || p.job.State == StatePaused {
		return *p.job, nil
	}

	value, err := t.sender.SendValue(ctx, p.device.Address, protocol.Read(), protocol.ParseVolume)
	if err != nil {
		if !apperrors.IsTransport(err) {
			return *p.job, err
		}
		if terr := p.job.transition(ctx, p.machine, eventFault); terr != nil {
			return *p.job, terr
		}
		p.job.LastError = err.Error()
		p.job.UpdatedAt = t.now()
		t.logger.WithError(err).Warn("Pump poll failed", "pump", id, "job", p.job.ID)
		return *p.job, multierr.Append(err, t.save(p))
	}

	if err := p.job.transition(ctx, p.machine, eventRecover); err != nil {
		return *p.job, err
	}
	p.job.LastError = ""

	reading := value.Number
	if ceiling := p.job.TargetML + t.config.ToleranceML; reading > ceiling {
		t.logger.Warn("Pump reported more than requested", "pump", id, "reading_ml", reading, "target_ml", p.job.TargetML)
		reading = ceiling
	}
	if reading > p.job.DispensedML {
		p.job.DispensedML = reading
	}
	p.job.UpdatedAt = t.now()

	if p.job.RemainingML() < t.config.ToleranceML {
		return t.finish(ctx, p, eventComplete)
	}
	return *p.job, t.save(p)
}

// Stop halts pump id and ends its job whatever the progress. The software
// side is cleared even when the stop command fails, and the failure is kept
// on the job rather than returned. Stopping an idle pump does nothing.
func (t *Tracker) Stop(ctx context.Context, id int) (Job, error) {
	p, err := t.lookup(id)
	if err != nil {
		return Job{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.job == nil || !p.job.Active() {
		if p.job == nil {
			return Job{PumpID: id, State: StateIdle}, nil
		}
		return *p.job, nil
	}
	return t.finish(ctx, p, eventStop)
}

// finish sends the stop command and moves the job to its terminal state.
// The caller holds p.mu.
func (t *Tracker) finish(ctx context.Context, p *pump, event string) (Job, error) {
	job := p.job
	if _, err := t.sender.Send(ctx, p.device.Address, protocol.Stop()); err != nil {
		job.LastError = "stop command failed: " + err.Error()
		t.logger.WithError(err).Warn("Stop command failed, clearing job anyway", "pump", job.PumpID, "job", job.ID)
	}

	if err := job.transition(ctx, p.machine, event); err != nil {
		return *job, err
	}
	now := t.now()
	job.UpdatedAt = now
	job.FinishedAt = &now
	t.setActive(-1)

	t.logger.Info("Dispense finished", "pump", job.PumpID, "job", job.ID, "state", job.State,
		"dispensed_ml", job.DispensedML, "target_ml", job.TargetML)

	if err := t.save(p); err != nil {
		return *job, err
	}
	if _, err := t.store.AddFloat(storage.PumpKey(job.PumpID, fieldTotal), job.DispensedML); err != nil {
		return *job, err
	}
	if t.recorder != nil {
		t.recorder.JobFinished(class, job.PumpID, string(job.State), job.DispensedML)
	}
	return *job, nil
}

// Pause pauses a dispensing pump
func (t *Tracker) Pause(ctx context.Context, id int) (Job, error) {
	return t.toggle(ctx, id, StateDispensing, eventPause)
}

// Resume continues a paused pump
func (t *Tracker) Resume(ctx context.Context, id int) (Job, error) {
	return t.toggle(ctx, id, StatePaused, eventResume)
}

// minVolumeML is the smallest volume the two-decimal wire format can carry
const minVolumeML = 0.01

func sendableVolume(ml float64) bool {
	return !math.IsNaN(ml) && !math.IsInf(ml, 0) && ml >= minVolumeML
}

func (t *Tracker) toggle(ctx context.Context, id int, from State, event string) (Job, error) {
	p, err := t.lookup(id)
	if err != nil {
		return Job{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.job == nil || p.job.State != from {
		return Job{}, apperrors.NewJobError(apperrors.NotFound, class, id, "no %s job", from)
	}

	// P toggles, so check where the pump is first and only toggle when needed.
	status, err := t.sender.SendValue(ctx, p.device.Address, protocol.PauseStatus(), protocol.ParsePaused)
	if err != nil {
		return *p.job, err
	}
	if wantPaused := event == eventPause; status.Flag != wantPaused {
		if _, err := t.sender.Send(ctx, p.device.Address, protocol.Pause()); err != nil {
			return *p.job, err
		}
	} else {
		t.logger.Warn("Pump already in requested pause state", "pump", id, "paused", status.Flag)
	}
	if err := p.job.transition(ctx, p.machine, event); err != nil {
		return *p.job, err
	}
	p.job.UpdatedAt = t.now()
	return *p.job, t.save(p)
}

// Calibrate tells an idle pump how much it really dispensed on its last run
func (t *Tracker) Calibrate(ctx context.Context, id int, actualML float64) error {
	p, err := t.lookup(id)
	if err != nil {
		return err
	}
	if !sendableVolume(actualML) {
		return apperrors.NewJobError(apperrors.InvalidTarget, class, id,
			"calibration volume %v ml must be finite and at least %.2f ml", actualML, minVolumeML)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.job != nil && p.job.Active() {
		return apperrors.NewJobError(apperrors.AlreadyActive, class, id, "cannot calibrate while a job is %s", p.job.State)
	}
	if _, err := t.sender.Send(ctx, p.device.Address, protocol.CalibrateVolume(actualML)); err != nil {
		return err
	}

	t.logger.Info("Pump calibrated", "pump", id, "actual_ml", actualML)
	return t.store.Set(storage.PumpKey(id, fieldCalibration), Calibration{
		ActualML:     actualML,
		CalibratedAt: t.now(),
	})
}

// TotalVolume asks the pump for the volume it has dispensed since power on
func (t *Tracker) TotalVolume(ctx context.Context, id int) (float64, error) {
	p, err := t.lookup(id)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	value, err := t.sender.SendValue(ctx, p.device.Address, protocol.TotalVolume(), protocol.ParseTotalVolume)
	if err != nil {
		return 0, err
	}
	return value.Number, nil
}

// Halt sends the stop command to an idle pump. It backs emergency stops,
// where a pump may be running without a job this process knows about.
func (t *Tracker) Halt(ctx context.Context, id int) error {
	p, err := t.lookup(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.job != nil && p.job.Active() {
		_, err := t.finish(ctx, p, eventStop)
		return err
	}
	_, err = t.sender.Send(ctx, p.device.Address, protocol.Stop())
	return err
}

// Job returns the current or last job of pump id
func (t *Tracker) Job(id int) (Job, bool) {
	p, ok := t.pumps[id]
	if !ok {
		return Job{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.job == nil {
		return Job{}, false
	}
	return *p.job, true
}

// Jobs returns the current or last job of every pump that has one
func (t *Tracker) Jobs() map[int]Job {
	out := make(map[int]Job, len(t.pumps))
	for id := range t.pumps {
		if job, ok := t.Job(id); ok {
			out[id] = job
		}
	}
	return out
}

// ActiveIDs returns pumps whose job still needs polling
func (t *Tracker) ActiveIDs() []int {
	var ids []int
	for _, id := range t.IDs() {
		if job, ok := t.Job(id); ok && (job.State == StateDispensing || job.State == StateError) {
			ids = append(ids, id)
		}
	}
	return ids
}

// LifetimeML returns the total volume pump id has moved across all jobs
func (t *Tracker) LifetimeML(id int) (float64, error) {
	if _, err := t.lookup(id); err != nil {
		return 0, err
	}
	return t.store.GetFloat(storage.PumpKey(id, fieldTotal), 0)
}

// Restore reloads persisted jobs after a restart and polls every job that was
// dispensing so its progress matches the hardware again
func (t *Tracker) Restore(ctx context.Context) error {
	var errs error
	for _, id := range t.IDs() {
		p := t.pumps[id]

		var job Job
		found, err := t.store.Decode(storage.PumpKey(id, fieldJob), &job)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !found {
			continue
		}

		p.mu.Lock()
		p.job = &job
		p.machine = newMachine(job.State)
		if job.Active() {
			t.setActive(1)
		}
		p.mu.Unlock()

		if job.State == StateDispensing || job.State == StateError {
			t.logger.Info("Resuming tracking of interrupted dispense", "pump", id, "job", job.ID,
				"dispensed_ml", job.DispensedML, "target_ml", job.TargetML)
			if _, err := t.Poll(ctx, id); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

// save persists the job of p and publishes it. The caller holds p.mu.
func (t *Tracker) save(p *pump) error {
	job := *p.job
	t.events.Publish(events.TypePumpJob, class, job.PumpID, job)
	if err := t.store.Set(storage.PumpKey(job.PumpID, fieldJob), job); err != nil {
		t.logger.WithError(err).Error("Failed to persist pump job, memory is ahead of the store", "pump", job.PumpID, "job", job.ID)
		return err
	}
	return nil
}

func (t *Tracker) setActive(delta int32) {
	n := t.active.Add(delta)
	if t.recorder != nil {
		t.recorder.SetActiveJobs(class, int(n))
	}
}
