// Package pump tracks dispense-by-volume jobs on I2C dosing pumps.
package pump

import (
	"context"
	"time"

	"github.com/looplab/fsm"
)

// State of a pump job
type State string

const (
	StateIdle       State = "idle"
	StateDispensing State = "dispensing"
	StatePaused     State = "paused"
	StateComplete   State = "complete"
	StateStopped    State = "stopped"
	StateError      State = "error"
)

const (
	eventDispense = "dispense"
	eventPause    = "pause"
	eventResume   = "resume"
	eventFault    = "fault"
	eventRecover  = "recover"
	eventComplete = "complete"
	eventStop     = "stop"
)

// Job is one dispense on one pump
type Job struct {
	ID          string     `json:"id"`
	PumpID      int        `json:"pump_id"`
	TargetML    float64    `json:"target_ml"`
	DispensedML float64    `json:"dispensed_ml"`
	State       State      `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	// Duplicate is set on the copy returned for a request that matched a job
	// which had just finished, or was about to
	Duplicate bool `json:"duplicate,omitempty"`
}

// RemainingML is how much is left to dispense
func (j Job) RemainingML() float64 {
	return j.TargetML - j.DispensedML
}

// Active reports whether the job still owns the pump
func (j Job) Active() bool {
	switch j.State {
	case StateDispensing, StatePaused, StateError:
		return true
	}
	return false
}

// Progress is the dispensed fraction, 0..1
func (j Job) Progress() float64 {
	if j.TargetML <= 0 {
		return 0
	}
	p := j.DispensedML / j.TargetML
	if p > 1 {
		return 1
	}
	return p
}

func newMachine(initial State) *fsm.FSM {
	active := []string{string(StateDispensing), string(StatePaused), string(StateError)}
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: eventDispense, Src: []string{string(StateIdle)}, Dst: string(StateDispensing)},
			{Name: eventPause, Src: []string{string(StateDispensing)}, Dst: string(StatePaused)},
			{Name: eventResume, Src: []string{string(StatePaused)}, Dst: string(StateDispensing)},
			{Name: eventFault, Src: []string{string(StateDispensing)}, Dst: string(StateError)},
			{Name: eventRecover, Src: []string{string(StateError)}, Dst: string(StateDispensing)},
			{Name: eventComplete, Src: active, Dst: string(StateComplete)},
			{Name: eventStop, Src: active, Dst: string(StateStopped)},
		},
		fsm.Callbacks{},
	)
}

// transition fires event when the machine allows it and mirrors the result onto the job
func (j *Job) transition(ctx context.Context, machine *fsm.FSM, event string) error {
	if !machine.Can(event) {
		return nil
	}
	if err := machine.Event(ctx, event); err != nil {
		return err
	}
	j.State = State(machine.Current())
	return nil
}
