// Package flow counts flow meter pulses and stops fill and send jobs at
// their target volume.
package flow

import (
	"context"
	"time"

	"github.com/looplab/fsm"
)

// Operation is what a flow job is doing with the water
type Operation string

const (
	OperationFill Operation = "fill"
	OperationSend Operation = "send"
)

// State of a flow job
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateStopped  State = "stopped"
)

const (
	eventStart    = "start"
	eventComplete = "complete"
	eventStop     = "stop"
)

// Job is one metered fill or send
type Job struct {
	ID              string     `json:"id"`
	MeterID         int        `json:"meter_id"`
	TankID          int        `json:"tank_id"`
	Operation       Operation  `json:"operation"`
	TargetGallons   float64    `json:"target_gallons"`
	PulseCount      uint64     `json:"pulse_count"`
	PulsesPerGallon int        `json:"pulses_per_gallon"`
	GallonsMeasured float64    `json:"gallons_measured"`
	State           State      `json:"state"`
	StartedAt       time.Time  `json:"started_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Running reports whether the job is still counting
func (j Job) Running() bool {
	return j.State == StateRunning
}

// Gallons converts a pulse count with a calibration
func Gallons(pulses uint64, pulsesPerGallon int) float64 {
	if pulsesPerGallon <= 0 {
		return 0
	}
	return float64(pulses) / float64(pulsesPerGallon)
}

func newMachine(initial State) *fsm.FSM {
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: eventStart, Src: []string{string(StateIdle)}, Dst: string(StateRunning)},
			{Name: eventComplete, Src: []string{string(StateRunning)}, Dst: string(StateComplete)},
			{Name: eventStop, Src: []string{string(StateRunning)}, Dst: string(StateStopped)},
		},
		fsm.Callbacks{},
	)
}

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
