package hardware

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/hydro-controller/internal/config"
	apperrors "github.com/dsyorkd/hydro-controller/internal/errors"
	"github.com/dsyorkd/hydro-controller/internal/flow"
	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/pump"
	"github.com/dsyorkd/hydro-controller/internal/storage"
	testutils "github.com/dsyorkd/hydro-controller/internal/testing"
	"github.com/dsyorkd/hydro-controller/pkg/gpio"
	"github.com/dsyorkd/hydro-controller/pkg/i2c"
)

type rig struct {
	system *System
	bus    *i2c.MockBus
	pins   *gpio.MockGPIO
	pumps  map[int]*testutils.DosingPump
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Store: storage.Config{
			Driver: storage.DriverBolt,
			Path:   filepath.Join(t.TempDir(), "state.db"),
		},
		I2C:  config.I2CConfig{Driver: i2c.DriverMock, Timeout: "2s"},
		GPIO: config.GPIOConfig{MockMode: true},
		Pumps: config.PumpConfig{
			ToleranceML:          0.1,
			MaxDispenseML:        500,
			DuplicateThresholdML: 0.1,
			DuplicateWindow:      "2s",
		},
		Devices: config.Devices{
			Pumps: []config.PumpDevice{
				{ID: 1, Name: "Part A", Address: 0x67},
				{ID: 2, Name: "Part B", Address: 0x68},
			},
			Relays: []config.RelayDevice{
				{ID: 1, Name: "Fill", Pin: 5},
				{ID: 2, Name: "Drain", Pin: 6},
				{ID: 3, Name: "Mixer", Pin: 13, ActiveLow: true},
				{ID: 4, Name: "Meter valve", Pin: 16},
				{ID: 5, Name: "Bypass", Pin: 19},
			},
			FlowMeters: []config.FlowDevice{
				{ID: 1, Name: "Main line", Pin: 17, PulsesPerGallon: 100, ValveRelay: 4},
			},
			Sensors: []config.SensorDevice{
				{ID: 1, Name: "pH", Kind: "ph", Address: 0x63},
			},
		},
	}
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		bus:   i2c.NewMockBus(),
		pins:  gpio.NewMockGPIO(),
		pumps: map[int]*testutils.DosingPump{1: {}, 2: {}},
	}
	r.bus.Handle(0x67, r.pumps[1].Respond)
	r.bus.Handle(0x68, r.pumps[2].Respond)
	r.bus.Handle(0x63, testutils.Probe("6.02"))

	system, err := New(context.Background(), testConfig(t), logger.Discard(), WithBus(r.bus), WithGPIO(r.pins))
	require.NoError(t, err)
	t.Cleanup(func() { system.Close() })
	r.system = system
	return r
}

func TestSystem_EmergencyStop(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	s := r.system

	_, err := s.Pumps.StartDispense(ctx, 1, 40)
	require.NoError(t, err)
	_, err = s.Flow.Start(ctx, 1, 5, 0, flow.OperationFill, 0)
	require.NoError(t, err)
	require.NoError(t, s.Relays.Set(ctx, 1, true))
	require.NoError(t, s.Relays.Set(ctx, 5, true))

	r.pumps[1].Set(12.5)
	r.pins.FailWrites(19, errors.New("coil open"))

	err = s.EmergencyStop(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay 5")

	job, ok := s.Pumps.Job(1)
	require.True(t, ok)
	assert.Equal(t, pump.StateStopped, job.State)
	assert.Equal(t, 1, r.bus.CountWrites(0x67, "X"))
	assert.Equal(t, 1, r.bus.CountWrites(0x68, "X"), "idle pumps are halted too")

	meter, ok := s.Flow.Job(1)
	require.True(t, ok)
	assert.Equal(t, flow.StateStopped, meter.State)

	states := s.Relays.States()
	assert.False(t, states[1])
	assert.False(t, states[4], "meter valve closed")
	assert.True(t, states[5], "failed relay keeps its last state")
}

func TestSystem_Execute(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	s := r.system

	t.Run("should start a dispense", func(t *testing.T) {
		out, err := s.Execute(ctx, "Start;Dispense;1;25;end")
		require.NoError(t, err)
		assert.Contains(t, out, `"target_ml":25`)
		assert.Equal(t, 1, r.bus.CountWrites(0x67, "D,25.00"))
	})

	t.Run("should toggle pause", func(t *testing.T) {
		_, err := s.Execute(ctx, "Start;Pause;1;end")
		require.NoError(t, err)
		job, _ := s.Pumps.Job(1)
		assert.Equal(t, pump.StatePaused, job.State)

		_, err = s.Execute(ctx, "Start;Pause;1;end")
		require.NoError(t, err)
		job, _ = s.Pumps.Job(1)
		assert.Equal(t, pump.StateDispensing, job.State)
	})

	t.Run("should switch a relay", func(t *testing.T) {
		out, err := s.Execute(ctx, "Start;Relay;2;on;end")
		require.NoError(t, err)
		assert.JSONEq(t, `{"relay":2,"on":true}`, out)
		v, _ := r.pins.Value(6)
		assert.Equal(t, gpio.High, v)
	})

	t.Run("should start a fill through the meter valve", func(t *testing.T) {
		_, err := s.Execute(ctx, "Start;Fill;1;2.5;end")
		require.NoError(t, err)
		on, _ := s.Relays.State(4)
		assert.True(t, on)
	})

	t.Run("should reject malformed commands", func(t *testing.T) {
		tests := []string{
			"Dispense;1;25",
			"Start;Dispense;1;lots;end",
			"Start;Relay;2;maybe;end",
			"Start;Explode;1;end",
		}
		for _, text := range tests {
			_, err := s.Execute(ctx, text)
			var verr *apperrors.ValidationError
			assert.ErrorAs(t, err, &verr, text)
		}
	})
}

func TestPoller_PollOnce(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	s := r.system
	poller := NewPoller(s, 0, logger.Discard())

	_, err := s.Pumps.StartDispense(ctx, 1, 10)
	require.NoError(t, err)
	_, err = s.Flow.Start(ctx, 1, 2, 0, flow.OperationSend, 3)
	require.NoError(t, err)

	r.pumps[1].Set(10)
	require.True(t, r.pins.TriggerEdges(17, 200))

	assert.Equal(t, 2, poller.PollOnce(ctx))

	job, _ := s.Pumps.Job(1)
	assert.Equal(t, pump.StateComplete, job.State)
	meter, _ := s.Flow.Job(1)
	assert.Equal(t, flow.StateComplete, meter.State)
	assert.Equal(t, 2.0, meter.GallonsMeasured)

	assert.Equal(t, 0, poller.PollOnce(ctx))
}

func TestSystem_Snapshot(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	s := r.system

	_, err := s.Sensors.Read(ctx, 1)
	require.NoError(t, err)
	_, err = s.Pumps.StartDispense(ctx, 2, 5)
	require.NoError(t, err)
	r.pumps[2].Set(5)
	_, err = s.Pumps.Poll(ctx, 2)
	require.NoError(t, err)
	_, err = s.Pumps.StartDispense(ctx, 1, 40)
	require.NoError(t, err)
	r.pumps[1].Set(10)
	_, err = s.Pumps.Poll(ctx, 1)
	require.NoError(t, err)

	snap, err := s.Snapshot()
	require.NoError(t, err)

	assert.Len(t, snap.Relays, 5)
	require.NotNil(t, snap.Pumps[2].Job)
	assert.Equal(t, pump.StateComplete, snap.Pumps[2].Job.State)
	assert.InDelta(t, 5.0, snap.Pumps[2].LifetimeML, 0.001)
	assert.Equal(t, 1.0, snap.Pumps[2].Progress)
	require.NotNil(t, snap.Pumps[1].Job)
	assert.Equal(t, pump.StateDispensing, snap.Pumps[1].Job.State)
	assert.InDelta(t, 0.25, snap.Pumps[1].Progress, 0.001)
	assert.Equal(t, 100, snap.Flow[1].PulsesPerGallon)
	require.NotNil(t, snap.Sensors[1])
	assert.Equal(t, 6.02, snap.Sensors[1].Value)
}

func TestSystem_RestoresAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	bus := i2c.NewMockBus()
	first := &testutils.DosingPump{}
	bus.Handle(0x67, first.Respond)
	bus.Handle(0x68, (&testutils.DosingPump{}).Respond)

	s, err := New(ctx, cfg, logger.Discard(), WithBus(bus), WithGPIO(gpio.NewMockGPIO()))
	require.NoError(t, err)
	_, err = s.Pumps.StartDispense(ctx, 1, 30)
	require.NoError(t, err)
	require.NoError(t, s.Relays.Set(ctx, 3, true))
	require.NoError(t, s.Close())

	first.Set(18)
	reopened := i2c.NewMockBus()
	reopened.Handle(0x67, first.Respond)
	pins := gpio.NewMockGPIO()
	restarted, err := New(ctx, cfg, logger.Discard(), WithBus(reopened), WithGPIO(pins))
	require.NoError(t, err)
	defer restarted.Close()

	v, ok := pins.Value(13)
	require.True(t, ok)
	assert.Equal(t, gpio.Low, v, "active-low mixer relay re-driven on")

	require.NoError(t, restarted.Initialize(ctx))
	job, ok := restarted.Pumps.Job(1)
	require.True(t, ok)
	assert.Equal(t, pump.StateDispensing, job.State)
	assert.Equal(t, 18.0, job.DispensedML)
}

func TestSystem_FlowPulsesAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	bus := i2c.NewMockBus()
	bus.Handle(0x67, (&testutils.DosingPump{}).Respond)
	bus.Handle(0x68, (&testutils.DosingPump{}).Respond)
	pins := gpio.NewMockGPIO()

	s, err := New(ctx, cfg, logger.Discard(), WithBus(bus), WithGPIO(pins))
	require.NoError(t, err)
	_, err = s.Flow.Start(ctx, 1, 5, 0, flow.OperationFill, 0)
	require.NoError(t, err)
	require.True(t, pins.TriggerEdges(17, 400))
	_, err = s.Flow.Poll(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := i2c.NewMockBus()
	reopened.Handle(0x67, (&testutils.DosingPump{}).Respond)
	reopened.Handle(0x68, (&testutils.DosingPump{}).Respond)
	repins := gpio.NewMockGPIO()
	restarted, err := New(ctx, cfg, logger.Discard(), WithBus(reopened), WithGPIO(repins))
	require.NoError(t, err)
	defer restarted.Close()

	require.True(t, repins.TriggerEdges(17, 50), "water flows while jobs are restored")
	require.NoError(t, restarted.Initialize(ctx))
	require.True(t, repins.TriggerEdges(17, 10))

	job, err := restarted.Flow.Poll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(460), job.PulseCount)
	assert.Equal(t, flow.StateRunning, job.State)
}
