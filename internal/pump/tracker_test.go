package pump

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/hydro-controller/internal/config"
	apperrors "github.com/dsyorkd/hydro-controller/internal/errors"
	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/protocol"
	"github.com/dsyorkd/hydro-controller/internal/storage"
	"github.com/dsyorkd/hydro-controller/internal/transport"
	"github.com/dsyorkd/hydro-controller/pkg/i2c"
)

// fakePump answers like an EZO pump whose R readings follow a script
type fakePump struct {
	mu       sync.Mutex
	readings []float64
	failR    bool
	paused   bool
}

func (f *fakePump) setPaused(paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = paused
}

func (f *fakePump) setReadings(readings ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = readings
}

func (f *fakePump) setFailing(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failR = fail
}

func (f *fakePump) respond(command string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case command == "R":
		if f.failR {
			return nil, errors.New("bus error")
		}
		reading := 0.0
		if len(f.readings) > 0 {
			reading = f.readings[0]
			if len(f.readings) > 1 {
				f.readings = f.readings[1:]
			}
		}
		return i2c.Frame(protocol.StatusOK, fmt.Sprintf("%.2f", reading)), nil
	case command == "TV,?":
		return i2c.Frame(protocol.StatusOK, "?TV,250.00"), nil
	case command == "P,?":
		flag := "0"
		if f.paused {
			flag = "1"
		}
		return i2c.Frame(protocol.StatusOK, "?P,"+flag), nil
	case command == "P":
		f.paused = !f.paused
		return i2c.Frame(protocol.StatusOK, ""), nil
	case command == "X", strings.HasPrefix(command, "D,"), strings.HasPrefix(command, "Cal,"):
		return i2c.Frame(protocol.StatusOK, ""), nil
	}
	return i2c.Frame(protocol.StatusSyntaxError, ""), nil
}

// flakyStore fails writes to job keys on demand
type flakyStore struct {
	storage.Store
	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) setFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *flakyStore) Set(key string, value interface{}) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return apperrors.NewPersistenceError("set", key, errors.New("disk full"))
	}
	return s.Store.Set(key, value)
}

type harness struct {
	tracker *Tracker
	bus     *i2c.MockBus
	pumps   map[int]*fakePump
	store   *flakyStore
	path    string
}

var testDevices = []config.PumpDevice{
	{ID: 1, Name: "Part A", Address: 0x67},
	{ID: 2, Name: "Part B", Address: 0x68},
}

func openStore(t *testing.T, path string) storage.Store {
	t.Helper()
	db, err := storage.New(&storage.Config{Driver: storage.DriverBolt, Path: path}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus:   i2c.NewMockBus(),
		pumps: make(map[int]*fakePump),
		path:  filepath.Join(t.TempDir(), "state.db"),
	}
	for _, d := range testDevices {
		f := &fakePump{}
		h.pumps[d.ID] = f
		h.bus.Handle(uint16(d.Address), f.respond)
	}
	h.store = &flakyStore{Store: openStore(t, h.path)}
	h.tracker = h.newTracker(h.store)
	return h
}

func (h *harness) newTracker(store storage.Store) *Tracker {
	sender := transport.New(h.bus, transport.Config{}, logger.Discard())
	return NewTracker(sender, store, testDevices, DefaultConfig(), logger.Discard())
}

func (h *harness) stops(addr uint16) int {
	return h.bus.CountWrites(addr, "X")
}

func TestTracker_StartDispense(t *testing.T) {
	ctx := context.Background()

	t.Run("should send the dispense command and persist the job", func(t *testing.T) {
		h := newHarness(t)

		job, err := h.tracker.StartDispense(ctx, 1, 25)
		require.NoError(t, err)
		assert.Equal(t, StateDispensing, job.State)
		assert.Equal(t, 25.0, job.TargetML)
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, 1, h.bus.CountWrites(0x67, "D,25.00"))

		var stored Job
		found, err := h.store.Decode(storage.PumpKey(1, "job"), &stored)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, job.ID, stored.ID)
		assert.Equal(t, StateDispensing, stored.State)
	})

	t.Run("should reject bad targets before any I/O", func(t *testing.T) {
		h := newHarness(t)

		for _, target := range []float64{0, -5, 0.004, 1000, 1000.01, math.NaN(), math.Inf(1), math.Inf(-1)} {
			_, err := h.tracker.StartDispense(ctx, 1, target)
			assert.ErrorIs(t, err, apperrors.ErrInvalidTarget)
		}
		_, err := h.tracker.StartDispense(ctx, 9, 10)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		assert.Empty(t, h.bus.Writes())
	})

	t.Run("should reject a second dispense and leave the first untouched", func(t *testing.T) {
		h := newHarness(t)

		first, err := h.tracker.StartDispense(ctx, 2, 30)
		require.NoError(t, err)
		writes := len(h.bus.Writes())

		_, err = h.tracker.StartDispense(ctx, 2, 50)
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrAlreadyActive)
		assert.Len(t, h.bus.Writes(), writes)

		job, ok := h.tracker.Job(2)
		require.True(t, ok)
		assert.Equal(t, first.ID, job.ID)
		assert.Equal(t, 30.0, job.TargetML)
		assert.Equal(t, StateDispensing, job.State)
	})

	t.Run("should not create a job when the device does not answer", func(t *testing.T) {
		h := newHarness(t)
		h.bus.FailWrites(0x67, errors.New("nack"))

		_, err := h.tracker.StartDispense(ctx, 1, 10)
		assert.ErrorIs(t, err, apperrors.ErrUnresponsive)
		_, ok := h.tracker.Job(1)
		assert.False(t, ok)
	})

	t.Run("should keep the job in memory when persisting fails", func(t *testing.T) {
		h := newHarness(t)
		h.store.setFailing(true)

		job, err := h.tracker.StartDispense(ctx, 1, 10)
		assert.ErrorIs(t, err, apperrors.ErrPersistence)
		assert.Equal(t, StateDispensing, job.State)

		current, ok := h.tracker.Job(1)
		require.True(t, ok)
		assert.Equal(t, job.ID, current.ID)
	})
}

func TestTracker_DuplicateRequests(t *testing.T) {
	ctx := context.Background()

	t.Run("should return a just completed job instead of dispensing again", func(t *testing.T) {
		h := newHarness(t)
		h.pumps[1].setReadings(40)

		first, err := h.tracker.StartDispense(ctx, 1, 40)
		require.NoError(t, err)
		done, err := h.tracker.Poll(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, StateComplete, done.State)

		again, err := h.tracker.StartDispense(ctx, 1, 40)
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, 1, h.bus.CountWrites(0x67, "D,40.00"))
	})

	t.Run("should dispense again once the window has passed", func(t *testing.T) {
		h := newHarness(t)
		h.pumps[1].setReadings(40)
		clock := time.Now()
		h.tracker.now = func() time.Time { return clock }

		_, err := h.tracker.StartDispense(ctx, 1, 40)
		require.NoError(t, err)
		_, err = h.tracker.Poll(ctx, 1)
		require.NoError(t, err)

		clock = clock.Add(3 * time.Second)
		again, err := h.tracker.StartDispense(ctx, 1, 40)
		require.NoError(t, err)
		assert.False(t, again.Duplicate)
		assert.Equal(t, 2, h.bus.CountWrites(0x67, "D,40.00"))
	})

	t.Run("should complete a job that is within the threshold of its target", func(t *testing.T) {
		h := newHarness(t)
		cfg := DefaultConfig()
		cfg.ToleranceML = 0.01
		cfg.DuplicateThresholdML = 0.5
		h.tracker.config = cfg
		h.pumps[1].setReadings(19.7)

		_, err := h.tracker.StartDispense(ctx, 1, 20)
		require.NoError(t, err)
		progress, err := h.tracker.Poll(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, StateDispensing, progress.State)

		job, err := h.tracker.StartDispense(ctx, 1, 20)
		require.NoError(t, err)
		assert.True(t, job.Duplicate)
		assert.Equal(t, StateComplete, job.State)
		assert.Equal(t, 1, h.stops(0x67))
		assert.Equal(t, 1, h.bus.CountWrites(0x67, "D,20.00"))
	})

	t.Run("should treat a zero threshold as disabled", func(t *testing.T) {
		h := newHarness(t)
		cfg := DefaultConfig()
		cfg.DuplicateThresholdML = 0
		h.tracker.config = cfg
		h.pumps[1].setReadings(40)

		_, err := h.tracker.StartDispense(ctx, 1, 40)
		require.NoError(t, err)
		_, err = h.tracker.Poll(ctx, 1)
		require.NoError(t, err)

		again, err := h.tracker.StartDispense(ctx, 1, 40)
		require.NoError(t, err)
		assert.False(t, again.Duplicate)
	})
}

func TestTracker_Poll(t *testing.T) {
	ctx := context.Background()

	t.Run("should complete exactly at the reading within tolerance", func(t *testing.T) {
		h := newHarness(t)
		h.pumps[1].setReadings(0, 50, 99.91, 99.95)

		_, err := h.tracker.StartDispense(ctx, 1, 100)
		require.NoError(t, err)

		expected := []struct {
			state     State
			dispensed float64
		}{
			{StateDispensing, 0},
			{StateDispensing, 50},
			{StateComplete, 99.91},
			{StateComplete, 99.91},
		}
		for i, want := range expected {
			job, err := h.tracker.Poll(ctx, 1)
			require.NoError(t, err, "poll %d", i)
			assert.Equal(t, want.state, job.State, "poll %d", i)
			assert.InDelta(t, want.dispensed, job.DispensedML, 1e-9, "poll %d", i)
		}
		assert.Equal(t, 1, h.stops(0x67))
		assert.Equal(t, 3, h.bus.CountWrites(0x67, "R"))
	})

	t.Run("should be idempotent for repeated identical readings", func(t *testing.T) {
		h := newHarness(t)
		h.pumps[1].setReadings(12.5)

		_, err := h.tracker.StartDispense(ctx, 1, 100)
		require.NoError(t, err)

		first, err := h.tracker.Poll(ctx, 1)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			job, err := h.tracker.Poll(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, first.DispensedML, job.DispensedML)
			assert.Equal(t, StateDispensing, job.State)
		}
		assert.Equal(t, 0, h.stops(0x67))
	})

	t.Run("should never let the dispensed volume go backwards", func(t *testing.T) {
		h := newHarness(t)
		h.pumps[1].setReadings(30, 10)

		_, err := h.tracker.StartDispense(ctx, 1, 100)
		require.NoError(t, err)
		_, err = h.tracker.Poll(ctx, 1)
		require.NoError(t, err)
		job, err := h.tracker.Poll(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 30.0, job.DispensedML)
	})

	t.Run("should cap overshoot at target plus tolerance", func(t *testing.T) {
		h := newHarness(t)
		h.pumps[1].setReadings(10.75)

		_, err := h.tracker.StartDispense(ctx, 1, 10)
		require.NoError(t, err)
		job, err := h.tracker.Poll(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, StateComplete, job.State)
		assert.InDelta(t, 10.1, job.DispensedML, 1e-9)
	})

	t.Run("should record transport failures and recover on the next read", func(t *testing.T) {
		h := newHarness(t)
		h.pumps[1].setReadings(5)

		_, err := h.tracker.StartDispense(ctx, 1, 100)
		require.NoError(t, err)

		h.pumps[1].setFailing(true)
		job, err := h.tracker.Poll(ctx, 1)
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrUnresponsive)
		assert.Equal(t, StateError, job.State)
		assert.NotEmpty(t, job.LastError)

		var stored Job
		_, err = h.store.Decode(storage.PumpKey(1, "job"), &stored)
		require.NoError(t, err)
		assert.Equal(t, StateError, stored.State)

		_, err = h.tracker.Poll(ctx, 2)
		assert.ErrorIs(t, err, apperrors.ErrNotFound, "other pumps are unaffected")

		h.pumps[1].setFailing(false)
		job, err = h.tracker.Poll(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, StateDispensing, job.State)
		assert.Empty(t, job.LastError)
		assert.Equal(t, 5.0, job.DispensedML)
	})

	t.Run("should not read a paused pump", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.tracker.StartDispense(ctx, 1, 100)
		require.NoError(t, err)

		job, err := h.tracker.Pause(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, StatePaused, job.State)

		_, err = h.tracker.Poll(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, h.bus.CountWrites(0x67, "R"))

		job, err = h.tracker.Resume(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, StateDispensing, job.State)
		assert.Equal(t, 2, h.bus.CountWrites(0x67, "P"))
		assert.Equal(t, 2, h.bus.CountWrites(0x67, "P,?"))

		_, err = h.tracker.Resume(ctx, 1)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("should not toggle a pump that is already paused", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.tracker.StartDispense(ctx, 1, 100)
		require.NoError(t, err)
		h.pumps[1].setPaused(true)

		job, err := h.tracker.Pause(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, StatePaused, job.State)
		assert.Equal(t, 0, h.bus.CountWrites(0x67, "P"))

		job, err = h.tracker.Resume(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, StateDispensing, job.State)
		assert.Equal(t, 1, h.bus.CountWrites(0x67, "P"))
		assert.False(t, h.pumps[1].paused)
	})

	t.Run("should keep the job state when the pause status cannot be read", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.tracker.StartDispense(ctx, 1, 100)
		require.NoError(t, err)

		h.bus.FailWrites(0x67, errors.New("nack"))
		_, err = h.tracker.Pause(ctx, 1)
		require.Error(t, err)

		job, ok := h.tracker.Job(1)
		require.True(t, ok)
		assert.Equal(t, StateDispensing, job.State)
		assert.Equal(t, 0, h.bus.CountWrites(0x67, "P"))
	})

	t.Run("should add completed volume to the lifetime total", func(t *testing.T) {
		h := newHarness(t)
		h.pumps[1].setReadings(20)

		_, err := h.tracker.StartDispense(ctx, 1, 20)
		require.NoError(t, err)
		_, err = h.tracker.Poll(ctx, 1)
		require.NoError(t, err)
		_, err = h.tracker.Poll(ctx, 1)
		require.NoError(t, err)

		total, err := h.tracker.LifetimeML(1)
		require.NoError(t, err)
		assert.Equal(t, 20.0, total)
	})
}

func TestTracker_Stop(t *testing.T) {
	ctx := context.Background()

	t.Run("should be a no-op on an idle pump", func(t *testing.T) {
		h := newHarness(t)
		job, err := h.tracker.Stop(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, StateIdle, job.State)
		assert.Empty(t, h.bus.Writes())
	})

	t.Run("should clear the job even when the stop command fails", func(t *testing.T) {
		h := newHarness(t)
		h.pumps[1].setReadings(7.5)

		_, err := h.tracker.StartDispense(ctx, 1, 50)
		require.NoError(t, err)
		_, err = h.tracker.Poll(ctx, 1)
		require.NoError(t, err)

		h.bus.FailWrites(0x67, errors.New("nack"))
		job, err := h.tracker.Stop(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, StateStopped, job.State)
		assert.Contains(t, job.LastError, "stop command failed")

		total, err := h.tracker.LifetimeML(1)
		require.NoError(t, err)
		assert.Equal(t, 7.5, total)

		again, err := h.tracker.Stop(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, job.ID, again.ID)

		_, err = h.tracker.StartDispense(ctx, 1, 10)
		assert.NoError(t, err)
	})

	t.Run("should halt idle pumps on request", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.tracker.Halt(ctx, 2))
		assert.Equal(t, 1, h.stops(0x68))
	})
}

func TestTracker_Calibrate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	t.Run("should validate the volume", func(t *testing.T) {
		for _, actual := range []float64{0, -1, 0.001, math.NaN(), math.Inf(1)} {
			assert.ErrorIs(t, h.tracker.Calibrate(ctx, 1, actual), apperrors.ErrInvalidTarget)
		}
		assert.Empty(t, h.bus.Writes())
	})

	t.Run("should refuse a busy pump", func(t *testing.T) {
		_, err := h.tracker.StartDispense(ctx, 2, 10)
		require.NoError(t, err)
		assert.ErrorIs(t, h.tracker.Calibrate(ctx, 2, 9.5), apperrors.ErrAlreadyActive)
	})

	t.Run("should send and persist the calibration", func(t *testing.T) {
		require.NoError(t, h.tracker.Calibrate(ctx, 1, 9.8))
		assert.Equal(t, 1, h.bus.CountWrites(0x67, "Cal,9.80"))

		var cal Calibration
		found, err := h.store.Decode(storage.PumpKey(1, "calibration"), &cal)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 9.8, cal.ActualML)
	})

	t.Run("should read the device total", func(t *testing.T) {
		total, err := h.tracker.TotalVolume(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 250.0, total)
	})
}

func TestTracker_Restore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.pumps[1].setReadings(10)

	_, err := h.tracker.StartDispense(ctx, 1, 40)
	require.NoError(t, err)
	_, err = h.tracker.Poll(ctx, 1)
	require.NoError(t, err)

	h.pumps[1].setReadings(25)
	restarted := h.newTracker(h.store)
	require.NoError(t, restarted.Restore(ctx))

	job, ok := restarted.Job(1)
	require.True(t, ok)
	assert.Equal(t, StateDispensing, job.State)
	assert.Equal(t, 25.0, job.DispensedML)
	assert.Equal(t, []int{1}, restarted.ActiveIDs())

	_, err = restarted.StartDispense(ctx, 1, 5)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyActive)
}
