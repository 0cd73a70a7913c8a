package i2c

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	t.Run("should open the mock driver", func(t *testing.T) {
		bus, err := Open(DriverMock, "", logger)
		require.NoError(t, err)
		_, ok := bus.(*MockBus)
		assert.True(t, ok)
	})

	t.Run("should reject unknown drivers", func(t *testing.T) {
		_, err := Open("spi", "", logger)
		assert.Error(t, err)
	})
}

func TestFrame(t *testing.T) {
	frame := Frame(1, "12.50")
	require.Len(t, frame, FrameSize)
	assert.Equal(t, byte(1), frame[0])
	assert.Equal(t, "12.50", string(frame[1:6]))
	assert.Equal(t, byte(0), frame[6])
}

func TestMockBus(t *testing.T) {
	t.Run("should answer from the responder using the last command", func(t *testing.T) {
		bus := NewMockBus()
		bus.Handle(0x67, func(command string) ([]byte, error) {
			return Frame(1, strings.ToLower(command)), nil
		})

		require.NoError(t, bus.Write(0x67, []byte("TV,?\x00")))
		data, err := bus.Read(0x67, FrameSize)
		require.NoError(t, err)
		assert.Equal(t, Frame(1, "tv,?"), data)

		txs := bus.Transactions()
		require.Len(t, txs, 1)
		assert.Equal(t, "TV,?", txs[0].Command)
		assert.False(t, txs[0].ReadAt.Before(txs[0].WriteAt))
		assert.Equal(t, 1, bus.CountWrites(0x67, "TV,?"))
	})

	t.Run("should serve queued frames first", func(t *testing.T) {
		bus := NewMockBus()
		bus.Handle(0x10, func(string) ([]byte, error) { return Frame(1, "late"), nil })
		bus.Queue(0x10, Frame(254, ""))

		require.NoError(t, bus.Write(0x10, []byte("R")))
		first, err := bus.Read(0x10, FrameSize)
		require.NoError(t, err)
		assert.Equal(t, byte(254), first[0])

		require.NoError(t, bus.Write(0x10, []byte("R")))
		second, err := bus.Read(0x10, FrameSize)
		require.NoError(t, err)
		assert.Equal(t, Frame(1, "late"), second)
	})

	t.Run("should nack unknown addresses and injected failures", func(t *testing.T) {
		bus := NewMockBus()
		assert.Error(t, bus.Write(0x20, []byte("R")))

		bus.Handle(0x20, func(string) ([]byte, error) { return Frame(1, "ok"), nil })
		bus.FailWrites(0x20, errors.New("nack"))
		assert.EqualError(t, bus.Write(0x20, []byte("R")), "nack")
		assert.NoError(t, bus.Write(0x20, []byte("R")))
	})

	t.Run("should track overlapping transactions", func(t *testing.T) {
		bus := NewMockBus()
		ok := func(string) ([]byte, error) { return Frame(1, ""), nil }
		bus.Handle(0x30, ok)
		bus.Handle(0x31, ok)

		require.NoError(t, bus.Write(0x30, []byte("R")))
		require.NoError(t, bus.Write(0x31, []byte("R")))
		_, _ = bus.Read(0x30, FrameSize)
		_, _ = bus.Read(0x31, FrameSize)
		assert.Equal(t, 2, bus.MaxInFlight())
	})
}
