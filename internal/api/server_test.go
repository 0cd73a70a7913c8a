package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/hydro-controller/internal/config"
	"github.com/dsyorkd/hydro-controller/internal/hardware"
	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/pump"
	"github.com/dsyorkd/hydro-controller/internal/storage"
	testutils "github.com/dsyorkd/hydro-controller/internal/testing"
	"github.com/dsyorkd/hydro-controller/pkg/gpio"
	"github.com/dsyorkd/hydro-controller/pkg/i2c"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	server *Server
	system *hardware.System
	bus    *i2c.MockBus
	pins   *gpio.MockGPIO
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
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
		API: config.APIConfig{
			Enabled:           true,
			Host:              "127.0.0.1",
			Port:              8080,
			RequestsPerMinute: 600,
			BurstSize:         100,
		},
		Devices: config.Devices{
			Pumps: []config.PumpDevice{{ID: 1, Name: "Part A", Address: 0x67}},
			Relays: []config.RelayDevice{
				{ID: 1, Name: "Fill", Pin: 5},
				{ID: 2, Name: "Mixer", Pin: 6, ActiveLow: true},
			},
			FlowMeters: []config.FlowDevice{{ID: 1, Name: "Main line", Pin: 17, PulsesPerGallon: 100}},
			Sensors:    []config.SensorDevice{{ID: 1, Name: "pH", Kind: "ph", Address: 0x63}},
		},
	}

	ts := &testServer{bus: i2c.NewMockBus(), pins: gpio.NewMockGPIO()}
	doser := &testutils.DosingPump{}
	doser.Set(3)
	ts.bus.Handle(0x67, doser.Respond)
	ts.bus.Handle(0x63, testutils.Probe("5.87"))

	system, err := hardware.New(context.Background(), cfg, logger.Discard(), hardware.WithBus(ts.bus), hardware.WithGPIO(ts.pins))
	require.NoError(t, err)
	t.Cleanup(func() { system.Close() })

	ts.system = system
	ts.server = New(&cfg.API, system, t.TempDir(), logger.Discard())
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestServer_Pumps(t *testing.T) {
	ts := newTestServer(t)

	t.Run("should start a dispense", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/pumps/1/dispense", `{"ml": 10}`)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var job pump.Job
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
		assert.Equal(t, pump.StateDispensing, job.State)
		assert.Equal(t, 1, ts.bus.CountWrites(0x67, "D,10.00"))
	})

	t.Run("should reject a second dispense with conflict", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/pumps/1/dispense", `{"ml": 10}`)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "Conflict", decode(t, w)["error"])
	})

	t.Run("should poll progress", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/pumps/1/poll", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 3.0, decode(t, w)["dispensed_ml"])
	})

	t.Run("should stop and report the lifetime total", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/pumps/1/stop", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, string(pump.StateStopped), decode(t, w)["state"])

		w = ts.do(t, http.MethodGet, "/api/v1/pumps/1", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 3.0, decode(t, w)["lifetime_ml"])
	})

	t.Run("should map validation failures", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/pumps/1/dispense", `{"ml": -1}`).Code)
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/pumps/x/stop", "").Code)
		assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/v1/pumps/9/dispense", `{"ml": 5}`).Code)
	})

	t.Run("should surface an unresponsive pump as a gateway timeout", func(t *testing.T) {
		nack := errors.New("nack")
		ts.bus.FailWrites(0x67, nack, nack, nack)

		w := ts.do(t, http.MethodPost, "/api/v1/pumps/1/dispense", `{"ml": 4}`)
		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	})
}

func TestServer_Relays(t *testing.T) {
	ts := newTestServer(t)

	t.Run("should drive a relay and persist it", func(t *testing.T) {
		w := ts.do(t, http.MethodPut, "/api/v1/relays/2", `{"on": true}`)
		require.Equal(t, http.StatusOK, w.Code)
		value, _ := ts.pins.Value(6)
		assert.Equal(t, gpio.Low, value, "active-low relay pulls the pin low")

		on, err := ts.system.Store.GetBool(storage.RelayKey(2, "state"), false)
		require.NoError(t, err)
		assert.True(t, on)
	})

	t.Run("should require the on field", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/api/v1/relays/1", `{}`).Code)
	})

	t.Run("should report partial sweeps", func(t *testing.T) {
		ts.pins.FailWrites(5, errors.New("coil open"))
		defer ts.pins.FailWrites(5, nil)

		w := ts.do(t, http.MethodPut, "/api/v1/relays", `{"on": false}`)
		require.Equal(t, http.StatusMultiStatus, w.Code)
		body := decode(t, w)
		assert.Contains(t, body["failed"], "1")
		assert.Equal(t, []interface{}{2.0}, body["succeeded"])
	})
}

func TestServer_State(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPut, "/api/v1/state/tank_1_volume", `42.5`)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/state/tank_1_volume", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, 42.5, body["value"])
	assert.Equal(t, storage.EncodingJSON, body["encoding"])

	w = ts.do(t, http.MethodGet, "/api/v1/state?prefix=tank_", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, decode(t, w)["count"])

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/api/v1/state/tank_1", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/state/bad%20key", "").Code)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/v1/state/tank_1_volume", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/state/tank_1_volume", "").Code)
}

func TestServer_System(t *testing.T) {
	ts := newTestServer(t)

	t.Run("should answer health probes", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", "").Code)
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/ready", "").Code)
	})

	t.Run("should expose prometheus metrics", func(t *testing.T) {
		ts.do(t, http.MethodPost, "/api/v1/sensors/1/read", "")
		w := ts.do(t, http.MethodGet, "/metrics", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "hydro_")
	})

	t.Run("should run legacy commands", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/command", `{"command": "Start;Relay;1;1;end"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		on, err := ts.system.Relays.State(1)
		require.NoError(t, err)
		assert.True(t, on)

		w = ts.do(t, http.MethodPost, "/api/v1/command", `{"command": "garbage"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should stop everything", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/emergency-stop", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decode(t, w)["stopped"])
		value, _ := ts.pins.Value(5)
		assert.Equal(t, gpio.Low, value)
	})

	t.Run("should report a snapshot", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/status", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, decode(t, w), "relays")
	})

	t.Run("should tag responses with a request id", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/health", "")
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})
}

func TestServer_RateLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.server.config.RequestsPerMinute = 1
	ts.server.config.BurstSize = 2
	ts.server.router = gin.New()
	ts.server.setupRoutes()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, ts.do(t, http.MethodGet, "/api/v1/relays", "").Code)
	}
	assert.Equal(t, []int{200, 200, http.StatusTooManyRequests}, codes, fmt.Sprint(codes))
}
