package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hydro-controller.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("should load default values", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("HYDRO_DATA_DIR", dir)

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "sqlite", cfg.Store.Driver)
		assert.Equal(t, "periph", cfg.I2C.Driver)
		assert.Equal(t, 2, cfg.I2C.Retries)
		assert.Equal(t, "300ms", cfg.I2C.SettleDelay)
		assert.Equal(t, 0.1, cfg.Pumps.ToleranceML)
		assert.Equal(t, filepath.Join(dir, "hydro-state.db"), cfg.Store.Path)
	})

	t.Run("should load from environment variables", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("HYDRO_LOG_LEVEL", "debug")
		t.Setenv("HYDRO_DEBUG", "true")
		t.Setenv("HYDRO_DATA_DIR", dir)
		t.Setenv("HYDRO_STORE_DRIVER", "BOLT")
		t.Setenv("HYDRO_MOCK_HARDWARE", "true")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.True(t, cfg.App.Debug)
		assert.Equal(t, dir, cfg.App.DataDir)
		assert.Equal(t, "bolt", cfg.Store.Driver)
		assert.Equal(t, "mock", cfg.I2C.Driver)
		assert.True(t, cfg.GPIO.MockMode)
		assert.Equal(t, filepath.Join(dir, "hydro-state.db"), cfg.Store.Path)
	})

	t.Run("should load device table from config file", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfig(t, `
app:
  data_dir: "`+dir+`"
log:
  level: "warn"
i2c:
  driver: mock
  settle_delay: 450ms
pumps:
  tolerance_ml: 0.2
  duplicate_threshold_ml: 0.5
devices:
  pumps:
    - id: 1
      address: 0x67
    - id: 2
      address: 0x68
  relays:
    - id: 1
      pin: 17
      active_low: true
    - id: 2
      pin: 27
  flow_meters:
    - id: 1
      pin: 22
      pulses_per_gallon: 220
      valve_relay: 2
  sensors:
    - id: 1
      kind: ph
      address: 0x63
`)

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Log.Level)
		assert.Equal(t, "450ms", cfg.I2C.SettleDelay)
		assert.Equal(t, 0.2, cfg.Pumps.ToleranceML)
		assert.Equal(t, 0.5, cfg.Pumps.DuplicateThresholdML)

		require.Len(t, cfg.Devices.Pumps, 2)
		pump, ok := cfg.Devices.Pump(2)
		require.True(t, ok)
		assert.Equal(t, 0x68, pump.Address)

		relay, ok := cfg.Devices.Relay(1)
		require.True(t, ok)
		assert.True(t, relay.ActiveLow)

		meter, ok := cfg.Devices.FlowMeter(1)
		require.True(t, ok)
		assert.Equal(t, 220, meter.PulsesPerGallon)
		assert.Equal(t, 2, meter.ValveRelay)

		assert.Equal(t, []int{1, 2}, cfg.Devices.PumpIDs())
		assert.Equal(t, []int{1, 2}, cfg.Devices.RelayIDs())
	})

	t.Run("should override config file with environment variables", func(t *testing.T) {
		path := writeConfig(t, `
log:
  level: "warn"
`)
		t.Setenv("HYDRO_DATA_DIR", t.TempDir())
		t.Setenv("HYDRO_LOG_LEVEL", "error")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "error", cfg.Log.Level)
	})

	t.Run("should fail on missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{
			name:   "invalid log level",
			mutate: func(c *Config) { c.Log.Level = "loud" },
			errMsg: "invalid log level",
		},
		{
			name:   "invalid store driver",
			mutate: func(c *Config) { c.Store.Driver = "postgres" },
			errMsg: "invalid store driver",
		},
		{
			name:   "invalid i2c driver",
			mutate: func(c *Config) { c.I2C.Driver = "usb" },
			errMsg: "invalid i2c driver",
		},
		{
			name:   "invalid settle delay",
			mutate: func(c *Config) { c.I2C.SettleDelay = "soon" },
			errMsg: "i2c.settle_delay",
		},
		{
			name:   "non positive tolerance",
			mutate: func(c *Config) { c.Pumps.ToleranceML = 0 },
			errMsg: "tolerance_ml",
		},
		{
			name:   "mqtt without broker",
			mutate: func(c *Config) { c.MQTT.Enabled = true },
			errMsg: "mqtt.broker",
		},
		{
			name: "duplicate pump address",
			mutate: func(c *Config) {
				c.Devices.Pumps = []PumpDevice{{ID: 1, Address: 0x67}, {ID: 2, Address: 0x67}}
			},
			errMsg: "share i2c address",
		},
		{
			name: "reserved i2c address",
			mutate: func(c *Config) {
				c.Devices.Pumps = []PumpDevice{{ID: 1, Address: 0x03}}
			},
			errMsg: "invalid i2c address",
		},
		{
			name: "relay and meter share a pin",
			mutate: func(c *Config) {
				c.Devices.Relays = []RelayDevice{{ID: 1, Pin: 17}}
				c.Devices.FlowMeters = []FlowDevice{{ID: 1, Pin: 17, PulsesPerGallon: 220}}
			},
			errMsg: "share gpio pin",
		},
		{
			name: "flow meter without calibration",
			mutate: func(c *Config) {
				c.Devices.FlowMeters = []FlowDevice{{ID: 1, Pin: 22}}
			},
			errMsg: "pulses_per_gallon",
		},
		{
			name: "flow meter with unknown valve",
			mutate: func(c *Config) {
				c.Devices.FlowMeters = []FlowDevice{{ID: 1, Pin: 22, PulsesPerGallon: 220, ValveRelay: 9}}
			},
			errMsg: "unknown relay 9",
		},
		{
			name: "unknown sensor kind",
			mutate: func(c *Config) {
				c.Devices.Sensors = []SensorDevice{{ID: 1, Kind: "orp", Address: 0x62}}
			},
			errMsg: "unknown kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getDefaults()
			cfg.App.DataDir = t.TempDir()
			tt.mutate(&cfg)

			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDuration(t *testing.T) {
	assert.Equal(t, "450ms", Duration("450ms", 0).String())
	assert.Equal(t, "2s", Duration("", 2e9).String())
	assert.Equal(t, "1s", Duration("bogus", 1e9).String())
}
