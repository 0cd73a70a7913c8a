package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/dsyorkd/hydro-controller/internal/storage"
)

// Config holds the entire application configuration
type Config struct {
	// Application settings
	App AppConfig `yaml:"app"`

	// State store configuration
	Store storage.Config `yaml:"store"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// GPIO configuration (relays and flow meters)
	GPIO GPIOConfig `yaml:"gpio"`

	// I2C transport configuration (pumps and sensors)
	I2C I2CConfig `yaml:"i2c"`

	// Pump job tracking
	Pumps PumpConfig `yaml:"pumps"`

	// Background job polling
	Poll PollConfig `yaml:"poll"`

	// Prometheus metrics endpoint
	Metrics MetricsConfig `yaml:"metrics"`

	// MQTT event publishing
	MQTT MQTTConfig `yaml:"mqtt"`

	// Local REST and WebSocket API
	API APIConfig `yaml:"api"`

	// mDNS advertisement of the API
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Static device address table
	Devices Devices `yaml:"devices"`
}

// AppConfig contains general application settings
type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	DataDir     string `yaml:"data_dir"`
	Debug       bool   `yaml:"debug"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// GPIOConfig contains GPIO settings
type GPIOConfig struct {
	MockMode       bool  `yaml:"mock_mode"`
	AllowedPins    []int `yaml:"allowed_pins"`
	RestrictedPins []int `yaml:"restricted_pins"`
}

// I2CConfig contains shared bus settings
type I2CConfig struct {
	// Driver selects the bus implementation: periph, reefpi or mock
	Driver      string  `yaml:"driver"`
	Bus         string  `yaml:"bus"`
	SettleDelay string  `yaml:"settle_delay"`
	Retries     int     `yaml:"retries"`
	RetryDelay  string  `yaml:"retry_delay"`
	MaxRate     float64 `yaml:"max_rate"` // commands per second, 0 disables throttling
	// Timeout bounds one command including waiting for the bus and retries
	Timeout     string  `yaml:"timeout"`
}

// PumpConfig contains dispense tracking settings
type PumpConfig struct {
	ToleranceML          float64 `yaml:"tolerance_ml"`
	MaxDispenseML        float64 `yaml:"max_dispense_ml"`
	DuplicateThresholdML float64 `yaml:"duplicate_threshold_ml"`
	DuplicateWindow      string  `yaml:"duplicate_window"`
}

// PollConfig contains background poller settings
type PollConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

// MetricsConfig contains Prometheus exporter settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// MQTTConfig contains event publisher settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// APIConfig contains HTTP server settings
type APIConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
	// RequestsPerMinute limits each client IP, 0 disables limiting
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	BurstSize         int      `yaml:"burst_size"`
	TrustedIPs        []string `yaml:"trusted_ips"`
	// AllowedOrigins for WebSocket upgrades, empty allows any
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetAddress returns the formatted listen address
func (c *APIConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DiscoveryConfig contains mDNS advertisement settings
type DiscoveryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	ServiceType string `yaml:"service_type"`
	Domain      string `yaml:"domain"`
	Interface   string `yaml:"interface"`
}

// Load loads configuration from YAML file with defaults
func Load(configPath string) (*Config, error) {
	// .env is optional and only feeds the environment overrides below
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	config := getDefaults()

	var configFile string
	if configPath != "" {
		configFile = configPath
	} else {
		searchPaths := []string{
			"./hydro-controller.yaml",
			"./config/hydro-controller.yaml",
			"/etc/hydro-controller/hydro-controller.yaml",
			filepath.Join(os.Getenv("HOME"), ".hydro-controller", "hydro-controller.yaml"),
		}

		for _, path := range searchPaths {
			if _, err := os.Stat(path); err == nil {
				configFile = path
				break
			}
		}
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
		}
	}

	applyEnvOverrides(&config)

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// validate validates the configuration and sets derived values
func (c *Config) validate() error {
	if c.App.DataDir != "" {
		if err := os.MkdirAll(c.App.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		if !filepath.IsAbs(c.Store.Path) {
			c.Store.Path = filepath.Join(c.App.DataDir, c.Store.Path)
		}
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level '%s': %w", c.Log.Level, err)
	}

	switch c.Store.Driver {
	case storage.DriverSQLite, storage.DriverBolt:
	default:
		return fmt.Errorf("invalid store driver '%s'", c.Store.Driver)
	}

	switch c.I2C.Driver {
	case "periph", "reefpi", "mock":
	default:
		return fmt.Errorf("invalid i2c driver '%s'", c.I2C.Driver)
	}
	if c.I2C.Retries < 0 {
		return fmt.Errorf("invalid i2c retries: %d", c.I2C.Retries)
	}
	if c.I2C.MaxRate < 0 {
		return fmt.Errorf("invalid i2c max_rate: %v", c.I2C.MaxRate)
	}

	for name, value := range map[string]string{
		"i2c.settle_delay":       c.I2C.SettleDelay,
		"i2c.retry_delay":        c.I2C.RetryDelay,
		"i2c.timeout":            c.I2C.Timeout,
		"pumps.duplicate_window": c.Pumps.DuplicateWindow,
		"poll.interval":          c.Poll.Interval,
		"api.read_timeout":       c.API.ReadTimeout,
		"api.write_timeout":      c.API.WriteTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s '%s': %w", name, value, err)
		}
	}

	if c.Pumps.ToleranceML <= 0 {
		return fmt.Errorf("pumps.tolerance_ml must be positive, got %v", c.Pumps.ToleranceML)
	}
	if c.Pumps.MaxDispenseML <= 0 {
		return fmt.Errorf("pumps.max_dispense_ml must be positive, got %v", c.Pumps.MaxDispenseML)
	}
	if c.Pumps.DuplicateThresholdML < 0 {
		return fmt.Errorf("pumps.duplicate_threshold_ml must not be negative, got %v", c.Pumps.DuplicateThresholdML)
	}

	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	if c.API.RequestsPerMinute < 0 || c.API.BurstSize < 0 {
		return fmt.Errorf("api rate limits must not be negative")
	}
	if c.Discovery.Enabled && !c.API.Enabled {
		return fmt.Errorf("discovery requires the api to be enabled")
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}

	return c.Devices.Validate()
}

// getDefaults returns a Config struct with default values
func getDefaults() Config {
	return Config{
		App: AppConfig{
			Name:        "hydro-controller",
			Environment: "production",
			DataDir:     "./data",
		},
		Store: storage.Config{
			Driver:   storage.DriverSQLite,
			Path:     "hydro-state.db",
			LogLevel: "warn",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		GPIO: GPIOConfig{
			MockMode:       false,
			AllowedPins:    []int{4, 5, 6, 12, 13, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27},
			RestrictedPins: []int{0, 1, 2, 3, 14, 15}, // I2C buses and UART
		},
		I2C: I2CConfig{
			Driver:      "periph",
			Bus:         "",
			SettleDelay: "300ms",
			Retries:     2,
			RetryDelay:  "100ms",
			MaxRate:     0,
			Timeout:     "5s",
		},
		Pumps: PumpConfig{
			ToleranceML:          0.1,
			MaxDispenseML:        1000,
			DuplicateThresholdML: 0.1,
			DuplicateWindow:      "2s",
		},
		Poll: PollConfig{
			Enabled:  true,
			Interval: "1s",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9102",
			Path:    "/metrics",
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			ClientID:    "hydro-controller",
			TopicPrefix: "hydro",
			QoS:         1,
		},
		API: APIConfig{
			Enabled:           true,
			Host:              "0.0.0.0",
			Port:              8080,
			ReadTimeout:       "30s",
			WriteTimeout:      "30s",
			RequestsPerMinute: 120,
			BurstSize:         20,
			TrustedIPs:        []string{"127.0.0.1", "::1"},
		},
		Discovery: DiscoveryConfig{
			Enabled:     false,
			ServiceType: "_hydro-controller._tcp",
			Domain:      "local",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("HYDRO_LOG_LEVEL"); env != "" {
		config.Log.Level = env
	}
	if env := os.Getenv("HYDRO_LOG_FORMAT"); env != "" {
		config.Log.Format = env
	}
	if env := os.Getenv("HYDRO_DEBUG"); env == "true" {
		config.App.Debug = true
	}
	if env := os.Getenv("HYDRO_DATA_DIR"); env != "" {
		config.App.DataDir = env
	}
	if env := os.Getenv("HYDRO_STORE_DRIVER"); env != "" {
		config.Store.Driver = strings.ToLower(env)
	}
	if env := os.Getenv("HYDRO_I2C_DRIVER"); env != "" {
		config.I2C.Driver = strings.ToLower(env)
	}
	if env := os.Getenv("HYDRO_MOCK_HARDWARE"); env == "true" {
		config.GPIO.MockMode = true
		config.I2C.Driver = "mock"
	}
	if env := os.Getenv("HYDRO_MQTT_BROKER"); env != "" {
		config.MQTT.Broker = env
		config.MQTT.Enabled = true
	}
	if env := os.Getenv("HYDRO_API_PORT"); env != "" {
		if port, err := strconv.Atoi(env); err == nil {
			config.API.Port = port
		}
	}
	if env := os.Getenv("HYDRO_MQTT_PASSWORD"); env != "" {
		config.MQTT.Password = env
	}
}

// Duration parses a validated duration string, falling back when empty
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
