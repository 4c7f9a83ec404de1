// Package config provides configuration management for the bridge.
// It supports environment variables, config files (YAML/JSON), and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. BRIDGE_MQTT_BROKER_URL.
const EnvPrefix = "BRIDGE"

// Config holds all configuration for the bridge.
type Config struct {
	// DevicesConfigPath is the path to the device configurations file
	DevicesConfigPath string `mapstructure:"devices_config_path"`

	// HTTP server configuration
	HTTP HTTPConfig `mapstructure:"http"`

	// API configuration (authentication, CORS, body limits)
	API APIConfig `mapstructure:"api"`

	// MQTT configuration
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// Modbus connection defaults
	Modbus ModbusConfig `mapstructure:"modbus"`

	// Polling configuration
	Polling PollingConfig `mapstructure:"polling"`

	// Command path configuration
	Commands CommandsConfig `mapstructure:"commands"`

	// Home Assistant discovery
	Discovery DiscoveryConfig `mapstructure:"discovery"`

	// evcc charger integration
	EVCC EVCCConfig `mapstructure:"evcc"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// APIConfig holds API security configuration.
type APIConfig struct {
	// AuthEnabled enables API key authentication for protected endpoints
	AuthEnabled bool `mapstructure:"auth_enabled"`

	// APIKey is the secret key required for authenticated endpoints
	APIKey string `mapstructure:"api_key"`

	// MaxRequestBodySize is the maximum allowed request body size in bytes.
	// Zero disables the limit.
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`

	// AllowedOrigins for CORS. "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// ReadOnly rejects every mutating request.
	ReadOnly bool `mapstructure:"read_only"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	CleanSession      bool          `mapstructure:"clean_session"`
	QoS               byte          `mapstructure:"qos"`
	Retain            bool          `mapstructure:"retain"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	PublishTimeout    time.Duration `mapstructure:"publish_timeout"`
	TLSEnabled        bool          `mapstructure:"tls_enabled"`
	TLSCertFile       string        `mapstructure:"tls_cert_file"`
	TLSKeyFile        string        `mapstructure:"tls_key_file"`
	TLSCAFile         string        `mapstructure:"tls_ca_file"`
	BufferSize        int           `mapstructure:"buffer_size"`
	TopicPrefix       string        `mapstructure:"topic_prefix"`
	AvailabilityTopic string        `mapstructure:"availability_topic"`
}

// ModbusConfig holds the device session defaults.
type ModbusConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	FaultThreshold uint32        `mapstructure:"fault_threshold"`
	FaultCooldown  time.Duration `mapstructure:"fault_cooldown"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	BackoffJitter  float64       `mapstructure:"backoff_jitter"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// PollingConfig holds poll scheduler configuration.
type PollingConfig struct {
	WorkerCount         int           `mapstructure:"worker_count"`
	PollTimeout         time.Duration `mapstructure:"poll_timeout"`
	DegradedThreshold   int           `mapstructure:"degraded_threshold"`
	DegradedFactor      float64       `mapstructure:"degraded_factor"`
	MaxDegradedInterval time.Duration `mapstructure:"max_degraded_interval"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
}

// CommandsConfig holds write path configuration.
type CommandsConfig struct {
	WritesEnabled   bool          `mapstructure:"writes_enabled"`
	Timeout         time.Duration `mapstructure:"timeout"`
	QueueSize       int           `mapstructure:"queue_size"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// DiscoveryConfig holds Home Assistant discovery configuration.
type DiscoveryConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Prefix     string `mapstructure:"prefix"`
	OriginName string `mapstructure:"origin_name"`
}

// EVCCConfig holds the evcc charger integration.
type EVCCConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	TopicPrefix string `mapstructure:"topic_prefix"`

	// ThreePhaseThreshold is the requested current (A) from which evcc's
	// limit is spread over three phases.
	ThreePhaseThreshold float64 `mapstructure:"three_phase_threshold"`

	Chargers []EVCCChargerConfig `mapstructure:"chargers"`
}

// EVCCChargerConfig maps one charger socket onto configured points.
type EVCCChargerConfig struct {
	Name            string `mapstructure:"name"`
	Socket          int    `mapstructure:"socket"`
	Device          string `mapstructure:"device"`
	AvailablePoint  string `mapstructure:"available_point"`
	Mode3Point      string `mapstructure:"mode3_point"`
	PowerPoint      string `mapstructure:"power_point"`
	MaxCurrentPoint string `mapstructure:"max_current_point"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout, stderr, or file path
}

// Load loads configuration from files and environment variables.
// An explicit path takes precedence over the search paths.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/alfen-mqtt")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, will use defaults and env vars
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("devices_config_path", "./config/devices.yaml")

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// API security
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.max_request_body_size", 1048576) // 1MB default
	v.SetDefault("api.allowed_origins", []string{})
	v.SetDefault("api.read_only", false)

	// MQTT
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "alfen-mqtt")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", true)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 1000)
	v.SetDefault("mqtt.topic_prefix", "alfen")
	v.SetDefault("mqtt.availability_topic", "")

	// Modbus
	v.SetDefault("modbus.timeout", 5*time.Second)
	v.SetDefault("modbus.idle_timeout", 60*time.Second)
	v.SetDefault("modbus.fault_threshold", 5)
	v.SetDefault("modbus.fault_cooldown", 30*time.Second)
	v.SetDefault("modbus.backoff_initial", 1*time.Second)
	v.SetDefault("modbus.backoff_max", 60*time.Second)
	v.SetDefault("modbus.backoff_jitter", 0.2)
	v.SetDefault("modbus.queue_size", 64)

	// Polling
	v.SetDefault("polling.worker_count", 4)
	v.SetDefault("polling.poll_timeout", 10*time.Second)
	v.SetDefault("polling.degraded_threshold", 3)
	v.SetDefault("polling.degraded_factor", 4.0)
	v.SetDefault("polling.max_degraded_interval", 5*time.Minute)
	v.SetDefault("polling.shutdown_timeout", 30*time.Second)

	// Commands
	v.SetDefault("commands.writes_enabled", false)
	v.SetDefault("commands.timeout", 10*time.Second)
	v.SetDefault("commands.queue_size", 64)
	v.SetDefault("commands.refresh_interval", 0)

	// Discovery
	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.prefix", "homeassistant")
	v.SetDefault("discovery.origin_name", "alfen-mqtt")

	// evcc
	v.SetDefault("evcc.enabled", false)
	v.SetDefault("evcc.topic_prefix", "alfen/evcc")
	v.SetDefault("evcc.three_phase_threshold", 18.0)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// bindEnvVars binds the conventional unprefixed variables as well.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("mqtt.broker_url", EnvPrefix+"_MQTT_BROKER_URL", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", EnvPrefix+"_MQTT_USERNAME", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", EnvPrefix+"_MQTT_PASSWORD", "MQTT_PASSWORD")
	_ = v.BindEnv("api.api_key", EnvPrefix+"_API_API_KEY", "API_KEY")
	_ = v.BindEnv("logging.level", EnvPrefix+"_LOGGING_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("devices_config_path", EnvPrefix+"_DEVICES_CONFIG_PATH", "DEVICES_CONFIG_PATH")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid MQTT QoS: %d", c.MQTT.QoS)
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") || strings.Trim(c.MQTT.TopicPrefix, "/") == "" {
		return fmt.Errorf("invalid MQTT topic prefix: %q", c.MQTT.TopicPrefix)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.API.AuthEnabled && c.API.APIKey == "" {
		return fmt.Errorf("api key is required when authentication is enabled")
	}
	if c.Polling.WorkerCount <= 0 {
		return fmt.Errorf("polling worker count must be positive")
	}
	if c.Polling.DegradedFactor < 1 {
		return fmt.Errorf("polling degraded factor must be at least 1")
	}
	if c.Modbus.BackoffJitter < 0 || c.Modbus.BackoffJitter > 1 {
		return fmt.Errorf("modbus backoff jitter must be within [0,1]")
	}
	if c.Commands.Timeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}
	if c.DevicesConfigPath == "" {
		return fmt.Errorf("devices config path is required")
	}
	if c.EVCC.Enabled {
		if err := c.EVCC.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate validates the evcc section.
func (c *EVCCConfig) Validate() error {
	if strings.ContainsAny(c.TopicPrefix, "+#") || strings.Trim(c.TopicPrefix, "/") == "" {
		return fmt.Errorf("invalid evcc topic prefix: %q", c.TopicPrefix)
	}
	for i := range c.Chargers {
		ch := &c.Chargers[i]
		if ch.Device == "" {
			return fmt.Errorf("evcc charger %d: device is required", i)
		}
		if ch.Name == "" {
			ch.Name = ch.Device
		}
		if strings.ContainsAny(ch.Name, "/+#") {
			return fmt.Errorf("evcc charger %q: invalid name", ch.Name)
		}
		if ch.Socket == 0 {
			ch.Socket = 1
		}
		if ch.Socket < 0 {
			return fmt.Errorf("evcc charger %q: invalid socket %d", ch.Name, ch.Socket)
		}
		if ch.AvailablePoint == "" || ch.Mode3Point == "" || ch.PowerPoint == "" {
			return fmt.Errorf("evcc charger %q: status points are required", ch.Name)
		}
	}
	return nil
}
