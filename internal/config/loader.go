package config

import (
	"fmt"
	"os"
	"strconv"

	"cecbridge/internal/cec"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DaemonConfig locates the CEC daemon that owns the adapters.
type DaemonConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// MQTTConfig configures the optional MQTT event bridge.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// Enabled reports whether a broker was configured.
func (c MQTTConfig) Enabled() bool {
	return c.BrokerURL != ""
}

// Config represents the bridge configuration, env and cec_bridge.yaml merged.
type Config struct {
	Daemon         DaemonConfig     `yaml:"daemon"`
	Engine         cec.EngineConfig `yaml:"engine"`
	DetectCapacity int              `yaml:"detect_capacity"`
	APIPort        int              `yaml:"api_port"`
	MQTT           MQTTConfig       `yaml:"mqtt"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			URL: "ws://localhost:8765/cec",
		},
		Engine:         cec.DefaultEngineConfig(),
		DetectCapacity: cec.DefaultDetectCapacity,
		APIPort:        8080,
		MQTT: MQTTConfig{
			TopicPrefix: "cec",
			ClientID:    "cec-bridge",
		},
	}
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	if c.Daemon.URL == "" {
		return fmt.Errorf("daemon url cannot be empty")
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	if c.DetectCapacity <= 0 {
		return fmt.Errorf("detect capacity must be positive, got %d", c.DetectCapacity)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("api port %d out of range", c.APIPort)
	}
	if c.MQTT.Enabled() && c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt topic prefix cannot be empty")
	}
	return nil
}

// Loader builds a Config from the environment and an optional YAML file.
// Values from the file win over the environment.
type Loader struct {
	logger     *zap.Logger
	getenv     func(string) string
	configFile string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *zap.Logger) *Loader {
	return &Loader{
		logger: logger.Named("config"),
		getenv: os.Getenv,
	}
}

// SetConfigFile makes Load read path instead of CEC_CONFIG_FILE.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load merges defaults, environment and the file named by CEC_CONFIG_FILE.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}

	path := l.configFile
	if path == "" {
		path = l.getenv("CEC_CONFIG_FILE")
	}
	if path != "" {
		if err := l.LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.logger.Info("Configuration loaded",
		zap.String("daemon_url", cfg.Daemon.URL),
		zap.String("device_name", cfg.Engine.DeviceName),
		zap.Int("api_port", cfg.APIPort),
		zap.Bool("mqtt", cfg.MQTT.Enabled()))
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg. Fields absent from
// the file keep their current values.
func (l *Loader) LoadFile(path string, cfg *Config) error {
	l.logger.Debug("Loading config file", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	l.logger.Info("Config file loaded successfully", zap.String("path", path))
	return nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := l.getenv(key); v != "" {
			*dst = v
		}
	}

	setString("CEC_DAEMON_URL", &cfg.Daemon.URL)
	setString("CEC_DAEMON_TOKEN", &cfg.Daemon.Token)
	setString("CEC_DEVICE_NAME", &cfg.Engine.DeviceName)
	setString("CEC_CLIENT_VERSION", &cfg.Engine.ClientVersion)
	setString("MQTT_BROKER_URL", &cfg.MQTT.BrokerURL)
	setString("MQTT_TOPIC_PREFIX", &cfg.MQTT.TopicPrefix)
	setString("MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	setString("MQTT_USERNAME", &cfg.MQTT.Username)
	setString("MQTT_PASSWORD", &cfg.MQTT.Password)

	if v := l.getenv("CEC_ACTIVATE_SOURCE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CEC_ACTIVATE_SOURCE %q: %w", v, err)
		}
		cfg.Engine.ActivateSource = b
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CEC_DETECT_CAPACITY", &cfg.DetectCapacity},
		{"API_PORT", &cfg.APIPort},
	}
	for _, e := range ints {
		v := l.getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", e.key, v, err)
		}
		*e.dst = n
	}

	return nil
}
