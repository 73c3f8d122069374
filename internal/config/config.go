package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	DMF        DMFConfig        `mapstructure:"dmf"`
	DDI        DDIConfig        `mapstructure:"ddi"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Scenarios  ScenariosConfig  `mapstructure:"scenarios"`
	Autostarts []Autostart      `mapstructure:"autostarts"`
}

type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type SimulationConfig struct {
	DefaultTenant    string        `mapstructure:"default_tenant"`
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	UpdateMode       string        `mapstructure:"update_mode"`
	UpdateDelay      time.Duration `mapstructure:"update_delay"`
	DefaultPollDelay int           `mapstructure:"default_poll_delay"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout"`
	DownloadTimeout  time.Duration `mapstructure:"download_timeout"`
	VerifyHash       bool          `mapstructure:"verify_hash"`
	InsecureTLS      bool          `mapstructure:"insecure_tls"`
	RetiredActions   int64         `mapstructure:"retired_actions"`
	RetiredTTL       time.Duration `mapstructure:"retired_ttl"`
	Attributes       []Attribute   `mapstructure:"attributes"`
}

// Attribute is a key/value pair push devices report to the server. Kept as
// a list so the key casing survives the config loader.
type Attribute struct {
	Key   string `mapstructure:"key"`
	Value string `mapstructure:"value"`
}

func (s SimulationConfig) AttributeMap() map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, a := range s.Attributes {
		m[a.Key] = a.Value
	}
	return m
}

// DMF push transport over MQTT
type DMFConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            byte          `mapstructure:"qos"`
	SendTopic      string        `mapstructure:"send_topic"`
	ReceiveTopic   string        `mapstructure:"receive_topic"`
	ReplyTo        string        `mapstructure:"reply_to"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	CheckHealth    bool          `mapstructure:"check_health"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	MaxOpenPings   int           `mapstructure:"max_open_pings"`
}

type DDIConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	GatewayToken string        `mapstructure:"gateway_token"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
}

type BridgeConfig struct {
	ConfigTopic string `mapstructure:"config_topic"`
	StateTopic  string `mapstructure:"state_topic"`
}

type ScenariosConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

// Autostart describes a fleet created on startup.
type Autostart struct {
	Name         string `mapstructure:"name" yaml:"name" json:"name"`
	Amount       int    `mapstructure:"amount" yaml:"amount" json:"amount"`
	Tenant       string `mapstructure:"tenant" yaml:"tenant" json:"tenant"`
	API          string `mapstructure:"api" yaml:"api" json:"api"`
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	PollDelay    int    `mapstructure:"poll_delay" yaml:"poll_delay" json:"poll_delay"`
	GatewayToken string `mapstructure:"gateway_token" yaml:"gateway_token" json:"gateway_token"`
}

// Load reads the config file at path. An empty path runs on defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults setzen
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.http_port", 8083)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "simulator")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("simulation.default_tenant", "DEFAULT")
	v.SetDefault("simulation.workers", 4)
	v.SetDefault("simulation.queue_size", 1024)
	v.SetDefault("simulation.update_mode", "command")
	v.SetDefault("simulation.update_delay", "2s")
	v.SetDefault("simulation.default_poll_delay", 1800)
	v.SetDefault("simulation.tick_interval", "1s")
	v.SetDefault("simulation.poll_timeout", "30s")
	v.SetDefault("simulation.download_timeout", "5m")
	v.SetDefault("simulation.verify_hash", false)
	v.SetDefault("simulation.insecure_tls", true)
	v.SetDefault("simulation.retired_actions", 10000)
	v.SetDefault("simulation.retired_ttl", "24h")
	v.SetDefault("simulation.attributes", []map[string]string{
		{"key": "isoCode", "value": "DE"},
		{"key": "hwRevision", "value": "1.0"},
		{"key": "serial", "value": "simulated"},
	})

	v.SetDefault("dmf.enabled", true)
	v.SetDefault("dmf.broker", "tcp://localhost:1883")
	v.SetDefault("dmf.client_id", "device-simulator")
	v.SetDefault("dmf.qos", 1)
	v.SetDefault("dmf.send_topic", "hawkbit/dmf/in")
	v.SetDefault("dmf.receive_topic", "hawkbit/dmf/simulator")
	v.SetDefault("dmf.reply_to", "simulator_replyto")
	v.SetDefault("dmf.publish_timeout", "10s")
	v.SetDefault("dmf.check_health", true)
	v.SetDefault("dmf.health_interval", "5s")
	v.SetDefault("dmf.max_open_pings", 5)

	v.SetDefault("ddi.endpoint", "http://localhost:8080")
	v.SetDefault("ddi.http_timeout", "30s")

	v.SetDefault("bridge.config_topic", "devices/config")
	v.SetDefault("bridge.state_topic", "devices/state")

	v.SetDefault("scenarios.search_paths", []string{"./scenarios"})

	// ODS_DMF_BROKER -> dmf.broker
	v.SetEnvPrefix("ODS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Simulation.UpdateMode {
	case "command":
	case "bridge":
		if !c.DMF.Enabled {
			return errors.New("bridge update mode needs the MQTT connection of dmf")
		}
	default:
		return fmt.Errorf("invalid simulation.update_mode %q", c.Simulation.UpdateMode)
	}
	if c.Simulation.Workers <= 0 {
		return fmt.Errorf("simulation.workers must be positive, got %d", c.Simulation.Workers)
	}
	for i, a := range c.Autostarts {
		if a.Amount < 0 {
			return fmt.Errorf("autostart %d: negative amount", i)
		}
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}
