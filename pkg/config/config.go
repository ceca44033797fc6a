package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"scard/pkg/drivers/mqttreader"

	"gopkg.in/yaml.v3"
)

const (
	defaultDeviceName     = "Smart Card Reader"
	defaultCommandTimeout = 5000
	defaultHTTPPort       = 8090
	defaultJournalPath    = "scard.db"
	defaultJournalMax     = 1000
	defaultLogLevel       = "info"
	defaultLogMaxSizeMB   = 10
	defaultBroker         = "tcp://localhost:1883"
	defaultClientID       = "scard-server"
	defaultTopicRoot      = "scard/reader"
)

var defaultSlots = []string{"Contactless", "Contact", "SAM"}

type Config struct {
	Device  DeviceConfig      `yaml:"device"`
	MQTT    mqttreader.Config `yaml:"mqtt"`
	HTTP    HTTPConfig        `yaml:"http"`
	Journal JournalConfig     `yaml:"journal"`
	Log     LogConfig         `yaml:"log"`
}

type DeviceConfig struct {
	Name             string   `yaml:"name"`
	Slots            []string `yaml:"slots"` // slot names, in index order
	CommandTimeoutMs int      `yaml:"command_timeout_ms"`
	Simulate         bool     `yaml:"simulate"`
}

func (d DeviceConfig) CommandTimeout() time.Duration {
	return time.Duration(d.CommandTimeoutMs) * time.Millisecond
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type JournalConfig struct {
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, completes and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %v", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %v", path, err)
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Device.Name == "" {
		cfg.Device.Name = defaultDeviceName
	}
	if len(cfg.Device.Slots) == 0 {
		cfg.Device.Slots = append([]string(nil), defaultSlots...)
	}
	if cfg.Device.CommandTimeoutMs == 0 {
		cfg.Device.CommandTimeoutMs = defaultCommandTimeout
	}
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = defaultBroker
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = defaultClientID
	}
	if cfg.MQTT.TopicRoot == "" {
		cfg.MQTT.TopicRoot = defaultTopicRoot
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = defaultHTTPPort
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaultJournalPath
	}
	if cfg.Journal.MaxEntries == 0 {
		cfg.Journal.MaxEntries = defaultJournalMax
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaultLogLevel
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = defaultLogMaxSizeMB
	}
}
