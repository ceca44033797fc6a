package config

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// maxSlots is the number of slots a slot change notification can describe
// in its largest form.
const maxSlots = 32

// Validate checks configuration correctness. It does not modify cfg.
func Validate(cfg *Config) error {
	if n := len(cfg.Device.Slots); n == 0 || n > maxSlots {
		return fmt.Errorf("device: slot count must be between 1 and %d, got %d", maxSlots, n)
	}
	seen := make(map[string]int)
	for i, name := range cfg.Device.Slots {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("device: slot %d has an empty name", i)
		}
		if j, ok := seen[name]; ok {
			return fmt.Errorf("device: slots %d and %d share the name %q", j, i, name)
		}
		seen[name] = i
	}
	if cfg.Device.CommandTimeoutMs < 0 {
		return fmt.Errorf("device: command_timeout_ms must be positive")
	}

	if !cfg.Device.Simulate {
		if !strings.Contains(cfg.MQTT.Broker, "://") {
			return fmt.Errorf("mqtt: broker %q must be a URL such as tcp://host:1883", cfg.MQTT.Broker)
		}
		if strings.ContainsAny(cfg.MQTT.TopicRoot, "#+") {
			return fmt.Errorf("mqtt: topic_root %q must not contain wildcards", cfg.MQTT.TopicRoot)
		}
	}

	if cfg.HTTP.Port < 1 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http: invalid port: %d", cfg.HTTP.Port)
	}
	if cfg.Journal.MaxEntries < 0 {
		return fmt.Errorf("journal: max_entries must not be negative")
	}
	if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log: %v", err)
	}
	return nil
}
