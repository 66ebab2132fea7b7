// Package config loads the daemon's yaml configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"remindd/internal/quota"
	"remindd/internal/sweeper"
)

// Duration is a yaml-friendly duration parsed from Go duration strings
// (e.g. "500ms", "10s", "15m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Quota    QuotaConfig    `yaml:"quota"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Snooze   SnoozeConfig   `yaml:"snooze"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StorageConfig struct {
	Driver      string   `yaml:"driver"`
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

type DeliveryConfig struct {
	// Channel selects the sender: "telegram" or "console".
	Channel    string         `yaml:"channel"`
	RatePerSec int            `yaml:"rate_per_sec"`
	Telegram   TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Token       string   `yaml:"token"`
	ChatID      int64    `yaml:"chat_id"`
	PollTimeout Duration `yaml:"poll_timeout"`
}

type QuotaConfig struct {
	Margin int `yaml:"margin"`
}

type SweepConfig struct {
	Interval Duration `yaml:"interval"`
}

type SnoozeConfig struct {
	DefaultMinutes int `yaml:"default_minutes"`
}

// Default returns the configuration used when fields are omitted.
func Default() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info"},
		Storage:  StorageConfig{Driver: "sqlite", Path: "./remindd.db", BusyTimeout: Duration(5 * time.Second)},
		Delivery: DeliveryConfig{Channel: "console", RatePerSec: 3},
		Quota:    QuotaConfig{Margin: quota.DefaultMargin},
		Sweep:    SweepConfig{Interval: Duration(sweeper.MinInterval)},
		Snooze:   SnoozeConfig{DefaultMinutes: 10},
	}
}

// Load reads, strictly decodes and validates the config at path.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes raw yaml on top of the defaults.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Delivery.Channel)) {
	case "telegram":
		if strings.TrimSpace(c.Delivery.Telegram.Token) == "" {
			return fmt.Errorf("delivery.telegram.token is required for the telegram channel")
		}
		if c.Delivery.Telegram.ChatID == 0 {
			return fmt.Errorf("delivery.telegram.chat_id is required for the telegram channel")
		}
	case "console", "":
	default:
		return fmt.Errorf("unknown delivery.channel %q", c.Delivery.Channel)
	}
	if c.Quota.Margin <= 0 || c.Quota.Margin > quota.PlatformCeiling {
		return fmt.Errorf("quota.margin must be in 1..%d, got %d", quota.PlatformCeiling, c.Quota.Margin)
	}
	if c.Snooze.DefaultMinutes <= 0 {
		return fmt.Errorf("snooze.default_minutes must be positive, got %d", c.Snooze.DefaultMinutes)
	}
	return nil
}
