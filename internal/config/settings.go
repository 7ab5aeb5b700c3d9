package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds global tunables loaded from settings.yaml. Every field has
// a default so a missing or partial file is fine.
type Settings struct {
	// DefaultImage is used by `project create` when neither --image nor
	// --pg-version is given.
	DefaultImage string `yaml:"default_image"`

	// Dataset properties applied when creating project datasets.
	Compression string `yaml:"compression"`
	RecordSize  string `yaml:"recordsize"`
	ATime       string `yaml:"atime"`

	// ReadinessTimeoutSeconds bounds how long we wait for a new container
	// to accept connections (PITR replay happens inside this window).
	ReadinessTimeoutSeconds int `yaml:"readiness_timeout_seconds"`

	// StopTimeoutSeconds is the grace period for container stops.
	StopTimeoutSeconds int `yaml:"stop_timeout_seconds"`

	// LogLevel sets logrus verbosity: trace, debug, info, warn, off.
	LogLevel string `yaml:"log_level"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		DefaultImage:            "postgres:17-alpine",
		Compression:             "lz4",
		RecordSize:              "8K",
		ATime:                   "off",
		ReadinessTimeoutSeconds: 120,
		StopTimeoutSeconds:      30,
		LogLevel:                "off",
	}
}

// ReadinessTimeout returns the readiness timeout as a duration.
func (s Settings) ReadinessTimeout() time.Duration {
	return time.Duration(s.ReadinessTimeoutSeconds) * time.Second
}

// LoadSettings reads settings.yaml, filling defaults for absent fields.
// A missing file is not an error.
func LoadSettings() (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, &settings); err != nil {
		return DefaultSettings(), fmt.Errorf("failed to parse settings: %w", err)
	}

	// Re-fill anything the file zeroed out.
	defaults := DefaultSettings()
	if settings.DefaultImage == "" {
		settings.DefaultImage = defaults.DefaultImage
	}
	if settings.Compression == "" {
		settings.Compression = defaults.Compression
	}
	if settings.RecordSize == "" {
		settings.RecordSize = defaults.RecordSize
	}
	if settings.ATime == "" {
		settings.ATime = defaults.ATime
	}
	if settings.ReadinessTimeoutSeconds <= 0 {
		settings.ReadinessTimeoutSeconds = defaults.ReadinessTimeoutSeconds
	}
	if settings.StopTimeoutSeconds <= 0 {
		settings.StopTimeoutSeconds = defaults.StopTimeoutSeconds
	}
	if settings.LogLevel == "" {
		settings.LogLevel = defaults.LogLevel
	}

	return settings, nil
}

// WriteDefaultSettings writes a commented settings.yaml if none exists.
func WriteDefaultSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	data, err := yaml.Marshal(DefaultSettings())
	if err != nil {
		return fmt.Errorf("failed to marshal default settings: %w", err)
	}

	header := []byte("# velo global settings\n")
	return os.WriteFile(path, append(header, data...), 0644)
}
