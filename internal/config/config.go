// Package config loads the runner configuration: a single JSON5 document
// with a closed set of recognized options. Unknown fields are rejected so
// typos fail fast instead of silently falling back to defaults.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// ErrConfig is returned for malformed or unrecognized configuration.
var ErrConfig = errors.New("invalid config")

// NotificationsConfig selects the Slack token and default channels.
type NotificationsConfig struct {
	SlackTokenPath   string  `json:"slackTokenPath"`
	DefaultOnFailure *string `json:"defaultOnFailure"`
	DefaultOnSuccess *string `json:"defaultOnSuccess"`
}

// LogConfig selects the log level and destination.
type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

// GatewayConfig points at the remote session host.
type GatewayConfig struct {
	URL       string `json:"url"`
	TokenPath string `json:"tokenPath"`
}

// Config is the closed option record.
type Config struct {
	Port                   int                 `json:"port"`
	DBPath                 string              `json:"dbPath"`
	MaxConcurrency         int                 `json:"maxConcurrency"`
	RunRetentionDays       int                 `json:"runRetentionDays"`
	StateCleanupIntervalMS int64               `json:"stateCleanupIntervalMs"`
	ShutdownGraceMS        int64               `json:"shutdownGraceMs"`
	ReconcileIntervalMS    int64               `json:"reconcileIntervalMs"`
	Notifications          NotificationsConfig `json:"notifications"`
	Log                    LogConfig           `json:"log"`
	Gateway                GatewayConfig       `json:"gateway"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Port:                   1937,
		DBPath:                 "./data/runner.sqlite",
		MaxConcurrency:         4,
		RunRetentionDays:       30,
		StateCleanupIntervalMS: 3_600_000,
		ShutdownGraceMS:        30_000,
		ReconcileIntervalMS:    60_000,
		Log:                    LogConfig{Level: "info", File: "stdout"},
		Gateway:                GatewayConfig{URL: "http://127.0.0.1:18789"},
	}
}

var knownKeys = map[string][]string{
	"":              {"port", "dbPath", "maxConcurrency", "runRetentionDays", "stateCleanupIntervalMs", "shutdownGraceMs", "reconcileIntervalMs", "notifications", "log", "gateway"},
	"notifications": {"slackTokenPath", "defaultOnFailure", "defaultOnSuccess"},
	"log":           {"level", "file"},
	"gateway":       {"url", "tokenPath"},
}

// Load reads and parses the config file, layering it over defaults. A
// missing path returns pure defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON5 config document over defaults, rejecting unknown
// fields.
func Parse(data []byte) (Config, error) {
	var raw map[string]any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := checkKeys("", raw); err != nil {
		return Config{}, err
	}
	for _, section := range []string{"notifications", "log", "gateway"} {
		if sub, ok := raw[section].(map[string]any); ok {
			if err := checkKeys(section, sub); err != nil {
				return Config{}, err
			}
		}
	}

	cfg := Default()
	if err := json5.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("%w: port %d out of range", ErrConfig, cfg.Port)
	}
	if cfg.MaxConcurrency <= 0 {
		return Config{}, fmt.Errorf("%w: maxConcurrency must be positive", ErrConfig)
	}
	return cfg, nil
}

func checkKeys(section string, m map[string]any) error {
	allowed := make(map[string]bool)
	for _, k := range knownKeys[section] {
		allowed[k] = true
	}
	for k := range m {
		if !allowed[k] {
			where := "top level"
			if section != "" {
				where = section
			}
			return fmt.Errorf("%w: unknown field %q in %s", ErrConfig, k, where)
		}
	}
	return nil
}
