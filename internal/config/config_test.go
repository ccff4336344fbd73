package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg != Default() {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 1937 || cfg.MaxConcurrency != 4 || cfg.DBPath != "./data/runner.sqlite" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestParseOverridesLayerOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{
		// comments are fine in json5
		port: 8080,
		maxConcurrency: 2,
		notifications: {
			slackTokenPath: "/etc/slack-token",
			defaultOnFailure: "#alerts",
		},
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Port != 8080 || cfg.MaxConcurrency != 2 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	// Untouched fields keep their defaults.
	if cfg.RunRetentionDays != 30 || cfg.Log.Level != "info" {
		t.Errorf("defaults clobbered: %+v", cfg)
	}
	if cfg.Notifications.SlackTokenPath != "/etc/slack-token" {
		t.Errorf("nested override lost: %+v", cfg.Notifications)
	}
	if cfg.Notifications.DefaultOnFailure == nil || *cfg.Notifications.DefaultOnFailure != "#alerts" {
		t.Errorf("channel override lost: %+v", cfg.Notifications)
	}
	if cfg.Notifications.DefaultOnSuccess != nil {
		t.Errorf("unset channel should stay nil: %+v", cfg.Notifications)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{prot: 8080}`))
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if !strings.Contains(err.Error(), "prot") {
		t.Errorf("error should name the field: %v", err)
	}

	_, err = Parse([]byte(`{log: {levle: "debug"}}`))
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for nested typo, got %v", err)
	}
}

func TestParseValidatesRanges(t *testing.T) {
	if _, err := Parse([]byte(`{port: 0}`)); !errors.Is(err, ErrConfig) {
		t.Errorf("port 0: expected ErrConfig, got %v", err)
	}
	if _, err := Parse([]byte(`{port: 99999}`)); !errors.Is(err, ErrConfig) {
		t.Errorf("port 99999: expected ErrConfig, got %v", err)
	}
	if _, err := Parse([]byte(`{maxConcurrency: 0}`)); !errors.Is(err, ErrConfig) {
		t.Errorf("maxConcurrency 0: expected ErrConfig, got %v", err)
	}
}

func TestParseMalformedDocument(t *testing.T) {
	if _, err := Parse([]byte(`{port:`)); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadRealFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{port: 2000, gateway: {url: "http://localhost:9999"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 2000 || cfg.Gateway.URL != "http://localhost:9999" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}
