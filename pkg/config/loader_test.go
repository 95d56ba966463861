package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func chtemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(old) })
	return dir
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	chtemp(t)

	cfg, err := Load(testLogger(), "missing")
	if err != nil {
		t.Fatalf("Load with no config file must fall back to defaults: %v", err)
	}
	if cfg.Server.Address != "127.0.0.1:7328" {
		t.Errorf("Address = %q", cfg.Server.Address)
	}
	if cfg.Transport.ReadTimeout != 60*time.Second {
		t.Errorf("ReadTimeout = %v", cfg.Transport.ReadTimeout)
	}
	if !cfg.Transport.RateLimit.Enabled || cfg.Transport.RateLimit.Burst != 200 {
		t.Errorf("RateLimit = %+v", cfg.Transport.RateLimit)
	}
	if cfg.Whitelist["127.0.0.1"] != true {
		t.Errorf("Whitelist = %v", cfg.Whitelist)
	}
	if cfg.Control.NotifyBase != "drcd" {
		t.Errorf("NotifyBase = %q", cfg.Control.NotifyBase)
	}
}

func TestLoadFromJSONFile(t *testing.T) {
	dir := chtemp(t)

	data := `{
		"server": {"address": "0.0.0.0:9000", "connectionLimit": {"maxPerIP": 5}},
		"transport": {"readTimeout": "30s", "rateLimit": {"messagesPerSecond": 10, "burst": 20, "enabled": false}},
		"whitelist": {"192.168.1.10": ["chat"]},
		"tokens": {"s3cret": true},
		"origins": ["https://example.com"],
		"control": {"notifyBase": "/var/run/drcd"}
	}`
	if err := os.WriteFile(filepath.Join(dir, "drc.json"), []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(testLogger(), "drc")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Address != "0.0.0.0:9000" {
		t.Errorf("Address = %q", cfg.Server.Address)
	}
	if cfg.Server.ConnectionLimit.MaxPerIP != 5 {
		t.Errorf("MaxPerIP = %d", cfg.Server.ConnectionLimit.MaxPerIP)
	}
	if cfg.Transport.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout = %v", cfg.Transport.ReadTimeout)
	}
	if cfg.Transport.RateLimit.Enabled {
		t.Error("rate limit should be disabled")
	}
	scopes, ok := cfg.Whitelist["192.168.1.10"].([]any)
	if !ok || len(scopes) != 1 || scopes[0] != "chat" {
		t.Errorf("Whitelist = %v", cfg.Whitelist)
	}
	if cfg.Tokens["s3cret"] != true {
		t.Errorf("Tokens = %v", cfg.Tokens)
	}
	if len(cfg.Origins) != 1 || cfg.Origins[0] != "https://example.com" {
		t.Errorf("Origins = %v", cfg.Origins)
	}
	if cfg.Control.NotifyBase != "/var/run/drcd" {
		t.Errorf("NotifyBase = %q", cfg.Control.NotifyBase)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := chtemp(t)
	if err := os.WriteFile(filepath.Join(dir, "drc.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(testLogger(), "drc"); err == nil {
		t.Error("malformed config file accepted")
	}
}
