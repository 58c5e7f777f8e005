package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Gateway.Port != DefaultConfig().Gateway.Port {
		t.Errorf("Gateway.Port = %d, want default", cfg.Gateway.Port)
	}
}

func TestLoadConfig_FileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"gateway":{"host":"0.0.0.0","port":9000}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("VK_GATEWAY_PORT", "9500")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Gateway.Host != "0.0.0.0" {
		t.Errorf("Gateway.Host = %q, want file value", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 9500 {
		t.Errorf("Gateway.Port = %d, want env override 9500", cfg.Gateway.Port)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Hive.URL = "wss://hive.example.com/ws"

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Hive.URL != cfg.Hive.URL {
		t.Errorf("Hive.URL = %q, want %q", loaded.Hive.URL, cfg.Hive.URL)
	}
}
