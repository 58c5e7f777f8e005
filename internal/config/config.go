// Package config loads node and hive configuration from a JSON file
// overlaid with environment variables, following the same
// file-then-env precedence the teacher's own config package uses.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// StoreConfig controls the durable store's pool and WAL behavior.
type StoreConfig struct {
	MaxOpenConns       int `json:"max_open_conns" env:"VK_STORE_MAX_OPEN_CONNS"`
	BusyTimeoutMS      int `json:"busy_timeout_ms" env:"VK_STORE_BUSY_TIMEOUT_MS"`
	WALSizeThresholdKB int `json:"wal_size_threshold_kb" env:"VK_STORE_WAL_SIZE_THRESHOLD_KB"`
	TruncateIntervalS  int `json:"truncate_interval_s" env:"VK_STORE_TRUNCATE_INTERVAL_S"`
}

// MsgStoreConfig controls the in-memory log ring buffer per process.
type MsgStoreConfig struct {
	MaxBufferBytes int `json:"max_buffer_bytes" env:"VK_MSGSTORE_MAX_BUFFER_BYTES"`
	SubscriberLag  int `json:"subscriber_lag" env:"VK_MSGSTORE_SUBSCRIBER_LAG"`
}

// HiveConfig controls the node's connection to a central coordinator.
type HiveConfig struct {
	Enabled      bool   `json:"enabled" env:"VK_HIVE_ENABLED"`
	URL          string `json:"url" env:"VK_HIVE_URL"`
	AuthToken    string `json:"auth_token" env:"VK_HIVE_AUTH_TOKEN"`
	NodeName     string `json:"node_name" env:"VK_HIVE_NODE_NAME"`
	HeartbeatSec int    `json:"heartbeat_interval_s" env:"VK_HIVE_HEARTBEAT_INTERVAL_S"`
}

// GatewayConfig controls the node's own HTTP/WebSocket listener.
type GatewayConfig struct {
	Host string `json:"host" env:"VK_GATEWAY_HOST"`
	Port int    `json:"port" env:"VK_GATEWAY_PORT"`
}

// TokensConfig holds the signing secrets for connection and proxy JWTs.
type TokensConfig struct {
	ConnectionSecret string `json:"connection_secret" env:"VK_TOKENS_CONNECTION_SECRET"`
	ProxySecret      string `json:"proxy_secret" env:"VK_TOKENS_PROXY_SECRET"`
}

// ExecutionConfig controls subprocess lifecycle defaults.
type ExecutionConfig struct {
	KillGraceS    int `json:"kill_grace_s" env:"VK_EXECUTION_KILL_GRACE_S"`
	MaxConcurrent int `json:"max_concurrent" env:"VK_EXECUTION_MAX_CONCURRENT"`
}

type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Hive      HiveConfig      `json:"hive"`
	Store     StoreConfig     `json:"store"`
	MsgStore  MsgStoreConfig  `json:"msg_store"`
	Tokens    TokensConfig    `json:"tokens"`
	Execution ExecutionConfig `json:"execution"`
	mu        sync.RWMutex
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18800,
		},
		Hive: HiveConfig{
			Enabled:      false,
			HeartbeatSec: 15,
		},
		Store: StoreConfig{
			MaxOpenConns:       8,
			BusyTimeoutMS:      5000,
			WALSizeThresholdKB: 4096,
			TruncateIntervalS:  300,
		},
		MsgStore: MsgStoreConfig{
			MaxBufferBytes: 1 << 20,
			SubscriberLag:  256,
		},
		Execution: ExecutionConfig{
			KillGraceS:    10,
			MaxConcurrent: 4,
		},
	}
}

// LoadConfig reads path as JSON (tolerating a missing file) and then
// overlays environment variables, matching the teacher's two-phase
// precedence: defaults, then file, then env.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config env overrides: %w", err)
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Lock()    { c.mu.Lock() }
func (c *Config) Unlock()  { c.mu.Unlock() }
func (c *Config) RLock()   { c.mu.RLock() }
func (c *Config) RUnlock() { c.mu.RUnlock() }
