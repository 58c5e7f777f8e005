package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvNodeConfig = "VK_NODE_CONFIG"
	EnvNodeHome   = "VK_NODE_HOME"
)

// RuntimePaths is where a node instance keeps its persisted state:
// the config file, the SQLite store, the log file, and the instance
// registry directory.
type RuntimePaths struct {
	HomeDir      string
	ConfigPath   string
	DBPath       string
	LogPath      string
	RegistryDir  string
}

func ResolveRuntimePaths() RuntimePaths {
	if configPath := expandHome(strings.TrimSpace(os.Getenv(EnvNodeConfig))); configPath != "" {
		return buildRuntimePaths(filepath.Dir(configPath), configPath)
	}

	homeDir := expandHome(strings.TrimSpace(os.Getenv(EnvNodeHome)))
	if homeDir == "" {
		homeDir = defaultNodeHome()
	}

	return buildRuntimePaths(homeDir, filepath.Join(homeDir, "config.json"))
}

func defaultNodeHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".vk-node"
	}
	return filepath.Join(home, ".vk-node")
}

func buildRuntimePaths(homeDir, configPath string) RuntimePaths {
	return RuntimePaths{
		HomeDir:     homeDir,
		ConfigPath:  configPath,
		DBPath:      filepath.Join(homeDir, "node.db"),
		LogPath:     filepath.Join(homeDir, "node.log"),
		RegistryDir: filepath.Join(os.TempDir(), "vibe-kanban", "instances"),
	}
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
