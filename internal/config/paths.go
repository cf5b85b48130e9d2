package config

import (
	"os"
	"path/filepath"
)

// AgentozPath returns the root directory for agentoz data.
// It uses $AGENTOZ_PATH if set, otherwise defaults to ~/.agentoz.
func AgentozPath() string {
	if v := os.Getenv("AGENTOZ_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".agentoz")
	}
	return filepath.Join(home, ".agentoz")
}

// ConfigPath returns the path to the agentoz config file.
func ConfigPath() string {
	return filepath.Join(AgentozPath(), "config.jsonc")
}

// DotenvPath returns the path to the agentoz .env file.
func DotenvPath() string {
	return filepath.Join(AgentozPath(), ".env")
}

// DataDir returns the directory of a file-backed store (agents, tasks,
// sessions, logs).
func DataDir(name string) string {
	return filepath.Join(AgentozPath(), name)
}

// HeartbeatPath returns the path of the gateway heartbeat file.
func HeartbeatPath() string {
	return filepath.Join(AgentozPath(), "heartbeat.json")
}
