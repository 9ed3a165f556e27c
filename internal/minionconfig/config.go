// Package minionconfig loads the JSON settings files for both services,
// following the two-path convention: a per-user file under ~/.minion/
// takes precedence over the system-wide file under /etc/minion/. Neither
// file is required; missing files fall back to defaults.
package minionconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PluginServiceConfig is the Plugin Service's settings file shape.
type PluginServiceConfig struct {
	// WorkDirectoryRoot is the parent directory under which a fresh work
	// directory is created for every plugin session.
	WorkDirectoryRoot string `json:"work_directory_root"`

	// ListenAddr is the address the HTTP server binds, e.g. ":8000".
	ListenAddr string `json:"listen_addr"`

	// StopGracePeriodSeconds bounds how long a plugin session is given to
	// exit after a cooperative SIGUSR1 before it is sent SIGKILL.
	StopGracePeriodSeconds int `json:"stop_grace_period_seconds"`

	// LogLevel is a zerolog level name ("debug", "info", "warn", "error").
	LogLevel string `json:"log_level"`
}

// DefaultPluginServiceConfig returns the built-in defaults, used whenever no
// settings file is found and as the base that a found file is merged over.
func DefaultPluginServiceConfig() *PluginServiceConfig {
	return &PluginServiceConfig{
		WorkDirectoryRoot:      filepath.Join(os.TempDir(), "minion-plugin-service"),
		ListenAddr:             ":8000",
		StopGracePeriodSeconds: 30,
		LogLevel:               "info",
	}
}

// TaskEngineConfig is the Task Engine's settings file shape.
type TaskEngineConfig struct {
	// PluginServiceAPI is the base URL of the Plugin Service this engine drives.
	PluginServiceAPI string `json:"plugin_service_api"`

	// ScanDatabaseType selects the Scan Store backend: "memory" or "files".
	ScanDatabaseType string `json:"scan_database_type"`

	// ScanDatabaseLocation is the directory used by the "files" backend.
	ScanDatabaseLocation string `json:"scan_database_location"`

	// ArtifactsPath is where fetched plugin-session artifact archives are cached.
	ArtifactsPath string `json:"artifacts_path"`

	// ListenAddr is the address the HTTP server binds, e.g. ":8100".
	ListenAddr string `json:"listen_addr"`

	// LogLevel is a zerolog level name.
	LogLevel string `json:"log_level"`
}

// DefaultTaskEngineConfig returns the built-in defaults.
func DefaultTaskEngineConfig() *TaskEngineConfig {
	return &TaskEngineConfig{
		PluginServiceAPI:     "http://localhost:8000",
		ScanDatabaseType:     "memory",
		ScanDatabaseLocation: filepath.Join(os.TempDir(), "minion-task-engine", "scans"),
		ArtifactsPath:        filepath.Join(os.TempDir(), "minion-task-engine", "artifacts"),
		ListenAddr:           ":8100",
		LogLevel:             "info",
	}
}

// configPaths returns the two candidate settings-file locations for name,
// in precedence order: ~/.minion/<name>.conf, then /etc/minion/<name>.conf.
func configPaths(name string) []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".minion", name+".conf"))
	}
	paths = append(paths, filepath.Join("/etc/minion", name+".conf"))
	return paths
}

// firstExisting returns the first path in paths that exists, or "" if none do.
func firstExisting(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadPluginService loads the "plugin-service" settings file, merging it
// over DefaultPluginServiceConfig. A missing file is not an error.
func LoadPluginService() (*PluginServiceConfig, error) {
	cfg := DefaultPluginServiceConfig()
	path := firstExisting(configPaths("plugin-service"))
	if path == "" {
		return cfg, nil
	}
	if err := decodeInto(path, cfg); err != nil {
		return nil, fmt.Errorf("minionconfig: loading %s: %w", path, err)
	}
	return cfg, nil
}

// LoadTaskEngine loads the "task-engine" settings file, merging it over
// DefaultTaskEngineConfig. A missing file is not an error.
func LoadTaskEngine() (*TaskEngineConfig, error) {
	cfg := DefaultTaskEngineConfig()
	path := firstExisting(configPaths("task-engine"))
	if path == "" {
		return cfg, nil
	}
	if err := decodeInto(path, cfg); err != nil {
		return nil, fmt.Errorf("minionconfig: loading %s: %w", path, err)
	}
	return cfg, nil
}

func decodeInto(path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, dst)
}
