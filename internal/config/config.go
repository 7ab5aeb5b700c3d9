// Copyright 2025 Velo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config resolves the velo configuration root and its well-known
// paths. The root defaults to ~/.velo and can be overridden with
// VELO_CONFIG_DIR for test isolation.
package config

import (
	"os"
	"path/filepath"
)

// getConfigDir returns the config directory path.
// Uses VELO_CONFIG_DIR env var if set, otherwise defaults to ~/.velo.
// Computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("VELO_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".velo")
}

// ConfigDir returns the configuration directory path.
func ConfigDir() string {
	return getConfigDir()
}

// StatePath returns the path of the persistent state document.
func StatePath() string {
	return filepath.Join(getConfigDir(), "state.json")
}

// WALRoot returns the root directory holding per-branch WAL archives.
func WALRoot() string {
	return filepath.Join(getConfigDir(), "wal-archive")
}

// CertDir returns the SSL certificate directory for a project.
func CertDir(project string) string {
	return filepath.Join(getConfigDir(), "certs", project)
}

// SettingsPath returns the global settings file path.
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// SetupMarkerPath returns the path of the marker written by `velo setup`.
func SetupMarkerPath() string {
	return filepath.Join(getConfigDir(), ".setup-complete")
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}
