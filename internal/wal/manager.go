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

// Package wal owns the per-branch WAL archive directories and the PITR
// recovery configuration laid into cloned datasets.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// PostgresUID and PostgresGID match the postgres user in the Alpine
	// PostgreSQL images. The archive is written by that user from inside
	// the container, so the host directory must be owned by it.
	PostgresUID = 70
	PostgresGID = 70

	archiveDirMode = 0770
)

// ArchiveInfo summarizes the contents of a branch's archive directory.
type ArchiveInfo struct {
	Path      string
	FileCount int
	TotalSize int64
	Oldest    string
	Newest    string
	OldestMod time.Time
	NewestMod time.Time
}

// Manager owns one archive directory per branch dataset under the root.
type Manager struct {
	Root string
}

// NewManager creates a manager rooted at the given directory.
func NewManager(root string) *Manager {
	return &Manager{Root: root}
}

// EnsureRoot creates the archive root.
func (m *Manager) EnsureRoot() error {
	return os.MkdirAll(m.Root, 0755)
}

// GetArchivePath returns the archive directory for a dataset name.
func (m *Manager) GetArchivePath(dataset string) string {
	return filepath.Join(m.Root, dataset)
}

// EnsureArchiveDir creates the archive directory for a dataset with mode
// 0770 owned by the PostgreSQL container user, then lays down a .keep
// placeholder. Idempotent: re-running fixes mode and ownership.
func (m *Manager) EnsureArchiveDir(dataset string) (string, error) {
	path := m.GetArchivePath(dataset)

	if err := os.MkdirAll(path, archiveDirMode); err != nil {
		return "", fmt.Errorf("failed to create WAL archive dir: %w", err)
	}
	// MkdirAll applies the umask; force the exact mode.
	if err := os.Chmod(path, archiveDirMode); err != nil {
		return "", fmt.Errorf("failed to chmod WAL archive dir: %w", err)
	}
	if err := os.Chown(path, PostgresUID, PostgresGID); err != nil {
		return "", fmt.Errorf("failed to chown WAL archive dir: %w", err)
	}

	keep := filepath.Join(path, ".keep")
	if _, err := os.Stat(keep); os.IsNotExist(err) {
		if err := os.WriteFile(keep, nil, 0660); err != nil {
			return "", fmt.Errorf("failed to create .keep: %w", err)
		}
		if err := os.Chown(keep, PostgresUID, PostgresGID); err != nil {
			return "", fmt.Errorf("failed to chown .keep: %w", err)
		}
	}

	return path, nil
}

// DeleteArchiveDir removes a dataset's archive directory entirely.
func (m *Manager) DeleteArchiveDir(dataset string) error {
	if err := os.RemoveAll(m.GetArchivePath(dataset)); err != nil {
		return fmt.Errorf("failed to delete WAL archive dir: %w", err)
	}
	return nil
}

// GetArchiveInfo reports file count, total size and oldest/newest entries.
// Dotfiles (the .keep placeholder) are excluded.
func (m *Manager) GetArchiveInfo(dataset string) (*ArchiveInfo, error) {
	path := m.GetArchivePath(dataset)
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL archive dir: %w", err)
	}

	info := &ArchiveInfo{Path: path}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		info.FileCount++
		info.TotalSize += fi.Size()
		if info.Oldest == "" || entry.Name() < info.Oldest {
			info.Oldest = entry.Name()
			info.OldestMod = fi.ModTime()
		}
		if info.Newest == "" || entry.Name() > info.Newest {
			info.Newest = entry.Name()
			info.NewestMod = fi.ModTime()
		}
	}
	return info, nil
}

// CleanupWALsBefore deletes archived segments modified before cutoff and
// returns the number deleted. Dotfiles are kept.
func (m *Manager) CleanupWALsBefore(dataset string, cutoff time.Time) (int, error) {
	path := m.GetArchivePath(dataset)
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read WAL archive dir: %w", err)
	}

	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(path, entry.Name())); err != nil {
				log.Warnf("failed to delete WAL segment %s: %v", entry.Name(), err)
				continue
			}
			deleted++
		}
	}
	return deleted, nil
}

// ListWALsBefore returns the names of segments modified before cutoff
// without deleting anything (dry runs).
func (m *Manager) ListWALsBefore(dataset string, cutoff time.Time) ([]string, error) {
	path := m.GetArchivePath(dataset)
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL archive dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().Before(cutoff) {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// CleanupOldWALs deletes segments older than the given number of days.
func (m *Manager) CleanupOldWALs(dataset string, days int) (int, error) {
	return m.CleanupWALsBefore(dataset, time.Now().AddDate(0, 0, -days))
}

// VerifyArchiveIntegrity checks the archived segment sequence for gaps.
// Segment file names are 24 hex digits; the low 8 advance sequentially
// within a timeline. Every skipped segment is reported.
func (m *Manager) VerifyArchiveIntegrity(dataset string) ([]string, error) {
	path := m.GetArchivePath(dataset)
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL archive dir: %w", err)
	}

	var segments []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		// Only plain segments take part; skip .history, .backup etc.
		if len(name) == 24 && isHex(name) {
			segments = append(segments, name)
		}
	}
	sort.Strings(segments)

	var gaps []string
	for i := 1; i < len(segments); i++ {
		prev, err1 := strconv.ParseUint(segments[i-1][8:], 16, 64)
		cur, err2 := strconv.ParseUint(segments[i][8:], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		// Same timeline only.
		if segments[i-1][:8] != segments[i][:8] {
			continue
		}
		for missing := prev + 1; missing < cur; missing++ {
			gaps = append(gaps, fmt.Sprintf("%s%016X", segments[i][:8], missing))
		}
	}
	return gaps, nil
}

// SetupPITRecovery writes recovery.signal and postgresql.auto.conf into
// <mountpoint>/pgdata so the next container start replays archived WAL
// from sourceArchivePath. recoveryTarget, when non-zero, bounds replay at
// that time; otherwise replay runs to the end of the archive.
func (m *Manager) SetupPITRecovery(mountpoint, sourceArchivePath string, recoveryTarget *time.Time) error {
	pgdata := filepath.Join(mountpoint, "pgdata")
	if _, err := os.Stat(pgdata); err != nil {
		return fmt.Errorf("pgdata not found under %s: %w", mountpoint, err)
	}

	signal := filepath.Join(pgdata, "recovery.signal")
	if err := os.WriteFile(signal, nil, 0600); err != nil {
		return fmt.Errorf("failed to write recovery.signal: %w", err)
	}

	var conf strings.Builder
	fmt.Fprintf(&conf, "restore_command = 'cp %s/%%f %%p'\n", sourceArchivePath)
	if recoveryTarget != nil {
		fmt.Fprintf(&conf, "recovery_target_time = '%s'\n",
			recoveryTarget.UTC().Format("2006-01-02 15:04:05"))
	}
	conf.WriteString("recovery_target_action = 'promote'\n")

	autoConf := filepath.Join(pgdata, "postgresql.auto.conf")
	if err := os.WriteFile(autoConf, []byte(conf.String()), 0600); err != nil {
		return fmt.Errorf("failed to write postgresql.auto.conf: %w", err)
	}

	log.Debugf("PITR recovery configured in %s (archive=%s)", pgdata, sourceArchivePath)
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'F':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
