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

package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/elitan/velo/internal/common"
	"github.com/elitan/velo/internal/util"
)

// lockTimeout bounds how long a save waits on a held lock; the 100 ms
// poll itself lives in util.LockRetryOptions.
const lockTimeout = 5 * time.Second

// Store loads and saves the state document. It is safe for concurrent use
// within a process; cross-process safety comes from the lock file guarding
// every save.
type Store struct {
	path string

	mu  sync.Mutex
	doc *Document
}

// NewStore creates a store for the document at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) backupPath() string { return s.path + ".backup" }
func (s *Store) lockPath() string   { return s.path + ".lock" }
func (s *Store) tempPath() string   { return s.path + ".tmp" }

// Load reads and validates the document. A missing file is not an error:
// the store stays uninitialized until the first save.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = nil
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: state file is corrupt (%v); run 'velo state restore'",
			common.ErrInvalidState, err)
	}
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("state validation failed (run 'velo state restore'): %w", err)
	}

	s.doc = &doc
	return nil
}

// Initialized reports whether a document has been loaded or created.
func (s *Store) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc != nil
}

// Initialize creates a fresh document with the given pool and base.
// No-op when a document already exists.
func (s *Store) Initialize(pool, base string) error {
	s.mu.Lock()
	if s.doc != nil {
		s.mu.Unlock()
		return nil
	}
	s.doc = NewDocument(pool, base)
	s.mu.Unlock()
	return s.Save()
}

// Document returns the loaded document, or nil when uninitialized.
// Callers must treat the result as read-only; mutations go through the
// typed views followed by Save.
func (s *Store) Document() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Save persists the document atomically:
// lock, marshal to .tmp, fsync, copy current to .backup, rename .tmp over
// the primary, fsync the directory, unlock.
func (s *Store) Save() error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()
	return s.writeDocument()
}

// Update runs a read-modify-write cycle under the inter-process lock:
// the document is reloaded from disk, fn applies its mutations through
// the typed views, and the result is written atomically. When fn fails,
// nothing is written.
func (s *Store) Update(fn func() error) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()

	if err := s.Load(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return s.writeDocument()
}

// writeDocument performs the atomic write. Caller holds the file lock.
func (s *Store) writeDocument() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return fmt.Errorf("%w: nothing to save", common.ErrInvalidState)
	}
	if err := s.doc.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.OpenFile(s.tempPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(s.tempPath())
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(s.tempPath())
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(s.tempPath())
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	// Single backup of the previous good document, no versioning.
	if prev, err := os.ReadFile(s.path); err == nil {
		if err := os.WriteFile(s.backupPath(), prev, 0600); err != nil {
			os.Remove(s.tempPath())
			return fmt.Errorf("failed to write state backup: %w", err)
		}
	}

	if err := os.Rename(s.tempPath(), s.path); err != nil {
		os.Remove(s.tempPath())
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
		dir.Sync()
		dir.Close()
	}

	return nil
}

// Restore replaces the state file with its .backup and reloads.
func (s *Store) Restore() error {
	s.mu.Lock()

	backup, err := os.ReadFile(s.backupPath())
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("no state backup available: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(backup, &doc); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: state backup is corrupt: %v", common.ErrInvalidState, err)
	}
	if err := doc.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("state backup validation failed: %w", err)
	}

	s.doc = &doc
	s.mu.Unlock()
	return s.Save()
}

// acquireLock takes the advisory lock file. The file is created
// exclusively and holds our pid; a stale lock (dead holder) is reclaimed.
// Contention polls at 100 ms and gives up after 5 seconds.
func (s *Store) acquireLock() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	err := util.Retry(context.Background(), s.tryLock, util.LockRetryOptions(context.Background())...)
	if err != nil {
		if util.IsLockHeld(err) {
			return fmt.Errorf("%w: %s held for more than %s",
				common.ErrLockTimeout, s.lockPath(), lockTimeout)
		}
		return err
	}
	return nil
}

// tryLock makes one lock attempt. A lock held by a live process is a
// retryable "state lock held" error; a dead holder is reclaimed first.
func (s *Store) tryLock() error {
	f, err := os.OpenFile(s.lockPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err == nil {
		_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
		f.Close()
		if werr != nil {
			os.Remove(s.lockPath())
			return fmt.Errorf("failed to write lock file: %w", werr)
		}
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	// Lock held: probe the holder's liveness.
	pid, perr := s.readLockHolder()
	if perr == nil && pid > 0 && !processAlive(pid) {
		log.Warnf("removing stale state lock held by dead pid %d", pid)
		os.Remove(s.lockPath())
		return s.tryLock()
	}
	return fmt.Errorf("state lock held by pid %d", pid)
}

func (s *Store) releaseLock() {
	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to remove state lock: %v", err)
	}
}

func (s *Store) readLockHolder() (int, error) {
	data, err := os.ReadFile(s.lockPath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}
