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

// Package snapshot creates application-consistent snapshots: a PostgreSQL
// CHECKPOINT immediately followed by a filesystem snapshot.
package snapshot

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/elitan/velo/internal/docker"
	"github.com/elitan/velo/internal/state"
	"github.com/elitan/velo/internal/zfs"
)

// Snapshotter is the filesystem slice the service needs.
type Snapshotter interface {
	CreateSnapshot(ctx context.Context, dataset, stamp string) (string, error)
}

// SQLRunner is the container slice the service needs.
type SQLRunner interface {
	GetContainerByName(ctx context.Context, name string) (*docker.ContainerInfo, error)
	ExecSQL(ctx context.Context, id, sql, user, db string) (string, error)
}

// Request identifies the branch to capture.
type Request struct {
	Dataset       string // <project>-<branch>
	Status        string // running | stopped
	ContainerName string
	Username      string
	Database      string
	Label         string // optional, appended to the stamp
}

// Result names the created snapshot.
type Result struct {
	SnapshotName     string // <stamp>[-<label>]
	FullSnapshotName string // <pool>/<base>/<dataset>@<stamp>[-<label>]
}

// Service coordinates CHECKPOINT and filesystem snapshot creation.
type Service struct {
	fs         Snapshotter
	containers SQLRunner
}

// NewService creates a snapshot service.
func NewService(fs Snapshotter, containers SQLRunner) *Service {
	return &Service{fs: fs, containers: containers}
}

// Take captures the branch. For a running branch, CHECKPOINT flushes all
// dirty buffers first; the filesystem snapshot follows immediately — no
// other I/O is allowed between the two calls, which is what makes the
// capture application-consistent (zero WAL replay to open the clone).
func (s *Service) Take(ctx context.Context, req Request) (*Result, error) {
	if req.Status == state.StatusRunning {
		info, err := s.containers.GetContainerByName(ctx, req.ContainerName)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, fmt.Errorf("container %s not found for running branch", req.ContainerName)
		}

		start := time.Now()
		if _, err := s.containers.ExecSQL(ctx, info.ID, "CHECKPOINT;", req.Username, req.Database); err != nil {
			return nil, fmt.Errorf("CHECKPOINT failed: %w", err)
		}
		log.Debugf("CHECKPOINT on %s took %s", req.ContainerName, time.Since(start))
	}

	stamp := zfs.SnapshotStamp(time.Now())
	if req.Label != "" {
		stamp = stamp + "-" + req.Label
	}

	full, err := s.fs.CreateSnapshot(ctx, req.Dataset, stamp)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", req.Dataset, err)
	}

	return &Result{SnapshotName: stamp, FullSnapshotName: full}, nil
}
