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

// Package controller orchestrates project, branch, snapshot, WAL and
// cleanup operations across the state store, the filesystem driver and
// the container driver. All external subsystems are consumed through the
// interfaces below so tests can substitute in-memory fakes.
package controller

import (
	"context"
	"time"

	"github.com/elitan/velo/internal/docker"
	"github.com/elitan/velo/internal/wal"
	"github.com/elitan/velo/internal/zfs"
)

// FilesystemDriver is the copy-on-write filesystem contract.
type FilesystemDriver interface {
	PoolName() string
	BaseName() string
	BasePath() string
	GetPoolStatus(ctx context.Context) (*zfs.PoolStatus, error)
	CheckPermissions(ctx context.Context) error

	CreateDataset(ctx context.Context, name string, opts zfs.CreateOptions) error
	DestroyDataset(ctx context.Context, name string, recursive bool) error
	DatasetExists(ctx context.Context, name string) (bool, error)
	GetDataset(ctx context.Context, name string) (*zfs.Dataset, error)
	ListDatasets(ctx context.Context) ([]zfs.Dataset, error)
	MountDataset(ctx context.Context, name string) error
	UnmountDataset(ctx context.Context, name string) error
	RenameDataset(ctx context.Context, oldName, newName string) error
	GetMountpoint(ctx context.Context, name string) (string, error)
	GetUsedSpace(ctx context.Context, name string) (int64, error)

	CreateSnapshot(ctx context.Context, dataset, stamp string) (string, error)
	DestroySnapshot(ctx context.Context, fullName string) error
	ListSnapshots(ctx context.Context, dataset string) ([]string, error)
	GetSnapshotSize(ctx context.Context, fullName string) (int64, error)
	CloneSnapshot(ctx context.Context, fullSnapshotName, targetDataset string) error
}

// ContainerDriver is the container runtime contract.
type ContainerDriver interface {
	Ping(ctx context.Context) error
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string) error
	GetContainerByName(ctx context.Context, name string) (*docker.ContainerInfo, error)
	GetContainerPort(ctx context.Context, id string) (int, error)
	ListContainers(ctx context.Context, prefix string) ([]docker.ContainerInfo, error)
	WaitForHealthy(ctx context.Context, id, username string, timeout time.Duration) error
	ExecSQL(ctx context.Context, id, sql, user, db string) (string, error)
	PullImage(ctx context.Context, ref string) error
	ImageExists(ctx context.Context, ref string) (bool, error)
}

// WALManager is the WAL archive contract.
type WALManager interface {
	EnsureRoot() error
	GetArchivePath(dataset string) string
	EnsureArchiveDir(dataset string) (string, error)
	DeleteArchiveDir(dataset string) error
	GetArchiveInfo(dataset string) (*wal.ArchiveInfo, error)
	CleanupWALsBefore(dataset string, cutoff time.Time) (int, error)
	ListWALsBefore(dataset string, cutoff time.Time) ([]string, error)
	VerifyArchiveIntegrity(dataset string) ([]string, error)
	SetupPITRecovery(mountpoint, sourceArchivePath string, recoveryTarget *time.Time) error
}
