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

// Package state persists velo's global state as a single JSON document
// with an atomic, lock-guarded save protocol.
package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/elitan/velo/internal/common"
)

// Version is the state document schema version.
const Version = "1"

const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Credentials are a project's shared PostgreSQL credentials. The password
// is stored in cleartext; the state file lives under the user's config
// root with restrictive permissions.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// Branch is one PostgreSQL instance inside a project.
type Branch struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"` // namespaced <project>/<branch>
	ProjectName    string    `json:"projectName"`
	ParentBranchID *string   `json:"parentBranchId"`
	IsPrimary      bool      `json:"isPrimary"`
	SnapshotName   *string   `json:"snapshotName"` // full snapshot the branch was cloned from
	ZFSDataset     string    `json:"zfsDataset"`   // <project>-<branch>
	Port           int       `json:"port"`
	CreatedAt      time.Time `json:"createdAt"`
	SizeBytes      int64     `json:"sizeBytes"`
	Status         string    `json:"status"`
}

// Project is an instance group sharing an image, credentials and certs.
type Project struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DockerImage string      `json:"dockerImage"`
	SSLCertDir  string      `json:"sslCertDir"`
	CreatedAt   time.Time   `json:"createdAt"`
	Credentials Credentials `json:"credentials"`
	Branches    []Branch    `json:"branches"`
}

// Snapshot records a durable capture of a branch.
type Snapshot struct {
	ID          string    `json:"id"`
	BranchID    string    `json:"branchId"`
	BranchName  string    `json:"branchName"`
	ProjectName string    `json:"projectName"`
	ZFSSnapshot string    `json:"zfsSnapshot"`
	CreatedAt   time.Time `json:"createdAt"`
	Label       string    `json:"label,omitempty"`
	SizeBytes   int64     `json:"sizeBytes"`
}

// Document is the whole persisted state.
type Document struct {
	Version        string     `json:"version"`
	InitializedAt  time.Time  `json:"initializedAt"`
	ZFSPool        string     `json:"zfsPool"`
	ZFSDatasetBase string     `json:"zfsDatasetBase"`
	Projects       []Project  `json:"projects"`
	Snapshots      []Snapshot `json:"snapshots"`
}

// NewDocument creates an initialized empty document.
func NewDocument(pool, base string) *Document {
	return &Document{
		Version:        Version,
		InitializedAt:  time.Now().UTC(),
		ZFSPool:        pool,
		ZFSDatasetBase: base,
		Projects:       []Project{},
		Snapshots:      []Snapshot{},
	}
}

// Validate checks every structural invariant. Any violation makes the
// document unusable; callers treat an error here as a load failure.
func (d *Document) Validate() error {
	projectNames := make(map[string]bool)
	branchNames := make(map[string]bool)
	datasets := make(map[string]bool)

	for pi := range d.Projects {
		p := &d.Projects[pi]
		if projectNames[p.Name] {
			return fmt.Errorf("%w: duplicate project name %q", common.ErrInvalidState, p.Name)
		}
		projectNames[p.Name] = true

		branchByID := make(map[string]*Branch, len(p.Branches))
		for bi := range p.Branches {
			branchByID[p.Branches[bi].ID] = &p.Branches[bi]
		}

		primaries := 0
		for bi := range p.Branches {
			b := &p.Branches[bi]

			if branchNames[b.Name] {
				return fmt.Errorf("%w: duplicate branch name %q", common.ErrInvalidState, b.Name)
			}
			branchNames[b.Name] = true

			project, _, ok := splitBranchName(b.Name)
			if !ok {
				return fmt.Errorf("%w: branch name %q is not of the form <project>/<branch>",
					common.ErrInvalidState, b.Name)
			}
			if project != p.Name || b.ProjectName != p.Name {
				return fmt.Errorf("%w: branch %q does not belong to project %q",
					common.ErrInvalidState, b.Name, p.Name)
			}

			if datasets[b.ZFSDataset] {
				return fmt.Errorf("%w: duplicate dataset name %q", common.ErrInvalidState, b.ZFSDataset)
			}
			datasets[b.ZFSDataset] = true

			if b.IsPrimary {
				primaries++
				if b.ParentBranchID != nil {
					return fmt.Errorf("%w: primary branch %q has a parent", common.ErrInvalidState, b.Name)
				}
			} else {
				if b.ParentBranchID == nil {
					return fmt.Errorf("%w: branch %q has no parent", common.ErrInvalidState, b.Name)
				}
				if _, ok := branchByID[*b.ParentBranchID]; !ok {
					return fmt.Errorf("%w: branch %q parent %s not found in project %q",
						common.ErrInvalidState, b.Name, *b.ParentBranchID, p.Name)
				}
			}
		}
		if primaries != 1 {
			return fmt.Errorf("%w: project %q has %d primary branches, want exactly 1",
				common.ErrInvalidState, p.Name, primaries)
		}
	}

	return nil
}

func splitBranchName(name string) (project, branch string, ok bool) {
	parts := strings.Split(name, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
