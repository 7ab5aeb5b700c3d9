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

// Package orphan reconciles persisted state against the filesystem and
// the container runtime, finding resources velo created but no longer
// tracks (crash leftovers, failed rollbacks, manual tampering).
package orphan

import (
	"context"
	"strings"

	"github.com/elitan/velo/internal/common"
	"github.com/elitan/velo/internal/docker"
	"github.com/elitan/velo/internal/state"
	"github.com/elitan/velo/internal/zfs"
)

// DatasetLister is the filesystem slice the detector needs.
type DatasetLister interface {
	ListDatasets(ctx context.Context) ([]zfs.Dataset, error)
	BasePath() string
}

// ContainerLister is the container slice the detector needs.
type ContainerLister interface {
	ListContainers(ctx context.Context, prefix string) ([]docker.ContainerInfo, error)
}

// Report lists untracked resources.
type Report struct {
	Datasets         []zfs.Dataset
	Containers       []docker.ContainerInfo
	TotalOrphans     int
	TotalWastedBytes int64
}

// Detect computes the orphan sets: datasets under the base whose simple
// name is no branch's dataset, and prefix-carrying containers outside the
// expected name set. The base dataset itself is never reported; neither
// are containers without the product prefix (ListContainers already
// filters those).
func Detect(ctx context.Context, st *state.Store, fs DatasetLister, containers ContainerLister) (*Report, error) {
	expectedDatasets := make(map[string]bool)
	expectedContainers := make(map[string]bool)
	for _, b := range st.ListAllBranches() {
		expectedDatasets[b.ZFSDataset] = true
		ref := common.BranchRef{Project: b.ProjectName, Branch: simpleName(b.Name)}
		expectedContainers[ref.ContainerName()] = true
	}

	report := &Report{}

	datasets, err := fs.ListDatasets(ctx)
	if err != nil {
		return nil, err
	}
	basePrefix := fs.BasePath() + "/"
	for _, ds := range datasets {
		simple := strings.TrimPrefix(ds.Name, basePrefix)
		if simple == ds.Name || strings.Contains(simple, "/") {
			// Not directly under the base.
			continue
		}
		if !expectedDatasets[simple] {
			report.Datasets = append(report.Datasets, ds)
			report.TotalWastedBytes += ds.Used
		}
	}

	running, err := containers.ListContainers(ctx, common.ContainerPrefix)
	if err != nil {
		return nil, err
	}
	for _, c := range running {
		if !expectedContainers[c.Name] {
			report.Containers = append(report.Containers, c)
		}
	}

	report.TotalOrphans = len(report.Datasets) + len(report.Containers)
	return report, nil
}

func simpleName(namespaced string) string {
	if idx := strings.Index(namespaced, "/"); idx >= 0 {
		return namespaced[idx+1:]
	}
	return namespaced
}
