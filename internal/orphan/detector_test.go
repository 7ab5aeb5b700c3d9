package orphan

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elitan/velo/internal/docker"
	"github.com/elitan/velo/internal/state"
	"github.com/elitan/velo/internal/zfs"
)

type fakeFS struct {
	datasets []zfs.Dataset
}

func (f *fakeFS) ListDatasets(context.Context) ([]zfs.Dataset, error) { return f.datasets, nil }
func (f *fakeFS) BasePath() string                                    { return "tank/velo" }

type fakeContainers struct {
	containers []docker.ContainerInfo
}

func (f *fakeContainers) ListContainers(context.Context, string) ([]docker.ContainerInfo, error) {
	return f.containers, nil
}

func seedStore(t *testing.T) *state.Store {
	t.Helper()
	st := state.NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, st.Initialize("tank", "velo"))

	mainID := uuid.New().String()
	require.NoError(t, st.AddProject(state.Project{
		ID:   uuid.New().String(),
		Name: "api",
		Branches: []state.Branch{
			{
				ID: mainID, Name: "api/main", ProjectName: "api", IsPrimary: true,
				ZFSDataset: "api-main", CreatedAt: time.Now(), Status: state.StatusRunning,
			},
			{
				ID: uuid.New().String(), Name: "api/dev", ProjectName: "api",
				ParentBranchID: &mainID, ZFSDataset: "api-dev",
				CreatedAt: time.Now(), Status: state.StatusRunning,
			},
		},
	}))
	return st
}

func TestDetectFindsGhosts(t *testing.T) {
	t.Parallel()

	st := seedStore(t)
	fs := &fakeFS{datasets: []zfs.Dataset{
		{Name: "tank/velo/api-main", Used: 9_500_000},
		{Name: "tank/velo/api-dev", Used: 130_000},
		{Name: "tank/velo/ghost", Used: 42_000},
	}}
	containers := &fakeContainers{containers: []docker.ContainerInfo{
		{Name: "velo-api-main", Running: true},
		{Name: "velo-api-dev", Running: true},
		{Name: "velo-ghost", Running: false},
	}}

	report, err := Detect(context.Background(), st, fs, containers)
	require.NoError(t, err)

	require.Len(t, report.Datasets, 1)
	assert.Equal(t, "tank/velo/ghost", report.Datasets[0].Name)
	require.Len(t, report.Containers, 1)
	assert.Equal(t, "velo-ghost", report.Containers[0].Name)
	assert.Equal(t, 2, report.TotalOrphans)
	assert.Equal(t, int64(42_000), report.TotalWastedBytes)
}

func TestDetectCleanSystem(t *testing.T) {
	t.Parallel()

	st := seedStore(t)
	fs := &fakeFS{datasets: []zfs.Dataset{
		{Name: "tank/velo/api-main", Used: 1000},
		{Name: "tank/velo/api-dev", Used: 1000},
	}}
	containers := &fakeContainers{containers: []docker.ContainerInfo{
		{Name: "velo-api-main"},
		{Name: "velo-api-dev"},
	}}

	report, err := Detect(context.Background(), st, fs, containers)
	require.NoError(t, err)
	assert.Zero(t, report.TotalOrphans)
	assert.Zero(t, report.TotalWastedBytes)
}

func TestDetectIgnoresNestedDatasets(t *testing.T) {
	t.Parallel()

	st := seedStore(t)
	fs := &fakeFS{datasets: []zfs.Dataset{
		{Name: "tank/velo/api-main", Used: 1000},
		{Name: "tank/velo/api-dev", Used: 1000},
		// Nested children of branch datasets are not directly under base.
		{Name: "tank/velo/api-main/nested", Used: 77},
	}}

	report, err := Detect(context.Background(), st, fs, &fakeContainers{})
	require.NoError(t, err)
	assert.Empty(t, report.Datasets)
}

func TestDetectEmptyState(t *testing.T) {
	t.Parallel()

	st := state.NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, st.Load()) // uninitialized

	fs := &fakeFS{datasets: []zfs.Dataset{{Name: "tank/velo/stray", Used: 5}}}
	report, err := Detect(context.Background(), st, fs, &fakeContainers{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalOrphans)
}
