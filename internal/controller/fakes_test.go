package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/elitan/velo/internal/docker"
	"github.com/elitan/velo/internal/wal"
	"github.com/elitan/velo/internal/zfs"
)

// ---- filesystem fake ----

type fakeDataset struct {
	mounted bool
	used    int64
	origin  string // full snapshot name this dataset was cloned from
}

// fakeFS is an in-memory FilesystemDriver. It keeps a flat op log so
// tests can assert ordering (clone-then-swap, post-order destroys).
type fakeFS struct {
	mu        sync.Mutex
	root      string // real temp dir backing mountpoints
	datasets  map[string]*fakeDataset
	snapshots map[string]string // full snapshot name -> owning dataset
	ops       []string

	failCreateDataset bool
	failClone         bool
	failMount         map[string]bool
}

func newFakeFS(root string) *fakeFS {
	return &fakeFS{
		root:      root,
		datasets:  map[string]*fakeDataset{},
		snapshots: map[string]string{},
		failMount: map[string]bool{},
	}
}

func (f *fakeFS) logOp(format string, args ...any) {
	f.ops = append(f.ops, fmt.Sprintf(format, args...))
}

func (f *fakeFS) PoolName() string { return "tank" }
func (f *fakeFS) BaseName() string { return "velo" }
func (f *fakeFS) BasePath() string { return "tank/velo" }

func (f *fakeFS) GetPoolStatus(context.Context) (*zfs.PoolStatus, error) {
	return &zfs.PoolStatus{Name: "tank", Health: "ONLINE", Size: 1 << 40, Allocated: 1 << 30, Free: (1 << 40) - (1 << 30)}, nil
}

func (f *fakeFS) CheckPermissions(context.Context) error { return nil }

func (f *fakeFS) mountpointFor(name string) string {
	return filepath.Join(f.root, name)
}

func (f *fakeFS) CreateDataset(_ context.Context, name string, _ zfs.CreateOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateDataset {
		return fmt.Errorf("zfs create %s: out of space", name)
	}
	f.datasets[name] = &fakeDataset{used: 9_500_000}
	os.MkdirAll(filepath.Join(f.mountpointFor(name), "pgdata"), 0755)
	f.logOp("create %s", name)
	return nil
}

func (f *fakeFS) DestroyDataset(_ context.Context, name string, recursive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.datasets[name]; !ok {
		return fmt.Errorf("zfs destroy: dataset %s does not exist", name)
	}
	if !recursive {
		for snap, owner := range f.snapshots {
			if owner == name {
				return fmt.Errorf("zfs destroy: %s has dependent snapshot %s", name, snap)
			}
		}
	}
	// -R takes the dataset's snapshots and their clones with it.
	if recursive {
		for snap, owner := range f.snapshots {
			if owner != name {
				continue
			}
			delete(f.snapshots, snap)
			for cloneName, clone := range f.datasets {
				if clone.origin == snap {
					delete(f.datasets, cloneName)
					f.logOp("destroy %s", cloneName)
				}
			}
		}
	}
	delete(f.datasets, name)
	os.RemoveAll(f.mountpointFor(name))
	f.logOp("destroy %s", name)
	return nil
}

func (f *fakeFS) DatasetExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.datasets[name]
	return ok, nil
}

func (f *fakeFS) GetDataset(_ context.Context, name string) (*zfs.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.datasets[name]
	if !ok {
		return nil, fmt.Errorf("dataset %s does not exist", name)
	}
	return &zfs.Dataset{
		Name:       "tank/velo/" + name,
		Used:       ds.used,
		Mountpoint: f.mountpointFor(name),
		Created:    time.Now(),
	}, nil
}

func (f *fakeFS) ListDatasets(context.Context) ([]zfs.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []zfs.Dataset
	for name, ds := range f.datasets {
		out = append(out, zfs.Dataset{
			Name:       "tank/velo/" + name,
			Used:       ds.used,
			Mountpoint: f.mountpointFor(name),
		})
	}
	return out, nil
}

func (f *fakeFS) MountDataset(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMount[name] {
		return fmt.Errorf("cannot mount %s: permission denied", name)
	}
	ds, ok := f.datasets[name]
	if !ok {
		return fmt.Errorf("cannot mount %s: does not exist", name)
	}
	ds.mounted = true
	f.logOp("mount %s", name)
	return nil
}

func (f *fakeFS) UnmountDataset(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.datasets[name]
	if !ok {
		return fmt.Errorf("cannot unmount %s: does not exist", name)
	}
	ds.mounted = false
	f.logOp("unmount %s", name)
	return nil
}

func (f *fakeFS) RenameDataset(_ context.Context, oldName, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.datasets[oldName]
	if !ok {
		return fmt.Errorf("cannot rename %s: does not exist", oldName)
	}
	if ds.mounted {
		return fmt.Errorf("cannot rename %s: mounted", oldName)
	}
	delete(f.datasets, oldName)
	f.datasets[newName] = ds
	os.Rename(f.mountpointFor(oldName), f.mountpointFor(newName))
	// Snapshots follow their dataset across a rename.
	for snap, owner := range f.snapshots {
		if owner == oldName {
			f.snapshots[snap] = newName
		}
	}
	f.logOp("rename %s %s", oldName, newName)
	return nil
}

func (f *fakeFS) GetMountpoint(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.datasets[name]; !ok {
		return "", fmt.Errorf("dataset %s does not exist", name)
	}
	return f.mountpointFor(name), nil
}

func (f *fakeFS) GetUsedSpace(_ context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.datasets[name]
	if !ok {
		return 0, fmt.Errorf("dataset %s does not exist", name)
	}
	return ds.used, nil
}

func (f *fakeFS) CreateSnapshot(_ context.Context, dataset, stamp string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.datasets[dataset]; !ok {
		return "", fmt.Errorf("dataset %s does not exist", dataset)
	}
	full := "tank/velo/" + dataset + "@" + stamp
	f.snapshots[full] = dataset
	f.logOp("snapshot %s", full)
	return full, nil
}

func (f *fakeFS) DestroySnapshot(_ context.Context, fullName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snapshots[fullName]; !ok {
		return fmt.Errorf("snapshot %s does not exist", fullName)
	}
	delete(f.snapshots, fullName)
	f.logOp("destroy-snapshot %s", fullName)
	return nil
}

func (f *fakeFS) ListSnapshots(_ context.Context, dataset string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for snap, owner := range f.snapshots {
		if owner == dataset {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (f *fakeFS) GetSnapshotSize(_ context.Context, fullName string) (int64, error) {
	return 1024, nil
}

func (f *fakeFS) CloneSnapshot(_ context.Context, fullSnapshotName, targetDataset string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClone {
		return fmt.Errorf("zfs clone: out of space")
	}
	if _, ok := f.snapshots[fullSnapshotName]; !ok {
		return fmt.Errorf("snapshot %s does not exist", fullSnapshotName)
	}
	// A fresh clone shares everything with its origin.
	f.datasets[targetDataset] = &fakeDataset{used: 130_000, origin: fullSnapshotName}
	os.MkdirAll(filepath.Join(f.mountpointFor(targetDataset), "pgdata"), 0755)
	f.logOp("clone %s %s", fullSnapshotName, targetDataset)
	return nil
}

func (f *fakeFS) datasetNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.datasets {
		out = append(out, name)
	}
	return out
}

func (f *fakeFS) snapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

// ---- container fake ----

type fakeContainer struct {
	id      string
	name    string
	running bool
	port    int
	spec    docker.ContainerSpec
}

type fakeContainers struct {
	mu       sync.Mutex
	byName   map[string]*fakeContainer
	nextPort int
	nextID   int
	sqls     []string // "<container>: <sql>"
	images   map[string]bool

	failStart       bool
	failWaitHealthy map[string]bool
}

func newFakeContainers() *fakeContainers {
	return &fakeContainers{
		byName:          map[string]*fakeContainer{},
		nextPort:        54320,
		images:          map[string]bool{},
		failWaitHealthy: map[string]bool{},
	}
}

func (f *fakeContainers) Ping(context.Context) error { return nil }

func (f *fakeContainers) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byName[spec.Name]; ok {
		return "", fmt.Errorf("container name %s already in use", spec.Name)
	}
	f.nextID++
	port := spec.HostPort
	if port == 0 {
		f.nextPort++
		port = f.nextPort
	}
	ctr := &fakeContainer{
		id:   fmt.Sprintf("ctr-%d", f.nextID),
		name: spec.Name,
		port: port,
		spec: spec,
	}
	f.byName[spec.Name] = ctr
	return ctr.id, nil
}

func (f *fakeContainers) find(id string) *fakeContainer {
	for _, c := range f.byName {
		if c.id == id || c.name == id {
			return c
		}
	}
	return nil
}

func (f *fakeContainers) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return fmt.Errorf("failed to start container %s: oci runtime error", id)
	}
	c := f.find(id)
	if c == nil {
		return fmt.Errorf("no such container %s", id)
	}
	c.running = true
	return nil
}

func (f *fakeContainers) StopContainer(_ context.Context, id string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.find(id); c != nil {
		c.running = false
	}
	return nil
}

func (f *fakeContainers) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.find(id); c != nil {
		delete(f.byName, c.name)
	}
	return nil
}

func (f *fakeContainers) RestartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.find(id); c != nil {
		c.running = true
		return nil
	}
	return fmt.Errorf("no such container %s", id)
}

func (f *fakeContainers) GetContainerByName(_ context.Context, name string) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byName[name]
	if !ok {
		return nil, nil
	}
	stateStr := "exited"
	if c.running {
		stateStr = "running"
	}
	return &docker.ContainerInfo{ID: c.id, Name: c.name, State: stateStr, Running: c.running, Port: c.port}, nil
}

func (f *fakeContainers) GetContainerPort(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.find(id); c != nil {
		return c.port, nil
	}
	return 0, fmt.Errorf("no such container %s", id)
}

func (f *fakeContainers) ListContainers(_ context.Context, prefix string) ([]docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docker.ContainerInfo
	for _, c := range f.byName {
		if strings.HasPrefix(c.name, prefix+"-") {
			stateStr := "exited"
			if c.running {
				stateStr = "running"
			}
			out = append(out, docker.ContainerInfo{ID: c.id, Name: c.name, State: stateStr, Running: c.running, Port: c.port})
		}
	}
	return out, nil
}

func (f *fakeContainers) WaitForHealthy(_ context.Context, id, _ string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(id)
	if c == nil {
		return fmt.Errorf("no such container %s", id)
	}
	if f.failWaitHealthy[c.name] {
		return fmt.Errorf("container never became ready: %s", c.name)
	}
	if !c.running {
		return fmt.Errorf("container never became ready: %s is not running", c.name)
	}
	return nil
}

func (f *fakeContainers) ExecSQL(_ context.Context, id, sql, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(id)
	if c == nil {
		return "", fmt.Errorf("no such container %s", id)
	}
	f.sqls = append(f.sqls, c.name+": "+sql)
	return "", nil
}

func (f *fakeContainers) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = true
	return nil
}

func (f *fakeContainers) ImageExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeContainers) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.byName {
		out = append(out, name)
	}
	return out
}

// addGhost plants an untracked container (orphan detection tests).
func (f *fakeContainers) addGhost(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.byName[name] = &fakeContainer{id: fmt.Sprintf("ctr-%d", f.nextID), name: name}
}

// ---- WAL fake ----

// fakeWAL delegates real file work to wal.Manager but skips the chown
// that needs root, and records PITR setups.
type fakeWAL struct {
	m        *wal.Manager
	mu       sync.Mutex
	pitrArgs []string // "<mountpoint>|<sourceArchive>|<target>"
}

func newFakeWAL(root string) *fakeWAL {
	return &fakeWAL{m: wal.NewManager(root)}
}

func (f *fakeWAL) EnsureRoot() error                   { return f.m.EnsureRoot() }
func (f *fakeWAL) GetArchivePath(dataset string) string { return f.m.GetArchivePath(dataset) }

func (f *fakeWAL) EnsureArchiveDir(dataset string) (string, error) {
	path := f.m.GetArchivePath(dataset)
	if err := os.MkdirAll(path, 0770); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(path, ".keep"), nil, 0660); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeWAL) DeleteArchiveDir(dataset string) error { return f.m.DeleteArchiveDir(dataset) }

func (f *fakeWAL) GetArchiveInfo(dataset string) (*wal.ArchiveInfo, error) {
	return f.m.GetArchiveInfo(dataset)
}

func (f *fakeWAL) CleanupWALsBefore(dataset string, cutoff time.Time) (int, error) {
	return f.m.CleanupWALsBefore(dataset, cutoff)
}

func (f *fakeWAL) ListWALsBefore(dataset string, cutoff time.Time) ([]string, error) {
	return f.m.ListWALsBefore(dataset, cutoff)
}

func (f *fakeWAL) VerifyArchiveIntegrity(dataset string) ([]string, error) {
	return f.m.VerifyArchiveIntegrity(dataset)
}

func (f *fakeWAL) SetupPITRecovery(mountpoint, sourceArchivePath string, target *time.Time) error {
	f.mu.Lock()
	targetStr := ""
	if target != nil {
		targetStr = target.UTC().Format(time.RFC3339)
	}
	f.pitrArgs = append(f.pitrArgs, mountpoint+"|"+sourceArchivePath+"|"+targetStr)
	f.mu.Unlock()
	return f.m.SetupPITRecovery(mountpoint, sourceArchivePath, target)
}
