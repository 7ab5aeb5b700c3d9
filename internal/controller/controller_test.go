// Package controller scenario tests run every orchestration procedure
// against in-memory fakes of the filesystem and container runtime.
package controller

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/elitan/velo/internal/common"
	"github.com/elitan/velo/internal/config"
	"github.com/elitan/velo/internal/state"
	"github.com/elitan/velo/internal/zfs"
)

type testEnv struct {
	ctrl       *Controller
	fs         *fakeFS
	containers *fakeContainers
	wal        *fakeWAL
	store      *state.Store
	out        *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("VELO_CONFIG_DIR", dir)

	env := &testEnv{
		fs:         newFakeFS(t.TempDir()),
		containers: newFakeContainers(),
		wal:        newFakeWAL(config.WALRoot()),
		store:      state.NewStore(config.StatePath()),
		out:        &bytes.Buffer{},
	}
	if err := env.store.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	env.ctrl = New(env.store, env.fs, env.containers, env.wal, config.DefaultSettings())
	env.ctrl.SetOutput(env.out)
	env.ctrl.SetSetupCheck(func() bool { return true })
	env.ctrl.SetCertFunc(func(dir, _ string) error {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		if err := os.WriteFile(dir+"/server.crt", []byte("cert"), 0644); err != nil {
			return err
		}
		return os.WriteFile(dir+"/server.key", []byte("key"), 0600)
	})
	return env
}

func (e *testEnv) createProject(t *testing.T, name string) *state.Project {
	t.Helper()
	p, err := e.ctrl.CreateProject(context.Background(), name, ProjectCreateOptions{})
	if err != nil {
		t.Fatalf("create project %s: %v", name, err)
	}
	return p
}

func (e *testEnv) createBranch(t *testing.T, name string, opts BranchCreateOptions) *state.Branch {
	t.Helper()
	b, err := e.ctrl.CreateBranch(context.Background(), name, opts)
	if err != nil {
		t.Fatalf("create branch %s: %v", name, err)
	}
	return b
}

func (e *testEnv) stateBytes(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(config.StatePath())
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	return data
}

func TestCreateProject(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)

	project := env.createProject(t, "demo")

	g.Expect(project.Branches).To(HaveLen(1))
	main := project.Branches[0]
	g.Expect(main.IsPrimary).To(BeTrue())
	g.Expect(main.Name).To(Equal("demo/main"))
	g.Expect(main.ParentBranchID).To(BeNil())
	g.Expect(main.Port).To(BeNumerically(">", 0))
	g.Expect(main.Status).To(Equal(state.StatusRunning))

	g.Expect(env.fs.datasetNames()).To(ConsistOf("demo-main"))
	g.Expect(env.containers.names()).To(ConsistOf("velo-demo-main"))

	// Credentials are usable and persisted.
	loaded := state.NewStore(config.StatePath())
	g.Expect(loaded.Load()).To(Succeed())
	p, err := loaded.GetProject("demo")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(p.Credentials.Password).To(HaveLen(12))
}

func TestCreateProjectDuplicateName(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")

	_, err := env.ctrl.CreateProject(context.Background(), "demo", ProjectCreateOptions{})
	g.Expect(err).To(HaveOccurred())
	g.Expect(errors.Is(err, common.ErrExists)).To(BeTrue())
	g.Expect(common.IsUserError(err)).To(BeTrue())
}

func TestCreateProjectInvalidName(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)

	for _, name := range []string{"", "my project", "a/b", "café"} {
		_, err := env.ctrl.CreateProject(context.Background(), name, ProjectCreateOptions{})
		g.Expect(err).To(HaveOccurred(), "name %q", name)
		g.Expect(errors.Is(err, common.ErrInvalidName)).To(BeTrue())
	}
	// Nothing was touched.
	g.Expect(env.fs.datasetNames()).To(BeEmpty())
}

func TestCreateProjectImageFlags(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)

	_, err := env.ctrl.CreateProject(context.Background(), "demo",
		ProjectCreateOptions{PGVersion: "16", Image: "postgres:17"})
	g.Expect(err).To(HaveOccurred())
	g.Expect(common.IsUserError(err)).To(BeTrue())

	p, err := env.ctrl.CreateProject(context.Background(), "demo", ProjectCreateOptions{PGVersion: "16"})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(p.DockerImage).To(Equal("postgres:16-alpine"))
}

func TestCreateProjectRollsBackOnFailure(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.containers.failStart = true

	_, err := env.ctrl.CreateProject(context.Background(), "demo", ProjectCreateOptions{})
	g.Expect(err).To(HaveOccurred())

	g.Expect(env.fs.datasetNames()).To(BeEmpty(), "dataset rolled back")
	g.Expect(env.containers.names()).To(BeEmpty(), "container rolled back")
	_, statErr := os.Stat(config.StatePath())
	g.Expect(os.IsNotExist(statErr) || len(env.store.ListProjects()) == 0).To(BeTrue())
}

func TestCreateBranch(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")

	branch := env.createBranch(t, "demo/dev", BranchCreateOptions{})

	g.Expect(branch.IsPrimary).To(BeFalse())
	g.Expect(branch.ZFSDataset).To(Equal("demo-dev"))
	g.Expect(branch.SnapshotName).NotTo(BeNil())
	g.Expect(*branch.SnapshotName).To(HavePrefix("tank/velo/demo-main@"))

	main, err := env.store.GetMainBranch("demo")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(*branch.ParentBranchID).To(Equal(main.ID))

	// CHECKPOINT ran in the source container before the clone base was cut.
	g.Expect(env.containers.sqls).To(ContainElement("velo-demo-main: CHECKPOINT;"))

	// Copy-on-write: a fresh branch is far smaller than its parent.
	g.Expect(branch.SizeBytes).To(BeNumerically("<", 1_000_000))
	parentSize, _ := env.fs.GetUsedSpace(context.Background(), "demo-main")
	g.Expect(parentSize).To(BeNumerically(">", 9_000_000))

	g.Expect(env.containers.names()).To(ConsistOf("velo-demo-main", "velo-demo-dev"))
	g.Expect(branch.Port).NotTo(Equal(main.Port))
}

func TestCreateBranchWrongParentProject(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")
	env.createProject(t, "other")

	before := env.stateBytes(t)
	_, err := env.ctrl.CreateBranch(context.Background(), "demo/dev",
		BranchCreateOptions{Parent: "other/main"})
	g.Expect(err).To(HaveOccurred())
	g.Expect(common.IsUserError(err)).To(BeTrue())
	g.Expect(env.stateBytes(t)).To(Equal(before), "no side effects before validation")
	g.Expect(env.fs.snapshotCount()).To(BeZero())
}

func TestCreateBranchRollsBackOnFailure(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")
	env.containers.failWaitHealthy["velo-demo-dev"] = true

	before := env.stateBytes(t)
	snapsBefore := env.fs.snapshotCount()

	_, err := env.ctrl.CreateBranch(context.Background(), "demo/dev", BranchCreateOptions{})
	g.Expect(err).To(HaveOccurred())

	// Neither dataset, container nor snapshot of the attempt remains and
	// the state file is byte-identical.
	g.Expect(env.fs.datasetNames()).To(ConsistOf("demo-main"))
	g.Expect(env.containers.names()).To(ConsistOf("velo-demo-main"))
	g.Expect(env.fs.snapshotCount()).To(Equal(snapsBefore))
	g.Expect(env.stateBytes(t)).To(Equal(before))
}

func TestCreateBranchDuplicate(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")
	env.createBranch(t, "demo/dev", BranchCreateOptions{})

	_, err := env.ctrl.CreateBranch(context.Background(), "demo/dev", BranchCreateOptions{})
	g.Expect(errors.Is(err, common.ErrExists)).To(BeTrue())
}

func TestCreateBranchPITR(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "db")

	snap, err := env.ctrl.CreateSnapshot(context.Background(), "db/main", "t1")
	g.Expect(err).NotTo(HaveOccurred())

	target := time.Now().Add(2 * time.Second).UTC().Format(time.RFC3339)
	snapsBefore := env.fs.snapshotCount()

	branch, err := env.ctrl.CreateBranch(context.Background(), "db/recovered",
		BranchCreateOptions{PITR: target})
	g.Expect(err).NotTo(HaveOccurred())

	// PITR reuses the recorded snapshot, it does not cut a new one.
	g.Expect(env.fs.snapshotCount()).To(Equal(snapsBefore))
	g.Expect(*branch.SnapshotName).To(Equal(snap.ZFSSnapshot))

	// Recovery was configured against the *source* branch's archive.
	g.Expect(env.wal.pitrArgs).To(HaveLen(1))
	g.Expect(env.wal.pitrArgs[0]).To(ContainSubstring("|" + env.wal.GetArchivePath("db-main") + "|"))

	// recovery.signal landed in the clone's pgdata.
	mountpoint, err := env.fs.GetMountpoint(context.Background(), "db-recovered")
	g.Expect(err).NotTo(HaveOccurred())
	_, statErr := os.Stat(mountpoint + "/pgdata/recovery.signal")
	g.Expect(statErr).NotTo(HaveOccurred())
}

func TestCreateBranchPITRNoSnapshotBeforeTarget(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "db")

	before := env.stateBytes(t)
	_, err := env.ctrl.CreateBranch(context.Background(), "db/recovered",
		BranchCreateOptions{PITR: "2 hours ago"})
	g.Expect(err).To(HaveOccurred())
	g.Expect(common.IsUserError(err)).To(BeTrue())
	g.Expect(env.fs.datasetNames()).To(ConsistOf("db-main"), "no clone attempted")
	g.Expect(env.stateBytes(t)).To(Equal(before))
}

func TestDeleteBranchCascade(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "api")
	env.createBranch(t, "api/dev", BranchCreateOptions{})
	env.createBranch(t, "api/feature", BranchCreateOptions{Parent: "api/dev"})

	// Without force the dependent blocks deletion and is named.
	err := env.ctrl.DeleteBranch(context.Background(), "api/dev", false)
	g.Expect(err).To(HaveOccurred())
	g.Expect(err.Error()).To(ContainSubstring("api/feature"))

	g.Expect(env.ctrl.DeleteBranch(context.Background(), "api/dev", true)).To(Succeed())

	branches, err := env.store.ListBranches("api")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(branches).To(HaveLen(1))
	g.Expect(branches[0].Name).To(Equal("api/main"))

	// Datasets went child-first.
	var destroys []string
	for _, op := range env.fs.ops {
		if op == "destroy api-feature" || op == "destroy api-dev" {
			destroys = append(destroys, op)
		}
	}
	g.Expect(destroys).To(Equal([]string{"destroy api-feature", "destroy api-dev"}))

	// Deleting again is a clean user error.
	err = env.ctrl.DeleteBranch(context.Background(), "api/dev", false)
	g.Expect(errors.Is(err, common.ErrNotFound)).To(BeTrue())
	g.Expect(common.IsUserError(err)).To(BeTrue())
}

func TestDeleteBranchPrimaryRejected(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")

	err := env.ctrl.DeleteBranch(context.Background(), "demo/main", true)
	g.Expect(err).To(HaveOccurred())
	g.Expect(common.UserHint(err)).To(ContainSubstring("project delete"))
}

func TestResetBranch(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")
	branch := env.createBranch(t, "demo/dev", BranchCreateOptions{})
	portBefore := branch.Port

	// The branch accumulated a snapshot that the reset must clear.
	_, err := env.ctrl.CreateSnapshot(context.Background(), "demo/dev", "")
	g.Expect(err).NotTo(HaveOccurred())

	env.fs.ops = nil
	g.Expect(env.ctrl.ResetBranch(context.Background(), "demo/dev", false)).To(Succeed())

	// Clone-then-swap ordering: the original dataset survives until the
	// replacement is proven mountable.
	ops := env.fs.ops
	idx := func(op string) int {
		for i, o := range ops {
			if o == op {
				return i
			}
		}
		t.Fatalf("op %q not found in %v", op, ops)
		return -1
	}
	g.Expect(idx("mount demo-dev-temp")).To(BeNumerically("<", idx("unmount demo-dev")))
	g.Expect(idx("unmount demo-dev")).To(BeNumerically("<", idx("rename demo-dev demo-dev-old")))
	g.Expect(idx("rename demo-dev demo-dev-old")).To(BeNumerically("<", idx("rename demo-dev-temp demo-dev")))
	g.Expect(idx("rename demo-dev-temp demo-dev")).To(BeNumerically("<", idx("destroy demo-dev-old")))

	after, err := env.store.GetBranch("demo/dev")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(after.Port).To(Equal(portBefore), "port survives reset")
	g.Expect(after.Status).To(Equal(state.StatusRunning))
	g.Expect(*after.SnapshotName).To(HavePrefix("tank/velo/demo-main@"))
	g.Expect(env.store.SnapshotsForBranch("demo/dev")).To(BeEmpty())
}

func TestResetPrimaryRejected(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")

	err := env.ctrl.ResetBranch(context.Background(), "demo/main", false)
	g.Expect(err).To(HaveOccurred())
	g.Expect(common.IsUserError(err)).To(BeTrue())
}

func TestResetWithDependents(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")
	env.createBranch(t, "demo/dev", BranchCreateOptions{})
	env.createBranch(t, "demo/feature", BranchCreateOptions{Parent: "demo/dev"})

	err := env.ctrl.ResetBranch(context.Background(), "demo/dev", false)
	g.Expect(err).To(HaveOccurred())
	g.Expect(err.Error()).To(ContainSubstring("demo/feature"))

	g.Expect(env.ctrl.ResetBranch(context.Background(), "demo/dev", true)).To(Succeed())
	_, err = env.store.GetBranch("demo/feature")
	g.Expect(errors.Is(err, common.ErrNotFound)).To(BeTrue())
}

func TestDeleteProject(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")
	env.createBranch(t, "demo/dev", BranchCreateOptions{})

	err := env.ctrl.DeleteProject(context.Background(), "demo", false)
	g.Expect(err).To(HaveOccurred(), "non-primary branches need --force")

	g.Expect(env.ctrl.DeleteProject(context.Background(), "demo", true)).To(Succeed())
	g.Expect(env.fs.datasetNames()).To(BeEmpty())
	g.Expect(env.containers.names()).To(BeEmpty())
	g.Expect(env.store.ListProjects()).To(BeEmpty())
}

func TestBranchLifecycle(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")

	g.Expect(env.ctrl.StopBranch(context.Background(), "demo/main")).To(Succeed())
	b, _ := env.store.GetBranch("demo/main")
	g.Expect(b.Status).To(Equal(state.StatusStopped))

	g.Expect(env.ctrl.StartBranch(context.Background(), "demo/main")).To(Succeed())
	b, _ = env.store.GetBranch("demo/main")
	g.Expect(b.Status).To(Equal(state.StatusRunning))

	g.Expect(env.ctrl.RestartBranch(context.Background(), "demo/main")).To(Succeed())

	info, err := env.ctrl.GetConnectionInfo("demo/main")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(info.Port).To(Equal(b.Port))
	g.Expect(info.Password).To(HaveLen(12))
}

func TestStartRecreatesMissingContainer(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")
	b, _ := env.store.GetBranch("demo/main")
	portBefore := b.Port

	// Someone removed the container out-of-band; the dataset remains.
	info, _ := env.containers.GetContainerByName(context.Background(), "velo-demo-main")
	g.Expect(env.containers.RemoveContainer(context.Background(), info.ID)).To(Succeed())

	g.Expect(env.ctrl.StartBranch(context.Background(), "demo/main")).To(Succeed())
	b, _ = env.store.GetBranch("demo/main")
	g.Expect(b.Port).To(Equal(portBefore), "recreated at the recorded port")
	g.Expect(env.containers.names()).To(ContainElement("velo-demo-main"))
}

func TestSnapshotCreateAndCleanup(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")

	snap, err := env.ctrl.CreateSnapshot(context.Background(), "demo/main", "before-migration")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(snap.Label).To(Equal("before-migration"))
	g.Expect(snap.ZFSSnapshot).To(ContainSubstring("@"))
	g.Expect(snap.ZFSSnapshot).To(HaveSuffix("-before-migration"))

	recorded, err := env.store.GetSnapshotByID(snap.ID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(recorded.ZFSSnapshot).To(Equal(snap.ZFSSnapshot))

	// Dry run deletes nothing.
	doomed, err := env.ctrl.CleanupSnapshots(context.Background(), "demo/main",
		SnapshotCleanupOptions{All: true, DryRun: true})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(doomed).To(HaveLen(1))
	g.Expect(env.store.SnapshotsForBranch("demo/main")).To(HaveLen(1))

	deleted, err := env.ctrl.CleanupSnapshots(context.Background(), "demo/main",
		SnapshotCleanupOptions{All: true})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(deleted).To(HaveLen(1))
	g.Expect(env.store.SnapshotsForBranch("demo/main")).To(BeEmpty())
}

func TestCleanupOrphans(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "api")
	env.createBranch(t, "api/dev", BranchCreateOptions{})

	// Plant a ghost dataset and container outside state.
	g.Expect(env.fs.CreateDataset(context.Background(), "ghost", zfs.CreateOptions{})).To(Succeed())
	env.containers.addGhost("velo-ghost")

	// Dry run reports but removes nothing.
	result, err := env.ctrl.Cleanup(context.Background(), CleanupOptions{DryRun: true}, nil)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(result.Report.TotalOrphans).To(Equal(2))
	g.Expect(result.Report.TotalWastedBytes).To(BeNumerically(">", 0))
	g.Expect(env.fs.datasetNames()).To(ContainElement("ghost"))

	result, err = env.ctrl.Cleanup(context.Background(), CleanupOptions{Force: true}, nil)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(result.RemovedDatasets).To(ConsistOf("tank/velo/ghost"))
	g.Expect(result.RemovedContainers).To(ConsistOf("velo-ghost"))
	g.Expect(result.Errors).To(BeEmpty())

	g.Expect(env.fs.datasetNames()).To(ConsistOf("api-main", "api-dev"))
	g.Expect(env.containers.names()).To(ConsistOf("velo-api-main", "velo-api-dev"))
}

func TestConcurrentProjectCreateSameName(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")

	// A second controller instance (fresh store on the same path) races
	// to create the same project.
	store2 := state.NewStore(config.StatePath())
	g.Expect(store2.Load()).To(Succeed())
	ctrl2 := New(store2, env.fs, env.containers, env.wal, config.DefaultSettings())
	ctrl2.SetOutput(&bytes.Buffer{})
	ctrl2.SetSetupCheck(func() bool { return true })

	_, err := ctrl2.CreateProject(context.Background(), "demo", ProjectCreateOptions{})
	g.Expect(errors.Is(err, common.ErrExists)).To(BeTrue())

	// Exactly one project with one main branch persisted.
	final := state.NewStore(config.StatePath())
	g.Expect(final.Load()).To(Succeed())
	g.Expect(final.ListProjects()).To(HaveLen(1))
	branches, err := final.ListBranches("demo")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(branches).To(HaveLen(1))
}

func TestDoctor(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")

	checks := env.ctrl.Doctor(context.Background())
	byName := map[string]DoctorCheck{}
	for _, c := range checks {
		byName[c.Name] = c
	}
	g.Expect(byName["zfs pool"].OK).To(BeTrue())
	g.Expect(byName["container runtime"].OK).To(BeTrue())
	g.Expect(byName["state"].Info).To(ContainSubstring("1 project(s)"))
	g.Expect(byName["host setup"].OK).To(BeTrue())
}

func TestResolvePool(t *testing.T) {
	g := NewWithT(t)

	pool, err := ResolvePool(context.Background(), []string{"tank"}, "")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(pool).To(Equal("tank"))

	pool, err = ResolvePool(context.Background(), []string{"tank", "fast"}, "fast")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(pool).To(Equal("fast"))

	_, err = ResolvePool(context.Background(), []string{"tank", "fast"}, "")
	g.Expect(err).To(HaveOccurred())
	g.Expect(common.UserHint(err)).To(ContainSubstring("--pool"))

	_, err = ResolvePool(context.Background(), []string{"tank"}, "nope")
	g.Expect(errors.Is(err, common.ErrNotFound)).To(BeTrue())

	_, err = ResolvePool(context.Background(), nil, "")
	g.Expect(err).To(HaveOccurred())
}

func TestWALOps(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t)
	env.createProject(t, "demo")

	// Age two fake segments into the archive.
	dir := env.wal.GetArchivePath("demo-main")
	old := time.Now().Add(-72 * time.Hour)
	for _, name := range []string{"000000010000000000000001", "000000010000000000000002"} {
		path := dir + "/" + name
		g.Expect(os.WriteFile(path, []byte("segment"), 0660)).To(Succeed())
		g.Expect(os.Chtimes(path, old, old)).To(Succeed())
	}

	info, err := env.ctrl.WALInfo("demo/main")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(info.FileCount).To(Equal(2))

	count, err := env.ctrl.WALCleanup(context.Background(), "demo/main", 1, true)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(count).To(Equal(2), "dry run counts without deleting")
	info, _ = env.ctrl.WALInfo("demo/main")
	g.Expect(info.FileCount).To(Equal(2))

	count, err = env.ctrl.WALCleanup(context.Background(), "demo/main", 1, false)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(count).To(Equal(2))
	info, _ = env.ctrl.WALInfo("demo/main")
	g.Expect(info.FileCount).To(BeZero())
}

