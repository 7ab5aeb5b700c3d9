package controller

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/elitan/velo/internal/common"
	"github.com/elitan/velo/internal/docker"
	"github.com/elitan/velo/internal/pitr"
	"github.com/elitan/velo/internal/rollback"
	"github.com/elitan/velo/internal/snapshot"
	"github.com/elitan/velo/internal/state"
)

// BranchCreateOptions tune branch creation.
type BranchCreateOptions struct {
	Parent string // source branch, defaults to <project>/main
	PITR   string // recovery target time; empty means branch from now
}

// CreateBranch clones a source branch into a new, independent branch.
// In normal mode the clone base is a fresh application-consistent
// snapshot; in PITR mode it is an existing snapshot older than the
// target time, with WAL replay bringing the clone forward.
func (c *Controller) CreateBranch(ctx context.Context, target string, opts BranchCreateOptions) (*state.Branch, error) {
	targetRef, err := common.ParseBranchRef(target)
	if err != nil {
		return nil, err
	}

	parentName := opts.Parent
	if parentName == "" {
		parentName = targetRef.Project + "/" + common.MainBranch
	}
	sourceRef, err := common.ParseBranchRef(parentName)
	if err != nil {
		return nil, err
	}
	if sourceRef.Project != targetRef.Project {
		return nil, common.NewUserErrorf(nil,
			"branches can only be created from a branch of the same project",
			"parent %q is not in project %q", sourceRef.String(), targetRef.Project)
	}

	var recoveryTarget *time.Time
	if opts.PITR != "" {
		t, err := pitr.ParseTargetTime(opts.PITR, time.Now())
		if err != nil {
			return nil, err
		}
		recoveryTarget = &t
	}

	_, source, project, err := c.resolveBranch(sourceRef.String())
	if err != nil {
		return nil, err
	}
	if _, err := c.store.GetBranch(targetRef.String()); err == nil {
		return nil, common.NewUserErrorf(common.ErrExists,
			"pick another branch name",
			"branch %q already exists", targetRef.String())
	}

	reg := rollback.New()
	branch, err := c.createBranchResources(ctx, reg, targetRef, source, project, recoveryTarget)
	if err != nil {
		reg.Execute(ctx)
		return nil, err
	}

	err = c.store.Update(func() error {
		if _, err := c.store.GetBranch(targetRef.String()); err == nil {
			return common.NewUserErrorf(common.ErrExists,
				"pick another branch name",
				"branch %q already exists", targetRef.String())
		}
		return c.store.AddBranch(targetRef.Project, *branch)
	})
	if err != nil {
		reg.Execute(ctx)
		return nil, err
	}
	reg.Clear()

	c.stepf("Branch %s created on port %d", branch.Name, branch.Port)
	return branch, nil
}

func (c *Controller) createBranchResources(ctx context.Context, reg *rollback.Registry,
	targetRef common.BranchRef, source *state.Branch, project *state.Project,
	recoveryTarget *time.Time) (*state.Branch, error) {

	sourceDataset := source.ZFSDataset
	targetDataset := targetRef.Dataset()
	creds := project.Credentials

	// Pick the clone base. PITR reuses an existing snapshot and must not
	// destroy it on rollback; normal mode snapshots the source now.
	var fullSnapshotName string
	if recoveryTarget != nil {
		sel, err := pitr.SelectSnapshot(c.store, source.Name, *recoveryTarget)
		if err != nil {
			return nil, err
		}
		fullSnapshotName = sel.FullSnapshotName
		c.stepf("Using snapshot %s for recovery to %s", sel.SnapshotName,
			recoveryTarget.Format(time.RFC3339))
	} else {
		c.stepf("Snapshotting %s", source.Name)
		res, err := c.snapshots.Take(ctx, snapshot.Request{
			Dataset:       sourceDataset,
			Status:        source.Status,
			ContainerName: common.ContainerNameFor(source.ProjectName, branchSimpleName(source.Name)),
			Username:      creds.Username,
			Database:      creds.Database,
		})
		if err != nil {
			return nil, err
		}
		fullSnapshotName = res.FullSnapshotName
		reg.Add(rollback.DestroySnapshot, fullSnapshotName, func(ctx context.Context) error {
			return c.fs.DestroySnapshot(ctx, fullSnapshotName)
		})
	}

	c.stepf("Cloning into %s", targetDataset)
	if err := c.fs.CloneSnapshot(ctx, fullSnapshotName, targetDataset); err != nil {
		return nil, err
	}
	reg.Add(rollback.DestroyDataset, targetDataset, func(ctx context.Context) error {
		return c.fs.DestroyDataset(ctx, targetDataset, true)
	})

	if err := c.fs.MountDataset(ctx, targetDataset); err != nil {
		return nil, err
	}
	mountpoint, err := c.fs.GetMountpoint(ctx, targetDataset)
	if err != nil {
		return nil, err
	}

	// A stale archive from a previously deleted branch of the same name
	// would confuse recovery; start fresh.
	if err := c.wal.DeleteArchiveDir(targetDataset); err != nil {
		log.Warnf("failed to clear stale WAL archive for %s: %v", targetDataset, err)
	}
	archivePath, err := c.wal.EnsureArchiveDir(targetDataset)
	if err != nil {
		return nil, err
	}

	if recoveryTarget != nil {
		// Recovery reads the *source* branch's archive: the segments to
		// replay were written before this branch existed. The archive is
		// mounted read-write into the recovering container; recovery ends
		// with promotion, after which the container archives into it too.
		sourceArchive := c.wal.GetArchivePath(sourceDataset)
		c.stepf("Preparing point-in-time recovery")
		if err := c.wal.SetupPITRecovery(mountpoint, sourceArchive, recoveryTarget); err != nil {
			return nil, err
		}
		archivePath = sourceArchive
	}

	if exists, err := c.containers.ImageExists(ctx, project.DockerImage); err != nil {
		return nil, err
	} else if !exists {
		c.stepf("Pulling image %s", project.DockerImage)
		if err := c.containers.PullImage(ctx, project.DockerImage); err != nil {
			return nil, err
		}
	}

	containerName := targetRef.ContainerName()
	c.stepf("Starting PostgreSQL container %s", containerName)
	containerID, err := c.containers.CreateContainer(ctx, docker.ContainerSpec{
		Name:       containerName,
		Image:      project.DockerImage,
		Username:   creds.Username,
		Password:   creds.Password,
		Database:   creds.Database,
		DataMount:  mountpoint,
		WALArchive: archivePath,
		CertDir:    project.SSLCertDir,
	})
	if err != nil {
		return nil, err
	}
	reg.Add(rollback.RemoveContainer, containerName, func(ctx context.Context) error {
		return c.containers.RemoveContainer(ctx, containerID)
	})

	if err := c.containers.StartContainer(ctx, containerID); err != nil {
		return nil, err
	}
	if recoveryTarget != nil {
		c.stepf("Waiting for WAL replay and readiness (may take a while)")
	} else {
		c.stepf("Waiting for PostgreSQL to become ready")
	}
	if err := c.containers.WaitForHealthy(ctx, containerID, creds.Username, c.settings.ReadinessTimeout()); err != nil {
		return nil, err
	}

	port, err := c.containers.GetContainerPort(ctx, containerID)
	if err != nil {
		return nil, err
	}
	size, err := c.fs.GetUsedSpace(ctx, targetDataset)
	if err != nil {
		log.Warnf("failed to read used space of %s: %v", targetDataset, err)
	}

	parentID := source.ID
	snapName := fullSnapshotName
	return &state.Branch{
		ID:             uuid.New().String(),
		Name:           targetRef.String(),
		ProjectName:    targetRef.Project,
		ParentBranchID: &parentID,
		IsPrimary:      false,
		SnapshotName:   &snapName,
		ZFSDataset:     targetDataset,
		Port:           port,
		CreatedAt:      time.Now().UTC(),
		SizeBytes:      size,
		Status:         state.StatusRunning,
	}, nil
}

// StartBranch starts a stopped branch, recreating its container if it
// vanished (the dataset is authoritative, the container is disposable).
func (c *Controller) StartBranch(ctx context.Context, name string) error {
	ref, branch, project, err := c.resolveBranch(name)
	if err != nil {
		return err
	}

	info, err := c.containers.GetContainerByName(ctx, ref.ContainerName())
	if err != nil {
		return err
	}

	var containerID string
	if info == nil {
		if err := c.fs.MountDataset(ctx, branch.ZFSDataset); err != nil {
			return err
		}
		mountpoint, err := c.fs.GetMountpoint(ctx, branch.ZFSDataset)
		if err != nil {
			return err
		}
		archivePath, err := c.wal.EnsureArchiveDir(branch.ZFSDataset)
		if err != nil {
			return err
		}
		c.stepf("Recreating container %s on port %d", ref.ContainerName(), branch.Port)
		containerID, err = c.containers.CreateContainer(ctx, docker.ContainerSpec{
			Name:       ref.ContainerName(),
			Image:      project.DockerImage,
			Username:   project.Credentials.Username,
			Password:   project.Credentials.Password,
			Database:   project.Credentials.Database,
			DataMount:  mountpoint,
			WALArchive: archivePath,
			CertDir:    project.SSLCertDir,
			HostPort:   branch.Port,
		})
		if err != nil {
			return err
		}
	} else {
		if info.Running {
			c.stepf("Branch %s is already running", name)
			return nil
		}
		containerID = info.ID
	}

	if err := c.containers.StartContainer(ctx, containerID); err != nil {
		return err
	}
	if err := c.containers.WaitForHealthy(ctx, containerID, project.Credentials.Username, c.settings.ReadinessTimeout()); err != nil {
		return err
	}
	port, err := c.containers.GetContainerPort(ctx, containerID)
	if err != nil {
		return err
	}

	return c.store.Update(func() error {
		b, err := c.store.GetBranch(ref.String())
		if err != nil {
			return err
		}
		b.Status = state.StatusRunning
		b.Port = port
		return c.store.UpdateBranch(*b)
	})
}

// StopBranch stops a branch's container.
func (c *Controller) StopBranch(ctx context.Context, name string) error {
	ref, _, _, err := c.resolveBranch(name)
	if err != nil {
		return err
	}

	info, err := c.containers.GetContainerByName(ctx, ref.ContainerName())
	if err != nil {
		return err
	}
	if info != nil && info.Running {
		c.stepf("Stopping %s", ref.ContainerName())
		if err := c.containers.StopContainer(ctx, info.ID, c.settings.StopTimeoutSeconds); err != nil {
			return err
		}
	}

	return c.store.Update(func() error {
		b, err := c.store.GetBranch(ref.String())
		if err != nil {
			return err
		}
		b.Status = state.StatusStopped
		return c.store.UpdateBranch(*b)
	})
}

// RestartBranch restarts a branch's container and waits for readiness.
func (c *Controller) RestartBranch(ctx context.Context, name string) error {
	ref, _, project, err := c.resolveBranch(name)
	if err != nil {
		return err
	}

	info, err := c.containers.GetContainerByName(ctx, ref.ContainerName())
	if err != nil {
		return err
	}
	if info == nil {
		return c.StartBranch(ctx, name)
	}

	c.stepf("Restarting %s", ref.ContainerName())
	if err := c.containers.RestartContainer(ctx, info.ID); err != nil {
		return err
	}
	if err := c.containers.WaitForHealthy(ctx, info.ID, project.Credentials.Username, c.settings.ReadinessTimeout()); err != nil {
		return err
	}

	return c.store.Update(func() error {
		b, err := c.store.GetBranch(ref.String())
		if err != nil {
			return err
		}
		b.Status = state.StatusRunning
		return c.store.UpdateBranch(*b)
	})
}

// ConnectionInfo describes how to reach a branch.
type ConnectionInfo struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// GetConnectionInfo returns a branch's connection details.
func (c *Controller) GetConnectionInfo(name string) (*ConnectionInfo, error) {
	_, branch, project, err := c.resolveBranch(name)
	if err != nil {
		return nil, err
	}
	return &ConnectionInfo{
		Host:     "localhost",
		Port:     branch.Port,
		Username: project.Credentials.Username,
		Password: project.Credentials.Password,
		Database: project.Credentials.Database,
	}, nil
}

// branchSimpleName strips the project namespace from a branch name.
func branchSimpleName(namespaced string) string {
	if idx := strings.Index(namespaced, "/"); idx >= 0 {
		return namespaced[idx+1:]
	}
	return namespaced
}

// subtreePostOrder walks the branch forest from rootID, children first.
// The order is both the safe dataset-destroy order and the tree display
// order.
func (c *Controller) subtreePostOrder(project *state.Project, rootID string) []state.Branch {
	childrenOf := make(map[string][]state.Branch)
	byID := make(map[string]state.Branch)
	for _, b := range project.Branches {
		byID[b.ID] = b
		if b.ParentBranchID != nil {
			childrenOf[*b.ParentBranchID] = append(childrenOf[*b.ParentBranchID], b)
		}
	}

	var out []state.Branch
	var walk func(id string)
	walk = func(id string) {
		for _, child := range childrenOf[id] {
			walk(child.ID)
		}
		if b, ok := byID[id]; ok {
			out = append(out, b)
		}
	}
	walk(rootID)
	return out
}
