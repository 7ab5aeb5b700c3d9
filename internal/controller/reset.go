package controller

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/elitan/velo/internal/common"
	"github.com/elitan/velo/internal/docker"
	"github.com/elitan/velo/internal/snapshot"
	"github.com/elitan/velo/internal/state"
)

// ResetBranch discards a branch's data and re-clones it from its parent's
// current state, keeping the branch's port so connection strings survive.
func (c *Controller) ResetBranch(ctx context.Context, name string, force bool) error {
	ref, branch, project, err := c.resolveBranch(name)
	if err != nil {
		return err
	}
	if branch.IsPrimary {
		return common.NewUserErrorf(nil,
			"the primary branch has no parent to reset to",
			"cannot reset %s", ref.String())
	}

	parent, err := c.store.GetBranchByID(ref.Project, *branch.ParentBranchID)
	if err != nil {
		return err
	}

	dependents := c.subtreePostOrder(project, branch.ID)
	dependents = dependents[:len(dependents)-1] // drop the branch itself
	if len(dependents) > 0 && !force {
		names := make([]string, len(dependents))
		for i, d := range dependents {
			names[i] = d.Name
		}
		return common.NewUserErrorf(nil,
			"re-run with --force to delete them",
			"branch %s has dependent branches: %s", ref.String(), strings.Join(names, ", "))
	}

	// Forced reset removes every dependent first; their datasets are
	// clones of this branch's snapshots and fall with the dataset swap.
	for _, dep := range dependents {
		c.stepf("Removing dependent branch %s", dep.Name)
		c.removeBranchContainer(ctx, dep)
		if err := c.wal.DeleteArchiveDir(dep.ZFSDataset); err != nil {
			log.Warnf("failed to delete WAL archive of %s: %v", dep.ZFSDataset, err)
		}
	}

	c.stepf("Stopping %s", ref.ContainerName())
	c.removeBranchContainer(ctx, *branch)

	c.stepf("Snapshotting parent %s", parent.Name)
	res, err := c.snapshots.Take(ctx, snapshot.Request{
		Dataset:       parent.ZFSDataset,
		Status:        parent.Status,
		ContainerName: common.ContainerNameFor(parent.ProjectName, branchSimpleName(parent.Name)),
		Username:      project.Credentials.Username,
		Database:      project.Credentials.Database,
	})
	if err != nil {
		return err
	}

	if err := c.swapDataset(ctx, branch.ZFSDataset, res.FullSnapshotName); err != nil {
		return err
	}

	archivePath, err := c.wal.EnsureArchiveDir(branch.ZFSDataset)
	if err != nil {
		return err
	}
	mountpoint, err := c.fs.GetMountpoint(ctx, branch.ZFSDataset)
	if err != nil {
		return err
	}

	// Recreate at the same host port so clients keep their connection
	// strings.
	c.stepf("Starting PostgreSQL container %s on port %d", ref.ContainerName(), branch.Port)
	containerID, err := c.containers.CreateContainer(ctx, docker.ContainerSpec{
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
	if err := c.containers.StartContainer(ctx, containerID); err != nil {
		return err
	}
	if err := c.containers.WaitForHealthy(ctx, containerID, project.Credentials.Username, c.settings.ReadinessTimeout()); err != nil {
		return err
	}

	size, err := c.fs.GetUsedSpace(ctx, branch.ZFSDataset)
	if err != nil {
		log.Warnf("failed to read used space of %s: %v", branch.ZFSDataset, err)
	}

	err = c.store.Update(func() error {
		for _, dep := range dependents {
			if err := c.store.DeleteBranch(dep.Name); err != nil {
				return err
			}
		}
		// The branch's recorded snapshots were destroyed with the old
		// dataset.
		c.store.DeleteSnapshotsForBranch(ref.String())

		b, err := c.store.GetBranch(ref.String())
		if err != nil {
			return err
		}
		snapName := res.FullSnapshotName
		b.SnapshotName = &snapName
		b.SizeBytes = size
		b.Status = state.StatusRunning
		return c.store.UpdateBranch(*b)
	})
	if err != nil {
		return err
	}

	c.stepf("Branch %s reset to %s", ref.String(), parent.Name)
	return nil
}

// swapDataset replaces dataset with a clone of fullSnapshotName using
// clone-then-swap: the original is never destroyed before the new clone
// proved mountable.
func (c *Controller) swapDataset(ctx context.Context, dataset, fullSnapshotName string) error {
	tempDataset := dataset + "-temp"
	backupDataset := dataset + "-old"

	c.stepf("Cloning %s", fullSnapshotName)
	if err := c.fs.CloneSnapshot(ctx, fullSnapshotName, tempDataset); err != nil {
		return err
	}

	// Prove the clone is mountable before touching the original.
	if err := c.fs.MountDataset(ctx, tempDataset); err != nil {
		c.fs.DestroyDataset(ctx, tempDataset, true)
		return err
	}

	if err := c.fs.UnmountDataset(ctx, dataset); err != nil {
		c.fs.UnmountDataset(ctx, tempDataset)
		c.fs.DestroyDataset(ctx, tempDataset, true)
		return err
	}
	if err := c.fs.RenameDataset(ctx, dataset, backupDataset); err != nil {
		c.fs.MountDataset(ctx, dataset)
		c.fs.UnmountDataset(ctx, tempDataset)
		c.fs.DestroyDataset(ctx, tempDataset, true)
		return err
	}

	// Rename requires the source unmounted.
	if err := c.fs.UnmountDataset(ctx, tempDataset); err != nil {
		return err
	}
	if err := c.fs.RenameDataset(ctx, tempDataset, dataset); err != nil {
		return err
	}
	if err := c.fs.MountDataset(ctx, dataset); err != nil {
		return err
	}

	// Best effort: the swap already succeeded, a lingering backup only
	// wastes space and shows up in orphan cleanup.
	if err := c.fs.DestroyDataset(ctx, backupDataset, true); err != nil {
		log.Warnf("failed to destroy backup dataset %s: %v", backupDataset, err)
	}

	return nil
}
