package controller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/elitan/velo/internal/common"
	"github.com/elitan/velo/internal/snapshot"
	"github.com/elitan/velo/internal/state"
)

// CreateSnapshot takes an application-consistent snapshot of a branch and
// records it in state.
func (c *Controller) CreateSnapshot(ctx context.Context, name, label string) (*state.Snapshot, error) {
	if label != "" {
		if err := common.ValidateName("label", label); err != nil {
			return nil, err
		}
	}
	ref, branch, project, err := c.resolveBranch(name)
	if err != nil {
		return nil, err
	}

	c.stepf("Snapshotting %s", ref.String())
	res, err := c.snapshots.Take(ctx, snapshot.Request{
		Dataset:       branch.ZFSDataset,
		Status:        branch.Status,
		ContainerName: ref.ContainerName(),
		Username:      project.Credentials.Username,
		Database:      project.Credentials.Database,
		Label:         label,
	})
	if err != nil {
		return nil, err
	}

	size, err := c.fs.GetSnapshotSize(ctx, res.FullSnapshotName)
	if err != nil {
		log.Warnf("failed to read size of %s: %v", res.FullSnapshotName, err)
	}

	record := state.Snapshot{
		ID:          uuid.New().String(),
		BranchID:    branch.ID,
		BranchName:  branch.Name,
		ProjectName: branch.ProjectName,
		ZFSSnapshot: res.FullSnapshotName,
		CreatedAt:   time.Now().UTC(),
		Label:       label,
		SizeBytes:   size,
	}

	err = c.store.Update(func() error {
		return c.store.AddSnapshot(record)
	})
	if err != nil {
		// The state record is the snapshot's reason to exist; drop the
		// filesystem snapshot rather than leave an orphan.
		if derr := c.fs.DestroySnapshot(ctx, res.FullSnapshotName); derr != nil {
			log.Errorf("failed to destroy unrecorded snapshot %s: %v", res.FullSnapshotName, derr)
		}
		return nil, err
	}

	c.stepf("Snapshot %s created", res.SnapshotName)
	return &record, nil
}

// DeleteSnapshotByID destroys a snapshot and removes its record.
func (c *Controller) DeleteSnapshotByID(ctx context.Context, id string) error {
	snap, err := c.store.GetSnapshotByID(id)
	if err != nil {
		return common.NewUserErrorf(common.ErrNotFound,
			"list snapshots with 'velo snapshot list'",
			"snapshot %s not found", id)
	}

	if err := c.fs.DestroySnapshot(ctx, snap.ZFSSnapshot); err != nil {
		return err
	}
	return c.store.Update(func() error {
		return c.store.DeleteSnapshot(id)
	})
}

// SnapshotCleanupOptions tune snapshot cleanup.
type SnapshotCleanupOptions struct {
	Days   int  // delete snapshots older than this many days
	All    bool // delete every snapshot of the branch
	DryRun bool
}

// CleanupSnapshots deletes old snapshots of a branch and returns the
// affected records.
func (c *Controller) CleanupSnapshots(ctx context.Context, name string, opts SnapshotCleanupOptions) ([]state.Snapshot, error) {
	_, branch, _, err := c.resolveBranch(name)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().AddDate(0, 0, -opts.Days)
	if opts.All {
		cutoff = time.Now().Add(time.Hour) // everything is older than the future
	}

	var doomed []state.Snapshot
	for _, snap := range c.store.SnapshotsForBranch(branch.Name) {
		if snap.CreatedAt.Before(cutoff) {
			doomed = append(doomed, snap)
		}
	}
	if opts.DryRun || len(doomed) == 0 {
		return doomed, nil
	}

	// Destroying N snapshots is independent work; fan out and join.
	var wg sync.WaitGroup
	errs := make([]error, len(doomed))
	for i, snap := range doomed {
		wg.Add(1)
		go func(i int, zfsSnapshot string) {
			defer wg.Done()
			errs[i] = c.fs.DestroySnapshot(ctx, zfsSnapshot)
		}(i, snap.ZFSSnapshot)
	}
	wg.Wait()

	var deleted []state.Snapshot
	err = c.store.Update(func() error {
		for i, snap := range doomed {
			if errs[i] != nil {
				log.Warnf("failed to destroy %s: %v", snap.ZFSSnapshot, errs[i])
				continue
			}
			if err := c.store.DeleteSnapshot(snap.ID); err != nil {
				return err
			}
			deleted = append(deleted, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}
