package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/elitan/velo/internal/common"
	"github.com/elitan/velo/internal/state"
)

// DeleteBranch removes a branch and, with force, its whole subtree.
// Containers and archives go in parallel; datasets strictly child-first
// (a clone blocks its origin's destruction).
func (c *Controller) DeleteBranch(ctx context.Context, name string, force bool) error {
	ref, branch, project, err := c.resolveBranch(name)
	if err != nil {
		return err
	}
	if branch.IsPrimary {
		return common.NewUserErrorf(nil,
			"delete the whole project with 'velo project delete "+ref.Project+"'",
			"cannot delete the primary branch %s", ref.String())
	}

	// Post-order: children first, the branch itself last.
	doomed := c.subtreePostOrder(project, branch.ID)
	if len(doomed) > 1 && !force {
		var tree strings.Builder
		for _, b := range doomed[:len(doomed)-1] {
			fmt.Fprintf(&tree, "\n  %s", b.Name)
		}
		return common.NewUserErrorf(nil,
			"re-run with --force to delete the whole subtree",
			"branch %s has dependent branches:%s", ref.String(), tree.String())
	}

	var wg sync.WaitGroup
	for _, b := range doomed {
		wg.Add(1)
		go func(b state.Branch) {
			defer wg.Done()
			c.removeBranchContainer(ctx, b)
			if err := c.wal.DeleteArchiveDir(b.ZFSDataset); err != nil {
				log.Warnf("failed to delete WAL archive of %s: %v", b.ZFSDataset, err)
			}
		}(b)
	}
	wg.Wait()

	// Dataset destroys stay sequential in post-order.
	for _, b := range doomed {
		c.stepf("Destroying dataset %s", b.ZFSDataset)
		if err := c.fs.DestroyDataset(ctx, b.ZFSDataset, true); err != nil {
			// A crash-interrupted earlier delete may have taken the
			// dataset already.
			if exists, _ := c.fs.DatasetExists(ctx, b.ZFSDataset); exists {
				return err
			}
		}
	}

	err = c.store.Update(func() error {
		for _, b := range doomed {
			if err := c.store.DeleteBranch(b.Name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.stepf("Branch %s deleted", ref.String())
	return nil
}
