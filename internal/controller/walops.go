package controller

import (
	"context"
	"time"

	"github.com/elitan/velo/internal/wal"
)

// WALInfo returns archive statistics for one branch.
func (c *Controller) WALInfo(name string) (*wal.ArchiveInfo, error) {
	_, branch, _, err := c.resolveBranch(name)
	if err != nil {
		return nil, err
	}
	return c.wal.GetArchiveInfo(branch.ZFSDataset)
}

// WALInfoAll returns archive statistics for every branch, keyed by
// namespaced branch name.
func (c *Controller) WALInfoAll() (map[string]*wal.ArchiveInfo, error) {
	out := make(map[string]*wal.ArchiveInfo)
	for _, b := range c.store.ListAllBranches() {
		info, err := c.wal.GetArchiveInfo(b.ZFSDataset)
		if err != nil {
			continue
		}
		out[b.Name] = info
	}
	return out, nil
}

// WALCleanup deletes archived segments of a branch older than days.
// With dryRun, only counts what would go.
func (c *Controller) WALCleanup(ctx context.Context, name string, days int, dryRun bool) (int, error) {
	_, branch, _, err := c.resolveBranch(name)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	if dryRun {
		names, err := c.wal.ListWALsBefore(branch.ZFSDataset, cutoff)
		if err != nil {
			return 0, err
		}
		return len(names), nil
	}
	return c.wal.CleanupWALsBefore(branch.ZFSDataset, cutoff)
}

// WALVerify reports gaps in a branch's archived segment sequence.
func (c *Controller) WALVerify(name string) ([]string, error) {
	_, branch, _, err := c.resolveBranch(name)
	if err != nil {
		return nil, err
	}
	return c.wal.VerifyArchiveIntegrity(branch.ZFSDataset)
}
