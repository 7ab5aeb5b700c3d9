package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/elitan/velo/internal/orphan"
)

// CleanupOptions tune orphan cleanup.
type CleanupOptions struct {
	DryRun bool
	Force  bool // skip interactive confirmation
}

// CleanupResult summarizes an orphan cleanup run.
type CleanupResult struct {
	Report           *orphan.Report
	RemovedContainers []string
	RemovedDatasets   []string
	BytesReclaimed    int64
	Errors            []error
}

// Cleanup reconciles state against the filesystem and container runtime,
// removing untracked resources. Containers go first — they may hold
// dataset mounts. Per-resource failures are collected, not fatal.
func (c *Controller) Cleanup(ctx context.Context, opts CleanupOptions, confirm func(prompt string) bool) (*CleanupResult, error) {
	report, err := orphan.Detect(ctx, c.store, c.fs, c.containers)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{Report: report}
	if report.TotalOrphans == 0 {
		c.stepf("No orphaned resources found")
		return result, nil
	}

	c.stepf("Found %d orphaned resource(s), wasting %s:",
		report.TotalOrphans, humanize.IBytes(uint64(report.TotalWastedBytes)))
	for _, ctr := range report.Containers {
		c.stepf("  container %s (%s)", ctr.Name, ctr.State)
	}
	for _, ds := range report.Datasets {
		c.stepf("  dataset %s (%s)", ds.Name, humanize.IBytes(uint64(ds.Used)))
	}

	if opts.DryRun {
		return result, nil
	}
	if !opts.Force && confirm != nil && !confirm("Remove these resources?") {
		c.stepf("Aborted")
		return result, nil
	}

	for _, ctr := range report.Containers {
		if ctr.Running {
			if err := c.containers.StopContainer(ctx, ctr.ID, c.settings.StopTimeoutSeconds); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("stop %s: %w", ctr.Name, err))
			}
		}
		if err := c.containers.RemoveContainer(ctx, ctr.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("remove %s: %w", ctr.Name, err))
			continue
		}
		result.RemovedContainers = append(result.RemovedContainers, ctr.Name)
	}

	basePrefix := c.fs.BasePath() + "/"
	for _, ds := range report.Datasets {
		simple := strings.TrimPrefix(ds.Name, basePrefix)
		if err := c.fs.DestroyDataset(ctx, simple, true); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("destroy %s: %w", ds.Name, err))
			continue
		}
		result.RemovedDatasets = append(result.RemovedDatasets, ds.Name)
		result.BytesReclaimed += ds.Used
	}

	c.stepf("Removed %d container(s) and %d dataset(s), reclaimed %s",
		len(result.RemovedContainers), len(result.RemovedDatasets),
		humanize.IBytes(uint64(result.BytesReclaimed)))
	for _, err := range result.Errors {
		c.stepf("  error: %v", err)
	}

	return result, nil
}
