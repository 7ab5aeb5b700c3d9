package controller

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/dustin/go-humanize"

	"github.com/elitan/velo/internal/common"
	"github.com/elitan/velo/internal/state"
)

// Status prints an overview of the pool, projects and branches.
func (c *Controller) Status(ctx context.Context) error {
	pool, err := c.fs.GetPoolStatus(ctx)
	if err != nil {
		return err
	}
	c.stepf("Pool %s: %s, %s used of %s (%s free)",
		pool.Name, pool.Health,
		humanize.IBytes(uint64(pool.Allocated)),
		humanize.IBytes(uint64(pool.Size)),
		humanize.IBytes(uint64(pool.Free)))

	projects := c.store.ListProjects()
	if len(projects) == 0 {
		c.stepf("No projects; create one with 'velo project create <name>'")
		return nil
	}

	for _, p := range projects {
		c.stepf("\n%s (%s)", p.Name, p.DockerImage)
		for _, b := range p.Branches {
			status := b.Status
			if info, err := c.containers.GetContainerByName(ctx,
				common.ContainerNameFor(b.ProjectName, branchSimpleName(b.Name))); err == nil {
				if info == nil {
					status = "missing"
				} else if info.Running != (b.Status == state.StatusRunning) {
					status = fmt.Sprintf("%s (container %s)", b.Status, info.State)
				}
			}
			c.stepf("  %-30s port %-6d %-10s %s",
				b.Name, b.Port, status, humanize.IBytes(uint64(b.SizeBytes)))
		}
	}
	return nil
}

// DoctorCheck is one diagnostic result.
type DoctorCheck struct {
	Name string
	OK   bool
	Info string
}

// Doctor runs subsystem diagnostics and returns the results.
func (c *Controller) Doctor(ctx context.Context) []DoctorCheck {
	var checks []DoctorCheck

	if _, err := exec.LookPath("zfs"); err != nil {
		checks = append(checks, DoctorCheck{"zfs binary", false, "zfs not found in PATH"})
	} else {
		checks = append(checks, DoctorCheck{"zfs binary", true, "found"})
	}

	if pool, err := c.fs.GetPoolStatus(ctx); err != nil {
		checks = append(checks, DoctorCheck{"zfs pool", false, err.Error()})
	} else {
		ok := pool.Health == "ONLINE"
		checks = append(checks, DoctorCheck{"zfs pool", ok,
			fmt.Sprintf("%s is %s", pool.Name, pool.Health)})
	}

	if err := c.fs.CheckPermissions(ctx); err != nil {
		checks = append(checks, DoctorCheck{"zfs delegations", false, err.Error()})
	} else {
		checks = append(checks, DoctorCheck{"zfs delegations", true, "delegated"})
	}

	if err := c.containers.Ping(ctx); err != nil {
		checks = append(checks, DoctorCheck{"container runtime", false, err.Error()})
	} else {
		checks = append(checks, DoctorCheck{"container runtime", true, "reachable"})
	}

	if c.store.Initialized() {
		doc := c.store.Document()
		checks = append(checks, DoctorCheck{"state", true,
			fmt.Sprintf("%d project(s), %d snapshot(s)", len(doc.Projects), len(doc.Snapshots))})
	} else {
		checks = append(checks, DoctorCheck{"state", true, "uninitialized (no projects yet)"})
	}

	if c.setupComplete() {
		checks = append(checks, DoctorCheck{"host setup", true, "complete"})
	} else {
		checks = append(checks, DoctorCheck{"host setup", false, "run 'velo setup'"})
	}

	return checks
}
