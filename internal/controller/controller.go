package controller

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/elitan/velo/internal/certs"
	"github.com/elitan/velo/internal/common"
	"github.com/elitan/velo/internal/config"
	"github.com/elitan/velo/internal/snapshot"
	"github.com/elitan/velo/internal/state"
)

// Controller wires the state store and the external drivers together.
type Controller struct {
	store      *state.Store
	fs         FilesystemDriver
	containers ContainerDriver
	wal        WALManager
	snapshots  *snapshot.Service
	settings   config.Settings

	// out receives per-step progress lines.
	out io.Writer

	// ensureCert generates a project's server certificate. Swapped in
	// tests to avoid chown.
	ensureCert func(dir, commonName string) error

	// setupComplete reports whether one-time host setup has run.
	setupComplete func() bool
}

// New creates a controller.
func New(store *state.Store, fs FilesystemDriver, containers ContainerDriver, walMgr WALManager, settings config.Settings) *Controller {
	return &Controller{
		store:      store,
		fs:         fs,
		containers: containers,
		wal:        walMgr,
		snapshots:  snapshot.NewService(fs, containers),
		settings:   settings,
		out:        os.Stdout,
		ensureCert: certs.EnsureServerCert,
		setupComplete: func() bool {
			_, err := os.Stat(config.SetupMarkerPath())
			return err == nil
		},
	}
}

// SetOutput redirects progress lines (tests).
func (c *Controller) SetOutput(w io.Writer) { c.out = w }

// SetCertFunc overrides certificate generation (tests).
func (c *Controller) SetCertFunc(fn func(dir, commonName string) error) { c.ensureCert = fn }

// SetSetupCheck overrides the setup-complete probe (tests).
func (c *Controller) SetSetupCheck(fn func() bool) { c.setupComplete = fn }

// Store exposes the underlying state store.
func (c *Controller) Store() *state.Store { return c.store }

func (c *Controller) stepf(format string, args ...any) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

// requireSetup aborts with remediation when `velo setup` has not run.
func (c *Controller) requireSetup() error {
	if c.setupComplete() {
		return nil
	}
	return common.NewUserErrorf(common.ErrSetupRequired,
		"run 'velo setup' once to prepare this host (group membership, zfs delegations, sudoers)",
		"host setup has not been completed")
}

// resolveBranch parses a namespaced name and loads its branch and project.
func (c *Controller) resolveBranch(name string) (common.BranchRef, *state.Branch, *state.Project, error) {
	ref, err := common.ParseBranchRef(name)
	if err != nil {
		return common.BranchRef{}, nil, nil, err
	}
	branch, err := c.store.GetBranch(ref.String())
	if err != nil {
		return ref, nil, nil, common.NewUserErrorf(common.ErrNotFound,
			"list branches with 'velo branch list'",
			"branch %q not found", ref.String())
	}
	project, err := c.store.GetProject(ref.Project)
	if err != nil {
		return ref, nil, nil, err
	}
	return ref, branch, project, nil
}

// ResolvePool picks the filesystem pool for a new installation: the
// requested one, or the single imported pool, or a user error naming the
// candidates.
func ResolvePool(ctx context.Context, pools []string, requested string) (string, error) {
	if requested != "" {
		for _, p := range pools {
			if p == requested {
				return p, nil
			}
		}
		return "", common.NewUserErrorf(common.ErrNotFound,
			"list pools with 'zpool list'",
			"pool %q not found", requested)
	}
	switch len(pools) {
	case 0:
		return "", common.NewUserError("no ZFS pool found",
			"create one, e.g. 'zpool create tank /dev/sdX'")
	case 1:
		return pools[0], nil
	default:
		return "", common.NewUserErrorf(nil,
			"pass --pool to choose one",
			"multiple ZFS pools found: %v", pools)
	}
}
