package controller

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/elitan/velo/internal/common"
	"github.com/elitan/velo/internal/config"
	"github.com/elitan/velo/internal/docker"
	"github.com/elitan/velo/internal/rollback"
	"github.com/elitan/velo/internal/state"
	"github.com/elitan/velo/internal/util"
	"github.com/elitan/velo/internal/zfs"
)

// ProjectCreateOptions tune project creation.
type ProjectCreateOptions struct {
	PGVersion string // e.g. "17", resolves to postgres:<v>-alpine
	Image     string // full image reference, mutually exclusive with PGVersion
}

// CreateProject creates a project with its primary branch: dataset
// <name>-main, certs, WAL archive, and a running PostgreSQL container.
func (c *Controller) CreateProject(ctx context.Context, name string, opts ProjectCreateOptions) (*state.Project, error) {
	if err := common.ValidateName("project", name); err != nil {
		return nil, err
	}
	if err := c.requireSetup(); err != nil {
		return nil, err
	}

	if opts.PGVersion != "" && opts.Image != "" {
		return nil, common.NewUserError("--pg-version and --image are mutually exclusive",
			"pass only one of them")
	}
	image := c.settings.DefaultImage
	if opts.PGVersion != "" {
		image = fmt.Sprintf("postgres:%s-alpine", opts.PGVersion)
	}
	if opts.Image != "" {
		image = opts.Image
	}

	if err := c.fs.CheckPermissions(ctx); err != nil {
		return nil, err
	}

	if !c.store.Initialized() {
		c.stepf("Initializing state (%s/%s)", c.fs.PoolName(), c.fs.BaseName())
		if err := c.store.Initialize(c.fs.PoolName(), c.fs.BaseName()); err != nil {
			return nil, err
		}
		if err := c.wal.EnsureRoot(); err != nil {
			return nil, err
		}
	}

	if _, err := c.store.GetProject(name); err == nil {
		return nil, common.NewUserErrorf(common.ErrExists,
			"pick another name or delete the existing project",
			"project %q already exists", name)
	}

	ref := common.BranchRef{Project: name, Branch: common.MainBranch}
	dataset := ref.Dataset()

	reg := rollback.New()
	project, err := c.createProjectResources(ctx, reg, name, image, ref, dataset)
	if err != nil {
		reg.Execute(ctx)
		return nil, err
	}

	err = c.store.Update(func() error {
		if _, err := c.store.GetProject(name); err == nil {
			return common.NewUserErrorf(common.ErrExists,
				"pick another name or delete the existing project",
				"project %q already exists", name)
		}
		return c.store.AddProject(*project)
	})
	if err != nil {
		reg.Execute(ctx)
		return nil, err
	}
	reg.Clear()

	c.stepf("Project %s created (branch %s on port %d)", name, ref.String(), project.Branches[0].Port)
	return project, nil
}

func (c *Controller) createProjectResources(ctx context.Context, reg *rollback.Registry,
	name, image string, ref common.BranchRef, dataset string) (*state.Project, error) {

	c.stepf("Creating dataset %s", dataset)
	err := c.fs.CreateDataset(ctx, dataset, zfs.CreateOptions{
		Compression: c.settings.Compression,
		RecordSize:  c.settings.RecordSize,
		ATime:       c.settings.ATime,
	})
	if err != nil {
		return nil, err
	}
	reg.Add(rollback.DestroyDataset, dataset, func(ctx context.Context) error {
		return c.fs.DestroyDataset(ctx, dataset, true)
	})

	if err := c.fs.MountDataset(ctx, dataset); err != nil {
		return nil, err
	}
	mountpoint, err := c.fs.GetMountpoint(ctx, dataset)
	if err != nil {
		return nil, err
	}

	certDir := config.CertDir(name)
	c.stepf("Generating SSL certificate")
	if err := c.ensureCert(certDir, name); err != nil {
		return nil, err
	}

	password, err := util.GeneratePassword(12)
	if err != nil {
		return nil, err
	}
	creds := state.Credentials{Username: "postgres", Password: password, Database: "postgres"}

	if exists, err := c.containers.ImageExists(ctx, image); err != nil {
		return nil, err
	} else if !exists {
		c.stepf("Pulling image %s", image)
		if err := c.containers.PullImage(ctx, image); err != nil {
			return nil, err
		}
	}

	archivePath, err := c.wal.EnsureArchiveDir(dataset)
	if err != nil {
		return nil, err
	}

	containerName := ref.ContainerName()
	c.stepf("Starting PostgreSQL container %s", containerName)
	containerID, err := c.containers.CreateContainer(ctx, docker.ContainerSpec{
		Name:       containerName,
		Image:      image,
		Username:   creds.Username,
		Password:   creds.Password,
		Database:   creds.Database,
		DataMount:  mountpoint,
		WALArchive: archivePath,
		CertDir:    certDir,
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
	c.stepf("Waiting for PostgreSQL to become ready")
	if err := c.containers.WaitForHealthy(ctx, containerID, creds.Username, c.settings.ReadinessTimeout()); err != nil {
		return nil, err
	}

	port, err := c.containers.GetContainerPort(ctx, containerID)
	if err != nil {
		return nil, err
	}
	size, err := c.fs.GetUsedSpace(ctx, dataset)
	if err != nil {
		log.Warnf("failed to read used space of %s: %v", dataset, err)
	}

	now := time.Now().UTC()
	return &state.Project{
		ID:          uuid.New().String(),
		Name:        name,
		DockerImage: image,
		SSLCertDir:  certDir,
		CreatedAt:   now,
		Credentials: creds,
		Branches: []state.Branch{{
			ID:          uuid.New().String(),
			Name:        ref.String(),
			ProjectName: name,
			IsPrimary:   true,
			ZFSDataset:  dataset,
			Port:        port,
			CreatedAt:   now,
			SizeBytes:   size,
			Status:      state.StatusRunning,
		}},
	}, nil
}

// DeleteProject tears down every branch, dataset, archive and cert of a
// project and removes it from state.
func (c *Controller) DeleteProject(ctx context.Context, name string, force bool) error {
	project, err := c.store.GetProject(name)
	if err != nil {
		return common.NewUserErrorf(common.ErrNotFound,
			"list projects with 'velo project list'",
			"project %q not found", name)
	}

	if len(project.Branches) > 1 && !force {
		return common.NewUserErrorf(nil,
			"re-run with --force to delete them too",
			"project %q has %d branches besides %s",
			name, len(project.Branches)-1, common.MainBranch)
	}

	// Containers stop in parallel; nothing depends on their order.
	c.stepf("Stopping %d container(s)", len(project.Branches))
	var wg sync.WaitGroup
	for _, b := range project.Branches {
		wg.Add(1)
		go func(branch state.Branch) {
			defer wg.Done()
			c.removeBranchContainer(ctx, branch)
		}(b)
	}
	wg.Wait()

	// Datasets are destroyed children-first; ZFS refuses to destroy a
	// clone origin while the clone lives.
	main, err := c.store.GetMainBranch(name)
	if err != nil {
		return err
	}
	for _, b := range c.subtreePostOrder(project, main.ID) {
		c.stepf("Destroying dataset %s", b.ZFSDataset)
		if err := c.fs.DestroyDataset(ctx, b.ZFSDataset, true); err != nil {
			if exists, _ := c.fs.DatasetExists(ctx, b.ZFSDataset); exists {
				return err
			}
		}
	}

	wg = sync.WaitGroup{}
	for _, b := range project.Branches {
		wg.Add(1)
		go func(dataset string) {
			defer wg.Done()
			if err := c.wal.DeleteArchiveDir(dataset); err != nil {
				log.Warnf("failed to delete WAL archive of %s: %v", dataset, err)
			}
		}(b.ZFSDataset)
	}
	wg.Wait()

	if err := os.RemoveAll(project.SSLCertDir); err != nil {
		log.Warnf("failed to delete cert dir %s: %v", project.SSLCertDir, err)
	}

	if err := c.store.Update(func() error {
		return c.store.DeleteProject(name)
	}); err != nil {
		return err
	}

	c.stepf("Project %s deleted", name)
	return nil
}

// removeBranchContainer stops and removes a branch's container,
// tolerating a container that is already gone.
func (c *Controller) removeBranchContainer(ctx context.Context, b state.Branch) {
	ref := common.BranchRef{Project: b.ProjectName, Branch: branchSimpleName(b.Name)}
	info, err := c.containers.GetContainerByName(ctx, ref.ContainerName())
	if err != nil || info == nil {
		return
	}
	if info.Running {
		if err := c.containers.StopContainer(ctx, info.ID, c.settings.StopTimeoutSeconds); err != nil {
			log.Warnf("failed to stop %s: %v", info.Name, err)
		}
	}
	if err := c.containers.RemoveContainer(ctx, info.ID); err != nil {
		log.Warnf("failed to remove %s: %v", info.Name, err)
	}
}
