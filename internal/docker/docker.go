// Copyright 2025 Velo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package docker drives the container runtime through the Docker Engine
// API. It creates and supervises one PostgreSQL container per branch.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	log "github.com/sirupsen/logrus"

	"github.com/elitan/velo/internal/common"
	"github.com/elitan/velo/internal/util"
)

const (
	postgresPort = "5432/tcp"

	// PGDataDir is where PostgreSQL keeps its cluster inside the container.
	// The dataset mountpoint is bound one level above so pgdata survives
	// clone/swap without permission surprises on the mountpoint itself.
	PGDataDir = "/var/lib/postgresql/data/pgdata"

	walArchiveMount = "/wal-archive"
	certMount       = "/etc/ssl/certs/postgresql"
)

// ContainerSpec describes a PostgreSQL container to create.
type ContainerSpec struct {
	Name        string
	Image       string
	Username    string
	Password    string
	Database    string
	DataMount   string // host path of the dataset mountpoint
	WALArchive  string // host path of the branch's WAL archive dir
	CertDir     string // host path of the project's cert dir
	HostPort    int    // 0 delegates port selection to the runtime
}

// ContainerInfo is the subset of inspect output the controller consumes.
type ContainerInfo struct {
	ID      string
	Name    string
	State   string // running, exited, created, ...
	Running bool
	Port    int
}

// Driver adapts the Docker Engine API.
type Driver struct {
	cli client.APIClient
}

// New creates a driver connected via the environment (DOCKER_HOST etc.).
func New() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to container runtime: %w", err)
	}
	return &Driver{cli: cli}, nil
}

// NewWithClient creates a driver around an existing API client (tests).
func NewWithClient(cli client.APIClient) *Driver {
	return &Driver{cli: cli}
}

// Ping verifies the daemon is reachable.
func (d *Driver) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("container runtime unreachable: %w", err)
	}
	return nil
}

// postgresCommand is the command-line handed to every branch container.
// WAL archiving is always on so any branch can later serve as a PITR
// source; the archive_command refuses to overwrite existing segments.
func postgresCommand(certDir string) []string {
	return []string{
		"postgres",
		"-c", "wal_level=replica",
		"-c", "archive_mode=on",
		"-c", fmt.Sprintf("archive_command=test ! -f %s/%%f && cp %%p %s/%%f", walArchiveMount, walArchiveMount),
		"-c", fmt.Sprintf("restore_command=cp %s/%%f %%p", walArchiveMount),
		"-c", "max_wal_senders=3",
		"-c", "wal_keep_size=1GB",
		"-c", "ssl=on",
		"-c", fmt.Sprintf("ssl_cert_file=%s/server.crt", certDir),
		"-c", fmt.Sprintf("ssl_key_file=%s/server.key", certDir),
	}
}

// CreateContainer creates (but does not start) a branch container.
func (d *Driver) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	hostPort := ""
	if spec.HostPort > 0 {
		hostPort = strconv.Itoa(spec.HostPort)
	}

	cfg := &container.Config{
		Image: spec.Image,
		Env: []string{
			"POSTGRES_USER=" + spec.Username,
			"POSTGRES_PASSWORD=" + spec.Password,
			"POSTGRES_DB=" + spec.Database,
			"PGDATA=" + PGDataDir,
		},
		Cmd: postgresCommand(certMount),
		ExposedPorts: nat.PortSet{
			postgresPort: struct{}{},
		},
	}

	hostCfg := &container.HostConfig{
		Binds: []string{
			spec.DataMount + ":/var/lib/postgresql/data",
			spec.WALArchive + ":" + walArchiveMount,
			spec.CertDir + ":" + certMount + ":ro",
		},
		PortBindings: nat.PortMap{
			postgresPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}},
		},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a container by id or name.
func (d *Driver) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

// StopContainer stops a container with the given grace period.
func (d *Driver) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	timeout := timeoutSeconds
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer force-removes a container. Missing is success.
func (d *Driver) RemoveContainer(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// RestartContainer restarts a container.
func (d *Driver) RestartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerRestart(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("failed to restart container %s: %w", id, err)
	}
	return nil
}

// GetContainerStatus returns the container's state string.
func (d *Driver) GetContainerStatus(ctx context.Context, id string) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	return info.State.Status, nil
}

// ContainerExists reports whether a container with the given name exists.
func (d *Driver) ContainerExists(ctx context.Context, name string) (bool, error) {
	info, err := d.GetContainerByName(ctx, name)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

// GetContainerByName resolves a container by exact name. Returns nil when
// no such container exists.
func (d *Driver) GetContainerByName(ctx context.Context, name string) (*ContainerInfo, error) {
	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	// The name filter is a substring match; insist on an exact hit.
	for _, c := range containers {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == name {
				info := &ContainerInfo{
					ID:      c.ID,
					Name:    name,
					State:   c.State,
					Running: c.State == "running",
				}
				info.Port = publicPort(c.Ports)
				return info, nil
			}
		}
	}
	return nil, nil
}

// GetContainerPort returns the host port bound to the container's 5432.
func (d *Driver) GetContainerPort(ctx context.Context, id string) (int, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	bindings, ok := info.NetworkSettings.Ports[nat.Port(postgresPort)]
	if !ok || len(bindings) == 0 {
		return 0, fmt.Errorf("container %s has no published port for %s", id, postgresPort)
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("container %s has unparseable host port %q", id, bindings[0].HostPort)
	}
	return port, nil
}

// ListContainers returns all containers whose names carry the product
// prefix.
func (d *Driver) ListContainers(ctx context.Context, prefix string) ([]ContainerInfo, error) {
	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix+"-")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var infos []ContainerInfo
	for _, c := range containers {
		for _, n := range c.Names {
			name := strings.TrimPrefix(n, "/")
			if strings.HasPrefix(name, prefix+"-") {
				infos = append(infos, ContainerInfo{
					ID:      c.ID,
					Name:    name,
					State:   c.State,
					Running: c.State == "running",
					Port:    publicPort(c.Ports),
				})
				break
			}
		}
	}
	return infos, nil
}

// WaitForHealthy polls until the container runs and pg_isready succeeds.
// In PITR mode the wait covers WAL replay, which can take minutes; the
// timeout is never extended silently.
func (d *Driver) WaitForHealthy(ctx context.Context, id, username string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	err := util.PollUntil(ctx, util.PollConfig{Timeout: timeout, Interval: 100 * time.Millisecond},
		func() (bool, error) {
			info, err := d.cli.ContainerInspect(ctx, id)
			if err != nil {
				return false, fmt.Errorf("failed to inspect container %s: %w", id, err)
			}
			if !info.State.Running {
				return false, nil
			}
			code, _, _, execErr := d.exec(ctx, id, []string{"pg_isready", "-U", username}, "")
			return execErr == nil && code == 0, nil
		})
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s did not accept connections within %s",
			common.ErrNotReady, id, timeout)
	}
	return err
}

// ExecSQL runs a statement with psql inside the container and returns
// trimmed stdout. A non-zero exit or any stderr output is the error.
func (d *Driver) ExecSQL(ctx context.Context, id, sql, user, db string) (string, error) {
	cmd := []string{"psql", "-U", user, "-d", db, "-t", "-A", "-c", sql}
	code, stdout, stderr, err := d.exec(ctx, id, cmd, user)
	if err != nil {
		return "", fmt.Errorf("failed to exec SQL in %s: %w", id, err)
	}
	if code != 0 || strings.TrimSpace(stderr) != "" {
		return "", fmt.Errorf("psql: %s", strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(stdout), nil
}

// StartBackupMode begins an online base backup session.
func (d *Driver) StartBackupMode(ctx context.Context, id, user, db string) error {
	_, err := d.ExecSQL(ctx, id, "SELECT pg_backup_start('velo', true);", user, db)
	return err
}

// StopBackupMode ends an online base backup session.
func (d *Driver) StopBackupMode(ctx context.Context, id, user, db string) error {
	_, err := d.ExecSQL(ctx, id, "SELECT pg_backup_stop();", user, db)
	return err
}

// PullImage pulls an image, blocking until complete.
func (d *Driver) PullImage(ctx context.Context, ref string) error {
	log.Infof("pulling image %s", ref)
	rc, err := d.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// ImageExists reports whether the image is present locally.
func (d *Driver) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return true, nil
}

// exec runs a command inside the container and returns exit code, stdout
// and stderr.
func (d *Driver) exec(ctx context.Context, id string, cmd []string, user string) (int, string, string, error) {
	execCfg := types.ExecConfig{
		Cmd:          cmd,
		User:         user,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := d.cli.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return 0, "", "", err
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return 0, "", "", err
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return 0, "", "", err
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return 0, "", "", err
	}
	return inspect.ExitCode, stdout.String(), stderr.String(), nil
}

func publicPort(ports []types.Port) int {
	for _, p := range ports {
		if p.PrivatePort == 5432 && p.PublicPort != 0 {
			return int(p.PublicPort)
		}
	}
	return 0
}
