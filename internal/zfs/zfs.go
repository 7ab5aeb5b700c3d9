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

// Package zfs drives the ZFS command-line tools. Datasets live under
// <pool>/<base>/ and are addressed by their simple name <project>-<branch>.
//
// Mount and unmount are wrapped in sudo: the kernel restricts mounting to
// privileged users even when `zfs allow` delegations cover everything else.
// `velo setup` installs the sudoers rule this relies on.
package zfs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/elitan/velo/internal/util"
)

// Dataset describes a filesystem dataset as reported by `zfs list`.
type Dataset struct {
	Name       string // full path <pool>/<base>/<name>
	Used       int64
	Avail      int64
	Refer      int64
	Mountpoint string
	Created    time.Time
}

// PoolStatus describes a pool's health and capacity.
type PoolStatus struct {
	Name      string
	Health    string
	Size      int64
	Allocated int64
	Free      int64
}

// CreateOptions are the properties applied to a newly created dataset.
type CreateOptions struct {
	Compression string
	RecordSize  string
	ATime       string
}

// Runner executes an external command and returns combined stdout and
// stderr separately. Swapped for a fake in tests.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)

func execRunner(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errOut strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err := cmd.Run()
	return out.String(), errOut.String(), err
}

// Driver adapts the zfs/zpool command-line tools.
type Driver struct {
	Pool string
	Base string

	run Runner
}

// New creates a driver for datasets under <pool>/<base>.
func New(pool, base string) *Driver {
	return &Driver{Pool: pool, Base: base, run: execRunner}
}

// NewWithRunner creates a driver with a custom command runner (tests).
func NewWithRunner(pool, base string, run Runner) *Driver {
	return &Driver{Pool: pool, Base: base, run: run}
}

// PoolName returns the pool the driver is bound to.
func (d *Driver) PoolName() string { return d.Pool }

// BaseName returns the base dataset prefix.
func (d *Driver) BaseName() string { return d.Base }

// FullDatasetPath returns <pool>/<base>/<name>.
func (d *Driver) FullDatasetPath(name string) string {
	return fmt.Sprintf("%s/%s/%s", d.Pool, d.Base, name)
}

// BasePath returns <pool>/<base>.
func (d *Driver) BasePath() string {
	return fmt.Sprintf("%s/%s", d.Pool, d.Base)
}

// SnapshotStamp formats t as the snapshot timestamp component:
// ISO-8601 with punctuation replaced by '-', millisecond precision,
// e.g. 2025-10-07T14-30-00-123.
func SnapshotStamp(t time.Time) string {
	stamp := t.UTC().Format("2006-01-02T15-04-05.000")
	return strings.ReplaceAll(stamp, ".", "-")
}

// FullSnapshotName returns <pool>/<base>/<dataset>@<stamp>.
func (d *Driver) FullSnapshotName(dataset, stamp string) string {
	return d.FullDatasetPath(dataset) + "@" + stamp
}

// zfs runs a zfs subcommand. Transient "busy" failures (a dataset still
// referenced by a dying container, a pool mid-scrub) are retried briefly;
// anything else fails immediately.
func (d *Driver) zfs(ctx context.Context, args ...string) (string, error) {
	return util.RetryWithResult(ctx, func() (string, error) {
		stdout, stderr, err := d.run(ctx, "zfs", args...)
		if err != nil {
			return stdout, fmt.Errorf("zfs %s: %s: %w", args[0], strings.TrimSpace(stderr), err)
		}
		return stdout, nil
	}, util.SubprocessRetryOptions(ctx)...)
}

func (d *Driver) zpool(ctx context.Context, args ...string) (string, error) {
	return util.RetryWithResult(ctx, func() (string, error) {
		stdout, stderr, err := d.run(ctx, "zpool", args...)
		if err != nil {
			return stdout, fmt.Errorf("zpool %s: %s: %w", args[0], strings.TrimSpace(stderr), err)
		}
		return stdout, nil
	}, util.SubprocessRetryOptions(ctx)...)
}

// ListPools returns the names of all imported pools.
func (d *Driver) ListPools(ctx context.Context) ([]string, error) {
	out, err := d.zpool(ctx, "list", "-H", "-o", "name")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// PoolExists reports whether the named pool is imported.
func (d *Driver) PoolExists(ctx context.Context, pool string) (bool, error) {
	_, stderr, err := d.run(ctx, "zpool", "list", "-H", "-o", "name", pool)
	if err != nil {
		if strings.Contains(stderr, "no such pool") {
			return false, nil
		}
		return false, fmt.Errorf("zpool list: %s: %w", strings.TrimSpace(stderr), err)
	}
	return true, nil
}

// GetPoolStatus returns the pool's health and capacity figures in bytes.
func (d *Driver) GetPoolStatus(ctx context.Context) (*PoolStatus, error) {
	out, err := d.zpool(ctx, "list", "-Hp", "-o", "name,health,size,allocated,free", d.Pool)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 5 {
		return nil, fmt.Errorf("unexpected zpool list output: %q", out)
	}
	size, _ := strconv.ParseInt(fields[2], 10, 64)
	alloc, _ := strconv.ParseInt(fields[3], 10, 64)
	free, _ := strconv.ParseInt(fields[4], 10, 64)
	return &PoolStatus{
		Name:      fields[0],
		Health:    fields[1],
		Size:      size,
		Allocated: alloc,
		Free:      free,
	}, nil
}

// delegatedPermissions are the zfs allow delegations velo relies on.
var delegatedPermissions = []string{"create", "destroy", "snapshot", "clone", "promote", "rename", "mount"}

// CheckPermissions verifies the current user holds the zfs allow
// delegations on the pool that every velo operation needs.
func (d *Driver) CheckPermissions(ctx context.Context) error {
	out, err := d.zfs(ctx, "allow", d.Pool)
	if err != nil {
		return err
	}
	currentUser := os.Getenv("USER")
	if os.Geteuid() == 0 {
		// root needs no delegations
		return nil
	}
	for _, perm := range delegatedPermissions {
		if !strings.Contains(out, perm) {
			return fmt.Errorf("user %s lacks zfs %q delegation on pool %s (run 'velo setup')",
				currentUser, perm, d.Pool)
		}
	}
	return nil
}

// CreateDataset creates <pool>/<base>/<name>, auto-creating parents.
// ZFS reports "filesystem successfully created, but it may only be mounted
// by root" when the caller lacks mount privilege; that is success.
func (d *Driver) CreateDataset(ctx context.Context, name string, opts CreateOptions) error {
	args := []string{"create", "-p"}
	if opts.Compression != "" {
		args = append(args, "-o", "compression="+opts.Compression)
	}
	if opts.RecordSize != "" {
		args = append(args, "-o", "recordsize="+opts.RecordSize)
	}
	if opts.ATime != "" {
		args = append(args, "-o", "atime="+opts.ATime)
	}
	args = append(args, d.FullDatasetPath(name))

	_, stderr, err := d.run(ctx, "zfs", args...)
	if err != nil {
		if isPrivilegedMountNotice(stderr) {
			log.Debugf("zfs create %s: created, mount deferred to sudo", name)
			return nil
		}
		return fmt.Errorf("zfs create %s: %s: %w", name, strings.TrimSpace(stderr), err)
	}
	return nil
}

// DestroyDataset destroys a dataset. With recursive set, dependent clones
// and snapshots are destroyed too (zfs destroy -R).
func (d *Driver) DestroyDataset(ctx context.Context, name string, recursive bool) error {
	args := []string{"destroy"}
	if recursive {
		args = append(args, "-R")
	}
	args = append(args, d.FullDatasetPath(name))
	_, err := d.zfs(ctx, args...)
	return err
}

// DatasetExists reports whether <pool>/<base>/<name> exists.
func (d *Driver) DatasetExists(ctx context.Context, name string) (bool, error) {
	_, stderr, err := d.run(ctx, "zfs", "list", "-H", "-o", "name", d.FullDatasetPath(name))
	if err != nil {
		if strings.Contains(stderr, "does not exist") {
			return false, nil
		}
		return false, fmt.Errorf("zfs list: %s: %w", strings.TrimSpace(stderr), err)
	}
	return true, nil
}

// GetDataset returns used/avail/refer/mountpoint/created for a dataset.
func (d *Driver) GetDataset(ctx context.Context, name string) (*Dataset, error) {
	out, err := d.zfs(ctx, "list", "-Hp", "-o", "name,used,avail,refer,mountpoint,creation",
		d.FullDatasetPath(name))
	if err != nil {
		return nil, err
	}
	ds, err := parseDatasetLine(strings.TrimSpace(out))
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// ListDatasets returns every filesystem dataset under <pool>/<base>,
// excluding the base itself.
func (d *Driver) ListDatasets(ctx context.Context) ([]Dataset, error) {
	out, _, err := d.run(ctx, "zfs", "list", "-Hp", "-r", "-t", "filesystem",
		"-o", "name,used,avail,refer,mountpoint,creation", d.BasePath())
	if err != nil {
		// A missing base means no projects have been created yet.
		return nil, nil
	}

	var datasets []Dataset
	for _, line := range splitLines(out) {
		ds, err := parseDatasetLine(line)
		if err != nil {
			return nil, err
		}
		if ds.Name == d.BasePath() {
			continue
		}
		datasets = append(datasets, *ds)
	}
	return datasets, nil
}

// SetProperty sets a dataset property.
func (d *Driver) SetProperty(ctx context.Context, name, property, value string) error {
	_, err := d.zfs(ctx, "set", property+"="+value, d.FullDatasetPath(name))
	return err
}

// GetProperty reads a dataset property value.
func (d *Driver) GetProperty(ctx context.Context, name, property string) (string, error) {
	out, err := d.zfs(ctx, "get", "-H", "-o", "value", property, d.FullDatasetPath(name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// MountDataset mounts a dataset. Already-mounted is success.
func (d *Driver) MountDataset(ctx context.Context, name string) error {
	_, stderr, err := d.run(ctx, "sudo", "zfs", "mount", d.FullDatasetPath(name))
	if err != nil {
		if strings.Contains(stderr, "already mounted") ||
			strings.Contains(stderr, "filesystem already mounted") {
			return nil
		}
		return fmt.Errorf("zfs mount %s: %s: %w", name, strings.TrimSpace(stderr), err)
	}
	return nil
}

// UnmountDataset unmounts a dataset. Not-mounted is success.
func (d *Driver) UnmountDataset(ctx context.Context, name string) error {
	_, stderr, err := d.run(ctx, "sudo", "zfs", "unmount", d.FullDatasetPath(name))
	if err != nil {
		if strings.Contains(stderr, "not currently mounted") ||
			strings.Contains(stderr, "not mounted") {
			return nil
		}
		return fmt.Errorf("zfs unmount %s: %s: %w", name, strings.TrimSpace(stderr), err)
	}
	return nil
}

// RenameDataset renames a dataset within the base. Both names are simple
// names; the dataset must be unmounted first.
func (d *Driver) RenameDataset(ctx context.Context, oldName, newName string) error {
	_, err := d.zfs(ctx, "rename", d.FullDatasetPath(oldName), d.FullDatasetPath(newName))
	return err
}

// GetMountpoint returns a dataset's mountpoint.
func (d *Driver) GetMountpoint(ctx context.Context, name string) (string, error) {
	mp, err := d.GetProperty(ctx, name, "mountpoint")
	if err != nil {
		return "", err
	}
	if mp == "" || mp == "none" || mp == "legacy" {
		return "", fmt.Errorf("dataset %s has no usable mountpoint (%q)", name, mp)
	}
	return mp, nil
}

// GetUsedSpace returns a dataset's used bytes.
func (d *Driver) GetUsedSpace(ctx context.Context, name string) (int64, error) {
	out, err := d.GetProperty(ctx, name, "used")
	if err != nil {
		return 0, err
	}
	used, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		// `zfs get` without -p prints human units; request parseable output.
		raw, err2 := d.zfs(ctx, "get", "-Hp", "-o", "value", "used", d.FullDatasetPath(name))
		if err2 != nil {
			return 0, err2
		}
		return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	}
	return used, nil
}

// CreateSnapshot creates <dataset>@<stamp> and returns the full name.
func (d *Driver) CreateSnapshot(ctx context.Context, dataset, stamp string) (string, error) {
	full := d.FullSnapshotName(dataset, stamp)
	if _, err := d.zfs(ctx, "snapshot", full); err != nil {
		return "", err
	}
	return full, nil
}

// DestroySnapshot destroys a snapshot by its full name.
func (d *Driver) DestroySnapshot(ctx context.Context, fullName string) error {
	_, err := d.zfs(ctx, "destroy", fullName)
	return err
}

// SnapshotExists reports whether the named snapshot exists.
func (d *Driver) SnapshotExists(ctx context.Context, fullName string) (bool, error) {
	_, stderr, err := d.run(ctx, "zfs", "list", "-H", "-t", "snapshot", "-o", "name", fullName)
	if err != nil {
		if strings.Contains(stderr, "does not exist") {
			return false, nil
		}
		return false, fmt.Errorf("zfs list: %s: %w", strings.TrimSpace(stderr), err)
	}
	return true, nil
}

// ListSnapshots returns the full names of a dataset's snapshots.
func (d *Driver) ListSnapshots(ctx context.Context, dataset string) ([]string, error) {
	out, _, err := d.run(ctx, "zfs", "list", "-H", "-t", "snapshot", "-o", "name",
		"-s", "creation", d.FullDatasetPath(dataset))
	if err != nil {
		return nil, nil
	}
	return splitLines(out), nil
}

// GetSnapshotSize returns a snapshot's used bytes.
func (d *Driver) GetSnapshotSize(ctx context.Context, fullName string) (int64, error) {
	out, err := d.zfs(ctx, "get", "-Hp", "-o", "value", "used", fullName)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(out), 10, 64)
}

// CloneSnapshot clones a snapshot to a new dataset under the base.
func (d *Driver) CloneSnapshot(ctx context.Context, fullSnapshotName, targetDataset string) error {
	_, err := d.zfs(ctx, "clone", fullSnapshotName, d.FullDatasetPath(targetDataset))
	return err
}

// PromoteClone promotes a clone, reversing its dependency on the origin.
func (d *Driver) PromoteClone(ctx context.Context, name string) error {
	_, err := d.zfs(ctx, "promote", d.FullDatasetPath(name))
	return err
}

func isPrivilegedMountNotice(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "successfully created") &&
		(strings.Contains(s, "mounted by root") ||
			strings.Contains(s, "only be mounted") ||
			strings.Contains(s, "privileged"))
}

func parseDatasetLine(line string) (*Dataset, error) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return nil, fmt.Errorf("unexpected zfs list output: %q", line)
	}
	used, _ := strconv.ParseInt(fields[1], 10, 64)
	avail, _ := strconv.ParseInt(fields[2], 10, 64)
	refer, _ := strconv.ParseInt(fields[3], 10, 64)
	created, _ := strconv.ParseInt(fields[5], 10, 64)
	return &Dataset{
		Name:       fields[0],
		Used:       used,
		Avail:      avail,
		Refer:      refer,
		Mountpoint: fields[4],
		Created:    time.Unix(created, 0),
	}, nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
