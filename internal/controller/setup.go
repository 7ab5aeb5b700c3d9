package controller

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strings"

	"github.com/elitan/velo/internal/config"
)

// Setup performs one-time host preparation: verifies the external tools,
// installs zfs delegations and the sudoers mount rule, creates the config
// directories and writes the setup marker. Parts needing privilege shell
// out through sudo.
func (c *Controller) Setup(ctx context.Context) error {
	if _, err := exec.LookPath("zfs"); err != nil {
		return fmt.Errorf("zfs not found in PATH; install ZFS first: %w", err)
	}
	if err := c.containers.Ping(ctx); err != nil {
		return fmt.Errorf("container runtime unreachable; is the daemon running and are you in the docker group? %w", err)
	}

	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	if err := config.WriteDefaultSettings(); err != nil {
		return err
	}
	if err := c.wal.EnsureRoot(); err != nil {
		return err
	}

	current, err := user.Current()
	if err != nil {
		return err
	}

	if current.Uid != "0" {
		pool := c.fs.PoolName()
		c.stepf("Delegating zfs permissions on %s to %s (needs sudo)", pool, current.Username)
		perms := "create,destroy,snapshot,clone,promote,rename,mount,send,receive,compression,recordsize,atime,mountpoint"
		cmd := exec.CommandContext(ctx, "sudo", "zfs", "allow", current.Username, perms, pool)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("zfs allow failed: %s: %w", strings.TrimSpace(string(out)), err)
		}

		c.stepf("Installing sudoers rule for zfs mount/unmount")
		rule := fmt.Sprintf("%s ALL=(root) NOPASSWD: /usr/sbin/zfs mount *, /usr/sbin/zfs unmount *\n", current.Username)
		sudoers := "/etc/sudoers.d/velo"
		install := exec.CommandContext(ctx, "sudo", "tee", sudoers)
		install.Stdin = strings.NewReader(rule)
		if out, err := install.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to write %s: %s: %w", sudoers, strings.TrimSpace(string(out)), err)
		}
		if out, err := exec.CommandContext(ctx, "sudo", "chmod", "0440", sudoers).CombinedOutput(); err != nil {
			return fmt.Errorf("failed to chmod %s: %s: %w", sudoers, strings.TrimSpace(string(out)), err)
		}
	}

	if err := os.WriteFile(config.SetupMarkerPath(), []byte("ok\n"), 0644); err != nil {
		return err
	}

	c.stepf("Setup complete")
	return nil
}
