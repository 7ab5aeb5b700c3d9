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

package commands

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/elitan/velo/internal/config"
	"github.com/elitan/velo/internal/controller"
	"github.com/elitan/velo/internal/docker"
	"github.com/elitan/velo/internal/state"
	"github.com/elitan/velo/internal/wal"
	"github.com/elitan/velo/internal/zfs"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

var rootCmd = &cobra.Command{
	Use:   "velo",
	Short: "Git-like branching for PostgreSQL",
	Long: `velo gives a PostgreSQL server Git-like branching: create a project
(a PostgreSQL instance on its own ZFS dataset), then branch it into
independent instances that share unchanged disk blocks with their parent
and diverge on write.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := config.EnsureConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		settings, err := config.LoadSettings()
		if err != nil {
			return err
		}
		configureLogging(settings.LogLevel)
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("velo version {{.Version}}\n")
}

// configureLogging maps the settings log level onto logrus. Diagnostics
// are off by default; CLI output goes through fmt.
func configureLogging(level string) {
	switch strings.ToLower(level) {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetOutput(io.Discard)
	}
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// newController builds the controller with live drivers. requestedPool is
// only consulted while state is uninitialized (first project create).
func newController(requestedPool string) (*controller.Controller, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}

	store := state.NewStore(config.StatePath())
	if err := store.Load(); err != nil {
		return nil, err
	}

	pool := requestedPool
	base := "velo"
	if store.Initialized() {
		doc := store.Document()
		pool = doc.ZFSPool
		base = doc.ZFSDatasetBase
	} else if pool == "" {
		// Probe for a single imported pool; commands that do not touch
		// the filesystem work fine without one.
		probe := zfs.New("", base)
		if pools, err := probe.ListPools(rootCmd.Context()); err == nil {
			if resolved, err := controller.ResolvePool(rootCmd.Context(), pools, ""); err == nil {
				pool = resolved
			}
		}
	}

	containers, err := docker.New()
	if err != nil {
		return nil, err
	}

	return controller.New(
		store,
		zfs.New(pool, base),
		containers,
		wal.NewManager(config.WALRoot()),
		settings,
	), nil
}
