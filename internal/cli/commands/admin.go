package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/elitan/velo/internal/config"
	"github.com/elitan/velo/internal/controller"
	"github.com/elitan/velo/internal/state"
)

var (
	cleanupDryRun bool
	cleanupForce  bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool, projects and branches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		return ctrl.Status(cmd.Context())
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose the host and external subsystems",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		failed := 0
		for _, check := range ctrl.Doctor(cmd.Context()) {
			mark := "ok"
			if !check.OK {
				mark = "FAIL"
				failed++
			}
			fmt.Printf("%-20s %-5s %s\n", check.Name, mark, check.Info)
		}
		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		return nil
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "One-time host preparation",
	Long: `Prepares this host for velo: verifies zfs and the container runtime,
delegates zfs permissions to your user, installs the sudoers rule for
mount/unmount and creates the config directories. Needs sudo once.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		return ctrl.Setup(cmd.Context())
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned datasets and containers",
	Long: `Reconciles velo's state against ZFS and the container runtime and
removes resources velo created but no longer tracks (crash leftovers,
interrupted rollbacks).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		_, err = ctrl.Cleanup(cmd.Context(), controller.CleanupOptions{
			DryRun: cleanupDryRun,
			Force:  cleanupForce,
		}, confirmPrompt)
		return err
	},
}

// confirmPrompt asks the user a yes/no question on the terminal.
func confirmPrompt(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Manage the persistent state file",
}

var stateRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the state file from its backup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := state.NewStore(config.StatePath())
		if err := store.Restore(); err != nil {
			return err
		}
		fmt.Println("State restored from backup.")
		return nil
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Only report orphans")
	cleanupCmd.Flags().BoolVar(&cleanupForce, "force", false, "Skip confirmation")

	stateCmd.AddCommand(stateRestoreCmd)
	rootCmd.AddCommand(statusCmd, doctorCmd, setupCmd, cleanupCmd, stateCmd)
}
