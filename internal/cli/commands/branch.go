package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/elitan/velo/internal/controller"
	"github.com/elitan/velo/internal/state"
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage branches (independent PostgreSQL instances)",
}

var (
	branchCreateParent string
	branchCreatePITR   string
	branchDeleteForce  bool
	branchResetForce   bool
)

var branchCreateCmd = &cobra.Command{
	Use:   "create <project>/<branch>",
	Short: "Branch a database",
	Long: `Creates a new branch from a source branch (default: the project's
main). The new branch shares unchanged disk blocks with its parent and
diverges on write.

With --pitr, the branch is recovered to a point in time instead of
branching from now: an older snapshot is cloned and archived WAL is
replayed up to the target.

Examples:
  velo branch create demo/dev
  velo branch create demo/hotfix --parent demo/dev
  velo branch create demo/recovered --pitr "2 hours ago"
  velo branch create demo/recovered --pitr 2025-10-07T14:30:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		branch, err := ctrl.CreateBranch(cmd.Context(), args[0], controller.BranchCreateOptions{
			Parent: branchCreateParent,
			PITR:   branchCreatePITR,
		})
		if err != nil {
			return err
		}
		info, err := ctrl.GetConnectionInfo(branch.Name)
		if err != nil {
			return err
		}
		fmt.Printf("\nConnection string:\n  postgresql://%s:%s@localhost:%d/%s?sslmode=require\n",
			info.Username, info.Password, info.Port, info.Database)
		return nil
	},
}

var branchListCmd = &cobra.Command{
	Use:   "list [<project>]",
	Short: "List branches",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}

		var branches []state.Branch
		if len(args) == 1 {
			branches, err = ctrl.Store().ListBranches(args[0])
			if err != nil {
				return err
			}
		} else {
			branches = ctrl.Store().ListAllBranches()
		}
		if len(branches) == 0 {
			fmt.Println("No branches.")
			return nil
		}
		for _, b := range branches {
			marker := " "
			if b.IsPrimary {
				marker = "*"
			}
			fmt.Printf("%s %-30s port %-6d %-8s %s\n",
				marker, b.Name, b.Port, b.Status, humanize.IBytes(uint64(b.SizeBytes)))
		}
		return nil
	},
}

var branchGetCmd = &cobra.Command{
	Use:   "get <project>/<branch>",
	Short: "Show one branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		b, err := ctrl.Store().GetBranch(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Branch:   %s\nDataset:  %s\nPort:     %d\nStatus:   %s\nSize:     %s\nCreated:  %s\n",
			b.Name, b.ZFSDataset, b.Port, b.Status,
			humanize.IBytes(uint64(b.SizeBytes)),
			b.CreatedAt.Format("2006-01-02 15:04:05"))
		if b.SnapshotName != nil {
			fmt.Printf("Based on: %s\n", *b.SnapshotName)
		}
		return nil
	},
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <project>/<branch>",
	Short: "Delete a branch (and, with --force, its descendants)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		return ctrl.DeleteBranch(cmd.Context(), args[0], branchDeleteForce)
	},
}

var branchResetCmd = &cobra.Command{
	Use:   "reset <project>/<branch>",
	Short: "Reset a branch to its parent's current state",
	Long: `Discards the branch's data and re-clones it from the parent's
current state. The branch keeps its port, so existing connection
strings keep working.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		return ctrl.ResetBranch(cmd.Context(), args[0], branchResetForce)
	},
}

var branchStartCmd = &cobra.Command{
	Use:   "start <project>/<branch>",
	Short: "Start a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		return ctrl.StartBranch(cmd.Context(), args[0])
	},
}

var branchStopCmd = &cobra.Command{
	Use:   "stop <project>/<branch>",
	Short: "Stop a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		return ctrl.StopBranch(cmd.Context(), args[0])
	},
}

var branchRestartCmd = &cobra.Command{
	Use:   "restart <project>/<branch>",
	Short: "Restart a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		return ctrl.RestartBranch(cmd.Context(), args[0])
	},
}

var branchPasswordCmd = &cobra.Command{
	Use:   "password <project>/<branch>",
	Short: "Show a branch's connection credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		info, err := ctrl.GetConnectionInfo(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Host:     %s\nPort:     %d\nUsername: %s\nPassword: %s\nDatabase: %s\n\n",
			info.Host, info.Port, info.Username, info.Password, info.Database)
		fmt.Printf("postgresql://%s:%s@%s:%d/%s?sslmode=require\n",
			info.Username, info.Password, info.Host, info.Port, info.Database)
		return nil
	},
}

func init() {
	branchCreateCmd.Flags().StringVar(&branchCreateParent, "parent", "", "Source branch (default: <project>/main)")
	branchCreateCmd.Flags().StringVar(&branchCreatePITR, "pitr", "", `Recover to a point in time ("2 hours ago" or ISO-8601)`)
	branchDeleteCmd.Flags().BoolVar(&branchDeleteForce, "force", false, "Delete dependent branches too")
	branchResetCmd.Flags().BoolVar(&branchResetForce, "force", false, "Delete dependent branches before resetting")

	branchCmd.AddCommand(branchCreateCmd, branchListCmd, branchGetCmd, branchDeleteCmd,
		branchResetCmd, branchStartCmd, branchStopCmd, branchRestartCmd, branchPasswordCmd)
	rootCmd.AddCommand(branchCmd)
}
