package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/elitan/velo/internal/controller"
	"github.com/elitan/velo/internal/state"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage application-consistent snapshots",
}

var (
	snapshotCreateLabel   string
	snapshotCleanupDays   int
	snapshotCleanupAll    bool
	snapshotCleanupDryRun bool
)

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <project>/<branch>",
	Short: "Snapshot a branch",
	Long: `Takes an application-consistent snapshot: a CHECKPOINT flushes all
committed transactions to disk, then the dataset is snapshotted.
Snapshots are the base for PITR branches.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		snap, err := ctrl.CreateSnapshot(cmd.Context(), args[0], snapshotCreateLabel)
		if err != nil {
			return err
		}
		fmt.Printf("ID: %s\n", snap.ID)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list [<project>/<branch>]",
	Short: "List snapshots",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}

		var snapshots []state.Snapshot
		if len(args) == 1 {
			snapshots = ctrl.Store().SnapshotsForBranch(args[0])
		} else {
			snapshots = ctrl.Store().AllSnapshots()
		}
		if len(snapshots) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}
		for _, s := range snapshots {
			label := s.Label
			if label == "" {
				label = "-"
			}
			fmt.Printf("%-36s %-24s %-16s %-20s %s\n",
				s.ID, s.BranchName, label,
				s.CreatedAt.Format("2006-01-02 15:04:05"),
				humanize.IBytes(uint64(s.SizeBytes)))
		}
		return nil
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		return ctrl.DeleteSnapshotByID(cmd.Context(), args[0])
	},
}

var snapshotCleanupCmd = &cobra.Command{
	Use:   "cleanup [<project>/<branch>]",
	Short: "Delete old snapshots (of one branch, or everywhere)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}

		opts := controller.SnapshotCleanupOptions{
			Days:   snapshotCleanupDays,
			All:    snapshotCleanupAll,
			DryRun: snapshotCleanupDryRun,
		}

		var targets []string
		if len(args) == 1 {
			targets = append(targets, args[0])
		} else {
			for _, b := range ctrl.Store().ListAllBranches() {
				targets = append(targets, b.Name)
			}
		}

		total := 0
		for _, name := range targets {
			affected, err := ctrl.CleanupSnapshots(cmd.Context(), name, opts)
			if err != nil {
				return err
			}
			total += len(affected)
		}

		verb := "Deleted"
		if snapshotCleanupDryRun {
			verb = "Would delete"
		}
		fmt.Printf("%s %d snapshot(s)\n", verb, total)
		return nil
	},
}

func init() {
	snapshotCreateCmd.Flags().StringVar(&snapshotCreateLabel, "label", "", "Human label appended to the snapshot name")
	snapshotCleanupCmd.Flags().IntVar(&snapshotCleanupDays, "days", 30, "Delete snapshots older than this many days")
	snapshotCleanupCmd.Flags().BoolVar(&snapshotCleanupAll, "all", false, "Delete every snapshot of the branch")
	snapshotCleanupCmd.Flags().BoolVar(&snapshotCleanupDryRun, "dry-run", false, "Only report what would be deleted")

	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotDeleteCmd, snapshotCleanupCmd)
	rootCmd.AddCommand(snapshotCmd)
}
