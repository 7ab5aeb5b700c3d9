package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/elitan/velo/internal/wal"
)

var walCmd = &cobra.Command{
	Use:   "wal",
	Short: "Inspect and clean WAL archives",
}

var (
	walCleanupDays   int
	walCleanupDryRun bool
)

func printArchiveInfo(name string, info *wal.ArchiveInfo) {
	fmt.Printf("%s\n  path:  %s\n  files: %d (%s)\n",
		name, info.Path, info.FileCount, humanize.IBytes(uint64(info.TotalSize)))
	if info.FileCount > 0 {
		fmt.Printf("  range: %s .. %s\n", info.Oldest, info.Newest)
	}
}

var walInfoCmd = &cobra.Command{
	Use:   "info [<project>/<branch>]",
	Short: "Show WAL archive statistics",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}

		if len(args) == 1 {
			info, err := ctrl.WALInfo(args[0])
			if err != nil {
				return err
			}
			printArchiveInfo(args[0], info)

			gaps, err := ctrl.WALVerify(args[0])
			if err == nil && len(gaps) > 0 {
				fmt.Printf("  WARNING: %d missing segment(s): %v\n", len(gaps), gaps)
			}
			return nil
		}

		all, err := ctrl.WALInfoAll()
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("No WAL archives.")
			return nil
		}
		for name, info := range all {
			printArchiveInfo(name, info)
		}
		return nil
	},
}

var walCleanupCmd = &cobra.Command{
	Use:   "cleanup <project>/<branch>",
	Short: "Delete old archived WAL segments",
	Long: `Deletes archived WAL segments older than --days. Segments still
needed for PITR to recent snapshots should be kept; the default keeps a
week of history.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		count, err := ctrl.WALCleanup(cmd.Context(), args[0], walCleanupDays, walCleanupDryRun)
		if err != nil {
			return err
		}
		if walCleanupDryRun {
			fmt.Printf("Would delete %d segment(s)\n", count)
		} else {
			fmt.Printf("Deleted %d segment(s)\n", count)
		}
		return nil
	},
}

func init() {
	walCleanupCmd.Flags().IntVar(&walCleanupDays, "days", 7, "Delete segments older than this many days")
	walCleanupCmd.Flags().BoolVar(&walCleanupDryRun, "dry-run", false, "Only report what would be deleted")

	walCmd.AddCommand(walInfoCmd, walCleanupCmd)
	rootCmd.AddCommand(walCmd)
}
