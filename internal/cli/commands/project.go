package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/elitan/velo/internal/controller"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects (PostgreSQL instance groups)",
}

var (
	projectCreatePool      string
	projectCreatePGVersion string
	projectCreateImage     string
	projectDeleteForce     bool
)

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project with its main branch",
	Long: `Creates a project: a ZFS dataset, SSL certificates, a WAL archive and
a running PostgreSQL container forming the project's main branch.

Examples:
  velo project create demo
  velo project create demo --pg-version 16
  velo project create demo --image postgres:17 --pool tank`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController(projectCreatePool)
		if err != nil {
			return err
		}
		project, err := ctrl.CreateProject(cmd.Context(), args[0], controller.ProjectCreateOptions{
			PGVersion: projectCreatePGVersion,
			Image:     projectCreateImage,
		})
		if err != nil {
			return err
		}

		main := project.Branches[0]
		fmt.Printf("\nConnection string:\n  postgresql://%s:%s@localhost:%d/%s?sslmode=require\n",
			project.Credentials.Username, project.Credentials.Password,
			main.Port, project.Credentials.Database)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		projects := ctrl.Store().ListProjects()
		if len(projects) == 0 {
			fmt.Println("No projects. Create one with 'velo project create <name>'.")
			return nil
		}
		for _, p := range projects {
			fmt.Printf("%-20s %-24s %d branch(es)\n", p.Name, p.DockerImage, len(p.Branches))
		}
		return nil
	},
}

var projectGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show a project and its branches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		p, err := ctrl.Store().GetProject(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Project:  %s\nImage:    %s\nCreated:  %s\nUsername: %s\nDatabase: %s\n",
			p.Name, p.DockerImage, p.CreatedAt.Format("2006-01-02 15:04:05"),
			p.Credentials.Username, p.Credentials.Database)
		fmt.Println("Branches:")
		for _, b := range p.Branches {
			marker := " "
			if b.IsPrimary {
				marker = "*"
			}
			fmt.Printf("  %s %-28s port %-6d %-8s %s\n",
				marker, b.Name, b.Port, b.Status, humanize.IBytes(uint64(b.SizeBytes)))
		}
		return nil
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a project and every branch in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController("")
		if err != nil {
			return err
		}
		return ctrl.DeleteProject(cmd.Context(), args[0], projectDeleteForce)
	},
}

func init() {
	projectCreateCmd.Flags().StringVar(&projectCreatePool, "pool", "", "ZFS pool to use (required only with multiple pools)")
	projectCreateCmd.Flags().StringVar(&projectCreatePGVersion, "pg-version", "", "PostgreSQL major version (resolves to postgres:<v>-alpine)")
	projectCreateCmd.Flags().StringVar(&projectCreateImage, "image", "", "Full container image reference")
	projectDeleteCmd.Flags().BoolVar(&projectDeleteForce, "force", false, "Delete even when non-primary branches exist")

	projectCmd.AddCommand(projectCreateCmd, projectListCmd, projectGetCmd, projectDeleteCmd)
	rootCmd.AddCommand(projectCmd)
}
