package cli

import (
	"fmt"

	"github.com/seanGSISG/async-code/pkg/models"
	"github.com/spf13/cobra"
)

func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects (repositories you run tasks against)",
	}
	cmd.AddCommand(newProjectAddCmd())
	cmd.AddCommand(newProjectListCmd())
	cmd.AddCommand(newProjectRemoveCmd())
	return cmd
}

func newProjectAddCmd() *cobra.Command {
	var (
		repoURL       string
		displayName   string
		defaultBranch string
		defaultAgent  string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a repository as a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repoURL == "" {
				return fmt.Errorf("--repo is required")
			}
			p, err := apiClient(cmd).CreateProject(cmd.Context(), repoURL, displayName, models.ProjectSettings{
				DefaultBranch: defaultBranch,
				DefaultAgent:  defaultAgent,
			})
			if err != nil {
				return err
			}
			printf(cmd, "Created project %s (%s)\n", p.ProjectID, p.RepoURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&repoURL, "repo", "", "Repository URL")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name")
	cmd.Flags().StringVar(&defaultBranch, "default-branch", "", "Default target branch for tasks")
	cmd.Flags().StringVar(&defaultAgent, "default-agent", "", "Default agent for tasks")
	return cmd
}

func newProjectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := apiClient(cmd).ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				printf(cmd, "No projects\n")
				return nil
			}
			for _, p := range projects {
				name := p.DisplayName
				if name == "" {
					name = p.RepoName
				}
				printf(cmd, "%s  %-20s %s\n", p.ProjectID, name, p.RepoURL)
			}
			return nil
		},
	}
	return cmd
}

func newProjectRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <project-id>",
		Short: "Remove a project and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(cmd).DeleteProject(cmd.Context(), args[0]); err != nil {
				return err
			}
			printf(cmd, "Removed project %s\n", args[0])
			return nil
		},
	}
	return cmd
}
