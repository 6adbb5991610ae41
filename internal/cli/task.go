package cli

import (
	"fmt"

	"github.com/seanGSISG/async-code/pkg/client"
	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and manage tasks",
	}
	cmd.AddCommand(newTaskSubmitCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskStatusCmd())
	cmd.AddCommand(newTaskCancelCmd())
	cmd.AddCommand(newTaskChatCmd())
	cmd.AddCommand(newTaskDiffCmd())
	cmd.AddCommand(newTaskPRCmd())
	return cmd
}

func newTaskSubmitCmd() *cobra.Command {
	var (
		prompt       string
		repoURL      string
		targetBranch string
		agent        string
		projectID    string
		githubToken  string
		createPR     bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new agent task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" || repoURL == "" {
				return fmt.Errorf("--prompt and --repo are required")
			}
			req := client.StartTaskRequest{
				Prompt:       prompt,
				RepoURL:      repoURL,
				TargetBranch: targetBranch,
				Agent:        agent,
				GitHubToken:  githubToken,
				CreatePR:     createPR,
			}
			if projectID != "" {
				req.ProjectID = &projectID
			}
			id, err := apiClient(cmd).StartTask(cmd.Context(), req)
			if err != nil {
				return err
			}
			printf(cmd, "Submitted task %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "What the agent should do")
	cmd.Flags().StringVar(&repoURL, "repo", "", "Repository URL (https or git ssh)")
	cmd.Flags().StringVar(&targetBranch, "branch", "", "Target branch (default: main)")
	cmd.Flags().StringVar(&agent, "agent", "claude", "Agent to run")
	cmd.Flags().StringVar(&projectID, "project", "", "Project ID to file the task under")
	cmd.Flags().StringVar(&githubToken, "github-token", "", "GitHub token for push/PR (kept in memory only)")
	cmd.Flags().BoolVar(&createPR, "create-pr", false, "Open a pull request after the run")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := apiClient(cmd).ListTasks(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				printf(cmd, "No tasks\n")
				return nil
			}
			for _, t := range tasks {
				patch := ""
				if t.HasPatch {
					patch = " [patch]"
				}
				printf(cmd, "%s  %-10s %s%s\n", t.TaskID, t.Status, t.Prompt, patch)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Filter by project ID")
	return cmd
}

func newTaskStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show one task's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := apiClient(cmd).GetTaskStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printf(cmd, "Task %s: %s\n", st.TaskID, st.Status)
			if st.Error != nil {
				printf(cmd, "  error: %s\n", *st.Error)
			}
			if st.PRBranch != nil {
				printf(cmd, "  branch: %s\n", *st.PRBranch)
			}
			if st.CommitHash != nil {
				printf(cmd, "  commit: %s\n", *st.CommitHash)
			}
			if st.PRURL != nil {
				printf(cmd, "  pr: %s\n", *st.PRURL)
			}
			if st.Metadata.TotalMillis > 0 {
				printf(cmd, "  duration: %dms (agent %dms, attempts %d)\n",
					st.Metadata.TotalMillis, st.Metadata.AgentMillis, st.Metadata.Attempts)
			}
			return nil
		},
	}
	return cmd
}

func newTaskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cancelled, status, err := apiClient(cmd).Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !cancelled {
				printf(cmd, "Task already %s\n", status)
				return nil
			}
			printf(cmd, "Cancelled task %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func newTaskChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <task-id> <message>",
		Short: "Send a follow-up message to a running task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(cmd).Chat(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			printf(cmd, "Sent\n")
			return nil
		},
	}
	return cmd
}

func newTaskDiffCmd() *cobra.Command {
	var patch bool

	cmd := &cobra.Command{
		Use:   "diff <task-id>",
		Short: "Show the changes a task produced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := apiClient(cmd).GetGitDiff(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if patch {
				printf(cmd, "%s", d.Patch)
				return nil
			}
			printf(cmd, "%s", d.Diff)
			return nil
		},
	}
	cmd.Flags().BoolVar(&patch, "patch", false, "Print the applyable patch instead of the diff")
	return cmd
}

func newTaskPRCmd() *cobra.Command {
	var githubToken string

	cmd := &cobra.Command{
		Use:   "pr <task-id>",
		Short: "Open a pull request for a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pr, err := apiClient(cmd).CreatePR(cmd.Context(), args[0], githubToken)
			if err != nil {
				return err
			}
			printf(cmd, "PR #%d: %s\n", pr.Number, pr.URL)
			return nil
		},
	}
	cmd.Flags().StringVar(&githubToken, "github-token", "", "GitHub token")
	return cmd
}
