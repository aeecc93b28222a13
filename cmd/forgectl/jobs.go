package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	// job command flags
	jobProjectID    string
	jobRequirements string
	jobStatusFilter string
)

func init() {
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(artifactsCmd)

	createCmd.Flags().StringVar(&jobProjectID, "project", "", "project identifier (required)")
	createCmd.Flags().StringVar(&jobRequirements, "requirements", "", "requirements text (reads stdin when omitted)")
	_ = createCmd.MarkFlagRequired("project")

	listCmd.Flags().StringVar(&jobStatusFilter, "status", "", "filter by job status")
}

// jobView matches the store's Job JSON shape.
type jobView struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Status      string         `json:"status"`
	Stage       string         `json:"workflow_stage"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// taskView matches the store's Task JSON shape.
type taskView struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	AgentID     string     `json:"agent_id"`
	Stage       string     `json:"task_type"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// artifactView matches the store's Artifact JSON shape.
type artifactView struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	Stage       string    `json:"stage"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Submit a new pipeline job",
	Long: `Submit a new job. The pipeline picks it up, generates the project
brief and PRD, and parks it at the approval gate.

Examples:
  # Inline requirements
  forgectl create --project billing --requirements "lightweight bug tracker with tags"

  # Requirements from a file
  forgectl create --project billing < requirements.md`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

func runCreate(cmd *cobra.Command, args []string) error {
	requirements := jobRequirements
	if requirements == "" {
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read requirements from stdin: %w", err)
		}
		requirements = strings.TrimSpace(string(content))
	}
	if requirements == "" {
		return fmt.Errorf("no requirements given (use --requirements or pipe them on stdin)")
	}

	body := map[string]string{
		"project_id":   jobProjectID,
		"requirements": requirements,
	}
	var job jobView
	if err := postJSON("/v1/jobs", body, &job); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(job)
	}
	fmt.Printf("Created job %s (project %s, status %s)\n", job.ID, job.ProjectID, job.Status)
	return nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs, newest first.

Examples:
  # Everything
  forgectl list

  # Jobs parked at the approval gate
  forgectl list --status waiting_for_approval`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	path := "/v1/jobs"
	if jobStatusFilter != "" {
		path += "?status=" + url.QueryEscape(jobStatusFilter)
	}
	var jobs []jobView
	if err := getJSON(path, &jobs); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(jobs)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Project", "Status", "Stage", "Updated"})
	for _, j := range jobs {
		tw.AppendRow(table.Row{j.ID, j.ProjectID, j.Status, j.Stage, j.UpdatedAt.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

var showCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	var job jobView
	if err := getJSON("/v1/jobs/"+url.PathEscape(args[0]), &job); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(job)
	}

	fmt.Printf("Job:      %s\n", job.ID)
	fmt.Printf("Project:  %s\n", job.ProjectID)
	fmt.Printf("Status:   %s\n", job.Status)
	fmt.Printf("Stage:    %s\n", job.Stage)
	fmt.Printf("Created:  %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", job.UpdatedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		fmt.Printf("Ended:    %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if len(job.Metadata) > 0 {
		fmt.Println("Metadata:")
		keys := make([]string, 0, len(job.Metadata))
		for k := range job.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, job.Metadata[k])
		}
	}
	return nil
}

var tasksCmd = &cobra.Command{
	Use:   "tasks <job-id>",
	Short: "List the tasks dispatched for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasks,
}

func runTasks(cmd *cobra.Command, args []string) error {
	var tasks []taskView
	if err := getJSON("/v1/jobs/"+url.PathEscape(args[0])+"/tasks", &tasks); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(tasks)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Stage", "Agent", "Status", "Error"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Stage, t.AgentID, t.Status, t.Error})
	}
	tw.Render()
	return nil
}

var artifactsCmd = &cobra.Command{
	Use:   "artifacts <job-id> [stage]",
	Short: "List a job's artifacts, or print one stage's content",
	Long: `List a job's artifacts. With a stage argument, print that stage's
artifact content to stdout instead.

Examples:
  # Overview
  forgectl artifacts 3f2a...

  # Read the generated PRD
  forgectl artifacts 3f2a... prd_generation > prd.md`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runArtifacts,
}

func runArtifacts(cmd *cobra.Command, args []string) error {
	var artifacts []artifactView
	if err := getJSON("/v1/jobs/"+url.PathEscape(args[0])+"/artifacts", &artifacts); err != nil {
		return err
	}

	if len(args) == 2 {
		for _, a := range artifacts {
			if a.Stage == args[1] {
				fmt.Print(a.Content)
				return nil
			}
		}
		return fmt.Errorf("job has no artifact for stage %q", args[1])
	}

	if outputJSON {
		return printJSON(artifacts)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Stage", "Bytes", "Hash", "Created"})
	for _, a := range artifacts {
		tw.AppendRow(table.Row{a.Stage, len(a.Content), shortHash(a.ContentHash), a.CreatedAt.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
