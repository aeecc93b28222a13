package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	// gate command flags
	gateNotes    string
	cancelReason string
	resumeStage  string
)

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(requestChangesCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(resumeCmd)

	approveCmd.Flags().StringVar(&gateNotes, "notes", "", "reviewer notes to record with the approval")
	requestChangesCmd.Flags().StringVar(&gateNotes, "notes", "", "what must change in the PRD (required)")
	_ = requestChangesCmd.MarkFlagRequired("notes")
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "why the job is being canceled")
	resumeCmd.Flags().StringVar(&resumeStage, "stage", "", "resume point stage (required)")
	_ = resumeCmd.MarkFlagRequired("stage")
}

var approveCmd = &cobra.Command{
	Use:   "approve <job-id>",
	Short: "Approve a job's PRD and release it past the gate",
	Long: `Approve a job waiting at the approval gate. The requirements and PRD
are snapshotted as the job's approved truth, and the build phase is
released.

Examples:
  forgectl approve 3f2a...
  forgectl approve 3f2a... --notes "scope confirmed with the customer"`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	return runGateAction(args[0], "approve", map[string]string{"notes": gateNotes},
		"Approved job %s (status %s, next stage %s)\n")
}

var requestChangesCmd = &cobra.Command{
	Use:   "request-changes <job-id>",
	Short: "Bounce a job's PRD back for revision",
	Long: `Reject the PRD of a job waiting at the approval gate. The notes are
handed to the next PRD revision, and any previously approved truth is
withdrawn.

Examples:
  forgectl request-changes 3f2a... --notes "add SLA escalation rules"`,
	Args: cobra.ExactArgs(1),
	RunE: runRequestChanges,
}

func runRequestChanges(cmd *cobra.Command, args []string) error {
	return runGateAction(args[0], "request-changes", map[string]string{"notes": gateNotes},
		"Requested changes on job %s (status %s, next stage %s)\n")
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long: `Cancel a job that has not ended yet. Open tasks are closed, and any
in-flight stage result is discarded when it lands.

Examples:
  forgectl cancel 3f2a... --reason "requirements withdrawn"`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	return runGateAction(args[0], "cancel", map[string]string{"reason": cancelReason},
		"Canceled job %s (status %s, stage %s)\n")
}

var restartCmd = &cobra.Command{
	Use:   "restart <job-id>",
	Short: "Restart a failed job from the beginning",
	Long: `Restart a failed job. All tasks, artifacts, and approved truth are
discarded; the job re-enters the queue as if newly created.

Examples:
  forgectl restart 3f2a...`,
	Args: cobra.ExactArgs(1),
	RunE: runRestart,
}

func runRestart(cmd *cobra.Command, args []string) error {
	return runGateAction(args[0], "restart", nil,
		"Restarted job %s (status %s, stage %s)\n")
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume an interrupted job from a build stage",
	Long: `Resume a job from a post-approval stage. Requires the job to hold
approved truth; use restart for jobs that failed before the gate.

Examples:
  forgectl resume 3f2a... --stage development
  forgectl resume 3f2a... --stage qa`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	return runGateAction(args[0], "resume", map[string]string{"stage": resumeStage},
		"Resumed job %s (status %s, stage %s)\n")
}

// runGateAction POSTs one lifecycle action and prints the job's new
// position.
func runGateAction(jobID, action string, body map[string]string, format string) error {
	var job jobView
	path := "/v1/jobs/" + url.PathEscape(jobID) + "/" + action
	if err := postJSON(path, body, &job); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(job)
	}
	fmt.Printf(format, job.ID, job.Status, job.Stage)
	return nil
}
