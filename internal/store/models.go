package store

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/forged/internal/workflow"
)

// Status is the job lifecycle state. Jobs are created queued by the
// external API and mutated exclusively by the orchestration engine
// afterwards.
type Status string

const (
	// StatusQueued means the job is waiting to be claimed for its first run.
	StatusQueued Status = "queued"

	// StatusOrchestrating means an orchestrator owns the pre-approval run.
	StatusOrchestrating Status = "orchestrating"

	// StatusInProgress means a stage is executing right now.
	StatusInProgress Status = "in_progress"

	// StatusWaitingApproval parks the job at the human approval gate.
	StatusWaitingApproval Status = "waiting_for_approval"

	// StatusApproved means the gate passed; the job waits for a
	// post-approval claim.
	StatusApproved Status = "approved"

	// StatusChangesRequested means the gate bounced the PRD back.
	StatusChangesRequested Status = "changes_requested"

	// StatusOrchestratingPlan means an orchestrator owns the post-approval run.
	StatusOrchestratingPlan Status = "orchestrating_plan"

	// StatusOrchestratingPRDRevision means an orchestrator owns a PRD re-run.
	StatusOrchestratingPRDRevision Status = "orchestrating_prd_revision"

	// StatusCompleted is terminal.
	StatusCompleted Status = "completed"

	// StatusFailed is terminal until an external restart.
	StatusFailed Status = "failed"

	// StatusCanceled is terminal.
	StatusCanceled Status = "canceled"
)

// Terminal reports whether no further engine transition may touch the job.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// TaskStatus is the dispatch lifecycle of a single stage task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

// Terminal reports whether the task can no longer change.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

// Common store errors.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrJobEnded is returned when an operation requires a live job but
	// the job is already completed, failed, or canceled.
	ErrJobEnded = errors.New("job already ended")

	// ErrNotFailed is returned when restart is attempted on a job that
	// has not failed.
	ErrNotFailed = errors.New("job is not failed")

	// ErrTaskOpen is returned when a second non-terminal task is created
	// for the same job and stage.
	ErrTaskOpen = errors.New("open task exists for job and stage")

	// ErrNoTruth is returned when a post-approval operation needs the
	// approved snapshot and none exists.
	ErrNoTruth = errors.New("no approved truth for job")
)

// Job is the durable pipeline record.
type Job struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Status      Status         `json:"status"`
	Stage       workflow.Stage `json:"workflow_stage"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Requirements returns the requirements text carried in job metadata.
func (j Job) Requirements() string {
	s, _ := j.Metadata["requirements"].(string)
	return s
}

// Task is one dispatched unit of stage work.
type Task struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	AgentID      workflow.Agent `json:"agent_id"`
	Stage        workflow.Stage `json:"task_type"`
	Status       TaskStatus     `json:"status"`
	Priority     int            `json:"priority"`
	InputData    map[string]any `json:"input_data"`
	OutputData   map[string]any `json:"output_data,omitempty"`
	Error        string         `json:"error,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Artifact is the persisted output of one stage, one row per (job, stage).
type Artifact struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	Stage       workflow.Stage `json:"stage"`
	Content     string         `json:"content"`
	ContentHash string         `json:"content_hash"`
	CreatedAt   time.Time      `json:"created_at"`
}

// JobTruth is the approval-gated snapshot of requirements and PRD
// content. It exists iff the job has a currently approved PRD.
type JobTruth struct {
	JobID            string    `json:"job_id"`
	Requirements     string    `json:"requirements"`
	RequirementsHash string    `json:"requirements_hash"`
	PRDContent       string    `json:"prd_content"`
	PRDHash          string    `json:"prd_hash"`
	PRDArtifactID    string    `json:"prd_artifact_id"`
	ApprovedAt       time.Time `json:"approved_at"`
}

// Stale reports whether the approved PRD snapshot no longer matches the
// latest generated artifact.
func (t JobTruth) Stale(latestHash string) bool {
	return latestHash != "" && t.PRDHash != latestHash
}
