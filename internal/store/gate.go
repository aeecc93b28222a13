package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/forged/internal/workflow"
)

// ErrMissingContent is returned by ApproveJob when the job lacks
// requirements or a generated PRD to snapshot.
var ErrMissingContent = errors.New("approval requires non-empty requirements and PRD content")

// ApproveJob writes the truth snapshot and flips the job to approved at
// the feature_tree stage, in that order inside one transaction. The
// orchestrator loop only picks up approved jobs, so it can never observe
// an approved job whose truth snapshot is missing.
func (s *Store) ApproveJob(ctx context.Context, id, notes string) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	defer tx.Rollback()

	job, err := getJobTx(ctx, tx, id)
	if err != nil {
		return Job{}, err
	}
	if job.Status.Terminal() {
		return Job{}, fmt.Errorf("%w: status %s", ErrJobEnded, job.Status)
	}

	requirements := job.Requirements()
	var prdID, prdContent string
	err = tx.QueryRowContext(ctx, `SELECT id, content FROM artifacts WHERE job_id = ? AND stage = ?`,
		id, workflow.StagePRDGeneration).Scan(&prdID, &prdContent)
	if err != nil && err != sql.ErrNoRows {
		return Job{}, err
	}
	if requirements == "" || prdContent == "" {
		return Job{}, ErrMissingContent
	}

	now := s.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_truth(job_id, requirements, requirements_hash, prd_content, prd_hash, prd_artifact_id, approved_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(job_id) DO UPDATE SET
			requirements = excluded.requirements,
			requirements_hash = excluded.requirements_hash,
			prd_content = excluded.prd_content,
			prd_hash = excluded.prd_hash,
			prd_artifact_id = excluded.prd_artifact_id,
			approved_at = excluded.approved_at`,
		id, requirements, HashContent(requirements), prdContent, HashContent(prdContent), prdID, formatTime(now))
	if err != nil {
		return Job{}, fmt.Errorf("write truth: %w", err)
	}

	if notes != "" {
		if err := mergeMetadataTx(ctx, tx, id, map[string]any{"approval_notes": notes}, formatTime(now)); err != nil {
			return Job{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, workflow_stage = ?, updated_at = ? WHERE id = ?`,
		StatusApproved, workflow.StageFeatureTree, formatTime(now), id); err != nil {
		return Job{}, fmt.Errorf("set approved: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, err
	}
	return s.GetJob(ctx, id)
}

// RequestChanges deletes the truth row (a revoked approval must not
// linger) and sends the job back to PRD generation.
func (s *Store) RequestChanges(ctx context.Context, id, notes string) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	defer tx.Rollback()

	job, err := getJobTx(ctx, tx, id)
	if err != nil {
		return Job{}, err
	}
	if job.Status.Terminal() {
		return Job{}, fmt.Errorf("%w: status %s", ErrJobEnded, job.Status)
	}

	now := formatTime(s.now())
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_truth WHERE job_id = ?`, id); err != nil {
		return Job{}, fmt.Errorf("delete truth: %w", err)
	}
	if notes != "" {
		if err := mergeMetadataTx(ctx, tx, id, map[string]any{"revision_notes": notes}, now); err != nil {
			return Job{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, workflow_stage = ?, updated_at = ? WHERE id = ?`,
		StatusChangesRequested, workflow.StagePRDGeneration, now, id); err != nil {
		return Job{}, fmt.Errorf("set changes_requested: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, err
	}
	return s.GetJob(ctx, id)
}

// RestartJob resets a failed job to the front door: tasks, artifacts,
// and truth are cleared, failure diagnostics are dropped, and created_at
// is refreshed so claim FIFO treats it as new work.
func (s *Store) RestartJob(ctx context.Context, id string) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	defer tx.Rollback()

	job, err := getJobTx(ctx, tx, id)
	if err != nil {
		return Job{}, err
	}
	if job.Status != StatusFailed {
		return Job{}, fmt.Errorf("%w: status %s", ErrNotFailed, job.Status)
	}

	for _, stmt := range []string{
		`DELETE FROM tasks WHERE job_id = ?`,
		`DELETE FROM artifacts WHERE job_id = ?`,
		`DELETE FROM job_truth WHERE job_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return Job{}, fmt.Errorf("clear job state: %w", err)
		}
	}

	meta := map[string]any{"requirements": job.Requirements()}
	metaJSON, err := marshalMetadata(meta)
	if err != nil {
		return Job{}, err
	}
	now := formatTime(s.now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, workflow_stage = ?, metadata = ?, created_at = ?, updated_at = ?, completed_at = NULL
		WHERE id = ?`,
		StatusQueued, workflow.StageInitialization, metaJSON, now, now, id); err != nil {
		return Job{}, fmt.Errorf("reset job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, err
	}
	return s.GetJob(ctx, id)
}

// ResumeJob re-enters the post-approval pipeline at the given stage.
// In-flight tasks are canceled first so the resumed run owns the job
// alone. The job must still hold an approved truth snapshot.
func (s *Store) ResumeJob(ctx context.Context, id string, stage workflow.Stage) (Job, error) {
	if !workflow.IsResumable(stage) {
		return Job{}, fmt.Errorf("stage %q is not a resume point", stage)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	defer tx.Rollback()

	job, err := getJobTx(ctx, tx, id)
	if err != nil {
		return Job{}, err
	}
	if job.Status == StatusCompleted || job.Status == StatusCanceled {
		return Job{}, fmt.Errorf("%w: status %s", ErrJobEnded, job.Status)
	}
	var truthExists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM job_truth WHERE job_id = ?`, id).Scan(&truthExists); err != nil {
		return Job{}, err
	}
	if truthExists == 0 {
		return Job{}, ErrNoTruth
	}

	now := formatTime(s.now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = ? WHERE job_id = ? AND status IN (?,?)`,
		TaskCanceled, now, id, TaskPending, TaskRunning); err != nil {
		return Job{}, fmt.Errorf("cancel open tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, workflow_stage = ?, updated_at = ?, completed_at = NULL WHERE id = ?`,
		StatusApproved, stage, now, id); err != nil {
		return Job{}, fmt.Errorf("set resume point: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, err
	}
	return s.GetJob(ctx, id)
}

// CancelJob flips a live job to canceled and marks its open tasks
// canceled. Workers already executing are not interrupted; their late
// results are ignored by the executor.
func (s *Store) CancelJob(ctx context.Context, id, reason string) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	defer tx.Rollback()

	job, err := getJobTx(ctx, tx, id)
	if err != nil {
		return Job{}, err
	}
	if job.Status.Terminal() {
		return Job{}, fmt.Errorf("%w: status %s", ErrJobEnded, job.Status)
	}

	now := formatTime(s.now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = ? WHERE job_id = ? AND status IN (?,?)`,
		TaskCanceled, now, id, TaskPending, TaskRunning); err != nil {
		return Job{}, fmt.Errorf("cancel open tasks: %w", err)
	}
	if reason != "" {
		if err := mergeMetadataTx(ctx, tx, id, map[string]any{"cancel_reason": reason}, now); err != nil {
			return Job{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		StatusCanceled, now, now, id); err != nil {
		return Job{}, fmt.Errorf("set canceled: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, err
	}
	return s.GetJob(ctx, id)
}

// GetTruth fetches the approved snapshot for a job.
func (s *Store) GetTruth(ctx context.Context, jobID string) (JobTruth, error) {
	var (
		truth      JobTruth
		approvedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, requirements, requirements_hash, prd_content, prd_hash, prd_artifact_id, approved_at
		FROM job_truth WHERE job_id = ?`, jobID).
		Scan(&truth.JobID, &truth.Requirements, &truth.RequirementsHash, &truth.PRDContent, &truth.PRDHash, &truth.PRDArtifactID, &approvedAt)
	if err == sql.ErrNoRows {
		return JobTruth{}, ErrNoTruth
	}
	if err != nil {
		return JobTruth{}, err
	}
	if truth.ApprovedAt, err = parseTime(approvedAt); err != nil {
		return JobTruth{}, fmt.Errorf("parse approved_at: %w", err)
	}
	return truth, nil
}

func getJobTx(ctx context.Context, tx *sql.Tx, id string) (Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func marshalMetadata(meta map[string]any) (string, error) {
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}
