package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/forged/internal/workflow"
)

const jobColumns = `id, project_id, status, workflow_stage, metadata, created_at, updated_at, completed_at`

// CreateJob inserts a new queued job carrying its requirements in
// metadata. Normally the external API does this; the engine only needs
// it for tooling and tests.
func (s *Store) CreateJob(ctx context.Context, projectID, requirements string) (Job, error) {
	if projectID == "" {
		return Job{}, errors.New("project_id is required")
	}
	now := s.now()
	job := Job{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    StatusQueued,
		Stage:     workflow.StageInitialization,
		Metadata:  map[string]any{"requirements": requirements},
		CreatedAt: now,
		UpdatedAt: now,
	}
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return Job{}, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, project_id, status, workflow_stage, metadata, created_at, updated_at) VALUES (?,?,?,?,?,?,?)`,
		job.ID, job.ProjectID, job.Status, job.Stage, string(meta), formatTime(now), formatTime(now))
	if err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status Status) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNext atomically takes ownership of the oldest job in from and
// moves it to to, returning the claimed row. The UPDATE is a single
// statement, so SQLite's serialized writer guarantees that concurrent
// claimants never take the same job. Returns (nil, nil) when no job is
// eligible; that is the normal idle case, not an error.
func (s *Store) ClaimNext(ctx context.Context, from, to Status) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1
		) AND status = ?
		RETURNING `+jobColumns,
		to, formatTime(s.now()), from, from)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s->%s: %w", from, to, err)
	}
	return &job, nil
}

// SetStage moves a live job to the given status and stage. Refuses to
// touch ended jobs so a late writer cannot resurrect a canceled or
// failed one.
func (s *Store) SetStage(ctx context.Context, id string, status Status, stage workflow.Stage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, workflow_stage = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?,?,?)`,
		status, stage, formatTime(s.now()), id, StatusCompleted, StatusFailed, StatusCanceled)
	if err != nil {
		return fmt.Errorf("set stage: %w", err)
	}
	return s.ensureLiveRowTouched(ctx, res, id)
}

// MergeMetadata folds the patch into job metadata, preserving untouched
// keys. Works on ended jobs too: failure diagnostics may land just
// before or after the terminal flip.
func (s *Store) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := mergeMetadataTx(ctx, tx, id, patch, formatTime(s.now())); err != nil {
		return err
	}
	return tx.Commit()
}

func mergeMetadataTx(ctx context.Context, tx *sql.Tx, id string, patch map[string]any, now string) error {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT metadata FROM jobs WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	meta := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
	}
	for k, v := range patch {
		meta[k] = v
	}
	merged, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET metadata = ?, updated_at = ? WHERE id = ?`, string(merged), now, id); err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return nil
}

// CompleteJob flips a live job to its terminal completed state.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, workflow_stage = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?,?,?)`,
		StatusCompleted, workflow.StageCompleted, now, now,
		id, StatusCompleted, StatusFailed, StatusCanceled)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return s.ensureLiveRowTouched(ctx, res, id)
}

// FailJob records the failure cause in metadata, then flips the job to
// failed. The metadata write happens first inside the transaction: the
// terminal status write overwrites the stage field needed to diagnose
// the failure, so the cause must already be on disk.
func (s *Store) FailJob(ctx context.Context, id string, failedStage workflow.Stage, cause string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := formatTime(s.now())
	patch := map[string]any{
		"failed_stage": string(failedStage),
		"error":        cause,
	}
	if err := mergeMetadataTx(ctx, tx, id, patch, now); err != nil {
		return err
	}
	// A job that ended while the stage was in flight (cancel wins the
	// race) keeps the merged diagnostics but not the status flip.
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, workflow_stage = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?,?,?)`,
		StatusFailed, workflow.StageFailed, now, now,
		id, StatusCompleted, StatusFailed, StatusCanceled)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return tx.Commit()
}

// ensureLiveRowTouched distinguishes "no such job" from "job already
// ended" after a guarded update matched nothing.
func (s *Store) ensureLiveRowTouched(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status Status
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: status %s", ErrJobEnded, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		job         Job
		meta        string
		createdAt   string
		updatedAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&job.ID, &job.ProjectID, &job.Status, &job.Stage, &meta, &createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal([]byte(meta), &job.Metadata); err != nil {
		return Job{}, fmt.Errorf("decode metadata: %w", err)
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return Job{}, fmt.Errorf("parse completed_at: %w", err)
		}
		job.CompletedAt = &t
	}
	return job, nil
}
