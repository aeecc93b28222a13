package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/forged/internal/workflow"
)

const artifactColumns = `id, job_id, stage, content, content_hash, created_at`

// HashContent returns the content-address digest used for artifact and
// truth snapshots.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// UpsertArtifact stores a stage's output, replacing any earlier output
// for the same (job, stage). Regeneration after a change request
// overwrites in place rather than accumulating rows.
func (s *Store) UpsertArtifact(ctx context.Context, jobID string, stage workflow.Stage, content string) (Artifact, error) {
	art := Artifact{
		ID:          uuid.NewString(),
		JobID:       jobID,
		Stage:       stage,
		Content:     content,
		ContentHash: HashContent(content),
		CreatedAt:   s.now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts(id, job_id, stage, content, content_hash, created_at) VALUES (?,?,?,?,?,?)
		ON CONFLICT(job_id, stage) DO UPDATE SET
			content = excluded.content,
			content_hash = excluded.content_hash,
			created_at = excluded.created_at`,
		art.ID, art.JobID, art.Stage, art.Content, art.ContentHash, formatTime(art.CreatedAt))
	if err != nil {
		return Artifact{}, fmt.Errorf("upsert artifact: %w", err)
	}
	// The upsert keeps the original row id on conflict; read it back.
	return s.GetArtifact(ctx, jobID, stage)
}

// GetArtifact fetches the stored output for one (job, stage).
func (s *Store) GetArtifact(ctx context.Context, jobID string, stage workflow.Stage) (Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE job_id = ? AND stage = ?`, jobID, stage)
	return scanArtifact(row)
}

// ListArtifacts returns a job's artifacts in pipeline order.
func (s *Store) ListArtifacts(ctx context.Context, jobID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byStage := map[workflow.Stage]Artifact{}
	for rows.Next() {
		art, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		byStage[art.Stage] = art
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var arts []Artifact
	for _, stage := range workflow.AllStages() {
		if art, ok := byStage[stage]; ok {
			arts = append(arts, art)
		}
	}
	return arts, nil
}

func scanArtifact(row rowScanner) (Artifact, error) {
	var (
		art       Artifact
		createdAt string
	)
	err := row.Scan(&art.ID, &art.JobID, &art.Stage, &art.Content, &art.ContentHash, &createdAt)
	if err == sql.ErrNoRows {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, err
	}
	if art.CreatedAt, err = parseTime(createdAt); err != nil {
		return Artifact{}, fmt.Errorf("parse created_at: %w", err)
	}
	return art, nil
}
