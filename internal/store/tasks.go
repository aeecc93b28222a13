package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/forged/internal/workflow"
)

const taskColumns = `id, job_id, agent_id, task_type, status, priority, input_data, output_data, error, dependencies, created_at, completed_at`

// CreateTask inserts a pending task for a stage. At most one
// non-terminal task may exist per (job, stage); a second insert while
// one is open returns ErrTaskOpen.
func (s *Store) CreateTask(ctx context.Context, jobID string, agent workflow.Agent, stage workflow.Stage, inputs map[string]any, priority int, deps []string) (Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, err
	}
	defer tx.Rollback()

	var open int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tasks WHERE job_id = ? AND task_type = ? AND status IN (?,?)`,
		jobID, stage, TaskPending, TaskRunning).Scan(&open)
	if err != nil {
		return Task{}, err
	}
	if open > 0 {
		return Task{}, fmt.Errorf("%w: job %s stage %s", ErrTaskOpen, jobID, stage)
	}

	now := s.now()
	task := Task{
		ID:           uuid.NewString(),
		JobID:        jobID,
		AgentID:      agent,
		Stage:        stage,
		Status:       TaskPending,
		Priority:     priority,
		InputData:    inputs,
		Dependencies: deps,
		CreatedAt:    now,
	}
	if task.InputData == nil {
		task.InputData = map[string]any{}
	}
	inputJSON, err := json.Marshal(task.InputData)
	if err != nil {
		return Task{}, fmt.Errorf("marshal input: %w", err)
	}
	depsJSON, err := json.Marshal(append([]string{}, deps...))
	if err != nil {
		return Task{}, fmt.Errorf("marshal dependencies: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks(id, job_id, agent_id, task_type, status, priority, input_data, dependencies, created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		task.ID, task.JobID, task.AgentID, task.Stage, task.Status, task.Priority, string(inputJSON), string(depsJSON), formatTime(now))
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns a job's tasks oldest first.
func (s *Store) ListTasks(ctx context.Context, jobID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// StartTask marks a pending task running.
func (s *Store) StartTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ? AND status = ?`,
		TaskRunning, id, TaskPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTask records a worker's successful output on an open task.
func (s *Store) CompleteTask(ctx context.Context, id string, output map[string]any) error {
	outJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	return s.finishTask(ctx, id, TaskCompleted, string(outJSON), "")
}

// FailTask records a worker-reported or timeout failure on an open task.
func (s *Store) FailTask(ctx context.Context, id string, errMsg string) error {
	return s.finishTask(ctx, id, TaskFailed, "", errMsg)
}

func (s *Store) finishTask(ctx context.Context, id string, status TaskStatus, output, errMsg string) error {
	var out, e any
	if output != "" {
		out = output
	}
	if errMsg != "" {
		e = errMsg
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, output_data = ?, error = ?, completed_at = ?
		WHERE id = ? AND status IN (?,?)`,
		status, out, e, formatTime(s.now()), id, TaskPending, TaskRunning)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelOpenTasks marks all pending and running tasks of a job canceled
// and returns how many it touched. Cancellation is cooperative: workers
// already executing are not interrupted, their late results are simply
// ignored.
func (s *Store) CancelOpenTasks(ctx context.Context, jobID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = ?
		WHERE job_id = ? AND status IN (?,?)`,
		TaskCanceled, formatTime(s.now()), jobID, TaskPending, TaskRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanTask(row rowScanner) (Task, error) {
	var (
		task        Task
		inputData   string
		outputData  sql.NullString
		errMsg      sql.NullString
		deps        string
		createdAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&task.ID, &task.JobID, &task.AgentID, &task.Stage, &task.Status, &task.Priority,
		&inputData, &outputData, &errMsg, &deps, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	if err := json.Unmarshal([]byte(inputData), &task.InputData); err != nil {
		return Task{}, fmt.Errorf("decode input_data: %w", err)
	}
	if outputData.Valid && outputData.String != "" {
		if err := json.Unmarshal([]byte(outputData.String), &task.OutputData); err != nil {
			return Task{}, fmt.Errorf("decode output_data: %w", err)
		}
	}
	if errMsg.Valid {
		task.Error = errMsg.String
	}
	if err := json.Unmarshal([]byte(deps), &task.Dependencies); err != nil {
		return Task{}, fmt.Errorf("decode dependencies: %w", err)
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return Task{}, fmt.Errorf("parse created_at: %w", err)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return Task{}, fmt.Errorf("parse completed_at: %w", err)
		}
		task.CompletedAt = &t
	}
	return task, nil
}
