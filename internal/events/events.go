// Package events publishes job lifecycle notifications over NATS.
//
// Events are plain (non-JetStream) publishes: consumers that are not
// listening miss them, and a publish failure never blocks or fails the
// job itself. The job store remains the source of truth.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/forged/internal/workflow"
)

// Type names a lifecycle event.
type Type string

const (
	JobStarted     Type = "job_started"
	JobCompleted   Type = "job_completed"
	JobFailed      Type = "job_failed"
	JobAborted     Type = "job_aborted"
	StageStarted   Type = "stage_started"
	StageCompleted Type = "stage_completed"
)

// Event is the payload published for every lifecycle transition.
type Event struct {
	Type      Type           `json:"type"`
	JobID     string         `json:"job_id"`
	ProjectID string         `json:"project_id,omitempty"`
	Stage     workflow.Stage `json:"stage,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Subject returns the NATS subject an event type for one job is
// published to:
//
//	jobs.{job_id}.{event_type}
//
// Consumers subscribe to "jobs.>" for the firehose or
// "jobs.{job_id}.>" to follow a single job.
func Subject(jobID string, t Type) string {
	return fmt.Sprintf("jobs.%s.%s", jobID, t)
}

// Publisher emits lifecycle events on a NATS connection.
type Publisher struct {
	nc  *nats.Conn
	now func() time.Time
}

// NewPublisher wraps an established NATS connection.
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc, now: time.Now}
}

// Emit publishes one event, stamping the timestamp if unset.
//
// Returns error if JSON marshaling or the NATS publish fails; callers
// treat that as a logging matter, not a job failure.
func (p *Publisher) Emit(e Event) error {
	if e.JobID == "" {
		return fmt.Errorf("emit %s: job id is required", e.Type)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	if err := p.nc.Publish(Subject(e.JobID, e.Type), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}
