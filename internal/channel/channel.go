// Package channel moves task descriptors to out-of-process workers over
// NATS JetStream and carries each task's single result back through a
// keyed slot in a KV bucket. Dispatches survive the dispatching process:
// the stream holds them until a worker acknowledges, and the result slot
// holds the outcome until the orchestrator reads it.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// streamName holds pending task dispatches until a worker acks them.
	streamName = "TASKS"

	// dispatchPrefix routes descriptors by agent type:
	// tasks.dispatch.<agent_type>.
	dispatchPrefix = "tasks.dispatch."

	// resultBucket is the KV bucket holding one result slot per task id.
	resultBucket = "TASK_RESULTS"

	// resultTTL bounds how long an unread result lingers.
	resultTTL = 24 * time.Hour
)

// ErrResultExists is returned when a second result is published for the
// same task. The slot is write-once.
var ErrResultExists = errors.New("result already published for task")

// ErrAwaitTimeout is returned when no result lands within the stage
// timeout. Callers treat it identically to an explicit worker failure.
var ErrAwaitTimeout = errors.New("timed out waiting for task result")

// Dispatch is the wire descriptor a worker consumes.
type Dispatch struct {
	TaskID    string         `json:"task_id"`
	JobID     string         `json:"job_id"`
	ProjectID string         `json:"project_id"`
	AgentType string         `json:"agent_type"`
	Stage     string         `json:"stage"`
	Inputs    map[string]any `json:"inputs"`
	Priority  int            `json:"priority"`
}

// Result is the wire outcome a worker publishes exactly once per task.
type Result struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Channel is the durable task queue plus the per-task result slots.
type Channel struct {
	nc *nats.Conn
	js nats.JetStreamContext
	kv nats.KeyValue
}

// New builds the channel on an existing connection, creating the task
// stream and the result bucket if they do not exist yet. Safe to call
// from every process; creation is idempotent.
func New(nc *nats.Conn) (*Channel, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{dispatchPrefix + ">"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("ensure task stream: %w", err)
	}

	kv, err := js.KeyValue(resultBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: resultBucket,
			TTL:    resultTTL,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("ensure result bucket: %w", err)
	}

	return &Channel{nc: nc, js: js, kv: kv}, nil
}

// Dispatch enqueues a task descriptor for its agent type. The publish is
// acknowledged by the stream, so the descriptor outlives this process.
func (c *Channel) Dispatch(ctx context.Context, d Dispatch) error {
	if d.TaskID == "" || d.AgentType == "" {
		return errors.New("dispatch requires task_id and agent_type")
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dispatch: %w", err)
	}
	if _, err := c.js.Publish(dispatchPrefix+d.AgentType, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish dispatch: %w", err)
	}
	return nil
}

// PublishResult writes the task's outcome into its slot. The slot is
// create-only: a duplicate publish returns ErrResultExists, which
// enforces the publish-exactly-once contract.
func (c *Channel) PublishResult(taskID string, r Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = c.kv.Create(taskID, data)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return fmt.Errorf("%w: %s", ErrResultExists, taskID)
		}
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

// Result reads the slot for a task. The bool reports whether a result
// has landed; absence is not an error.
func (c *Channel) Result(taskID string) (*Result, bool, error) {
	entry, err := c.kv.Get(taskID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read result: %w", err)
	}
	var r Result
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return nil, false, fmt.Errorf("decode result: %w", err)
	}
	return &r, true, nil
}

// AwaitResult polls the slot at the given interval until a result lands,
// the timeout elapses, or ctx is canceled. The deadline is monotonic.
func (c *Channel) AwaitResult(ctx context.Context, taskID string, timeout, poll time.Duration) (*Result, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		r, ok, err := c.Result(taskID)
		if err != nil {
			return nil, err
		}
		if ok {
			return r, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: task %s after %s", ErrAwaitTimeout, taskID, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
