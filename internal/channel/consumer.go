package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// TaskMsg is one fetched dispatch plus its acknowledgement handle. A
// worker acks only after publishing the result, so a crash between fetch
// and publish redelivers the task.
type TaskMsg struct {
	Dispatch Dispatch
	msg      *nats.Msg
}

// Ack removes the dispatch from the work queue.
func (m *TaskMsg) Ack() error {
	return m.msg.Ack()
}

// Nak asks for prompt redelivery, used when a worker cannot take the
// task right now.
func (m *TaskMsg) Nak() error {
	return m.msg.Nak()
}

// Subscription is a durable pull consumer for one agent type. Each agent
// type filters its own subject, so the work-queue stream fans tasks out
// without overlap.
type Subscription struct {
	agentType string
	sub       *nats.Subscription
}

// Subscribe binds a durable consumer to an agent type's dispatch
// subject. Reconnecting processes resume the same durable, so no task is
// lost across worker restarts.
func (c *Channel) Subscribe(agentType string) (*Subscription, error) {
	if agentType == "" {
		return nil, errors.New("agent type is required")
	}
	durable := "workers_" + strings.ReplaceAll(agentType, ".", "_")
	sub, err := c.js.PullSubscribe(dispatchPrefix+agentType, durable, nats.AckExplicit())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", agentType, err)
	}
	return &Subscription{agentType: agentType, sub: sub}, nil
}

// Fetch waits up to wait for one dispatch. Returns (nil, nil) when the
// window closes empty; workers just poll again.
func (s *Subscription) Fetch(ctx context.Context, wait time.Duration) (*TaskMsg, error) {
	msgs, err := s.sub.Fetch(1, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch %s: %w", s.agentType, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	var d Dispatch
	if err := json.Unmarshal(msgs[0].Data, &d); err != nil {
		// Poison message: ack it away rather than redelivering forever.
		_ = msgs[0].Ack()
		return nil, fmt.Errorf("decode dispatch: %w", err)
	}
	return &TaskMsg{Dispatch: d, msg: msgs[0]}, nil
}

// Drain unsubscribes, letting in-flight messages settle.
func (s *Subscription) Drain() error {
	return s.sub.Drain()
}
