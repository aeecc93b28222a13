package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/forged/internal/channel"
	"github.com/fyrsmithlabs/forged/internal/router"
)

const defaultFetchWait = 2 * time.Second

// Config tunes a worker process.
type Config struct {
	// AgentTypes limits which queues this worker consumes. Empty means
	// the full built-in roster.
	AgentTypes []string
	// FetchWait bounds each pull from the task queue.
	FetchWait time.Duration
}

// Worker consumes dispatched stage tasks, runs them through the pool
// router, and publishes exactly one result per task. One Worker can
// serve any subset of agent types; the orchestrator neither knows nor
// cares how many worker processes share the queues.
type Worker struct {
	ch        *channel.Channel
	router    *router.Router
	handlers  map[string]Handler
	logger    *zap.Logger
	agents    []string
	fetchWait time.Duration
}

// NewWorker wires the built-in roster into the router's pools. Every
// agent type in cfg.AgentTypes must have a built-in handler.
func NewWorker(ch *channel.Channel, rt *router.Router, logger *zap.Logger, cfg Config) (*Worker, error) {
	if ch == nil {
		return nil, errors.New("channel is required")
	}
	if rt == nil {
		return nil, errors.New("router is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	handlers := BuiltinHandlers()
	agents := cfg.AgentTypes
	if len(agents) == 0 {
		for at := range handlers {
			agents = append(agents, at)
		}
		sort.Strings(agents)
	}
	for _, at := range agents {
		if _, ok := handlers[at]; !ok {
			return nil, fmt.Errorf("no built-in agent for type %q", at)
		}
	}

	fetchWait := cfg.FetchWait
	if fetchWait <= 0 {
		fetchWait = defaultFetchWait
	}

	w := &Worker{
		ch:        ch,
		router:    rt,
		handlers:  handlers,
		logger:    logger,
		agents:    agents,
		fetchWait: fetchWait,
	}

	// Both pools run the same task body; the router only decides where
	// it runs and which slot it occupies.
	rt.RegisterHandler(router.PoolStandard, w.runAgentTask)
	rt.RegisterHandler(router.PoolAccelerated, w.runAgentTask)
	return w, nil
}

// Run consumes all configured agent queues until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	subs := make([]*channel.Subscription, 0, len(w.agents))
	for _, at := range w.agents {
		sub, err := w.ch.Subscribe(at)
		if err != nil {
			return fmt.Errorf("subscribe agent %s: %w", at, err)
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Drain()
		}
	}()

	w.logger.Info("worker started",
		zap.Strings("agents", w.agents),
		zap.Duration("fetch_wait", w.fetchWait))

	g, gctx := errgroup.WithContext(ctx)
	for i := range w.agents {
		agentType, sub := w.agents[i], subs[i]
		g.Go(func() error {
			w.consume(gctx, agentType, sub)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context, agentType string, sub *channel.Subscription) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := sub.Fetch(ctx, w.fetchWait)
		if err != nil {
			w.logger.Warn("task fetch failed",
				zap.String("agent_type", agentType),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.fetchWait):
			}
			continue
		}
		if msg == nil {
			continue
		}
		w.handle(ctx, msg)
	}
}

// handle executes one fetched task and settles it: result published,
// then ack. A crash before the ack redelivers the task; the result
// slot's create-only write keeps the retry from double-publishing.
func (w *Worker) handle(ctx context.Context, msg *channel.TaskMsg) {
	d := msg.Dispatch
	res := w.router.Execute(ctx, router.Task{
		TaskID:      d.TaskID,
		Description: workloadDescription(d),
		Metadata:    workloadMetadata(d),
		Payload:     map[string]any{"dispatch": d},
	})

	err := w.ch.PublishResult(d.TaskID, channel.Result{
		Success: res.Success,
		Output:  res.Output,
		Error:   res.Error,
	})
	switch {
	case errors.Is(err, channel.ErrResultExists):
		// Redelivery of an already-finished task. The first result
		// stands; just settle the duplicate.
		w.logger.Info("result already published, acking redelivery",
			zap.String("task_id", d.TaskID))
	case err != nil:
		w.logger.Error("publishing result failed, leaving task for redelivery",
			zap.String("task_id", d.TaskID),
			zap.Error(err))
		if nakErr := msg.Nak(); nakErr != nil {
			w.logger.Warn("nak failed", zap.String("task_id", d.TaskID), zap.Error(nakErr))
		}
		return
	}

	if ackErr := msg.Ack(); ackErr != nil {
		w.logger.Warn("ack failed", zap.String("task_id", d.TaskID), zap.Error(ackErr))
	}
	w.logger.Info("task executed",
		zap.String("task_id", d.TaskID),
		zap.String("agent_type", d.AgentType),
		zap.String("pool", string(res.Pool)),
		zap.Bool("success", res.Success),
		zap.Duration("duration", res.Duration))
}

// runAgentTask is the router pool handler: it unwraps the dispatch,
// runs the matching built-in, and stamps the placement onto the output
// so the artifact trail records where the work ran.
func (w *Worker) runAgentTask(ctx context.Context, ec router.ExecutionContext, payload map[string]any) (map[string]any, error) {
	d, ok := payload["dispatch"].(channel.Dispatch)
	if !ok {
		return nil, errors.New("task payload carries no dispatch")
	}
	handler, ok := w.handlers[d.AgentType]
	if !ok {
		return nil, fmt.Errorf("no built-in agent for type %q", d.AgentType)
	}
	out, err := handler(ctx, d)
	if err != nil {
		return nil, err
	}
	out["execution"] = map[string]any{
		"pool":          string(ec.Pool),
		"worker_id":     ec.WorkerID,
		"workload_type": string(ec.Signature.Type),
		"confidence":    ec.Signature.Confidence,
	}
	return out, nil
}

// workloadDescription is what the detector classifies. Requirements
// text carries the workload signal; the stage name is a weak fallback
// that classifies as cpu_bound.
func workloadDescription(d channel.Dispatch) string {
	if req := stringInput(d.Inputs, "requirements"); req != "" {
		return req
	}
	return d.Stage
}

func workloadMetadata(d channel.Dispatch) map[string]any {
	if v, ok := d.Inputs["requires_accelerator"].(bool); ok && v {
		return map[string]any{"requires_accelerator": true}
	}
	return nil
}
