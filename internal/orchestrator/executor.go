// Package orchestrator drives claimed jobs through the delivery
// pipeline: it dispatches one task per stage to the agent workers,
// waits on each result, persists stage artifacts, and owns every
// job-level status transition between claim and terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/forged/internal/channel"
	"github.com/fyrsmithlabs/forged/internal/events"
	"github.com/fyrsmithlabs/forged/internal/store"
	"github.com/fyrsmithlabs/forged/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/forged/internal/orchestrator"

const (
	defaultStageTimeout = time.Hour
	defaultResultPoll   = 2 * time.Second

	// taskPriority is the fixed dispatch priority; the queue is FIFO per
	// agent type today, the field exists for consumers that want it.
	taskPriority = 5
)

// Config tunes the executor's result wait.
type Config struct {
	// StageTimeout bounds how long one stage may wait for its worker
	// result. Timeouts are per-stage, not per-job.
	StageTimeout time.Duration

	// ResultPoll is the interval between result-slot checks while a
	// stage is suspended.
	ResultPoll time.Duration
}

// Executor runs claimed jobs through their pipelines.
type Executor struct {
	store   *store.Store
	channel *channel.Channel
	events  *events.Publisher
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer

	stageTimeout time.Duration
	resultPoll   time.Duration
}

// NewExecutor wires an executor over the job store, the task channel,
// and the event publisher.
func NewExecutor(st *store.Store, ch *channel.Channel, pub *events.Publisher, logger *zap.Logger, cfg Config) (*Executor, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if ch == nil {
		return nil, errors.New("task channel is required")
	}
	if pub == nil {
		return nil, errors.New("event publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = defaultStageTimeout
	}
	if cfg.ResultPoll <= 0 {
		cfg.ResultPoll = defaultResultPoll
	}

	return &Executor{
		store:        st,
		channel:      ch,
		events:       pub,
		logger:       logger,
		metrics:      NewMetrics(),
		tracer:       otel.Tracer(instrumentationName),
		stageTimeout: cfg.StageTimeout,
		resultPoll:   cfg.ResultPoll,
	}, nil
}

// Run executes the pipeline a freshly claimed job's status calls for.
// The claim loop hands every claimed job here.
func (e *Executor) Run(ctx context.Context, job store.Job) error {
	switch job.Status {
	case store.StatusOrchestrating:
		return e.RunInitialPipeline(ctx, job)
	case store.StatusOrchestratingPlan:
		return e.RunPostApprovalPipeline(ctx, job)
	case store.StatusOrchestratingPRDRevision:
		return e.RunPRDRevision(ctx, job)
	default:
		return fmt.Errorf("job %s claimed with unexpected status %q", job.ID, job.Status)
	}
}

// RunInitialPipeline executes exactly the PRD-generation stage and
// parks the job at the approval gate. It never proceeds further: the
// gate is mandatory.
func (e *Executor) RunInitialPipeline(ctx context.Context, job store.Job) error {
	ctx, span := e.tracer.Start(ctx, "orchestrator.run_initial_pipeline")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", job.ID))

	e.emit(job, events.JobStarted, "", "")

	inputs := baseInputs(job, job.Requirements())
	if err := e.runStages(ctx, job, []workflow.Stage{workflow.StagePRDGeneration}, inputs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return e.park(ctx, job)
}

// RunPRDRevision re-runs PRD generation after a change request, feeding
// the reviewer's notes to the writer, then parks the job at the gate
// again.
func (e *Executor) RunPRDRevision(ctx context.Context, job store.Job) error {
	ctx, span := e.tracer.Start(ctx, "orchestrator.run_prd_revision")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", job.ID))

	inputs := baseInputs(job, job.Requirements())
	if notes, ok := job.Metadata["revision_notes"].(string); ok && notes != "" {
		inputs["revision_notes"] = notes
	}
	if err := e.runStages(ctx, job, []workflow.Stage{workflow.StagePRDGeneration}, inputs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return e.park(ctx, job)
}

// RunPostApprovalPipeline executes the build stages from the job's
// current stage through delivery, then completes the job. The approved
// PRD comes from the truth snapshot, never from the mutable artifact.
func (e *Executor) RunPostApprovalPipeline(ctx context.Context, job store.Job) error {
	ctx, span := e.tracer.Start(ctx, "orchestrator.run_post_approval_pipeline")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("entry_stage", string(job.Stage)),
	)

	truth, err := e.store.GetTruth(ctx, job.ID)
	if err != nil {
		err = fmt.Errorf("approved job has no truth snapshot: %w", err)
		return e.failPipeline(ctx, job, stageErr(job.Stage, err))
	}
	if art, artErr := e.store.GetArtifact(ctx, job.ID, workflow.StagePRDGeneration); artErr == nil && truth.Stale(art.ContentHash) {
		e.logger.Warn("generated prd diverged from approved snapshot; executing against the approved copy",
			zap.String("job_id", job.ID),
			zap.String("approved_hash", truth.PRDHash),
			zap.String("latest_hash", art.ContentHash))
	}

	stages, err := workflow.StagesFrom(job.Stage)
	if err != nil {
		return e.failPipeline(ctx, job, stageErr(job.Stage, err))
	}

	inputs := baseInputs(job, truth.Requirements)
	inputs["prd"] = truth.PRDContent
	if err := e.runStages(ctx, job, stages, inputs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := e.store.CompleteJob(ctx, job.ID); err != nil {
		if e.jobEnded(job, err) {
			return nil
		}
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	e.emit(job, events.JobCompleted, workflow.StageCompleted, "")
	e.metrics.JobsFinishedTotal.WithLabelValues("completed").Inc()
	e.logger.Info("job completed", zap.String("job_id", job.ID))
	return nil
}

// runStages executes a stage sequence in order, running the
// documentation/support-docs pair concurrently with an all-or-nothing
// join. The first failure aborts the run and fails the job.
func (e *Executor) runStages(ctx context.Context, job store.Job, stages []workflow.Stage, base map[string]any) error {
	for i := 0; i < len(stages); i++ {
		stage := stages[i]
		if stage == workflow.StageDocumentation && i+1 < len(stages) && stages[i+1] == workflow.StageSupportDocs {
			g, gctx := errgroup.WithContext(ctx)
			for _, s := range []workflow.Stage{stage, stages[i+1]} {
				s := s
				g.Go(func() error { return e.executeStage(gctx, job, s, base) })
			}
			if err := g.Wait(); err != nil {
				return e.failPipeline(ctx, job, err)
			}
			i++
			continue
		}
		if err := e.executeStage(ctx, job, stage, base); err != nil {
			return e.failPipeline(ctx, job, err)
		}
	}
	return nil
}

// executeStage is the shared primitive under both pipelines: dispatch
// one task for the stage's agent, suspend on the result slot, persist
// the artifact.
func (e *Executor) executeStage(ctx context.Context, job store.Job, stage workflow.Stage, base map[string]any) error {
	ctx, span := e.tracer.Start(ctx, "orchestrator.execute_stage")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("stage", string(stage)),
	)
	start := time.Now()

	agent, err := workflow.AgentFor(stage)
	if err != nil {
		return stageErr(stage, err)
	}

	e.emit(job, events.StageStarted, stage, "")

	if err := e.store.SetStage(ctx, job.ID, store.StatusInProgress, stage); err != nil {
		return stageErr(stage, err)
	}

	inputs := make(map[string]any, len(base)+1)
	for k, v := range base {
		inputs[k] = v
	}
	inputs["stage"] = string(stage)

	task, err := e.store.CreateTask(ctx, job.ID, agent, stage, inputs, taskPriority, nil)
	if err != nil {
		return stageErr(stage, fmt.Errorf("create task: %w", err))
	}

	err = e.channel.Dispatch(ctx, channel.Dispatch{
		TaskID:    task.ID,
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		AgentType: string(agent),
		Stage:     string(stage),
		Inputs:    inputs,
		Priority:  task.Priority,
	})
	if err != nil {
		e.closeTask(ctx, task.ID, fmt.Sprintf("dispatch failed: %v", err))
		return stageErr(stage, fmt.Errorf("dispatch task: %w", err))
	}
	e.metrics.TasksDispatched.WithLabelValues(string(agent)).Inc()

	if err := e.store.StartTask(ctx, task.ID); err != nil {
		return stageErr(stage, fmt.Errorf("start task: %w", err))
	}

	e.logger.Info("stage dispatched",
		zap.String("job_id", job.ID),
		zap.String("stage", string(stage)),
		zap.String("agent", string(agent)),
		zap.String("task_id", task.ID))

	res, err := e.channel.AwaitResult(ctx, task.ID, e.stageTimeout, e.resultPoll)
	if err != nil {
		if errors.Is(err, channel.ErrAwaitTimeout) {
			msg := fmt.Sprintf("no result within %s", e.stageTimeout)
			e.closeTask(ctx, task.ID, msg)
			e.metrics.StagesTotal.WithLabelValues(string(stage), "failed").Inc()
			return stageErr(stage, fmt.Errorf("%s: %w", msg, err))
		}
		// Context gone: the process is shutting down, not the job.
		return stageErr(stage, err)
	}

	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "worker reported failure without detail"
		}
		e.closeTask(ctx, task.ID, msg)
		e.metrics.StagesTotal.WithLabelValues(string(stage), "failed").Inc()
		return stageErr(stage, errors.New(msg))
	}

	content, _ := res.Output["artifact"].(string)
	if content == "" {
		msg := "worker result carried no artifact content"
		e.closeTask(ctx, task.ID, msg)
		e.metrics.StagesTotal.WithLabelValues(string(stage), "failed").Inc()
		return stageErr(stage, errors.New(msg))
	}

	// Closing the task is the commit point. A task canceled while the
	// worker was still running means the job ended underneath us; its
	// late result must not write anything.
	if err := e.store.CompleteTask(ctx, task.ID, res.Output); err != nil {
		return stageErr(stage, fmt.Errorf("close task: %w", err))
	}
	if _, err := e.store.UpsertArtifact(ctx, job.ID, stage, content); err != nil {
		return stageErr(stage, fmt.Errorf("persist artifact: %w", err))
	}

	e.emit(job, events.StageCompleted, stage, "")
	e.metrics.StagesTotal.WithLabelValues(string(stage), "completed").Inc()
	e.metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	e.logger.Info("stage completed",
		zap.String("job_id", job.ID),
		zap.String("stage", string(stage)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// failPipeline persists the failure diagnostics and flips the job to
// failed, exactly once per run. Failures caused by the job ending
// underneath the pipeline are dropped instead: cancel already decided
// the outcome.
func (e *Executor) failPipeline(ctx context.Context, job store.Job, err error) error {
	if e.jobEnded(job, err) {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		// Process shutdown mid-stage. The job keeps its in_progress row
		// and an operator resumes or restarts it.
		e.logger.Warn("abandoning job mid-stage on shutdown", zap.String("job_id", job.ID), zap.Error(err))
		e.metrics.JobsFinishedTotal.WithLabelValues("abandoned").Inc()
		return err
	}

	stage := job.Stage
	cause := err.Error()
	var se *StageError
	if errors.As(err, &se) {
		stage = se.Stage
		cause = se.Err.Error()
	}

	if failErr := e.store.FailJob(ctx, job.ID, stage, cause); failErr != nil && !errors.Is(failErr, store.ErrNotFound) {
		e.logger.Error("recording job failure failed",
			zap.String("job_id", job.ID), zap.NamedError("fail_error", failErr), zap.Error(err))
	}
	e.emit(job, events.JobFailed, stage, cause)
	e.metrics.JobsFinishedTotal.WithLabelValues("failed").Inc()
	e.logger.Error("job failed",
		zap.String("job_id", job.ID),
		zap.String("failed_stage", string(stage)),
		zap.String("cause", cause))
	return err
}

// park moves a job to the approval gate after a successful PRD run.
func (e *Executor) park(ctx context.Context, job store.Job) error {
	if err := e.store.SetStage(ctx, job.ID, store.StatusWaitingApproval, workflow.StageWaitingApproval); err != nil {
		if e.jobEnded(job, err) {
			return nil
		}
		return fmt.Errorf("park job %s at approval gate: %w", job.ID, err)
	}
	e.metrics.JobsFinishedTotal.WithLabelValues("parked").Inc()
	e.logger.Info("job waiting for approval", zap.String("job_id", job.ID))
	return nil
}

// baseInputs builds the inputs every stage task of a run shares. The
// accelerator flag rides along so workers can route hardware-hungry
// jobs without another store lookup.
func baseInputs(job store.Job, requirements string) map[string]any {
	inputs := map[string]any{"requirements": requirements}
	if v, ok := job.Metadata["requires_accelerator"].(bool); ok && v {
		inputs["requires_accelerator"] = true
	}
	return inputs
}

// jobEnded reports whether an error means the job ended (canceled,
// completed elsewhere, or deleted) while this run was executing.
func (e *Executor) jobEnded(job store.Job, err error) bool {
	if errors.Is(err, store.ErrJobEnded) || errors.Is(err, store.ErrNotFound) {
		e.logger.Info("job ended during execution; dropping run",
			zap.String("job_id", job.ID), zap.Error(err))
		return true
	}
	return false
}

// closeTask best-effort fails an open task row; the pipeline error is
// what actually surfaces.
func (e *Executor) closeTask(ctx context.Context, taskID, msg string) {
	if err := e.store.FailTask(ctx, taskID, msg); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("closing task failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// emit publishes a lifecycle event, logging instead of failing when the
// bus is unavailable.
func (e *Executor) emit(job store.Job, t events.Type, stage workflow.Stage, detail string) {
	err := e.events.Emit(events.Event{
		Type:      t,
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Stage:     stage,
		Detail:    detail,
	})
	if err != nil {
		e.logger.Warn("event emission failed",
			zap.String("job_id", job.ID),
			zap.String("event", string(t)),
			zap.Error(err))
	}
}
