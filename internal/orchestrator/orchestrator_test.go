package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/forged/internal/channel"
	"github.com/fyrsmithlabs/forged/internal/events"
	"github.com/fyrsmithlabs/forged/internal/store"
	"github.com/fyrsmithlabs/forged/internal/workflow"
)

const bugTrackerReqs = "lightweight bug tracker with tags, search, SLAs"

type testRig struct {
	store *store.Store
	ch    *channel.Channel
	nc    *nats.Conn
	exec  *Executor
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()

	srv, err := channel.RunEmbedded(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ch, err := channel.New(nc)
	require.NoError(t, err)

	st, err := store.Open(store.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 10 * time.Second
	}
	if cfg.ResultPoll <= 0 {
		cfg.ResultPoll = 25 * time.Millisecond
	}
	exec, err := NewExecutor(st, ch, events.NewPublisher(nc), zaptest.NewLogger(t), cfg)
	require.NoError(t, err)

	return &testRig{store: st, ch: ch, nc: nc, exec: exec}
}

// respondFn builds the worker result for one dispatched task.
type respondFn func(d channel.Dispatch) channel.Result

func artifactFor(d channel.Dispatch) channel.Result {
	return channel.Result{
		Success: true,
		Output: map[string]any{
			"artifact": fmt.Sprintf("# %s deliverable\n\njob %s\n", d.Stage, d.JobID),
		},
	}
}

// pipelineAgents is every agent the two pipelines dispatch to.
func pipelineAgents() []workflow.Agent {
	agents := []workflow.Agent{workflow.AgentPRDWriter}
	for _, stage := range workflow.PostApprovalStages() {
		agent, _ := workflow.AgentFor(stage)
		agents = append(agents, agent)
	}
	return agents
}

// startWorkers runs one stub worker per agent type that answers every
// dispatch with respond's result.
func startWorkers(t *testing.T, ch *channel.Channel, respond respondFn, agents ...workflow.Agent) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for _, agent := range agents {
		sub, err := ch.Subscribe(string(agent))
		require.NoError(t, err)
		go func() {
			for {
				msg, err := sub.Fetch(ctx, 200*time.Millisecond)
				if ctx.Err() != nil {
					return
				}
				if err != nil || msg == nil {
					continue
				}
				_ = ch.PublishResult(msg.Dispatch.TaskID, respond(msg.Dispatch))
				_ = msg.Ack()
			}
		}()
	}
}

func claim(t *testing.T, st *store.Store, from, to store.Status) store.Job {
	t.Helper()
	job, err := st.ClaimNext(context.Background(), from, to)
	require.NoError(t, err)
	require.NotNil(t, job, "expected a claimable %s job", from)
	return *job
}

func TestPipeline_EndToEnd(t *testing.T) {
	rig := newTestRig(t, Config{})
	startWorkers(t, rig.ch, artifactFor, pipelineAgents()...)
	ctx := context.Background()

	job, err := rig.store.CreateJob(ctx, "proj-1", bugTrackerReqs)
	require.NoError(t, err)

	sub, err := rig.nc.SubscribeSync(fmt.Sprintf("jobs.%s.>", job.ID))
	require.NoError(t, err)

	// Pre-approval: the job must park at the gate on its own.
	claimed := claim(t, rig.store, store.StatusQueued, store.StatusOrchestrating)
	require.NoError(t, rig.exec.Run(ctx, claimed))

	got, err := rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaitingApproval, got.Status)
	assert.Equal(t, workflow.StageWaitingApproval, got.Stage)

	// Approve and run the build pipeline to completion.
	_, err = rig.store.ApproveJob(ctx, job.ID, "ship it")
	require.NoError(t, err)

	claimed = claim(t, rig.store, store.StatusApproved, store.StatusOrchestratingPlan)
	assert.Equal(t, workflow.StageFeatureTree, claimed.Stage)
	require.NoError(t, rig.exec.Run(ctx, claimed))

	got, err = rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, workflow.StageCompleted, got.Stage)
	require.NotNil(t, got.CompletedAt)

	// Every build stage left exactly one artifact, plus the PRD.
	arts, err := rig.store.ListArtifacts(ctx, job.ID)
	require.NoError(t, err)
	byStage := map[workflow.Stage]int{}
	for _, a := range arts {
		byStage[a.Stage]++
	}
	for _, stage := range workflow.PostApprovalStages() {
		assert.Equal(t, 1, byStage[stage], "artifact for stage %s", stage)
	}
	assert.Equal(t, 1, byStage[workflow.StagePRDGeneration])
	assert.Len(t, arts, len(workflow.PostApprovalStages())+1)

	tasks, err := rig.store.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, len(workflow.PostApprovalStages())+1)
	for _, task := range tasks {
		assert.Equal(t, store.TaskCompleted, task.Status, "task for stage %s", task.Stage)
	}

	// The lifecycle stream saw the run start and finish.
	seen := map[string]bool{}
	for {
		msg, err := sub.NextMsg(200 * time.Millisecond)
		if err != nil {
			break
		}
		seen[msg.Subject] = true
	}
	assert.True(t, seen[events.Subject(job.ID, events.JobStarted)])
	assert.True(t, seen[events.Subject(job.ID, events.JobCompleted)])
	assert.True(t, seen[events.Subject(job.ID, events.StageCompleted)])
}

func TestPipeline_StageTimeout(t *testing.T) {
	timeout := 600 * time.Millisecond
	rig := newTestRig(t, Config{StageTimeout: timeout, ResultPoll: 25 * time.Millisecond})
	// No workers: the PRD result never arrives.
	ctx := context.Background()

	job, err := rig.store.CreateJob(ctx, "proj-1", bugTrackerReqs)
	require.NoError(t, err)

	claimed := claim(t, rig.store, store.StatusQueued, store.StatusOrchestrating)

	start := time.Now()
	err = rig.exec.Run(ctx, claimed)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, channel.ErrAwaitTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout, "timeout fired early")
	assert.Less(t, elapsed, timeout+2*time.Second, "timeout fired far too late")

	got, err := rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, workflow.StageFailed, got.Stage)
	assert.Equal(t, string(workflow.StagePRDGeneration), got.Metadata["failed_stage"])
	assert.Contains(t, got.Metadata["error"], "no result within")

	tasks, err := rig.store.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskFailed, tasks[0].Status)
}

// runToApproved drives a fresh job to approved so post-approval tests
// can claim it.
func runToApproved(t *testing.T, rig *testRig) store.Job {
	t.Helper()
	ctx := context.Background()

	job, err := rig.store.CreateJob(ctx, "proj-1", bugTrackerReqs)
	require.NoError(t, err)
	claimed := claim(t, rig.store, store.StatusQueued, store.StatusOrchestrating)
	require.NoError(t, rig.exec.Run(ctx, claimed))
	_, err = rig.store.ApproveJob(ctx, job.ID, "approved")
	require.NoError(t, err)
	return job
}

func TestPipeline_WorkerFailureFailsJob(t *testing.T) {
	rig := newTestRig(t, Config{})
	respond := func(d channel.Dispatch) channel.Result {
		if d.Stage == string(workflow.StageArchitecture) {
			return channel.Result{Success: false, Error: "design review rejected the draft"}
		}
		return artifactFor(d)
	}
	startWorkers(t, rig.ch, respond, pipelineAgents()...)
	ctx := context.Background()

	job := runToApproved(t, rig)
	claimed := claim(t, rig.store, store.StatusApproved, store.StatusOrchestratingPlan)

	err := rig.exec.Run(ctx, claimed)
	require.Error(t, err)

	got, err := rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, string(workflow.StageArchitecture), got.Metadata["failed_stage"])
	assert.Equal(t, "design review rejected the draft", got.Metadata["error"])

	// The pipeline stopped at the failure: plan ran, nothing after
	// architecture did.
	arts, err := rig.store.ListArtifacts(ctx, job.ID)
	require.NoError(t, err)
	byStage := map[workflow.Stage]bool{}
	for _, a := range arts {
		byStage[a.Stage] = true
	}
	assert.True(t, byStage[workflow.StagePlan])
	assert.False(t, byStage[workflow.StageArchitecture])
	assert.False(t, byStage[workflow.StageUIUX])
	assert.False(t, byStage[workflow.StageDevelopment])
}

func TestPipeline_RestartReproducesFailedStage(t *testing.T) {
	rig := newTestRig(t, Config{})
	respond := func(d channel.Dispatch) channel.Result {
		if d.Stage == string(workflow.StageQA) {
			return channel.Result{Success: false, Error: "coverage gate not met"}
		}
		return artifactFor(d)
	}
	startWorkers(t, rig.ch, respond, pipelineAgents()...)
	ctx := context.Background()

	failOnce := func(jobID string) string {
		claimed := claim(t, rig.store, store.StatusApproved, store.StatusOrchestratingPlan)
		require.Error(t, rig.exec.Run(ctx, claimed))
		got, err := rig.store.GetJob(ctx, jobID)
		require.NoError(t, err)
		require.Equal(t, store.StatusFailed, got.Status)
		stage, _ := got.Metadata["failed_stage"].(string)
		return stage
	}

	job := runToApproved(t, rig)
	firstFailure := failOnce(job.ID)

	// Restart wipes tasks, artifacts, and truth, and requeues the job.
	_, err := rig.store.RestartJob(ctx, job.ID)
	require.NoError(t, err)

	claimed := claim(t, rig.store, store.StatusQueued, store.StatusOrchestrating)
	require.NoError(t, rig.exec.Run(ctx, claimed))
	_, err = rig.store.ApproveJob(ctx, job.ID, "approved again")
	require.NoError(t, err)

	secondFailure := failOnce(job.ID)
	assert.Equal(t, firstFailure, secondFailure, "restarted job must fail at the same stage")
	assert.Equal(t, string(workflow.StageQA), secondFailure)
}

func TestPipeline_RevisionCarriesNotes(t *testing.T) {
	rig := newTestRig(t, Config{})

	var (
		mu        sync.Mutex
		prdInputs []map[string]any
	)
	respond := func(d channel.Dispatch) channel.Result {
		mu.Lock()
		prdInputs = append(prdInputs, d.Inputs)
		mu.Unlock()
		return artifactFor(d)
	}
	startWorkers(t, rig.ch, respond, workflow.AgentPRDWriter)
	ctx := context.Background()

	job, err := rig.store.CreateJob(ctx, "proj-1", bugTrackerReqs)
	require.NoError(t, err)
	claimed := claim(t, rig.store, store.StatusQueued, store.StatusOrchestrating)
	require.NoError(t, rig.exec.Run(ctx, claimed))

	const notes = "add SLA escalation rules"
	_, err = rig.store.RequestChanges(ctx, job.ID, notes)
	require.NoError(t, err)

	claimed = claim(t, rig.store, store.StatusChangesRequested, store.StatusOrchestratingPRDRevision)
	require.NoError(t, rig.exec.Run(ctx, claimed))

	got, err := rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaitingApproval, got.Status, "revision must park at the gate again")

	_, err = rig.store.GetTruth(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNoTruth, "revoked approval must not linger")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, prdInputs, 2)
	assert.NotContains(t, prdInputs[0], "revision_notes")
	assert.Equal(t, notes, prdInputs[1]["revision_notes"])
	assert.Equal(t, bugTrackerReqs, prdInputs[1]["requirements"])
}

func TestPipeline_CancelMakesLateResultNoOp(t *testing.T) {
	rig := newTestRig(t, Config{})
	respond := func(d channel.Dispatch) channel.Result {
		time.Sleep(400 * time.Millisecond)
		return artifactFor(d)
	}
	startWorkers(t, rig.ch, respond, workflow.AgentPRDWriter)
	ctx := context.Background()

	job, err := rig.store.CreateJob(ctx, "proj-1", bugTrackerReqs)
	require.NoError(t, err)
	claimed := claim(t, rig.store, store.StatusQueued, store.StatusOrchestrating)

	done := make(chan error, 1)
	go func() { done <- rig.exec.Run(ctx, claimed) }()

	// Let the stage dispatch, then cancel while the worker is busy.
	require.Eventually(t, func() bool {
		tasks, err := rig.store.ListTasks(ctx, job.ID)
		return err == nil && len(tasks) == 1 && tasks[0].Status == store.TaskRunning
	}, 2*time.Second, 10*time.Millisecond)

	_, err = rig.store.CancelJob(ctx, job.ID, "operator abort")
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err, "a canceled job's late result is dropped, not failed")
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not return after cancel")
	}

	got, err := rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCanceled, got.Status)

	tasks, err := rig.store.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskCanceled, tasks[0].Status)

	arts, err := rig.store.ListArtifacts(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, arts, "late result must not persist an artifact")
}

func TestLoop_DrivesJobsWithoutManualClaims(t *testing.T) {
	rig := newTestRig(t, Config{})
	startWorkers(t, rig.ch, artifactFor, pipelineAgents()...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop, err := NewLoop(rig.store, rig.exec, zaptest.NewLogger(t), LoopConfig{
		ClaimInterval: 25 * time.Millisecond,
	})
	require.NoError(t, err)

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	job, err := rig.store.CreateJob(ctx, "proj-1", bugTrackerReqs)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := rig.store.GetJob(ctx, job.ID)
		return err == nil && got.Status == store.StatusWaitingApproval
	}, 10*time.Second, 50*time.Millisecond, "loop never parked the job at the gate")

	_, err = rig.store.ApproveJob(ctx, job.ID, "go")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := rig.store.GetJob(ctx, job.ID)
		return err == nil && got.Status == store.StatusCompleted
	}, 20*time.Second, 50*time.Millisecond, "loop never completed the approved job")

	cancel()
	select {
	case err := <-loopDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop on context cancel")
	}
}

func TestLoop_RunOnceIdlesOnEmptyQueue(t *testing.T) {
	rig := newTestRig(t, Config{})
	loop, err := NewLoop(rig.store, rig.exec, zaptest.NewLogger(t), LoopConfig{})
	require.NoError(t, err)

	claimed, err := loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
}
