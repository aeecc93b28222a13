package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/forged/internal/channel"
	"github.com/fyrsmithlabs/forged/internal/events"
	"github.com/fyrsmithlabs/forged/internal/store"
	"github.com/fyrsmithlabs/forged/internal/workflow"
)

func newTestServer(t *testing.T, pub *events.Publisher) (*Server, *store.Store) {
	t.Helper()

	st, err := store.Open(store.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv, err := New(Config{
		Port:            0,
		ShutdownTimeout: time.Second,
		ServiceName:     "forged-test",
	}, st, pub, zaptest.NewLogger(t))
	require.NoError(t, err)
	return srv, st
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) store.Job {
	t.Helper()
	var job store.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	return job
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "forged-test", resp.Service)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndFetchJob(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/v1/jobs", map[string]string{
		"project_id":   "proj-1",
		"requirements": "lightweight bug tracker with tags, search, SLAs",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeJob(t, rec)
	assert.Equal(t, store.StatusQueued, created.Status)

	rec = do(t, srv, http.MethodGet, "/v1/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decodeJob(t, rec).ID)

	rec = do(t, srv, http.MethodGet, "/v1/jobs?status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []store.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 1)

	// Filters that match nothing return an empty array, not null.
	rec = do(t, srv, http.MethodGet, "/v1/jobs?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestCreateJob_Validation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/v1/jobs", map[string]string{"project_id": "proj-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodGet, "/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprove(t *testing.T) {
	srv, st := newTestServer(t, nil)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, "proj-1", "bug tracker")
	require.NoError(t, err)

	// No PRD generated yet: the guard rejects without mutating state.
	rec := do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/approve", map[string]string{})
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err = st.UpsertArtifact(ctx, job.ID, workflow.StagePRDGeneration, "# PRD\n")
	require.NoError(t, err)

	rec = do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/approve", map[string]string{"notes": "ship it"})
	require.Equal(t, http.StatusOK, rec.Code)
	approved := decodeJob(t, rec)
	assert.Equal(t, store.StatusApproved, approved.Status)
	assert.Equal(t, workflow.StageFeatureTree, approved.Stage)
}

func TestRequestChanges_RequiresNotes(t *testing.T) {
	srv, st := newTestServer(t, nil)

	job, err := st.CreateJob(context.Background(), "proj-1", "bug tracker")
	require.NoError(t, err)

	rec := do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/request-changes", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/request-changes",
		map[string]string{"notes": "add SLA escalation rules"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.StatusChangesRequested, decodeJob(t, rec).Status)
}

func TestCancel_EmitsJobAborted(t *testing.T) {
	natsSrv, err := channel.RunEmbedded(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(natsSrv.Shutdown)

	nc, err := nats.Connect(natsSrv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	srv, st := newTestServer(t, events.NewPublisher(nc))

	job, err := st.CreateJob(context.Background(), "proj-1", "bug tracker")
	require.NoError(t, err)

	sub, err := nc.SubscribeSync(fmt.Sprintf("jobs.%s.job_aborted", job.ID))
	require.NoError(t, err)

	rec := do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel",
		map[string]string{"reason": "requirements withdrawn"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.StatusCanceled, decodeJob(t, rec).Status)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err, "no job_aborted event published")
	var ev events.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, events.JobAborted, ev.Type)
	assert.Equal(t, "requirements withdrawn", ev.Detail)

	// Canceling again hits the terminal guard.
	rec = do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", map[string]string{})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRestart_RequiresFailedJob(t *testing.T) {
	srv, st := newTestServer(t, nil)

	job, err := st.CreateJob(context.Background(), "proj-1", "bug tracker")
	require.NoError(t, err)

	rec := do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/restart", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResume_Guards(t *testing.T) {
	srv, st := newTestServer(t, nil)

	job, err := st.CreateJob(context.Background(), "proj-1", "bug tracker")
	require.NoError(t, err)

	rec := do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/resume",
		map[string]string{"stage": "initialization"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "initialization is not a resume point")

	// Valid stage but no approved truth snapshot yet.
	rec = do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/resume",
		map[string]string{"stage": "qa"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTasksAndArtifactsListings(t *testing.T) {
	srv, st := newTestServer(t, nil)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, "proj-1", "bug tracker")
	require.NoError(t, err)
	_, err = st.UpsertArtifact(ctx, job.ID, workflow.StagePRDGeneration, "# PRD\n")
	require.NoError(t, err)

	rec := do(t, srv, http.MethodGet, "/v1/jobs/"+job.ID+"/artifacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var artifacts []store.Artifact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &artifacts))
	assert.Len(t, artifacts, 1)

	rec = do(t, srv, http.MethodGet, "/v1/jobs/"+job.ID+"/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestServer_GracefulShutdown(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	srv.cfg.Port = 18491
	srv.cfg.ShutdownTimeout = 2 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://localhost:18491/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "server never came up")

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
