package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradewise/gradewise-api/internal/events"
	"github.com/gradewise/gradewise-api/internal/job"
	"github.com/gradewise/gradewise-api/internal/queue"
	"github.com/gradewise/gradewise-api/internal/service"
	"github.com/gradewise/gradewise-api/internal/store"
)

type apiFixture struct {
	server *httptest.Server
	ledger *job.MockLedger
	essays *store.MockEssayStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := job.NewMockLedger()
	broker := queue.NewMockBroker()
	router, err := queue.DefaultRouter()
	require.NoError(t, err)
	bus := events.NewBus(log)

	orchestrator := service.NewOrchestrator(ledger, broker, router, bus, log)
	essays := store.NewMockEssayStore()
	essayService := service.NewEssayService(essays, orchestrator, log)

	handler := NewRouter(NewJobHandler(orchestrator), NewEssayHandler(essayService))
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &apiFixture{server: server, ledger: ledger, essays: essays}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitJobAccepted(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	resp := postJSON(t, f.server.URL+"/api/jobs", SubmitJobRequest{
		JobType:  "rescore_batch",
		Payload:  json.RawMessage(`{"essay_ids":["` + uuid.NewString() + `"]}`),
		Priority: 4,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody[JobResponse](t, resp)
	assert.Equal(t, "rescore_batch", body.JobType)
	assert.Equal(t, string(job.StatePending), body.State)
	assert.NotEqual(t, uuid.Nil, body.JobID)
}

func TestSubmitJobUnknownType(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	resp := postJSON(t, f.server.URL+"/api/jobs", SubmitJobRequest{JobType: "launch_rocket"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestSubmitJobMalformedBody(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	resp, err := http.Post(f.server.URL+"/api/jobs", "application/json", bytes.NewReader([]byte(`{`)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rec, err := f.ledger.Create(context.Background(), job.CreateParams{
		JobID:   uuid.New(),
		JobType: job.TypeScoreEssay,
	})
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/api/jobs/" + rec.JobID.String())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[JobResponse](t, resp)
	assert.Equal(t, rec.JobID, body.JobID)
	assert.Equal(t, string(job.StatePending), body.State)
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/api/jobs/" + uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestGetJobBadID(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/api/jobs/not-a-uuid")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rec, err := f.ledger.Create(context.Background(), job.CreateParams{
		JobID:   uuid.New(),
		JobType: job.TypeScoreEssay,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/api/jobs/"+rec.JobID.String(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[JobResponse](t, resp)
	assert.Equal(t, string(job.StateCancelled), body.State)
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rec, err := f.ledger.Create(context.Background(), job.CreateParams{
		JobID:   uuid.New(),
		JobType: job.TypeScoreEssay,
	})
	require.NoError(t, err)
	_, err = f.ledger.Transition(context.Background(), rec.JobID, job.StateRunning, job.TransitionChanges{})
	require.NoError(t, err)
	_, err = f.ledger.Transition(context.Background(), rec.JobID, job.StateSucceeded, job.TransitionChanges{})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/api/jobs/"+rec.JobID.String(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestSubmitEssayAccepted(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	resp := postJSON(t, f.server.URL+"/api/essays", SubmitEssayRequest{
		AuthorID: uuid.New(),
		Prompt:   "Compare and contrast.",
		Text:     "The essay text.",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody[EssayResponse](t, resp)
	assert.Equal(t, "submitted", body.Status)
	require.NotNil(t, body.JobID)

	// The scoring job exists in the ledger and targets the essay.
	rec, err := f.ledger.Get(context.Background(), *body.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.TypeScoreEssay, rec.JobType)
	require.NotNil(t, rec.Entity)
	assert.Equal(t, body.ID, rec.Entity.ID)
}

func TestSubmitEssayValidation(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	resp := postJSON(t, f.server.URL+"/api/essays", SubmitEssayRequest{
		AuthorID: uuid.New(),
		Prompt:   "Prompt only.",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestRescoreAccepted(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	resp := postJSON(t, f.server.URL+"/api/essays/rescore", RescoreRequest{
		EssayIDs: []uuid.UUID{uuid.New(), uuid.New()},
		Priority: 3,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody[map[string]string](t, resp)
	jobID, err := uuid.Parse(body["job_id"])
	require.NoError(t, err)

	rec, err := f.ledger.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, job.TypeRescoreBatch, rec.JobType)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}
