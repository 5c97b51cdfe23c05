package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/store"
)

func TestProgressHandlerListRuns(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	repo := &mockStatsRepo{
		runs: []store.Run{{
			RunID:     runID,
			Status:    store.RunSuccess,
			StartedAt: time.Now().Add(-time.Hour),
		}},
	}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/runs?status=success&limit=10", nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, runID.String(), body.Runs[0].RunID)
	require.NotNil(t, repo.lastStatus)
	require.Equal(t, store.RunSuccess, *repo.lastStatus)
	require.Equal(t, 10, repo.lastLimit)
}

func TestProgressHandlerListRunsBadQuery(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(&mockStatsRepo{}, zap.NewNop())
	for _, target := range []string{"/api/runs?status=nope", "/api/runs?limit=0", "/api/runs?offset=-1"} {
		rec := httptest.NewRecorder()
		handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestProgressHandlerGetRun(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	msg := "fetch failed"
	repo := &mockStatsRepo{runs: []store.Run{{RunID: runID, Status: store.RunError, ErrorMessage: &msg}}}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/api/runs/"+runID.String(), nil), runID.String())
	rec := httptest.NewRecorder()
	handler.GetRun(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "fetch failed")
}

func TestProgressHandlerGetRunNotFound(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(&mockStatsRepo{err: store.ErrNotFound}, zap.NewNop())
	runID := uuid.New()
	req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/api/runs/"+runID.String(), nil), runID.String())
	rec := httptest.NewRecorder()
	handler.GetRun(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressHandlerGetRunInvalidID(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(&mockStatsRepo{}, zap.NewNop())
	req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/api/runs/nope", nil), "nope")
	rec := httptest.NewRecorder()
	handler.GetRun(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgressHandlerGetRunStats(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	repo := &mockStatsRepo{stats: store.RunStats{
		RunID:       runID,
		RunCounters: store.RunCounters{Responses: 7, Items: 5, Faults: 1},
	}}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/", nil), runID.String())
	rec := httptest.NewRecorder()
	handler.GetRunStats(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Stats statsDTO `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(7), body.Stats.Responses)
	require.Equal(t, int64(5), body.Stats.Items)
	require.Equal(t, int64(1), body.Stats.Faults)
}

func TestProgressHandlerGetRunStatsRepoFailure(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(&mockStatsRepo{err: errors.New("db down")}, zap.NewNop())
	runID := uuid.New()
	req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/", nil), runID.String())
	rec := httptest.NewRecorder()
	handler.GetRunStats(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestProgressHandlerListRunSites(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	repo := &mockStatsRepo{sites: []store.SiteStats{{RunID: runID, Site: "example.com", Responses: 3, Fetch2xx: 3}}}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/api/runs/x/sites?limit=5000", nil), runID.String())
	rec := httptest.NewRecorder()
	handler.ListRunSites(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "example.com")
	require.Equal(t, maxSitesLimit, repo.lastLimit)
}

func TestProgressHandlerListRunSitesInvalidLimit(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(&mockStatsRepo{}, zap.NewNop())
	runID := uuid.New()
	req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/api/runs/x/sites?limit=-1", nil), runID.String())
	rec := httptest.NewRecorder()
	handler.ListRunSites(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgressHandlerWithoutRepo(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerRoutesProgressEndpoints(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	repo := &mockStatsRepo{runs: []store.Run{{RunID: runID, Status: store.RunRunning}}}
	server := NewServer(&fakeDispatcher{}, nil, repo, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+runID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), runID.String())
}

func withRunIDParam(r *http.Request, runID string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("run_id", runID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}

// --- fakes ---

type mockStatsRepo struct {
	runs  []store.Run
	stats store.RunStats
	sites []store.SiteStats
	err   error

	lastStatus *store.RunStatus
	lastLimit  int
}

func (m *mockStatsRepo) UpsertRunStart(context.Context, uuid.UUID, time.Time) error { return m.err }

func (m *mockStatsRepo) CompleteRun(context.Context, uuid.UUID, time.Time, store.RunStatus, *string) error {
	return m.err
}

func (m *mockStatsRepo) AddRunCounters(context.Context, uuid.UUID, store.RunCounters, time.Time) error {
	return m.err
}

func (m *mockStatsRepo) UpsertSiteStats(context.Context, uuid.UUID, string, int64, int64, string, time.Time) error {
	return m.err
}

func (m *mockStatsRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	if len(m.runs) > 0 {
		return m.runs[0], nil
	}
	return store.Run{}, m.err
}

func (m *mockStatsRepo) ListRuns(_ context.Context, status *store.RunStatus, limit, _ int) ([]store.Run, error) {
	m.lastStatus = status
	m.lastLimit = limit
	return m.runs, m.err
}

func (m *mockStatsRepo) GetRunStats(context.Context, uuid.UUID) (store.RunStats, error) {
	return m.stats, m.err
}

func (m *mockStatsRepo) ListRunSites(_ context.Context, _ uuid.UUID, limit, _ int) ([]store.SiteStats, error) {
	m.lastLimit = limit
	return m.sites, m.err
}
