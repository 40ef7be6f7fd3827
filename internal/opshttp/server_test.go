package opshttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"converge/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	if deps.Store == nil {
		store, err := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		deps.Store = store
	}
	return New(":0", deps).router()
}

func get(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, Deps{})
	rec := get(h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerRequestsCycle(t *testing.T) {
	triggered := 0
	h := newTestServer(t, Deps{Trigger: func() { triggered++ }})

	rec := get(h, http.MethodPost, "/cycles/trigger")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, triggered)
}

func TestTriggerUnavailableWithoutScheduler(t *testing.T) {
	h := newTestServer(t, Deps{})
	rec := get(h, http.MethodPost, "/cycles/trigger")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRiskRegimeServesLastDecision(t *testing.T) {
	h := newTestServer(t, Deps{RiskStatus: func() RiskStatus {
		return RiskStatus{Regime: "ELEVATED", Scaling: 0.56, Emergency: false, Guard: "PASS", LastRunID: "2026-08-28"}
	}})

	rec := get(h, http.MethodGet, "/risk/regime")
	require.Equal(t, http.StatusOK, rec.Code)

	var st RiskStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "ELEVATED", st.Regime)
	assert.InDelta(t, 0.56, st.Scaling, 1e-9)
	assert.Equal(t, "PASS", st.Guard)
	assert.Equal(t, "2026-08-28", st.LastRunID)
}

func TestRunsListAndLookup(t *testing.T) {
	store, err := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	runID, _, err := store.BeginRun("2026-08-28", map[string]float64{"SPY": 100})
	require.NoError(t, err)

	h := newTestServer(t, Deps{Store: store})

	rec := get(h, http.MethodGet, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0]["run_id"])

	rec = get(h, http.MethodGet, "/runs/"+runID)
	require.Equal(t, http.StatusOK, rec.Code)
	var run map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "2026-08-28", run["date"])

	rec = get(h, http.MethodGet, "/runs/absent")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
