package handler

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnisearch/omnisearch/abengine/internal/analytics"
	"github.com/omnisearch/omnisearch/abengine/internal/config"
	"github.com/omnisearch/omnisearch/abengine/internal/engine"
	"github.com/omnisearch/omnisearch/abengine/internal/enricher"
	"github.com/omnisearch/omnisearch/abengine/internal/storage"
)

func newServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.jsonl")

	eng, err := engine.New(context.Background(), cfg,
		engine.WithBackend(storage.NewMemory()),
		engine.WithRand(rand.New(rand.NewSource(11))))
	require.NoError(t, err)

	h := NewHTTPHandler(eng, enricher.NewEnricher(""), cfg.Server)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		srv.Close()
		eng.Close()
	})
	return srv, eng
}

func do(t *testing.T, srv *httptest.Server, method, path, userID, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestAssign_IsIdempotentAndSetsHeaders(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := do(t, srv, http.MethodPost, "/ab/assign?user_id=u1&split_ratio=0", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "search_v2", body["variant"])
	assert.Equal(t, "search_v2", resp.Header.Get("X-Variant"))

	// A later ratio does not move an existing assignment
	_, again := do(t, srv, http.MethodPost, "/ab/assign?user_id=u1&split_ratio=1", "", "")
	assert.Equal(t, "search_v2", again["variant"])

	resp, body = do(t, srv, http.MethodGet, "/ab/assignment", "u1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "u1", body["identity_id"])
	assert.Equal(t, "u1", resp.Header.Get("X-User-ID"))
	assert.Equal(t, "search_v2", resp.Header.Get("X-Variant"))
	assert.NotEmpty(t, resp.Header.Get("X-Session-ID"))
}

func TestAssign_RejectsBadRatio(t *testing.T) {
	srv, eng := newServer(t)

	resp, body := do(t, srv, http.MethodPost, "/ab/assign?user_id=u1&split_ratio=1.5", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	_, ok, err := eng.Registry.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetAssignment_Missing(t *testing.T) {
	srv, _ := newServer(t)

	resp, _ := do(t, srv, http.MethodGet, "/ab/assignment?user_id=ghost", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIdentity_GeneratedWhenAbsent(t *testing.T) {
	srv, _ := newServer(t)

	resp, _ := do(t, srv, http.MethodPost, "/ab/assign", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	userID := resp.Header.Get("X-User-ID")
	assert.Len(t, userID, 36)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "user_id" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, userID, cookie.Value)
}

func TestLogEndpoints_EndToEnd(t *testing.T) {
	srv, _ := newServer(t)

	do(t, srv, http.MethodPost, "/ab/assign?user_id=u1&split_ratio=0", "", "")

	resp, body := do(t, srv, http.MethodPost, "/ab/log-search", "u1",
		`{"query":"shoes","results_count":10,"search_time_ms":50}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "search_v2", body["variant"])

	resp, _ = do(t, srv, http.MethodPost, "/ab/log-click", "u1", `{"product_id":"p1","rank":0}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, ctr := do(t, srv, http.MethodGet, "/analytics/ctr?user_id=u1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, ctr["ctr"])
	assert.Equal(t, 1.0, ctr["clicks"])
	assert.Equal(t, 1.0, ctr["impressions"])
	assert.Equal(t, 7.0, ctr["period_days"])

	_, list := do(t, srv, http.MethodGet, "/ab/events?user_id=u1&event_type=click", "", "")
	assert.Equal(t, 1.0, list["count"])
}

func TestLogEndpoints_ValidationErrors(t *testing.T) {
	srv, _ := newServer(t)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"search missing query", "/ab/log-search", `{"results_count":3}`},
		{"search missing results count", "/ab/log-search", `{"query":"shoes","search_time_ms":50}`},
		{"click missing product", "/ab/log-click", `{"rank":1}`},
		{"click bad rank", "/ab/log-click", `{"product_id":"p1","rank":-5}`},
		{"impression missing product", "/ab/log-impression", `{"rank":0,"visible":true}`},
		{"malformed json", "/ab/log-search", `{"query":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, srv, http.MethodPost, tt.path, "u1", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["errors"])
		})
	}

	_, list := do(t, srv, http.MethodGet, "/ab/events", "", "")
	assert.Equal(t, 0.0, list["count"])
}

func TestClick_OmittedRankIsUnknown(t *testing.T) {
	srv, eng := newServer(t)

	resp, _ := do(t, srv, http.MethodPost, "/ab/log-click", "u1", `{"product_id":"p1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rank, err := eng.Analytics.RankMetrics(context.Background(), analytics.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, rank.UnknownRankClicks)
	assert.Zero(t, rank.TotalClicks)
}

func TestAnalytics_BadParams(t *testing.T) {
	srv, _ := newServer(t)

	for _, path := range []string{
		"/analytics/ctr?days=0",
		"/analytics/ctr?days=400",
		"/analytics/ctr?variant=search_v9",
		"/analytics/ctr?event_type=hover",
		"/analytics/rank-metrics?days=abc",
		"/analytics/variants-comparison?days=-1",
		"/ab/events?limit=0",
		"/ab/events?event_type=hover",
	} {
		resp, _ := do(t, srv, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestAnalytics_RoundsOnRender(t *testing.T) {
	srv, _ := newServer(t)

	for i := 0; i < 3; i++ {
		do(t, srv, http.MethodPost, "/ab/log-search", "u1", `{"query":"q","results_count":1,"search_time_ms":10.123}`)
	}
	do(t, srv, http.MethodPost, "/ab/log-click", "u1", `{"product_id":"p1","rank":1}`)

	_, ctr := do(t, srv, http.MethodGet, "/analytics/ctr", "", "")
	assert.Equal(t, 0.3333, ctr["ctr"])

	_, clicksOnly := do(t, srv, http.MethodGet, "/analytics/ctr?event_type=click", "", "")
	assert.Equal(t, 1.0, clicksOnly["clicks"])
	assert.Equal(t, 0.0, clicksOnly["impressions"])

	_, rt := do(t, srv, http.MethodGet, "/analytics/response-time", "", "")
	assert.Equal(t, 10.12, rt["avg_ms"])

	_, sum := do(t, srv, http.MethodGet, "/analytics/user/u1?days=30", "", "")
	assert.Equal(t, "u1", sum["user_id"])
	assert.Equal(t, 3.0, sum["total_searches"])
	assert.Equal(t, 1.0, sum["avg_rank_clicked"])
}

func TestVariantComparison(t *testing.T) {
	srv, _ := newServer(t)

	do(t, srv, http.MethodPost, "/ab/assign?user_id=a&split_ratio=1", "", "")
	do(t, srv, http.MethodPost, "/ab/assign?user_id=b&split_ratio=0", "", "")
	do(t, srv, http.MethodPost, "/ab/log-search", "a", `{"query":"q","results_count":1}`)
	do(t, srv, http.MethodPost, "/ab/log-search", "b", `{"query":"q","results_count":1}`)
	do(t, srv, http.MethodPost, "/ab/log-click", "b", `{"product_id":"p1","rank":0}`)

	resp, body := do(t, srv, http.MethodGet, "/analytics/variants-comparison", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "search_v2", body["winner_by_ctr"])
	variants := body["variants"].(map[string]interface{})
	assert.Contains(t, variants, "search_v1")
	assert.Contains(t, variants, "search_v2")
}

func TestReset(t *testing.T) {
	srv, _ := newServer(t)
	do(t, srv, http.MethodPost, "/ab/log-search", "u1", `{"query":"q","results_count":1}`)

	resp, _ := do(t, srv, http.MethodDelete, "/ab/reset", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodDelete, "/ab/reset?confirm=true", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, overview := do(t, srv, http.MethodGet, "/ab/metrics", "", "")
	assert.Equal(t, 0.0, overview["total_events"])
	assert.Equal(t, 0.0, overview["total_assignments"])
}

func TestRerank_UsesCallerVariant(t *testing.T) {
	srv, _ := newServer(t)
	payload := `{"query":"red shoes","color":"red","category":"shoes","debug":true,"candidates":[
		{"product_id":"A","title":"blue boots","similarity":0.9},
		{"product_id":"B","title":"red shoes","color":"red","category":"shoes","similarity":0.6}]}`

	do(t, srv, http.MethodPost, "/ab/assign?user_id=base&split_ratio=1", "", "")
	resp, body := do(t, srv, http.MethodPost, "/ranking/rerank", "base", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "search_v1", resp.Header.Get("X-Variant"))
	first := body["results"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "A", first["product_id"])

	do(t, srv, http.MethodPost, "/ab/assign?user_id=scored&split_ratio=0", "", "")
	_, body = do(t, srv, http.MethodPost, "/ranking/rerank", "scored", payload)
	first = body["results"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "B", first["product_id"])
	assert.NotNil(t, first["debug_scores"])

	resp, _ = do(t, srv, http.MethodPost, "/ranking/rerank", "scored", `{"candidates":[{"title":"no id"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndPrometheus(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := do(t, srv, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
