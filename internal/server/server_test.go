package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velometry/velometry/internal/auth"
	"github.com/velometry/velometry/internal/cache"
	"github.com/velometry/velometry/internal/config"
	"github.com/velometry/velometry/internal/events"
	"github.com/velometry/velometry/internal/metrics"
	"github.com/velometry/velometry/internal/perftrack"
	"github.com/velometry/velometry/internal/server"
)

func evenWeights() config.WeightsConfig {
	return config.WeightsConfig{
		PRs: 0.1, Reviews: 0.1, Commits: 0.1, CycleTime: 0.1, JiraCompleted: 0.1,
		MergeRate: 0.1, DeploymentFrequency: 0.1, LeadTime: 0.1, ChangeFailureRate: 0.1, MTTR: 0.1,
	}
}

func testConfig(dir string) *config.Config {
	return &config.Config{
		Teams: []config.TeamConfig{{
			Name: "platform",
			Members: []config.MemberConfig{
				{Name: "Amy Jones", SourceLogin: "amy"},
				{Name: "Zoe Park", SourceLogin: "zoe"},
			},
			Repositories: []string{"acme/api"},
		}},
		Weights: evenWeights(),
		Cache: config.CacheConfig{
			Directory:      dir,
			MemoryMaxBytes: 1 << 26,
			EvictionPolicy: cache.PolicyLRU,
			WarmKeys:       []string{"metrics_90d"},
		},
		Performance: config.PerformanceConfig{RetentionDays: 30},
	}
}

func sampleBundle() *cache.Bundle {
	teams := []metrics.TeamMetrics{{
		Team: "platform",
		PRs: metrics.PRMetrics{
			Total: 7, Merged: 5, Open: 1,
			MergeRate:            metrics.Ok(5.0 / 7.0),
			CycleTimeMedianHours: metrics.Ok(20),
			CycleTimeMeanHours:   metrics.InsufficientData(),
		},
		Reviews: metrics.ReviewMetrics{Total: 12, UniqueReviewers: 2},
	}}

	people := []metrics.PersonMetrics{
		{
			Login: "amy", Name: "Amy Jones", Team: "platform",
			PRs:     metrics.PRMetrics{Total: 4, Merged: 3, MergeRate: metrics.Ok(0.75), CycleTimeMedianHours: metrics.Ok(18)},
			Reviews: metrics.ReviewMetrics{Total: 8},
		},
		{
			Login: "zoe", Name: "Zoe Park", Team: "platform",
			PRs:     metrics.PRMetrics{Total: 3, Merged: 2, MergeRate: metrics.Ok(2.0 / 3.0), CycleTimeMedianHours: metrics.Ok(30)},
			Reviews: metrics.ReviewMetrics{Total: 4},
		},
	}

	return &cache.Bundle{Teams: teams, People: people, Comparison: metrics.Comparison(teams)}
}

type fixture struct {
	cfg   *config.Config
	store *cache.Store
	bus   *events.Bus
	perf  *perftrack.Tracker
	ts    *httptest.Server
}

func newFixture(t *testing.T, mutate func(*config.Config), extra func(*server.Options)) *fixture {
	t.Helper()

	cfg := testConfig(t.TempDir())
	if mutate != nil {
		mutate(cfg)
	}

	bus := events.NewBus(events.BusConfig{})
	t.Cleanup(bus.Close)

	store, err := cache.New(cfg.Cache, bus, nil)
	require.NoError(t, err)

	opts := server.Options{
		Config: cfg,
		Store:  store,
		Bus:    bus,
		Now:    func() time.Time { return time.Date(2025, time.March, 31, 12, 0, 0, 0, time.UTC) },
	}
	if extra != nil {
		extra(&opts)
	}

	srv, err := server.New(opts)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{cfg: cfg, store: store, bus: bus, ts: ts}
}

func (f *fixture) seed(t *testing.T, key string, partial bool) {
	t.Helper()

	header := cache.Header{
		CreatedAt:   time.Date(2025, time.March, 31, 10, 0, 0, 0, time.UTC),
		RangeSpec:   "90d",
		Environment: "",
		Partial:     partial,
	}

	require.NoError(t, f.store.Put(context.Background(), key, header, sampleBundle()))
}

func getJSON(t *testing.T, url string, want int) map[string]any {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)

	defer resp.Body.Close()
	require.Equal(t, want, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return body
}

func postJSON(t *testing.T, url, payload string, want int) map[string]any {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(payload))
	require.NoError(t, err)

	defer resp.Body.Close()
	require.Equal(t, want, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return body
}

func TestMetricsServesScoredBundle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.seed(t, "metrics_90d", false)

	body := getJSON(t, f.ts.URL+"/api/metrics?range=90d", http.StatusOK)

	meta, ok := body["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", meta["status"])
	assert.Equal(t, "90d", meta["rangeSpec"])

	teams, ok := body["teams"].([]any)
	require.True(t, ok)
	require.Len(t, teams, 1)

	// Sentinel values cross the wire as null, never zero.
	team := teams[0].(map[string]any)
	prs := team["prs"].(map[string]any)
	assert.Nil(t, prs["cycleTimeMeanHours"])
	assert.InDelta(t, 5.0/7.0, prs["mergeRate"].(float64), 1e-9)

	persons, ok := body["persons"].([]any)
	require.True(t, ok)
	require.Len(t, persons, 2)

	// Scores are computed at serve time; amy leads zoe on every axis.
	amy := persons[0].(map[string]any)
	zoe := persons[1].(map[string]any)
	assert.Greater(t, amy["score"].(float64), zoe["score"].(float64))

	comparison, ok := body["comparison"].([]any)
	require.True(t, ok)
	assert.Len(t, comparison, 1)
}

func TestMetricsMissingArtifact(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)

	body := getJSON(t, f.ts.URL+"/api/metrics?range=30d", http.StatusNotFound)
	assert.Equal(t, "not_found", body["code"])
}

func TestMetricsRejectsInvalidRange(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)

	body := getJSON(t, f.ts.URL+"/api/metrics?range=7d", http.StatusBadRequest)
	assert.Equal(t, "invalid_request", body["code"])
}

func TestMetricsPartialArtifact(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.seed(t, "metrics_90d", true)

	body := getJSON(t, f.ts.URL+"/api/metrics?range=90d", http.StatusOK)
	meta := body["metadata"].(map[string]any)
	assert.Equal(t, "partial", meta["status"])
}

func TestMetricsRefusesPartialWhenConfigured(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *config.Config) {
		cfg.Dashboard.RefusePartialData = true
	}, nil)
	f.seed(t, "metrics_90d", true)

	body := getJSON(t, f.ts.URL+"/api/metrics?range=90d", http.StatusServiceUnavailable)
	assert.Equal(t, "partial_data", body["code"])
}

func TestRefreshPublishesManualRefresh(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)

	var (
		mu       sync.Mutex
		captured []events.Event
	)

	require.NoError(t, f.bus.SubscribeSync(events.ManualRefresh, "test.capture", func(_ context.Context, evt events.Event) {
		mu.Lock()
		captured = append(captured, evt)
		mu.Unlock()
	}))

	body := getJSON(t, f.ts.URL+"/api/refresh?range=90d&env=uat", http.StatusAccepted)
	assert.Equal(t, "accepted", body["status"])
	assert.NotEmpty(t, body["jobId"])

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, captured, 1)
	assert.Equal(t, body["jobId"], captured[0].Payload["jobId"])
	assert.Equal(t, "90d", captured[0].Payload["rangeSpec"])
	assert.Equal(t, "uat", captured[0].Payload["environment"])
}

func TestReloadCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.seed(t, "metrics_90d", false)

	body := postJSON(t, f.ts.URL+"/api/reload-cache?range=90d", "", http.StatusOK)
	assert.Equal(t, true, body["reloaded"])
	assert.Equal(t, "metrics_90d", body["key"])

	missing := postJSON(t, f.ts.URL+"/api/reload-cache?range=60d", "", http.StatusNotFound)
	assert.Equal(t, "not_found", missing["code"])
}

func TestCacheAdminEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.seed(t, "metrics_90d", false)

	statsBody := getJSON(t, f.ts.URL+"/api/cache/stats", http.StatusOK)
	assert.GreaterOrEqual(t, statsBody["entryCount"].(float64), 1.0)

	clearBody := postJSON(t, f.ts.URL+"/api/cache/clear", "", http.StatusOK)
	assert.GreaterOrEqual(t, clearBody["cleared"].(float64), 1.0)

	warmBody := postJSON(t, f.ts.URL+"/api/cache/warm", "", http.StatusOK)
	warmed := warmBody["warmed"].([]any)
	require.Len(t, warmed, 1)
	assert.Equal(t, "metrics_90d", warmed[0])
}

func TestWeightsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)

	var (
		mu       sync.Mutex
		captured []events.Event
	)

	require.NoError(t, f.bus.SubscribeSync(events.ConfigChanged, "test.capture", func(_ context.Context, evt events.Event) {
		mu.Lock()
		captured = append(captured, evt)
		mu.Unlock()
	}))

	bad := postJSON(t, f.ts.URL+"/api/settings/weights", `{"prs": 0.9, "reviews": 0.9}`, http.StatusBadRequest)
	assert.Equal(t, "invalid_request", bad["code"])

	valid := `{"prs":0.1,"reviews":0.1,"commits":0.1,"cycleTime":0.1,"jiraCompleted":0.1,
		"mergeRate":0.1,"deploymentFrequency":0.1,"leadTime":0.1,"changeFailureRate":0.1,"mttr":0.1}`
	good := postJSON(t, f.ts.URL+"/api/settings/weights", valid, http.StatusOK)
	assert.Equal(t, "ok", good["status"])

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, captured, 1)
	assert.Equal(t, "weights", captured[0].Payload["scope"])
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()

	hash, err := auth.HashPassword("s3cret", auth.MinIterations)
	require.NoError(t, err)

	f := newFixture(t, func(cfg *config.Config) {
		cfg.Dashboard.Auth = config.AuthConfig{
			Enabled: true,
			Users:   []config.UserConfig{{Username: "ops", PasswordHash: hash}},
		}
	}, nil)

	resp, err := http.Get(f.ts.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `Basic realm="velometry"`, resp.Header.Get("WWW-Authenticate"))

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/health", nil)
	require.NoError(t, err)
	req.SetBasicAuth("ops", "wrong")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.SetBasicAuth("ops", "s3cret")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *config.Config) {
		cfg.Dashboard.RateLimiting = config.RateLimitConfig{
			Enabled:      true,
			DefaultLimit: "2/minute",
			StorageURI:   "memory://",
		}
	}, nil)

	for range 2 {
		resp, err := http.Get(f.ts.URL + "/api/health")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := http.Get(f.ts.URL + "/api/health")
	require.NoError(t, err)

	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "rate_limited", body["code"])
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)

	resp, err := http.Get(f.ts.URL + "/api/health")
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "SAMEORIGIN", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", resp.Header.Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'self'", resp.Header.Get("Content-Security-Policy"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))
}

func TestHSTSWhenEnabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *config.Config) {
		cfg.Dashboard.EnableHSTS = true
	}, nil)

	resp, err := http.Get(f.ts.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Contains(t, resp.Header.Get("Strict-Transport-Security"), "max-age=")
}

func TestLivenessAndReadiness(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)

	for _, path := range []string{"/healthz", "/readyz", "/api/health"} {
		resp, err := http.Get(f.ts.URL + path)
		require.NoError(t, err)

		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
