package tracker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velometry/velometry/internal/config"
	"github.com/velometry/velometry/internal/errdefs"
	"github.com/velometry/velometry/internal/tracker"
	"github.com/velometry/velometry/internal/window"
)

const jiraStamp = "2006-01-02T15:04:05.000-0700"

func day(d, hour int) time.Time {
	return time.Date(2025, 3, d, hour, 0, 0, 0, time.UTC)
}

func marchWindow() window.Window {
	return window.Window{Since: day(1, 0), Until: day(31, 0)}
}

// searchCall is one recorded search request.
type searchCall struct {
	JQL        string   `json:"jql"`
	StartAt    int      `json:"startAt"`
	MaxResults int      `json:"maxResults"`
	Expand     []string `json:"expand"`
}

func (c searchCall) isCount() bool { return c.MaxResults == 0 }

func (c searchCall) wantsChangelog() bool {
	for _, e := range c.Expand {
		if e == "changelog" {
			return true
		}
	}

	return false
}

func issueJSON(key string, created time.Time, status string) map[string]any {
	return map[string]any{
		"key": key,
		"fields": map[string]any{
			"issuetype":      map[string]any{"name": "Story"},
			"status":         map[string]any{"name": status},
			"assignee":       map[string]any{"name": "amy.j"},
			"created":        created.Format(jiraStamp),
			"resolutiondate": nil,
			"labels":         []string{},
		},
	}
}

// trackerFixture serves a fixed issue list through the search endpoint and
// records every search call.
type trackerFixture struct {
	issues []map[string]any
	calls  []searchCall

	// failPageFrom makes every data page at startAt >= the value fail
	// with 500. Negative disables.
	failPageFrom int
}

func (f *trackerFixture) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/search" {
			http.NotFound(w, r)

			return
		}

		var call searchCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		f.calls = append(f.calls, call)

		if call.isCount() {
			writeJSON(t, w, map[string]any{"total": len(f.issues), "issues": []any{}})

			return
		}

		if f.failPageFrom >= 0 && call.StartAt >= f.failPageFrom {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		end := call.StartAt + call.MaxResults
		if end > len(f.issues) {
			end = len(f.issues)
		}

		page := []map[string]any{}
		if call.StartAt < len(f.issues) {
			page = f.issues[call.StartAt:end]
		}

		writeJSON(t, w, map[string]any{"total": len(f.issues), "issues": page})
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func (f *trackerFixture) dataCalls() []searchCall {
	var data []searchCall

	for _, call := range f.calls {
		if !call.isCount() {
			data = append(data, call)
		}
	}

	return data
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)

	return nil
}

func paginationConfig() config.PaginationConfig {
	return config.PaginationConfig{
		Enabled:           true,
		BatchSize:         2,
		LargeBatchSize:    4,
		HugeThreshold:     5,
		MaxRetries:        3,
		RetryDelaySeconds: 5,
	}
}

func newTracker(t *testing.T, handler http.Handler, mutate func(*config.IssueTrackerConfig)) (*tracker.Client, *sleepRecorder) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.IssueTrackerConfig{
		Server:     server.URL,
		Username:   "svc",
		APIToken:   "token",
		VerifySSL:  true,
		Pagination: paginationConfig(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	sleeper := &sleepRecorder{}

	client, err := tracker.NewClient(tracker.Options{Config: cfg, Sleep: sleeper.sleep})
	require.NoError(t, err)

	return client, sleeper
}

func manyIssues(n int) []map[string]any {
	issues := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		issues = append(issues, issueJSON(fmt.Sprintf("PROJ-%d", i+1), day(2+i%20, 9), "Open"))
	}

	return issues
}

func TestSearchIssuesSingleBatchAtBatchSize(t *testing.T) {
	t.Parallel()

	fixture := &trackerFixture{issues: manyIssues(2), failPageFrom: -1}
	client, _ := newTracker(t, fixture.handler(t), nil)

	issues, err := client.SearchIssues(context.Background(), "project = PROJ", marchWindow())
	require.NoError(t, err)
	assert.Len(t, issues, 2)

	data := fixture.dataCalls()
	require.Len(t, data, 1, "count at batchSize still needs only one data request")
	assert.Equal(t, 2, data[0].MaxResults)
	assert.True(t, data[0].wantsChangelog())
}

func TestSearchIssuesTwoBatchesJustOverBatchSize(t *testing.T) {
	t.Parallel()

	fixture := &trackerFixture{issues: manyIssues(3), failPageFrom: -1}
	client, _ := newTracker(t, fixture.handler(t), nil)

	issues, err := client.SearchIssues(context.Background(), "project = PROJ", marchWindow())
	require.NoError(t, err)
	assert.Len(t, issues, 3)

	data := fixture.dataCalls()
	require.Len(t, data, 2)
	assert.Equal(t, 0, data[0].StartAt)
	assert.Equal(t, 2, data[1].StartAt)
}

func TestSearchIssuesHugeAtThreshold(t *testing.T) {
	t.Parallel()

	// Exactly hugeThreshold: the comparison is >=, so this is a huge set.
	fixture := &trackerFixture{issues: manyIssues(5), failPageFrom: -1}
	client, _ := newTracker(t, fixture.handler(t), nil)

	issues, err := client.SearchIssues(context.Background(), "project = PROJ", marchWindow())
	require.NoError(t, err)
	require.Len(t, issues, 5)

	for _, issue := range issues {
		assert.True(t, issue.Approximated, "changelog skipped above threshold")
	}

	data := fixture.dataCalls()
	require.Len(t, data, 2, "large batches: 4 + 1")
	assert.Equal(t, 4, data[0].MaxResults)
	assert.False(t, data[0].wantsChangelog())
}

func TestSearchIssuesZeroCountSkipsDataQuery(t *testing.T) {
	t.Parallel()

	fixture := &trackerFixture{failPageFrom: -1}
	client, _ := newTracker(t, fixture.handler(t), nil)

	issues, err := client.SearchIssues(context.Background(), "project = PROJ", marchWindow())
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Empty(t, fixture.dataCalls())
}

func TestSearchIssuesCountUnavailableFallsBack(t *testing.T) {
	t.Parallel()

	fixture := &trackerFixture{issues: manyIssues(3), failPageFrom: -1}

	var countSeen bool

	handler := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		var call searchCall
		require.NoError(t, json.Unmarshal(body, &call))

		if call.isCount() {
			countSeen = true
			w.WriteHeader(http.StatusGatewayTimeout)

			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		fixture.handler(t)(w, r)
	}

	client, _ := newTracker(t, http.HandlerFunc(handler), nil)

	issues, err := client.SearchIssues(context.Background(), "project = PROJ", marchWindow())
	require.NoError(t, err)
	require.True(t, countSeen)

	// Large batch, no changelog, paged until a short page.
	require.Len(t, issues, 3)
	assert.True(t, issues[0].Approximated)

	data := fixture.dataCalls()
	require.NotEmpty(t, data)
	assert.Equal(t, 4, data[0].MaxResults)
	assert.False(t, data[0].wantsChangelog())
}

func TestSearchIssuesRetrySchedule(t *testing.T) {
	t.Parallel()

	fixture := &trackerFixture{issues: manyIssues(4), failPageFrom: 2}
	client, sleeper := newTracker(t, fixture.handler(t), nil)

	issues, err := client.SearchIssues(context.Background(), "project = PROJ", marchWindow())
	require.Error(t, err)
	assert.True(t, errdefs.IsPartial(err), "collected pages survive retry exhaustion")
	assert.ErrorIs(t, err, errdefs.ErrUpstreamTransient)

	// The first page's two issues were collected before the second page
	// failed its three attempts.
	assert.Len(t, issues, 2)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, sleeper.waits)
}

func TestSearchIssuesMalformedJQLSurfacesImmediately(t *testing.T) {
	t.Parallel()

	var calls int

	handler := func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}

	client, sleeper := newTracker(t, http.HandlerFunc(handler), nil)

	_, err := client.SearchIssues(context.Background(), "project ==== nope", marchWindow())
	require.ErrorIs(t, err, errdefs.ErrUpstreamPermanent)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.waits)
}

func TestSearchIssuesShiftsAndFiltersWindow(t *testing.T) {
	t.Parallel()

	fixture := &trackerFixture{
		issues: []map[string]any{
			issueJSON("PROJ-1", day(6, 9), "Open"),  // Inside the shifted window.
			issueJSON("PROJ-2", day(16, 9), "Open"), // Outside it.
		},
		failPageFrom: -1,
	}

	server := httptest.NewServer(fixture.handler(t))
	t.Cleanup(server.Close)

	client, err := tracker.NewClient(tracker.Options{
		Config: config.IssueTrackerConfig{
			Server:     server.URL,
			Pagination: paginationConfig(),
			Environments: map[string]config.EnvironmentConfig{
				"uat": {TimeOffsetDays: 5},
			},
		},
		Environment: "uat",
	})
	require.NoError(t, err)

	// Offset 5: [Mar 10, Mar 20) queries as [Mar 5, Mar 15).
	w := window.Window{Since: day(10, 0), Until: day(20, 0)}

	issues, err := client.SearchIssues(context.Background(), "project = PROJ", w)
	require.NoError(t, err)

	require.Len(t, issues, 1)
	assert.Equal(t, "PROJ-1", issues[0].Key)

	require.NotEmpty(t, fixture.calls)
	assert.Contains(t, fixture.calls[0].JQL, "2025-03-05", "shifted bound in the query")
}

func TestChangelogTransitionsMapped(t *testing.T) {
	t.Parallel()

	issue := issueJSON("PROJ-9", day(2, 9), "Done")
	issue["fields"].(map[string]any)["resolutiondate"] = day(6, 9).Format(jiraStamp)
	issue["changelog"] = map[string]any{
		"histories": []any{
			map[string]any{
				"created": day(3, 9).Format(jiraStamp),
				"items": []any{
					map[string]any{"field": "status", "fromString": "Open", "toString": "In Progress"},
					map[string]any{"field": "assignee", "fromString": "", "toString": "amy.j"},
				},
			},
			map[string]any{
				"created": day(6, 9).Format(jiraStamp),
				"items": []any{
					map[string]any{"field": "status", "fromString": "In Progress", "toString": "Done"},
				},
			},
		},
	}

	fixture := &trackerFixture{issues: []map[string]any{issue}, failPageFrom: -1}
	client, _ := newTracker(t, fixture.handler(t), nil)

	issues, err := client.SearchIssues(context.Background(), "key = PROJ-9", marchWindow())
	require.NoError(t, err)
	require.Len(t, issues, 1)

	got := issues[0]
	assert.Equal(t, "Done", got.Status)
	assert.Equal(t, "amy.j", got.Assignee)
	assert.False(t, got.Approximated)
	require.NotNil(t, got.ResolvedAt)

	// Only status items become transitions.
	require.Len(t, got.Transitions, 2)
	assert.Equal(t, "In Progress", got.Transitions[0].To)
	assert.Equal(t, "Done", got.Transitions[1].To)
}

func TestCollectReleases(t *testing.T) {
	t.Parallel()

	handler := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/project/PROJ/versions"):
			writeJSON(t, w, []map[string]any{
				{"id": "1", "name": "v1.4", "released": true, "releaseDate": "2025-03-10"},
				{"id": "2", "name": "v0.9", "released": true, "releaseDate": "2024-06-01"},
				{"id": "3", "name": "next", "released": false},
			})
		case r.URL.Path == "/rest/api/2/search":
			var call searchCall
			require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
			assert.Contains(t, call.JQL, `fixVersion = "v1.4"`)
			assert.Contains(t, call.JQL, "assignee in")

			writeJSON(t, w, map[string]any{
				"total":  2,
				"issues": []map[string]any{{"key": "PROJ-1"}, {"key": "PROJ-2"}},
			})
		default:
			http.NotFound(w, r)
		}
	}

	client, _ := newTracker(t, http.HandlerFunc(handler), nil)

	versions, err := client.CollectReleases(context.Background(), "PROJ", []string{"amy.j"}, marchWindow())
	require.NoError(t, err)

	require.Len(t, versions, 1, "only released versions inside the window")
	assert.Equal(t, "v1.4", versions[0].Name)
	assert.Equal(t, []string{"PROJ-1", "PROJ-2"}, versions[0].IssueKeys)
	require.NotNil(t, versions[0].ReleaseDate)
	assert.Equal(t, day(10, 0), *versions[0].ReleaseDate)
}

func TestFilterOperations(t *testing.T) {
	t.Parallel()

	handler := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/filter/favourite"):
			writeJSON(t, w, []map[string]any{{"id": "10", "name": "Team board", "jql": "project = PROJ"}})
		case strings.HasSuffix(r.URL.Path, "/filter/search"):
			assert.Equal(t, "board", r.URL.Query().Get("filterName"))
			writeJSON(t, w, map[string]any{
				"values": []map[string]any{{"id": "10", "name": "Team board", "jql": "project = PROJ"}},
			})
		case strings.HasSuffix(r.URL.Path, "/filter/10"):
			writeJSON(t, w, map[string]any{"id": "10", "name": "Team board", "jql": "project = PROJ"})
		default:
			http.NotFound(w, r)
		}
	}

	client, _ := newTracker(t, http.HandlerFunc(handler), nil)
	ctx := context.Background()

	filters, err := client.ListUserFilters(ctx)
	require.NoError(t, err)
	require.Len(t, filters, 1)
	assert.Equal(t, "Team board", filters[0].Name)

	found, err := client.SearchFilters(ctx, "board")
	require.NoError(t, err)
	require.Len(t, found, 1)

	jql, err := client.GetFilterJQL(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "project = PROJ", jql)
}

func TestHugeThresholdRequiredWhenPaginating(t *testing.T) {
	t.Parallel()

	cfg := config.IssueTrackerConfig{
		Server:     "https://tracker.example.com",
		Pagination: config.PaginationConfig{Enabled: true, BatchSize: 100},
	}

	_, err := tracker.NewClient(tracker.Options{Config: cfg})
	require.ErrorIs(t, err, errdefs.ErrConfig)
}
