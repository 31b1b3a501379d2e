package githost_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velometry/velometry/internal/config"
	"github.com/velometry/velometry/internal/errdefs"
	"github.com/velometry/velometry/internal/githost"
	"github.com/velometry/velometry/internal/record"
	"github.com/velometry/velometry/internal/window"
)

func day(d, hour int) time.Time {
	return time.Date(2025, 3, d, hour, 0, 0, 0, time.UTC)
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// recordedSleep captures backoff waits instead of sleeping.
type recordedSleep struct {
	waits []time.Duration
}

func (r *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)

	return nil
}

type clientOptions struct {
	offsetDays int
	rules      []config.ClassificationRule
	maxRetries int
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts clientOptions) (*githost.Client, *recordedSleep) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	sleeper := &recordedSleep{}

	client, err := githost.NewClient(githost.Options{
		Config: config.SourceHostConfig{
			Token:        "token",
			Organization: "acme",
			BaseURL:      server.URL,
			MaxRetries:   opts.maxRetries,
		},
		TimeOffsetDays: opts.offsetDays,
		Classification: opts.rules,
		Sleep:          sleeper.sleep,
	})
	require.NoError(t, err)

	return client, sleeper
}

// variables decodes the GraphQL variables of one request.
func variables(t *testing.T, r *http.Request) map[string]any {
	t.Helper()

	var req struct {
		Variables map[string]any `json:"variables"`
	}

	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

	return req.Variables
}

func prNode(number int, author string, created, merged time.Time) map[string]any {
	return map[string]any{
		"number":      number,
		"title":       "PROJ-42 fix pipeline",
		"headRefName": "fix/pipeline",
		"state":       "MERGED",
		"createdAt":   stamp(created),
		"mergedAt":    stamp(merged),
		"merged":      true,
		"additions":   10,
		"deletions":   2,
		"author":      map[string]any{"login": author},
		"reviews": map[string]any{
			"nodes": []any{
				map[string]any{
					"author":      map[string]any{"login": "zoe"},
					"state":       "APPROVED",
					"submittedAt": stamp(created.Add(2 * time.Hour)),
				},
			},
		},
		"commits": map[string]any{
			"nodes": []any{
				map[string]any{
					"commit": map[string]any{
						"oid":           "abc123",
						"committedDate": stamp(created.Add(time.Hour)),
						"additions":     10,
						"deletions":     2,
						"author": map[string]any{
							"name": "Amy",
							"user": map[string]any{"login": author},
						},
					},
				},
			},
		},
	}
}

func repositoryResponse(prs []any, prHasNext bool, prCursor string, releases []any) map[string]any {
	return map[string]any{
		"data": map[string]any{
			"repository": map[string]any{
				"nameWithOwner": "acme/alpha",
				"pullRequests": map[string]any{
					"pageInfo": map[string]any{"hasNextPage": prHasNext, "endCursor": prCursor},
					"nodes":    prs,
				},
				"releases": map[string]any{
					"pageInfo": map[string]any{"hasNextPage": false, "endCursor": ""},
					"nodes":    releases,
				},
			},
		},
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestCollectRepositoryMetrics(t *testing.T) {
	t.Parallel()

	w := window.Window{Since: day(1, 0), Until: day(31, 0)}

	client, _ := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		vars := variables(t, r)
		assert.Equal(t, "acme", vars["owner"])
		assert.Equal(t, "alpha", vars["repo"])

		writeJSON(t, rw, repositoryResponse(
			[]any{
				prNode(1, "amy", day(3, 9), day(4, 9)),
				prNode(2, "amy", day(1, 9), day(2, 9)),
			},
			false, "",
			[]any{
				map[string]any{"tagName": "Live-2025-03-10", "name": "Live", "publishedAt": stamp(day(10, 12)), "isPrerelease": false},
				map[string]any{"tagName": "v9-rc1", "name": "candidate", "publishedAt": stamp(day(12, 12)), "isPrerelease": true},
			},
		))
	}, clientOptions{
		rules: []config.ClassificationRule{{Pattern: "^Live", Environment: "production"}},
	})

	result, err := client.CollectRepositoryMetrics(context.Background(), "acme", "alpha", w)
	require.NoError(t, err)

	require.Len(t, result.PullRequests, 2)
	assert.Equal(t, record.RepoRef{Owner: "acme", Name: "alpha"}, result.PullRequests[0].Repo)
	assert.Equal(t, []string{"PROJ-42"}, result.PullRequests[0].IssueKeys)

	require.Len(t, result.Reviews, 2)
	assert.Equal(t, "zoe", result.Reviews[0].Reviewer)

	require.Len(t, result.Commits, 2)
	assert.Equal(t, "amy", result.Commits[0].Author)

	require.Len(t, result.Releases, 2)
	assert.Equal(t, record.EnvProduction, result.Releases[0].Environment)
	assert.Equal(t, record.EnvStaging, result.Releases[1].Environment, "prerelease with no matching rule")
}

func TestIssueKeysExtractedFromBody(t *testing.T) {
	t.Parallel()

	w := window.Window{Since: day(1, 0), Until: day(31, 0)}

	client, _ := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "body", "document must request the PR body")

		// The key appears only in the body; title and branch are clean.
		node := prNode(1, "amy", day(3, 9), day(4, 9))
		node["title"] = "fix the deploy pipeline"
		node["headRefName"] = "fix/deploy-pipeline"
		node["body"] = "Fixes PROJ-123 by pinning the runner image."

		writeJSON(t, rw, repositoryResponse([]any{node}, false, "", []any{}))
	}, clientOptions{})

	result, err := client.CollectRepositoryMetrics(context.Background(), "acme", "alpha", w)
	require.NoError(t, err)

	require.Len(t, result.PullRequests, 1)
	assert.Equal(t, "Fixes PROJ-123 by pinning the runner image.", result.PullRequests[0].Body)
	assert.Equal(t, []string{"PROJ-123"}, result.PullRequests[0].IssueKeys)
}

func TestCollectRepositoryMetricsPaginates(t *testing.T) {
	t.Parallel()

	w := window.Window{Since: day(1, 0), Until: day(31, 0)}

	var calls int

	client, _ := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		calls++
		vars := variables(t, r)

		switch calls {
		case 1:
			assert.Nil(t, vars["prCursor"])
			writeJSON(t, rw, repositoryResponse(
				[]any{prNode(2, "amy", day(20, 9), day(21, 9))}, true, "cursor-1", []any{}))
		default:
			assert.Equal(t, "cursor-1", vars["prCursor"])
			assert.Equal(t, false, vars["includeReleases"], "finished connection switched off")
			writeJSON(t, rw, repositoryResponse(
				[]any{prNode(1, "amy", day(5, 9), day(6, 9))}, false, "", []any{}))
		}
	}, clientOptions{})

	result, err := client.CollectRepositoryMetrics(context.Background(), "acme", "alpha", w)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Len(t, result.PullRequests, 2)
}

func TestCollectRepositoryMetricsStopsPastWindow(t *testing.T) {
	t.Parallel()

	w := window.Window{Since: day(10, 0), Until: day(31, 0)}

	var calls int

	client, _ := newTestClient(t, func(rw http.ResponseWriter, _ *http.Request) {
		calls++

		// Every PR predates the window, but the connection claims more
		// pages. Traversal must stop anyway.
		writeJSON(t, rw, repositoryResponse(
			[]any{prNode(1, "amy", day(1, 9), day(2, 9))}, true, "cursor-1", []any{}))
	}, clientOptions{})

	result, err := client.CollectRepositoryMetrics(context.Background(), "acme", "alpha", w)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Empty(t, result.PullRequests, "out-of-window page filtered away")
}

func TestTimeOffsetShiftsWindow(t *testing.T) {
	t.Parallel()

	// Offset 5: [Mar 10, Mar 20) queries as [Mar 5, Mar 15).
	w := window.Window{Since: day(10, 0), Until: day(20, 0)}

	client, _ := newTestClient(t, func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(t, rw, repositoryResponse(
			[]any{
				prNode(1, "amy", day(5, 9), day(6, 9)),   // Inside the shifted window.
				prNode(2, "amy", day(15, 9), day(16, 9)), // Outside it.
			},
			false, "", []any{}))
	}, clientOptions{offsetDays: 5})

	result, err := client.CollectRepositoryMetrics(context.Background(), "acme", "alpha", w)
	require.NoError(t, err)

	require.Len(t, result.PullRequests, 1)
	assert.Equal(t, 1, result.PullRequests[0].ID)
}

func TestNegativeOffsetRejected(t *testing.T) {
	t.Parallel()

	_, err := githost.NewClient(githost.Options{
		Config:         config.SourceHostConfig{Token: "t", BaseURL: "http://host"},
		TimeOffsetDays: -1,
	})
	require.ErrorIs(t, err, errdefs.ErrConfig)
}

func TestRetryBackoffSchedule(t *testing.T) {
	t.Parallel()

	w := window.Window{Since: day(1, 0), Until: day(31, 0)}

	var calls int

	client, sleeper := newTestClient(t, func(rw http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			rw.WriteHeader(http.StatusBadGateway)

			return
		}

		writeJSON(t, rw, repositoryResponse([]any{}, false, "", []any{}))
	}, clientOptions{maxRetries: 3})

	_, err := client.CollectRepositoryMetrics(context.Background(), "acme", "alpha", w)
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.waits)
}

func TestRetriesExhaustedReturnPartial(t *testing.T) {
	t.Parallel()

	w := window.Window{Since: day(1, 0), Until: day(31, 0)}

	var calls int

	client, _ := newTestClient(t, func(rw http.ResponseWriter, _ *http.Request) {
		calls++
		rw.WriteHeader(http.StatusInternalServerError)
	}, clientOptions{maxRetries: 3})

	_, err := client.CollectRepositoryMetrics(context.Background(), "acme", "alpha", w)
	require.Error(t, err)
	assert.True(t, errdefs.IsPartial(err))
	assert.ErrorIs(t, err, errdefs.ErrUpstreamTransient)
	assert.Equal(t, 3, calls)
}

func TestAuthFailureIsPermanent(t *testing.T) {
	t.Parallel()

	w := window.Window{Since: day(1, 0), Until: day(31, 0)}

	var calls int

	client, sleeper := newTestClient(t, func(rw http.ResponseWriter, _ *http.Request) {
		calls++
		rw.WriteHeader(http.StatusUnauthorized)
	}, clientOptions{maxRetries: 3})

	_, err := client.CollectRepositoryMetrics(context.Background(), "acme", "alpha", w)
	require.ErrorIs(t, err, errdefs.ErrUpstreamPermanent)
	assert.False(t, errdefs.IsPartial(err))
	assert.Equal(t, 1, calls, "permanent failures are not retried")
	assert.Empty(t, sleeper.waits)
}

func TestMalformedQueryIsPermanent(t *testing.T) {
	t.Parallel()

	w := window.Window{Since: day(1, 0), Until: day(31, 0)}

	client, _ := newTestClient(t, func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(t, rw, map[string]any{
			"errors": []any{map[string]any{"type": "UNDEFINED_FIELD", "message": "no such field"}},
		})
	}, clientOptions{})

	_, err := client.CollectRepositoryMetrics(context.Background(), "acme", "alpha", w)
	require.ErrorIs(t, err, errdefs.ErrUpstreamPermanent)
}

func TestRetryAfterPausesSession(t *testing.T) {
	t.Parallel()

	w := window.Window{Since: day(1, 0), Until: day(31, 0)}

	var calls int

	client, sleeper := newTestClient(t, func(rw http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			rw.Header().Set("Retry-After", "7")
			rw.WriteHeader(http.StatusTooManyRequests)

			return
		}

		writeJSON(t, rw, repositoryResponse([]any{}, false, "", []any{}))
	}, clientOptions{maxRetries: 3})

	_, err := client.CollectRepositoryMetrics(context.Background(), "acme", "alpha", w)
	require.NoError(t, err)

	// The backoff sleep plus the session pause demanded by Retry-After.
	require.Len(t, sleeper.waits, 2)
	assert.Equal(t, time.Second, sleeper.waits[0])
	assert.InDelta(t, float64(7*time.Second), float64(sleeper.waits[1]), float64(time.Second))
}

func TestCollectPersonMetrics(t *testing.T) {
	t.Parallel()

	w := window.Window{Since: day(1, 0), Until: day(31, 0)}

	searchResponse := func(nodes []any) map[string]any {
		return map[string]any{
			"data": map[string]any{
				"search": map[string]any{
					"pageInfo": map[string]any{"hasNextPage": false, "endCursor": ""},
					"nodes":    nodes,
				},
			},
		}
	}

	client, _ := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		vars := variables(t, r)
		search, _ := vars["searchQuery"].(string)

		node := prNode(1, "amy", day(3, 9), day(4, 9))
		node["repository"] = map[string]any{"nameWithOwner": "acme/alpha"}

		switch {
		case strings.Contains(search, "author:amy"):
			writeJSON(t, rw, searchResponse([]any{node}))
		default:
			// Reviewed-by pass: amy reviewed someone else's PR.
			other := prNode(9, "zoe", day(10, 9), day(11, 9))
			other["repository"] = map[string]any{"nameWithOwner": "acme/alpha"}
			other["reviews"] = map[string]any{
				"nodes": []any{
					map[string]any{
						"author":      map[string]any{"login": "amy"},
						"state":       "APPROVED",
						"submittedAt": stamp(day(10, 12)),
					},
				},
			}
			writeJSON(t, rw, searchResponse([]any{other}))
		}
	}, clientOptions{})

	result, err := client.CollectPersonMetrics(context.Background(), "amy", w)
	require.NoError(t, err)

	require.Len(t, result.PullRequests, 1)
	assert.Equal(t, "amy", result.PullRequests[0].Author)
	assert.Equal(t, record.RepoRef{Owner: "acme", Name: "alpha"}, result.PullRequests[0].Repo)

	require.Len(t, result.Reviews, 1)
	assert.Equal(t, "amy", result.Reviews[0].Reviewer)
	assert.Equal(t, 9, result.Reviews[0].PRID)

	require.Len(t, result.Commits, 1)
	assert.Equal(t, "amy", result.Commits[0].Author)
}
