package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velometry/velometry/internal/metrics"
	"github.com/velometry/velometry/internal/record"
	"github.com/velometry/velometry/internal/window"
)

var repoAlpha = record.RepoRef{Owner: "acme", Name: "alpha"}

func at(day, hour int) time.Time {
	return time.Date(2025, 3, day, hour, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func marchWindow() window.Window {
	return window.Window{Since: at(1, 0), Until: at(31, 0)}
}

func mergedPR(id int, author string, created, merged time.Time, lines int) record.PullRequest {
	return record.PullRequest{
		Repo:      repoAlpha,
		ID:        id,
		Author:    author,
		CreatedAt: created,
		MergedAt:  ptr(merged),
		Merged:    true,
		Additions: lines,
	}
}

func newKernel() *metrics.Kernel {
	return metrics.NewKernel(metrics.Options{
		Incidents: metrics.IncidentRules{
			Types:       []string{"Incident"},
			BlastRadius: 24 * time.Hour,
		},
	})
}

func TestComputeTeamMetricsPRRollup(t *testing.T) {
	t.Parallel()

	set := record.TeamRecordSet{
		Team:   "core",
		Window: marchWindow(),
		PullRequests: []record.PullRequest{
			mergedPR(1, "amy", at(1, 9), at(2, 9), 5),     // xs, 24h cycle.
			mergedPR(2, "amy", at(3, 9), at(6, 9), 250),   // m, 72h cycle.
			{Repo: repoAlpha, ID: 3, Author: "zoe", CreatedAt: at(4, 9), ClosedAt: ptr(at(5, 9))},
			{Repo: repoAlpha, ID: 4, Author: "zoe", CreatedAt: at(10, 9)},
		},
		Reviews: []record.Review{
			{Repo: repoAlpha, PRID: 1, Reviewer: "zoe", SubmittedAt: at(1, 21)},
			{Repo: repoAlpha, PRID: 1, Reviewer: "amy", SubmittedAt: at(1, 10)}, // Self-review, ignored.
		},
	}

	tm, err := newKernel().ComputeTeamMetrics(set)
	require.NoError(t, err)

	assert.Equal(t, 4, tm.PRs.Total)
	assert.Equal(t, 2, tm.PRs.Merged)
	assert.Equal(t, 1, tm.PRs.ClosedUnmerged)
	assert.Equal(t, 1, tm.PRs.Open)

	require.True(t, tm.PRs.MergeRate.IsOK())
	assert.InDelta(t, 0.5, tm.PRs.MergeRate.Float, 1e-9)

	require.True(t, tm.PRs.CycleTimeMeanHours.IsOK())
	assert.InDelta(t, 48, tm.PRs.CycleTimeMeanHours.Float, 1e-9)
	assert.InDelta(t, 48, tm.PRs.CycleTimeMedianHours.Float, 1e-9)

	// Only the non-author review counts, 12h after creation.
	require.True(t, tm.PRs.TimeToFirstReviewHours.IsOK())
	assert.InDelta(t, 12, tm.PRs.TimeToFirstReviewHours.Float, 1e-9)

	assert.Equal(t, 1, tm.PRs.SizeBuckets[metrics.SizeXS].Count)
	assert.Equal(t, 1, tm.PRs.SizeBuckets[metrics.SizeM].Count)
}

func TestComputeTeamMetricsEmptySetUsesSentinels(t *testing.T) {
	t.Parallel()

	tm, err := newKernel().ComputeTeamMetrics(record.TeamRecordSet{Team: "idle", Window: marchWindow()})
	require.NoError(t, err)

	assert.Equal(t, metrics.StatusInsufficientData, tm.PRs.MergeRate.Status)
	assert.Equal(t, metrics.StatusInsufficientData, tm.PRs.CycleTimeMeanHours.Status)

	// No releases and no merged PRs: the measurement period is empty and
	// every delivery axis is not-applicable.
	assert.Equal(t, metrics.StatusNotApplicable, tm.Delivery.DeploymentsPerDay.Status)
	assert.Equal(t, metrics.StatusNotApplicable, tm.Delivery.LeadTimeMedianHours.Status)
	assert.Equal(t, metrics.StatusNotApplicable, tm.Delivery.ChangeFailureRate.Status)
	assert.Equal(t, metrics.StatusNotApplicable, tm.Delivery.MTTRMedianHours.Status)
	assert.Empty(t, tm.Delivery.Level)
}

func TestComputeTeamMetricsMalformedRecordIsFatal(t *testing.T) {
	t.Parallel()

	set := record.TeamRecordSet{
		Team:         "core",
		Window:       marchWindow(),
		PullRequests: []record.PullRequest{{Repo: repoAlpha, ID: 1}},
	}

	_, err := newKernel().ComputeTeamMetrics(set)
	require.ErrorIs(t, err, metrics.ErrMalformedRecord)
}

func TestReviewMetricsTopReviewerOrdering(t *testing.T) {
	t.Parallel()

	reviews := []record.Review{
		{Repo: repoAlpha, PRID: 1, Reviewer: "zoe", SubmittedAt: at(1, 9)},
		{Repo: repoAlpha, PRID: 2, Reviewer: "zoe", SubmittedAt: at(2, 9)},
		{Repo: repoAlpha, PRID: 3, Reviewer: "amy", SubmittedAt: at(3, 9)},
		{Repo: repoAlpha, PRID: 4, Reviewer: "bob", SubmittedAt: at(4, 9)},
	}

	tm, err := newKernel().ComputeTeamMetrics(record.TeamRecordSet{
		Team: "core", Window: marchWindow(), Reviews: reviews,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, tm.Reviews.Total)
	assert.Equal(t, 3, tm.Reviews.UniqueReviewers)

	require.Len(t, tm.Reviews.TopReviewers, 3)
	assert.Equal(t, "zoe", tm.Reviews.TopReviewers[0].Login, "highest count first")
	assert.Equal(t, "amy", tm.Reviews.TopReviewers[1].Login, "ties break by login ascending")
	assert.Equal(t, "bob", tm.Reviews.TopReviewers[2].Login)
}

func TestContributorMetricsDailyHistogram(t *testing.T) {
	t.Parallel()

	commits := []record.Commit{
		{Repo: repoAlpha, SHA: "a", Author: "amy", AuthoredAt: at(1, 9), Additions: 10, Deletions: 2},
		{Repo: repoAlpha, SHA: "b", Author: "amy", AuthoredAt: at(1, 17), Additions: 5},
		{Repo: repoAlpha, SHA: "c", Author: "amy", AuthoredAt: at(2, 9)},
	}

	tm, err := newKernel().ComputeTeamMetrics(record.TeamRecordSet{
		Team: "core", Window: marchWindow(), Commits: commits,
	})
	require.NoError(t, err)

	require.Len(t, tm.Contributors.Contributors, 1)

	amy := tm.Contributors.Contributors[0]
	assert.Equal(t, 3, amy.Commits)
	assert.Equal(t, 15, amy.Additions)
	assert.Equal(t, 2, amy.Deletions)
	assert.Equal(t, 2, amy.DailyCommits["2025-03-01"])
	assert.Equal(t, 1, amy.DailyCommits["2025-03-02"])
}

func TestIssueMetricsCompletionFromChangelog(t *testing.T) {
	t.Parallel()

	issues := []record.Issue{
		{
			Key: "PLAT-1", Status: "Done", CreatedAt: at(1, 9),
			Transitions: []record.Transition{
				{From: "Open", To: "In Progress", At: at(2, 9)},
				{From: "In Progress", To: "Done", At: at(5, 9)},
			},
		},
		// Done now, but only after the window: not completed inside it.
		{
			Key: "PLAT-2", Status: "Done", CreatedAt: at(3, 9),
			Transitions: []record.Transition{
				{From: "Open", To: "Done", At: time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC)},
			},
		},
		{Key: "PLAT-3", Status: "Open", CreatedAt: at(4, 9)},
	}

	tm, err := newKernel().ComputeTeamMetrics(record.TeamRecordSet{
		Team: "core", Window: marchWindow(), Issues: issues,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, tm.Issues.Count)
	assert.Equal(t, 1, tm.Issues.Completed)
}

func TestComputePersonMetricsRestriction(t *testing.T) {
	t.Parallel()

	set := record.TeamRecordSet{
		Team:   "core",
		Window: marchWindow(),
		PullRequests: []record.PullRequest{
			mergedPR(1, "amy", at(1, 9), at(2, 9), 5),
			mergedPR(2, "zoe", at(3, 9), at(4, 9), 5),
		},
		Commits: []record.Commit{
			{Repo: repoAlpha, SHA: "a", Author: "amy", AuthoredAt: at(1, 9)},
			{Repo: repoAlpha, SHA: "b", Author: "zoe", AuthoredAt: at(3, 9)},
		},
		Issues: []record.Issue{
			{Key: "PLAT-1", Status: "Done", Assignee: "amy.j", CreatedAt: at(1, 9)},
			{Key: "PLAT-2", Status: "Done", Assignee: "zoe.k", CreatedAt: at(2, 9)},
		},
	}

	pm, err := newKernel().ComputePersonMetrics(set, "amy", "amy.j")
	require.NoError(t, err)

	assert.Equal(t, "amy", pm.Login)
	assert.Equal(t, 1, pm.PRs.Total)
	assert.Equal(t, 1, pm.Contributors.TotalCommits)
	assert.Equal(t, 1, pm.Issues.Count)
}
