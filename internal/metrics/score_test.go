package metrics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velometry/velometry/internal/config"
	"github.com/velometry/velometry/internal/metrics"
)

func evenWeights() config.WeightsConfig {
	return config.WeightsConfig{
		PRs: 0.1, Reviews: 0.1, Commits: 0.1, CycleTime: 0.1,
		JiraCompleted: 0.1, MergeRate: 0.1, DeploymentFrequency: 0.1,
		LeadTime: 0.1, ChangeFailureRate: 0.1, MTTR: 0.1,
	}
}

func personWith(team string, merged, reviews, commits, completed int, cycleHours float64) metrics.PersonMetrics {
	pm := metrics.PersonMetrics{Team: team}
	pm.PRs.Merged = merged
	pm.PRs.MergeRate = metrics.Ok(1)
	pm.PRs.CycleTimeMedianHours = metrics.Ok(cycleHours)
	pm.Reviews.Total = reviews
	pm.Contributors.TotalCommits = commits
	pm.Issues.Completed = completed
	pm.Delivery.DeploymentsPerDay = metrics.InsufficientData()
	pm.Delivery.LeadTimeMedianHours = metrics.InsufficientData()
	pm.Delivery.ChangeFailureRate = metrics.InsufficientData()
	pm.Delivery.MTTRMedianHours = metrics.InsufficientData()

	return pm
}

func TestScoreRangeAndOrdering(t *testing.T) {
	t.Parallel()

	scorer := metrics.NewScorer(evenWeights(), false)

	strong := personWith("core", 10, 20, 50, 8, 12)
	weak := personWith("core", 2, 1, 5, 1, 96)
	peers := []metrics.PersonMetrics{strong, weak}

	strongScore := scorer.Score(strong, peers, nil)
	weakScore := scorer.Score(weak, peers, nil)

	assert.GreaterOrEqual(t, strongScore, 0.0)
	assert.LessOrEqual(t, strongScore, 100.0)
	assert.Greater(t, strongScore, weakScore)
}

func TestScoreZeroAtPeerMinimum(t *testing.T) {
	t.Parallel()

	scorer := metrics.NewScorer(evenWeights(), false)

	// The weak peer sits at the minimum of every larger-is-better axis and
	// the maximum of every smaller-is-better axis.
	strong := personWith("core", 10, 20, 50, 8, 12)
	strong.PRs.MergeRate = metrics.Ok(1)

	weak := personWith("core", 0, 0, 0, 0, 96)
	weak.PRs.MergeRate = metrics.Ok(0)

	peers := []metrics.PersonMetrics{strong, weak}
	assert.Zero(t, scorer.Score(weak, peers, nil))
}

func TestScoreMissingDimensionsScoreZero(t *testing.T) {
	t.Parallel()

	scorer := metrics.NewScorer(evenWeights(), false)

	solo := personWith("core", 5, 5, 5, 5, 10)

	// A single-member peer group degenerates every axis: min == max.
	assert.Zero(t, scorer.Score(solo, []metrics.PersonMetrics{solo}, nil))
}

func TestScoreRoundsToOneDecimal(t *testing.T) {
	t.Parallel()

	scorer := metrics.NewScorer(evenWeights(), false)

	a := personWith("core", 3, 0, 0, 0, 10)
	b := personWith("core", 0, 0, 0, 0, 30)
	c := personWith("core", 9, 0, 0, 0, 90)
	peers := []metrics.PersonMetrics{a, b, c}

	score := scorer.Score(a, peers, nil)

	// PRs: (3-0)/(9-0) = 1/3; cycle inverted: 1 - (10-10)/(90-10)... a is at
	// the cycle minimum, so cycle scores 1. Merge rate degenerates (all 1).
	// 0.1·(1/3) + 0.1·1 = 0.13333 → 13.3 after rounding.
	require.InDelta(t, 13.3, score, 1e-9)
	assert.Equal(t, score, float64(int(score*10))/10, "one decimal place")
}

func TestScoreTeamSizeNormalization(t *testing.T) {
	t.Parallel()

	weights := config.WeightsConfig{PRs: 1.0}
	scorer := metrics.NewScorer(weights, true)

	// Ten merged PRs from a team of five versus four from a pair: per-head
	// the small team wins.
	bigTeam := personWith("platform", 10, 0, 0, 0, 10)
	smallTeam := personWith("duo", 4, 0, 0, 0, 10)
	peers := []metrics.PersonMetrics{bigTeam, smallTeam}

	sizes := map[string]int{"platform": 5, "duo": 2}

	assert.Greater(t, scorer.Score(smallTeam, peers, sizes), scorer.Score(bigTeam, peers, sizes))
}
