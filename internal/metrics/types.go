package metrics

import (
	"time"

	"github.com/velometry/velometry/internal/window"
)

// SizeBucket classifies a pull request by lines changed.
type SizeBucket string

// Size buckets over additions+deletions.
const (
	SizeXS SizeBucket = "xs" // < 10
	SizeS  SizeBucket = "s"  // < 100
	SizeM  SizeBucket = "m"  // < 500
	SizeL  SizeBucket = "l"  // < 1000
	SizeXL SizeBucket = "xl" // >= 1000
)

// SizeBucketOrder lists the buckets smallest first, for stable output.
var SizeBucketOrder = []SizeBucket{SizeXS, SizeS, SizeM, SizeL, SizeXL}

// Size bucket upper bounds in lines changed.
const (
	sizeXSBound = 10
	sizeSBound  = 100
	sizeMBound  = 500
	sizeLBound  = 1000
)

// BucketForSize maps a lines-changed count to its size bucket.
func BucketForSize(linesChanged int) SizeBucket {
	switch {
	case linesChanged < sizeXSBound:
		return SizeXS
	case linesChanged < sizeSBound:
		return SizeS
	case linesChanged < sizeMBound:
		return SizeM
	case linesChanged < sizeLBound:
		return SizeL
	default:
		return SizeXL
	}
}

// BucketStats is the cycle-time rollup for one size bucket.
type BucketStats struct {
	Count          int   `json:"count"`
	CycleTimeHours Value `json:"cycleTimeHours"`
}

// PRMetrics is the pull-request rollup of one record set.
type PRMetrics struct {
	Total          int `json:"total"`
	Merged         int `json:"merged"`
	Open           int `json:"open"`
	ClosedUnmerged int `json:"closedUnmerged"`

	MergeRate              Value `json:"mergeRate"`
	CycleTimeMeanHours     Value `json:"cycleTimeMeanHours"`
	CycleTimeMedianHours   Value `json:"cycleTimeMedianHours"`
	TimeToFirstReviewHours Value `json:"timeToFirstReviewHours"`

	SizeBuckets map[SizeBucket]BucketStats `json:"sizeBuckets"`
}

// ReviewerCount is one reviewer with their review count.
type ReviewerCount struct {
	Login string `json:"login"`
	Count int    `json:"count"`
}

// ReviewMetrics is the review rollup of one record set.
type ReviewMetrics struct {
	Total           int             `json:"total"`
	UniqueReviewers int             `json:"uniqueReviewers"`
	TopReviewers    []ReviewerCount `json:"topReviewers"`
}

// ContributorStats is one author's commit activity.
type ContributorStats struct {
	Login     string `json:"login"`
	Commits   int    `json:"commits"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`

	// DailyCommits is keyed by the UTC author date ("2006-01-02").
	DailyCommits map[string]int `json:"dailyCommits,omitempty"`
}

// ContributorMetrics is the per-author rollup, sorted by login.
type ContributorMetrics struct {
	TotalCommits   int                `json:"totalCommits"`
	TotalAdditions int                `json:"totalAdditions"`
	TotalDeletions int                `json:"totalDeletions"`
	Contributors   []ContributorStats `json:"contributors"`
}

// IssueMetrics is the issue-tracker rollup of one record set.
type IssueMetrics struct {
	Count             int  `json:"count"`
	Completed         int  `json:"completed"`
	ChangelogExpanded bool `json:"changelogExpanded"`
}

// PerformanceLevel is the four-step DORA classification.
type PerformanceLevel string

// Performance levels, best first.
const (
	LevelElite  PerformanceLevel = "elite"
	LevelHigh   PerformanceLevel = "high"
	LevelMedium PerformanceLevel = "medium"
	LevelLow    PerformanceLevel = "low"
)

// IncidentSummary is one incident in the recent-incident list.
type IncidentSummary struct {
	Key          string     `json:"key"`
	CreatedAt    time.Time  `json:"createdAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	RestoreHours Value      `json:"restoreHours"`
}

// DeliveryMetrics holds the four DORA indicators for one record set.
type DeliveryMetrics struct {
	// MeasuredWindow is the intersection of the requested window with the
	// observed data range. When empty, every axis is not-applicable.
	MeasuredWindow window.Window `json:"measuredWindow"`

	TotalDeployments       int   `json:"totalDeployments"`
	DeploymentsPerDay      Value `json:"deploymentsPerDay"`
	LeadTimeMedianHours    Value `json:"leadTimeMedianHours"`
	LeadTimeP75Hours       Value `json:"leadTimeP75Hours"`
	LeadTimeP95Hours       Value `json:"leadTimeP95Hours"`
	AttributedPullRequests int   `json:"attributedPullRequests"`
	ChangeFailureRate      Value `json:"changeFailureRate"`
	FailedDeployments      int   `json:"failedDeployments"`
	MTTRMedianHours        Value `json:"mttrMedianHours"`
	MTTRP95Hours           Value `json:"mttrP95Hours"`

	RecentIncidents []IncidentSummary `json:"recentIncidents,omitempty"`

	// Level is empty when no axis could be computed.
	Level PerformanceLevel `json:"level,omitempty"`
}

// TrendPoint is one week of a weekly trend. Weeks without observations carry
// an insufficient-data value, which marshals to null.
type TrendPoint struct {
	WeekStart string `json:"weekStart"`
	Value     Value  `json:"value"`
}

// Trend is a weekly series sorted by week start.
type Trend []TrendPoint

// Trends groups the weekly series of one record set.
type Trends struct {
	MergedPRs      Trend `json:"mergedPrs"`
	CycleTimeHours Trend `json:"cycleTimeHours"`
	Deployments    Trend `json:"deployments"`
	LeadTimeHours  Trend `json:"leadTimeHours"`
}

// TeamMetrics is the full metric payload of one team over one window.
type TeamMetrics struct {
	Team    string        `json:"team"`
	Window  window.Window `json:"window"`
	Partial bool          `json:"partial"`

	PRs          PRMetrics          `json:"prs"`
	Reviews      ReviewMetrics      `json:"reviews"`
	Contributors ContributorMetrics `json:"contributors"`
	Issues       IssueMetrics       `json:"issues"`
	Delivery     DeliveryMetrics    `json:"delivery"`
	Trends       Trends             `json:"trends"`
}

// PersonMetrics is the metric payload of one contributor, plus their
// peer-normalized performance score.
type PersonMetrics struct {
	Login  string        `json:"login"`
	Name   string        `json:"name,omitempty"`
	Team   string        `json:"team"`
	Window window.Window `json:"window"`

	PRs          PRMetrics          `json:"prs"`
	Reviews      ReviewMetrics      `json:"reviews"`
	Contributors ContributorMetrics `json:"contributors"`
	Issues       IssueMetrics       `json:"issues"`
	Delivery     DeliveryMetrics    `json:"delivery"`

	Score float64 `json:"score"`
}

// ComparisonRow projects one team's metrics onto the common cross-team
// schema.
type ComparisonRow struct {
	Team              string           `json:"team"`
	PRsMerged         int              `json:"prsMerged"`
	MergeRate         Value            `json:"mergeRate"`
	CycleTimeHours    Value            `json:"cycleTimeHours"`
	Reviews           int              `json:"reviews"`
	Commits           int              `json:"commits"`
	Deployments       int              `json:"deployments"`
	DeploymentsPerDay Value            `json:"deploymentsPerDay"`
	LeadTimeHours     Value            `json:"leadTimeHours"`
	ChangeFailureRate Value            `json:"changeFailureRate"`
	MTTRHours         Value            `json:"mttrHours"`
	Level             PerformanceLevel `json:"level,omitempty"`
}

// Comparison builds the cross-team view from team metric payloads, in input
// order.
func Comparison(teams []TeamMetrics) []ComparisonRow {
	rows := make([]ComparisonRow, 0, len(teams))

	for _, tm := range teams {
		rows = append(rows, ComparisonRow{
			Team:              tm.Team,
			PRsMerged:         tm.PRs.Merged,
			MergeRate:         tm.PRs.MergeRate,
			CycleTimeHours:    tm.PRs.CycleTimeMedianHours,
			Reviews:           tm.Reviews.Total,
			Commits:           tm.Contributors.TotalCommits,
			Deployments:       tm.Delivery.TotalDeployments,
			DeploymentsPerDay: tm.Delivery.DeploymentsPerDay,
			LeadTimeHours:     tm.Delivery.LeadTimeMedianHours,
			ChangeFailureRate: tm.Delivery.ChangeFailureRate,
			MTTRHours:         tm.Delivery.MTTRMedianHours,
			Level:             tm.Delivery.Level,
		})
	}

	return rows
}
