package metrics

import (
	"time"

	"github.com/velometry/velometry/internal/record"
	"github.com/velometry/velometry/internal/window"
	"github.com/velometry/velometry/pkg/stats"
)

// computeTrends builds the weekly series for one record set. Every week the
// window touches appears exactly once; weeks without observations carry the
// insufficient-data sentinel so dashboards draw a gap, not a zero.
func computeTrends(set record.TeamRecordSet, attribution releaseAttribution) Trends {
	weeks := set.Window.WeekStarts()
	if len(weeks) == 0 {
		return Trends{}
	}

	mergedCounts := make(map[time.Time]float64)
	cycleSamples := make(map[time.Time][]float64)

	for _, pr := range set.PullRequests {
		if !pr.Merged || pr.MergedAt == nil {
			continue
		}

		week := window.WeekStart(*pr.MergedAt)
		mergedCounts[week]++

		if hours := pr.MergedAt.Sub(pr.CreatedAt).Hours(); hours >= 0 {
			cycleSamples[week] = append(cycleSamples[week], hours)
		}
	}

	deployCounts := make(map[time.Time]float64)

	for _, release := range set.Releases {
		if release.Environment == record.EnvProduction {
			deployCounts[window.WeekStart(release.PublishedAt)]++
		}
	}

	leadSamples := make(map[time.Time][]float64)
	for _, att := range attribution.prs {
		week := window.WeekStart(att.release.PublishedAt)
		leadSamples[week] = append(leadSamples[week], att.leadHours)
	}

	return Trends{
		MergedPRs:      countTrend(weeks, mergedCounts),
		CycleTimeHours: medianTrend(weeks, cycleSamples),
		Deployments:    countTrend(weeks, deployCounts),
		LeadTimeHours:  medianTrend(weeks, leadSamples),
	}
}

// countTrend renders a per-week count series. A week absent from counts had
// no observations.
func countTrend(weeks []time.Time, counts map[time.Time]float64) Trend {
	out := make(Trend, 0, len(weeks))

	for _, week := range weeks {
		point := TrendPoint{WeekStart: week.Format("2006-01-02"), Value: InsufficientData()}
		if count, ok := counts[week]; ok {
			point.Value = Ok(count)
		}

		out = append(out, point)
	}

	return out
}

// medianTrend renders a per-week median series over the sampled values.
func medianTrend(weeks []time.Time, samples map[time.Time][]float64) Trend {
	out := make(Trend, 0, len(weeks))

	for _, week := range weeks {
		point := TrendPoint{WeekStart: week.Format("2006-01-02"), Value: InsufficientData()}
		if weekSamples := samples[week]; len(weekSamples) > 0 {
			point.Value = Ok(stats.Median(weekSamples))
		}

		out = append(out, point)
	}

	return out
}
