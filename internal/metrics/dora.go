package metrics

import (
	"sort"
	"time"

	"github.com/velometry/velometry/internal/record"
	"github.com/velometry/velometry/internal/window"
	"github.com/velometry/velometry/pkg/stats"
)

// recentIncidentLimit bounds the recent-incident list.
const recentIncidentLimit = 10

// Performance-level thresholds. Each axis maps its value to the best level
// whose bound it satisfies; ties across axes resolve to the worst level.
const (
	dfElitePerDay  = 1.0
	dfHighPerDay   = 1.0 / 7
	dfMediumPerDay = 1.0 / 30

	ltEliteHours  = 24.0
	ltHighHours   = 24.0 * 7
	ltMediumHours = 24.0 * 30

	cfrElite  = 0.05
	cfrHigh   = 0.10
	cfrMedium = 0.15

	mttrEliteHours  = 1.0
	mttrHighHours   = 24.0
	mttrMediumHours = 24.0 * 7
)

// attributedPR is one pull request mapped to a production release.
type attributedPR struct {
	pr        record.PullRequest
	release   record.Release
	leadHours float64
}

// releaseAttribution is the PR→release mapping for one record set, shared by
// the delivery metrics and the lead-time trend.
type releaseAttribution struct {
	prs []attributedPR
}

// computeDelivery derives the four DORA indicators. The effective window is
// the intersection of the requested window with the observed data range;
// when it is empty every axis reports not-applicable.
func (k *Kernel) computeDelivery(set record.TeamRecordSet) (DeliveryMetrics, releaseAttribution) {
	measured := measurementPeriod(set)
	if measured.IsEmpty() {
		return DeliveryMetrics{
			MeasuredWindow:      measured,
			DeploymentsPerDay:   NotApplicable(),
			LeadTimeMedianHours: NotApplicable(),
			LeadTimeP75Hours:    NotApplicable(),
			LeadTimeP95Hours:    NotApplicable(),
			ChangeFailureRate:   NotApplicable(),
			MTTRMedianHours:     NotApplicable(),
			MTTRP95Hours:        NotApplicable(),
		}, releaseAttribution{}
	}

	production := productionReleases(set.Releases)
	attribution := attributeReleases(production, set.PullRequests, set.FixVersions)
	incidents := k.incidentIssues(set.Issues, set.Window)

	out := DeliveryMetrics{
		MeasuredWindow:         measured,
		TotalDeployments:       len(production),
		AttributedPullRequests: len(attribution.prs),
	}

	// Deployment frequency.
	if days := measured.Days(); days > 0 && len(production) > 0 {
		out.DeploymentsPerDay = Ok(float64(len(production)) / days)
	} else {
		out.DeploymentsPerDay = InsufficientData()
	}

	// Lead time for changes.
	leadHours := make([]float64, 0, len(attribution.prs))
	for _, att := range attribution.prs {
		leadHours = append(leadHours, att.leadHours)
	}

	if len(leadHours) > 0 {
		out.LeadTimeMedianHours = Ok(stats.Median(leadHours))
		out.LeadTimeP75Hours = Ok(stats.Percentile(leadHours, stats.PercentileP75))
		out.LeadTimeP95Hours = Ok(stats.Percentile(leadHours, stats.PercentileP95))
	} else {
		out.LeadTimeMedianHours = InsufficientData()
		out.LeadTimeP75Hours = InsufficientData()
		out.LeadTimeP95Hours = InsufficientData()
	}

	// Change failure rate.
	if len(production) > 0 {
		out.FailedDeployments = k.failedReleases(production, incidents)
		out.ChangeFailureRate = Ok(float64(out.FailedDeployments) / float64(len(production)))
	} else {
		out.ChangeFailureRate = InsufficientData()
	}

	// Mean time to restore.
	restoreHours := make([]float64, 0, len(incidents))

	for _, incident := range incidents {
		if incident.ResolvedAt == nil {
			continue
		}

		if hours := incident.ResolvedAt.Sub(incident.CreatedAt).Hours(); hours >= 0 {
			restoreHours = append(restoreHours, hours)
		}
	}

	if len(restoreHours) > 0 {
		out.MTTRMedianHours = Ok(stats.Median(restoreHours))
		out.MTTRP95Hours = Ok(stats.Percentile(restoreHours, stats.PercentileP95))
	} else {
		out.MTTRMedianHours = InsufficientData()
		out.MTTRP95Hours = InsufficientData()
	}

	out.RecentIncidents = recentIncidents(incidents)
	out.Level = classify(out)

	return out, attribution
}

// measurementPeriod clips the requested window to the observed data range:
// the span from the earliest to the latest release or merged PR.
func measurementPeriod(set record.TeamRecordSet) window.Window {
	var earliest, latest time.Time

	observe := func(t time.Time) {
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}

		if latest.IsZero() || t.After(latest) {
			latest = t
		}
	}

	for _, release := range set.Releases {
		observe(release.PublishedAt)
	}

	for _, pr := range set.PullRequests {
		if pr.Merged && pr.MergedAt != nil {
			observe(*pr.MergedAt)
		}
	}

	if earliest.IsZero() {
		return window.Window{}
	}

	// The observed range is inclusive of its latest instant.
	observed := window.Window{Since: earliest, Until: latest.Add(time.Nanosecond)}

	return set.Window.Intersect(observed)
}

// productionReleases filters to production-classified releases sorted by
// publish time.
func productionReleases(releases []record.Release) []record.Release {
	out := make([]record.Release, 0, len(releases))

	for _, release := range releases {
		if release.Environment == record.EnvProduction {
			out = append(out, release)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].PublishedAt.Before(out[j].PublishedAt)
	})

	return out
}

// attributeReleases maps each production release to the PRs that introduced
// it. The issue-keyed path wins; the time-based fallback applies only when
// it finds nothing. PRs with negative lead time indicate a mis-mapping and
// are discarded.
func attributeReleases(production []record.Release, prs []record.PullRequest, versions []record.FixVersion) releaseAttribution {
	var attribution releaseAttribution

	prevByRepo := make(map[record.RepoRef]time.Time)

	for _, release := range production {
		attributed := attributeByIssueKeys(release, prs, versions)
		if len(attributed) == 0 {
			attributed = attributeByTime(release, prs, prevByRepo[release.Repo])
		}

		for _, pr := range attributed {
			leadHours := release.PublishedAt.Sub(*pr.MergedAt).Hours()
			if leadHours < 0 {
				continue
			}

			attribution.prs = append(attribution.prs, attributedPR{
				pr:        pr,
				release:   release,
				leadHours: leadHours,
			})
		}

		prevByRepo[release.Repo] = release.PublishedAt
	}

	return attribution
}

// attributeByIssueKeys resolves the release's fix version and returns the
// merged PRs referencing one of its issues.
func attributeByIssueKeys(release record.Release, prs []record.PullRequest, versions []record.FixVersion) []record.PullRequest {
	version, ok := matchFixVersion(release, versions)
	if !ok {
		return nil
	}

	inVersion := make(map[string]bool, len(version.IssueKeys))
	for _, key := range version.IssueKeys {
		inVersion[key] = true
	}

	var out []record.PullRequest

	for _, pr := range prs {
		if !pr.Merged || pr.MergedAt == nil {
			continue
		}

		for _, key := range pr.IssueKeys {
			if inVersion[key] {
				out = append(out, pr)

				break
			}
		}
	}

	return out
}

// matchFixVersion pairs a release with its tracker fix version: first by
// name against the tag or release name, then by a released version sharing
// the release's UTC publish date.
func matchFixVersion(release record.Release, versions []record.FixVersion) (record.FixVersion, bool) {
	for _, version := range versions {
		if version.Name == release.Tag || version.Name == release.Name {
			return version, true
		}
	}

	day := release.PublishedAt.UTC().Format("2006-01-02")

	for _, version := range versions {
		if !version.Released || version.ReleaseDate == nil {
			continue
		}

		if version.ReleaseDate.UTC().Format("2006-01-02") == day {
			return version, true
		}
	}

	return record.FixVersion{}, false
}

// attributeByTime returns the release repository's PRs merged after the
// previous production release and on or before this one. A zero prev means
// no earlier release: everything merged up to the release qualifies.
func attributeByTime(release record.Release, prs []record.PullRequest, prev time.Time) []record.PullRequest {
	var out []record.PullRequest

	for _, pr := range prs {
		if !pr.Merged || pr.MergedAt == nil || pr.Repo != release.Repo {
			continue
		}

		merged := *pr.MergedAt
		if merged.After(release.PublishedAt) {
			continue
		}

		if !prev.IsZero() && !merged.After(prev) {
			continue
		}

		out = append(out, pr)
	}

	return out
}

// incidentIssues filters the window's issues to configured incident types
// and labels.
func (k *Kernel) incidentIssues(issues []record.Issue, w window.Window) []record.Issue {
	typeSet := make(map[string]bool, len(k.incidents.Types))
	for _, t := range k.incidents.Types {
		typeSet[t] = true
	}

	labelSet := make(map[string]bool, len(k.incidents.Labels))
	for _, l := range k.incidents.Labels {
		labelSet[l] = true
	}

	var out []record.Issue

	for _, issue := range issues {
		if !issue.InWindow(w) {
			continue
		}

		if typeSet[issue.Type] {
			out = append(out, issue)

			continue
		}

		for _, label := range issue.Labels {
			if labelSet[label] {
				out = append(out, issue)

				break
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out
}

// failedReleases counts releases with at least one incident attributed to
// them, under the configured attribution mode.
func (k *Kernel) failedReleases(production []record.Release, incidents []record.Issue) int {
	failed := make(map[int]bool)

	for _, incident := range incidents {
		if at := k.attributeIncident(production, incident.CreatedAt); at >= 0 {
			failed[at] = true
		}
	}

	return len(failed)
}

// attributeIncident finds the production release an incident belongs to, or
// -1. In window mode the incident must fall inside the blast radius after a
// release; in next-release mode it attaches to the latest preceding release.
func (k *Kernel) attributeIncident(production []record.Release, createdAt time.Time) int {
	for i := len(production) - 1; i >= 0; i-- {
		releasedAt := production[i].PublishedAt
		if createdAt.Before(releasedAt) {
			continue
		}

		if k.incidents.UntilNextRelease {
			return i
		}

		if createdAt.Sub(releasedAt) <= k.incidents.BlastRadius {
			return i
		}

		return -1
	}

	return -1
}

// recentIncidents lists up to the ten most recent incidents, newest first.
func recentIncidents(incidents []record.Issue) []IncidentSummary {
	out := make([]IncidentSummary, 0, min(len(incidents), recentIncidentLimit))

	for i := len(incidents) - 1; i >= 0 && len(out) < recentIncidentLimit; i-- {
		incident := incidents[i]

		restore := InsufficientData()
		if incident.ResolvedAt != nil {
			if hours := incident.ResolvedAt.Sub(incident.CreatedAt).Hours(); hours >= 0 {
				restore = Ok(hours)
			}
		}

		out = append(out, IncidentSummary{
			Key:          incident.Key,
			CreatedAt:    incident.CreatedAt,
			ResolvedAt:   incident.ResolvedAt,
			RestoreHours: restore,
		})
	}

	return out
}

// classify derives the four-step performance level from the DORA tuple. The
// worst level across the computable axes wins; with no computable axis the
// level is empty.
func classify(d DeliveryMetrics) PerformanceLevel {
	var levels []PerformanceLevel

	if d.DeploymentsPerDay.IsOK() {
		levels = append(levels, levelFor(d.DeploymentsPerDay.Float,
			dfElitePerDay, dfHighPerDay, dfMediumPerDay, false))
	}

	if d.LeadTimeMedianHours.IsOK() {
		levels = append(levels, levelFor(d.LeadTimeMedianHours.Float,
			ltEliteHours, ltHighHours, ltMediumHours, true))
	}

	if d.ChangeFailureRate.IsOK() {
		levels = append(levels, levelFor(d.ChangeFailureRate.Float,
			cfrElite, cfrHigh, cfrMedium, true))
	}

	if d.MTTRMedianHours.IsOK() {
		levels = append(levels, levelFor(d.MTTRMedianHours.Float,
			mttrEliteHours, mttrHighHours, mttrMediumHours, true))
	}

	if len(levels) == 0 {
		return ""
	}

	worst := LevelElite
	for _, level := range levels {
		if levelRank(level) > levelRank(worst) {
			worst = level
		}
	}

	return worst
}

// levelFor maps a value to its level. smallerIsBetter axes satisfy a bound
// by staying at or below it; the others by reaching it.
func levelFor(v, elite, high, medium float64, smallerIsBetter bool) PerformanceLevel {
	meets := func(bound float64) bool {
		if smallerIsBetter {
			return v <= bound
		}

		return v >= bound
	}

	switch {
	case meets(elite):
		return LevelElite
	case meets(high):
		return LevelHigh
	case meets(medium):
		return LevelMedium
	default:
		return LevelLow
	}
}

// levelRank orders levels best (0) to worst (3).
func levelRank(l PerformanceLevel) int {
	switch l {
	case LevelElite:
		return 0
	case LevelHigh:
		return 1
	case LevelMedium:
		return 2
	default:
		return 3
	}
}
