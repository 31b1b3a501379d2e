package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricPullRequestsTotal = "velometry.collect.pullrequests.total"
	metricIssuesTotal       = "velometry.collect.issues.total"
	metricReleasesTotal     = "velometry.collect.releases.total"
	metricUpstreamRequests  = "velometry.collect.upstream.requests.total"
	metricUpstreamRetries   = "velometry.collect.upstream.retries.total"
	metricTeamDuration      = "velometry.collect.team.duration.seconds"
	metricArtifactsWritten  = "velometry.collect.artifacts.total"

	attrUpstream = "upstream"

	// Upstream names used as the attrUpstream attribute value.
	UpstreamSourceHost   = "sourcehost"
	UpstreamIssueTracker = "tracker"
)

// CollectionMetrics holds OTel instruments for collection-job metrics.
type CollectionMetrics struct {
	pullRequestsTotal metric.Int64Counter
	issuesTotal       metric.Int64Counter
	releasesTotal     metric.Int64Counter
	upstreamRequests  metric.Int64Counter
	upstreamRetries   metric.Int64Counter
	teamDuration      metric.Float64Histogram
	artifactsWritten  metric.Int64Counter
}

// CollectionStats holds the statistics for a single collection run,
// decoupled from collector types.
type CollectionStats struct {
	PullRequests  int64
	Issues        int64
	Releases      int64
	TeamDurations []time.Duration
	Artifacts     int64
}

// NewCollectionMetrics creates collection metric instruments from the given meter.
func NewCollectionMetrics(mt metric.Meter) (*CollectionMetrics, error) {
	b := newMetricBuilder(mt)

	cm := &CollectionMetrics{
		pullRequestsTotal: b.counter(metricPullRequestsTotal, "Total pull requests collected", "{pullrequest}"),
		issuesTotal:       b.counter(metricIssuesTotal, "Total issues collected", "{issue}"),
		releasesTotal:     b.counter(metricReleasesTotal, "Total releases collected", "{release}"),
		upstreamRequests:  b.counter(metricUpstreamRequests, "Upstream API requests by upstream and status", "{request}"),
		upstreamRetries:   b.counter(metricUpstreamRetries, "Upstream request retries by upstream", "{retry}"),
		teamDuration:      b.histogram(metricTeamDuration, "Per-team collection duration in seconds", "s", durationBucketBoundaries...),
		artifactsWritten:  b.counter(metricArtifactsWritten, "Collection artifacts written to disk", "{artifact}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return cm, nil
}

// RecordRun records statistics for a completed collection run.
// Safe to call on a nil receiver (no-op).
func (cm *CollectionMetrics) RecordRun(ctx context.Context, stats CollectionStats) {
	if cm == nil {
		return
	}

	cm.pullRequestsTotal.Add(ctx, stats.PullRequests)
	cm.issuesTotal.Add(ctx, stats.Issues)
	cm.releasesTotal.Add(ctx, stats.Releases)
	cm.artifactsWritten.Add(ctx, stats.Artifacts)

	for _, d := range stats.TeamDurations {
		cm.teamDuration.Record(ctx, d.Seconds())
	}
}

// RecordUpstreamRequest counts one upstream API request with its outcome.
// Safe to call on a nil receiver (no-op).
func (cm *CollectionMetrics) RecordUpstreamRequest(ctx context.Context, upstream, status string) {
	if cm == nil {
		return
	}

	cm.upstreamRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrUpstream, upstream),
		attribute.String(attrStatus, status),
	))
}

// RecordUpstreamRetry counts one retry against the named upstream.
// Safe to call on a nil receiver (no-op).
func (cm *CollectionMetrics) RecordUpstreamRetry(ctx context.Context, upstream string) {
	if cm == nil {
		return
	}

	cm.upstreamRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrUpstream, upstream),
	))
}
