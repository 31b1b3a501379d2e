// Package collect runs the collection job: fan out over teams, repositories,
// and members against both upstreams, compute the metric payloads, write the
// cache artifact, and announce it on the event bus.
package collect

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/velometry/velometry/internal/cache"
	"github.com/velometry/velometry/internal/config"
	"github.com/velometry/velometry/internal/errdefs"
	"github.com/velometry/velometry/internal/events"
	"github.com/velometry/velometry/internal/githost"
	"github.com/velometry/velometry/internal/metrics"
	"github.com/velometry/velometry/internal/observability"
	"github.com/velometry/velometry/internal/record"
	"github.com/velometry/velometry/internal/window"
)

// Default pool sizes, used when the config leaves them unset.
const (
	defaultTeamWorkers   = 3
	defaultRepoWorkers   = 5
	defaultPersonWorkers = 8
)

// Failure sources recorded on a team set.
const (
	sourceRepository = "repository"
	sourcePerson     = "person"
	sourceTracker    = "tracker"
)

// SourceHost is the slice of the source-host client the job uses.
type SourceHost interface {
	CollectRepositoryMetrics(ctx context.Context, owner, repo string, w window.Window) (githost.RepoResult, error)
	CollectPersonMetrics(ctx context.Context, login string, w window.Window) (githost.PersonResult, error)
}

// IssueTracker is the slice of the tracker client the job uses.
type IssueTracker interface {
	SearchIssues(ctx context.Context, jql string, w window.Window) ([]record.Issue, error)
	CollectReleases(ctx context.Context, projectKey string, teamMembers []string, w window.Window) ([]record.FixVersion, error)
}

// Options configures an Orchestrator. One source-host session and one
// tracker session serve the whole job; the clients own rate-limit pacing.
type Options struct {
	Config  *config.Config
	Host    SourceHost
	Tracker IssueTracker
	Store   *cache.Store
	Bus     *events.Bus
	Logger  *slog.Logger
	Metrics *observability.CollectionMetrics

	// Version labels the artifact's collectorVersions entry.
	Version string

	// Now overrides the clock. Nil selects time.Now.
	Now func() time.Time
}

// Orchestrator drives one collection job end to end.
type Orchestrator struct {
	cfg     *config.Config
	host    SourceHost
	tracker IssueTracker
	store   *cache.Store
	bus     *events.Bus
	logger  *slog.Logger
	metrics *observability.CollectionMetrics
	kernel  *metrics.Kernel
	version string
	now     func() time.Time
}

// NewOrchestrator builds an orchestrator from options.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: configuration is required", errdefs.ErrConfig)
	}

	if opts.Host == nil || opts.Tracker == nil {
		return nil, fmt.Errorf("%w: both upstream clients are required", errdefs.ErrConfig)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	incidents := opts.Config.IssueTracker.Incidents

	kernel := metrics.NewKernel(metrics.Options{
		Incidents: metrics.IncidentRules{
			Types:            incidents.Types,
			Labels:           incidents.Labels,
			BlastRadius:      incidents.BlastRadius(),
			UntilNextRelease: incidents.AttributeUntilNextRelease(),
		},
	})

	return &Orchestrator{
		cfg:     opts.Config,
		host:    opts.Host,
		tracker: opts.Tracker,
		store:   opts.Store,
		bus:     opts.Bus,
		logger:  logger,
		metrics: opts.Metrics,
		kernel:  kernel,
		version: opts.Version,
		now:     now,
	}, nil
}

// Run executes one collection job for the range spec and environment:
// collect, compute, write the artifact, publish DATA_COLLECTED. The event
// goes out only after the artifact has been fsynced into place.
func (o *Orchestrator) Run(ctx context.Context, spec window.RangeSpec, env string) (*Summary, error) {
	started := o.now()
	w := spec.Window(started)
	jobID := uuid.NewString()

	o.logger.Info("collection started",
		"jobId", jobID, "rangeSpec", spec.String(), "environment", env,
		"since", w.Since, "until", w.Until)

	teams := o.cfg.Teams
	sets := make([]record.TeamRecordSet, len(teams))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(poolSize(o.cfg.Collection.TeamWorkers, defaultTeamWorkers))

	for i, team := range teams {
		group.Go(func() error {
			set, err := o.collectTeam(groupCtx, team, w)
			if err != nil {
				return err
			}

			sets[i] = set

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	bundle, people := o.computeBundle(sets)

	summary := &Summary{
		JobID:       jobID,
		RangeSpec:   spec.String(),
		Environment: env,
		StartedAt:   started,
		Duration:    o.now().Sub(started),
	}

	partial := false

	for i, set := range sets {
		partial = partial || set.Partial

		summary.Teams = append(summary.Teams, TeamSummary{
			Team:         set.Team,
			PullRequests: len(set.PullRequests),
			Issues:       len(set.Issues),
			Releases:     len(set.Releases),
			Members:      len(teams[i].Members),
			Partial:      set.Partial,
			Failures:     len(set.Failures),
		})
	}

	if o.store != nil {
		key := cache.Key(spec, env)
		header := cache.Header{
			CreatedAt:         started.UTC(),
			RangeSpec:         spec.String(),
			Environment:       env,
			CollectorVersions: map[string]string{"velometry": o.version},
			Partial:           partial,
		}

		if err := o.store.Put(ctx, key, header, bundle); err != nil {
			return summary, fmt.Errorf("write artifact: %w", err)
		}

		summary.ArtifactKey = key

		if o.bus != nil {
			err := o.bus.Publish(ctx, events.Event{
				Type: events.DataCollected,
				Payload: map[string]any{
					"jobId":       jobID,
					"rangeSpec":   spec.String(),
					"environment": env,
				},
			})
			if err != nil {
				o.logger.Warn("data-collected publish failed", "jobId", jobID, "error", err)
			}
		}
	}

	o.recordRunMetrics(ctx, sets, summary)

	o.logger.Info("collection finished",
		"jobId", jobID, "duration", summary.Duration,
		"teams", len(summary.Teams), "people", people, "partial", partial)

	return summary, nil
}

// collectTeam gathers one team's records from both upstreams. Upstream
// failures mark the set partial instead of sinking the job; only
// cancellation propagates.
func (o *Orchestrator) collectTeam(ctx context.Context, team config.TeamConfig, w window.Window) (record.TeamRecordSet, error) {
	set := record.TeamRecordSet{Team: team.Name, Window: w}

	var mu sync.Mutex

	appendFailure := func(source, detail string) {
		mu.Lock()
		defer mu.Unlock()

		set.Partial = true
		set.Failures = append(set.Failures, record.SourceFailure{Source: source, Detail: detail})
	}

	repoGroup, repoCtx := errgroup.WithContext(ctx)
	repoGroup.SetLimit(poolSize(o.cfg.Collection.RepoWorkers, defaultRepoWorkers))

	for _, ref := range team.Repositories {
		repoGroup.Go(func() error {
			owner, name, ok := config.SplitRepo(ref)
			if !ok {
				appendFailure(sourceRepository, fmt.Sprintf("invalid repository reference %q", ref))

				return nil
			}

			result, err := o.host.CollectRepositoryMetrics(repoCtx, owner, name, w)
			if err != nil {
				if ctxErr := repoCtx.Err(); ctxErr != nil {
					return ctxErr
				}

				appendFailure(sourceRepository, fmt.Sprintf("%s: %v", ref, err))

				if !errdefs.IsPartial(err) {
					return nil
				}
			}

			mu.Lock()
			set.PullRequests = append(set.PullRequests, result.PullRequests...)
			set.Reviews = append(set.Reviews, result.Reviews...)
			set.Commits = append(set.Commits, result.Commits...)
			set.Releases = append(set.Releases, result.Releases...)
			mu.Unlock()

			return nil
		})
	}

	personGroup, personCtx := errgroup.WithContext(ctx)
	personGroup.SetLimit(poolSize(o.cfg.Collection.PersonWorkers, defaultPersonWorkers))

	for _, member := range team.Members {
		personGroup.Go(func() error {
			result, err := o.host.CollectPersonMetrics(personCtx, member.SourceLogin, w)
			if err != nil {
				if ctxErr := personCtx.Err(); ctxErr != nil {
					return ctxErr
				}

				appendFailure(sourcePerson, fmt.Sprintf("%s: %v", member.SourceLogin, err))

				if !errdefs.IsPartial(err) {
					return nil
				}
			}

			mu.Lock()
			set.PullRequests = append(set.PullRequests, result.PullRequests...)
			set.Reviews = append(set.Reviews, result.Reviews...)
			set.Commits = append(set.Commits, result.Commits...)
			mu.Unlock()

			return nil
		})
	}

	if err := repoGroup.Wait(); err != nil {
		return set, err
	}

	if err := personGroup.Wait(); err != nil {
		return set, err
	}

	if err := o.collectTracker(ctx, team, w, &set, appendFailure); err != nil {
		return set, err
	}

	normalizeSet(&set)

	return set, nil
}

// collectTracker pulls the team's issues and fix-versions, one project key
// at a time.
func (o *Orchestrator) collectTracker(ctx context.Context, team config.TeamConfig, w window.Window, set *record.TeamRecordSet, appendFailure func(source, detail string)) error {
	logins := trackerLogins(team)

	for _, projectKey := range o.cfg.IssueTracker.ProjectKeys {
		if err := ctx.Err(); err != nil {
			return err
		}

		issues, err := o.tracker.SearchIssues(ctx, teamIssuesJQL(projectKey, logins), w)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			appendFailure(sourceTracker, fmt.Sprintf("%s issues: %v", projectKey, err))

			if !errdefs.IsPartial(err) {
				continue
			}
		}

		set.Issues = append(set.Issues, issues...)

		versions, err := o.tracker.CollectReleases(ctx, projectKey, logins, w)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			appendFailure(sourceTracker, fmt.Sprintf("%s releases: %v", projectKey, err))

			continue
		}

		set.FixVersions = append(set.FixVersions, versions...)
	}

	return nil
}

// computeBundle derives the artifact payload from the collected sets.
// A team whose records are malformed is dropped with a failure note rather
// than poisoning the artifact.
func (o *Orchestrator) computeBundle(sets []record.TeamRecordSet) (*cache.Bundle, int) {
	bundle := &cache.Bundle{}
	people := 0

	for _, set := range sets {
		tm, err := o.kernel.ComputeTeamMetrics(set)
		if err != nil {
			o.logger.Error("team metrics computation failed", "team", set.Team, "error", err)

			continue
		}

		bundle.Teams = append(bundle.Teams, tm)

		team := o.teamConfig(set.Team)

		for _, member := range team.Members {
			pm, err := o.kernel.ComputePersonMetrics(set, member.SourceLogin, member.IssueTrackerLogin)
			if err != nil {
				o.logger.Error("person metrics computation failed",
					"team", set.Team, "login", member.SourceLogin, "error", err)

				continue
			}

			pm.Name = member.Name
			bundle.People = append(bundle.People, pm)
			people++
		}
	}

	bundle.Comparison = metrics.Comparison(bundle.Teams)

	return bundle, people
}

func (o *Orchestrator) teamConfig(name string) config.TeamConfig {
	for _, team := range o.cfg.Teams {
		if team.Name == name {
			return team
		}
	}

	return config.TeamConfig{}
}

func (o *Orchestrator) recordRunMetrics(ctx context.Context, sets []record.TeamRecordSet, summary *Summary) {
	if o.metrics == nil {
		return
	}

	stats := observability.CollectionStats{}

	for _, set := range sets {
		stats.PullRequests += int64(len(set.PullRequests))
		stats.Issues += int64(len(set.Issues))
		stats.Releases += int64(len(set.Releases))
	}

	if summary.ArtifactKey != "" {
		stats.Artifacts = 1
	}

	stats.TeamDurations = []time.Duration{summary.Duration}

	o.metrics.RecordRun(ctx, stats)
}

// normalizeSet dedupes and sorts every slice so the artifact is
// deterministic regardless of worker completion order.
func normalizeSet(set *record.TeamRecordSet) {
	set.PullRequests = record.DedupePullRequests(set.PullRequests)
	record.SortPullRequests(set.PullRequests)

	set.Reviews = record.DedupeReviews(set.Reviews)
	record.SortReviews(set.Reviews)

	set.Commits = record.DedupeCommits(set.Commits)
	record.SortCommits(set.Commits)

	record.SortReleases(set.Releases)
	record.SortIssues(set.Issues)
}

// teamIssuesJQL builds the per-project issue query for a team.
func teamIssuesJQL(projectKey string, logins []string) string {
	jql := fmt.Sprintf("project = %s", projectKey)

	if len(logins) > 0 {
		quoted := make([]string, 0, len(logins))
		for _, login := range logins {
			quoted = append(quoted, fmt.Sprintf("%q", login))
		}

		jql += fmt.Sprintf(" AND assignee in (%s)", strings.Join(quoted, ", "))
	}

	return jql
}

func trackerLogins(team config.TeamConfig) []string {
	logins := make([]string, 0, len(team.Members))

	for _, member := range team.Members {
		if member.IssueTrackerLogin != "" {
			logins = append(logins, member.IssueTrackerLogin)
		}
	}

	return logins
}

func poolSize(configured, fallback int) int {
	if configured > 0 {
		return configured
	}

	return fallback
}
