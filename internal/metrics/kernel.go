package metrics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/velometry/velometry/internal/record"
	"github.com/velometry/velometry/internal/window"
	"github.com/velometry/velometry/pkg/stats"
)

// ErrMalformedRecord marks a structurally invalid input record. Unlike
// missing data, malformed records are fatal.
var ErrMalformedRecord = errors.New("malformed record")

// topReviewerLimit bounds the top-reviewer list.
const topReviewerLimit = 5

// defaultDoneStatuses are the issue statuses counted as completed when the
// kernel is built without an explicit set.
var defaultDoneStatuses = []string{"Done", "Closed", "Resolved"}

// IncidentRules selects incident issues and the release attribution mode for
// change-failure metrics.
type IncidentRules struct {
	// Types are issue types treated as incidents.
	Types []string

	// Labels are issue labels treated as incidents. An issue matching either
	// a type or a label is an incident.
	Labels []string

	// BlastRadius is the post-release window during which a new incident
	// marks the release failed.
	BlastRadius time.Duration

	// UntilNextRelease attributes an incident to the latest preceding
	// production release instead of a fixed window.
	UntilNextRelease bool
}

// Options configures a Kernel.
type Options struct {
	Incidents IncidentRules

	// DoneStatuses are the issue statuses counted as completed work.
	// Empty selects the defaults.
	DoneStatuses []string
}

// Kernel computes metrics from record sets. The zero value is not usable;
// construct with NewKernel. A Kernel is immutable and safe for concurrent
// use.
type Kernel struct {
	incidents    IncidentRules
	doneStatuses map[string]bool
}

// NewKernel builds a kernel from options.
func NewKernel(opts Options) *Kernel {
	done := opts.DoneStatuses
	if len(done) == 0 {
		done = defaultDoneStatuses
	}

	doneSet := make(map[string]bool, len(done))
	for _, s := range done {
		doneSet[s] = true
	}

	return &Kernel{incidents: opts.Incidents, doneStatuses: doneSet}
}

// ComputeTeamMetrics derives the full metric payload for one team record
// set. Missing inputs produce sentinel values; malformed records produce an
// error wrapping ErrMalformedRecord.
func (k *Kernel) ComputeTeamMetrics(set record.TeamRecordSet) (TeamMetrics, error) {
	if err := checkRecords(set); err != nil {
		return TeamMetrics{}, err
	}

	delivery, attribution := k.computeDelivery(set)

	return TeamMetrics{
		Team:         set.Team,
		Window:       set.Window,
		Partial:      set.Partial,
		PRs:          computePRMetrics(set.PullRequests, set.Reviews),
		Reviews:      computeReviewMetrics(set.Reviews),
		Contributors: computeContributorMetrics(set.Commits),
		Issues:       k.computeIssueMetrics(set.Issues, set.Window),
		Delivery:     delivery,
		Trends:       computeTrends(set, attribution),
	}, nil
}

// ComputePersonMetrics derives the metric payload for one contributor out of
// a team record set. The performance score is attached separately by the
// scorer, which needs the peer group.
func (k *Kernel) ComputePersonMetrics(set record.TeamRecordSet, login, trackerLogin string) (PersonMetrics, error) {
	personal := restrictToPerson(set, login, trackerLogin)

	team, err := k.ComputeTeamMetrics(personal)
	if err != nil {
		return PersonMetrics{}, err
	}

	return PersonMetrics{
		Login:        login,
		Team:         set.Team,
		Window:       set.Window,
		PRs:          team.PRs,
		Reviews:      team.Reviews,
		Contributors: team.Contributors,
		Issues:       team.Issues,
		Delivery:     team.Delivery,
	}, nil
}

// restrictToPerson keeps the records authored by, reviewed by, or assigned
// to one person. Releases stay: deployments are a team activity the person
// shares in.
func restrictToPerson(set record.TeamRecordSet, login, trackerLogin string) record.TeamRecordSet {
	out := set

	out.PullRequests = nil
	for _, pr := range set.PullRequests {
		if pr.Author == login {
			out.PullRequests = append(out.PullRequests, pr)
		}
	}

	out.Reviews = nil
	for _, review := range set.Reviews {
		if review.Reviewer == login {
			out.Reviews = append(out.Reviews, review)
		}
	}

	out.Commits = nil
	for _, commit := range set.Commits {
		if commit.Author == login {
			out.Commits = append(out.Commits, commit)
		}
	}

	out.Issues = nil
	for _, issue := range set.Issues {
		if trackerLogin != "" && issue.Assignee == trackerLogin {
			out.Issues = append(out.Issues, issue)
		}
	}

	return out
}

// checkRecords rejects structurally invalid records: every record must carry
// its principal timestamp.
func checkRecords(set record.TeamRecordSet) error {
	for _, pr := range set.PullRequests {
		if pr.CreatedAt.IsZero() {
			return fmt.Errorf("%w: pull request %s#%d has no creation time", ErrMalformedRecord, pr.Repo, pr.ID)
		}
	}

	for _, review := range set.Reviews {
		if review.SubmittedAt.IsZero() {
			return fmt.Errorf("%w: review on %s#%d has no submission time", ErrMalformedRecord, review.Repo, review.PRID)
		}
	}

	for _, commit := range set.Commits {
		if commit.AuthoredAt.IsZero() {
			return fmt.Errorf("%w: commit %s has no author time", ErrMalformedRecord, commit.SHA)
		}
	}

	for _, release := range set.Releases {
		if release.PublishedAt.IsZero() {
			return fmt.Errorf("%w: release %s@%s has no publish time", ErrMalformedRecord, release.Repo, release.Tag)
		}
	}

	for _, issue := range set.Issues {
		if issue.CreatedAt.IsZero() {
			return fmt.Errorf("%w: issue %s has no creation time", ErrMalformedRecord, issue.Key)
		}
	}

	return nil
}

// computePRMetrics rolls up pull-request counts, cycle times, size buckets,
// and time-to-first-review.
func computePRMetrics(prs []record.PullRequest, reviews []record.Review) PRMetrics {
	out := PRMetrics{
		Total:       len(prs),
		SizeBuckets: make(map[SizeBucket]BucketStats, len(SizeBucketOrder)),
	}

	var cycleHours []float64

	bucketHours := make(map[SizeBucket][]float64)
	bucketCounts := make(map[SizeBucket]int)

	for _, pr := range prs {
		bucket := BucketForSize(pr.LinesChanged())
		bucketCounts[bucket]++

		switch {
		case pr.Merged && pr.MergedAt != nil:
			out.Merged++

			hours := pr.MergedAt.Sub(pr.CreatedAt).Hours()
			if hours >= 0 {
				cycleHours = append(cycleHours, hours)
				bucketHours[bucket] = append(bucketHours[bucket], hours)
			}
		case pr.ClosedAt != nil:
			out.ClosedUnmerged++
		default:
			out.Open++
		}
	}

	for _, bucket := range SizeBucketOrder {
		if bucketCounts[bucket] == 0 {
			continue
		}

		bucketStat := BucketStats{Count: bucketCounts[bucket], CycleTimeHours: InsufficientData()}
		if hours := bucketHours[bucket]; len(hours) > 0 {
			bucketStat.CycleTimeHours = Ok(stats.Mean(hours))
		}

		out.SizeBuckets[bucket] = bucketStat
	}

	if out.Total > 0 {
		out.MergeRate = Ok(float64(out.Merged) / float64(out.Total))
	} else {
		out.MergeRate = InsufficientData()
	}

	if len(cycleHours) > 0 {
		out.CycleTimeMeanHours = Ok(stats.Mean(cycleHours))
		out.CycleTimeMedianHours = Ok(stats.Median(cycleHours))
	} else {
		out.CycleTimeMeanHours = InsufficientData()
		out.CycleTimeMedianHours = InsufficientData()
	}

	out.TimeToFirstReviewHours = timeToFirstReview(prs, reviews)

	return out
}

// timeToFirstReview averages, over PRs with at least one non-author review,
// the delay from PR creation to the earliest such review.
func timeToFirstReview(prs []record.PullRequest, reviews []record.Review) Value {
	type prKey struct {
		repo record.RepoRef
		id   int
	}

	firstReview := make(map[prKey]time.Time)

	authors := make(map[prKey]string, len(prs))
	for _, pr := range prs {
		authors[prKey{repo: pr.Repo, id: pr.ID}] = pr.Author
	}

	for _, review := range reviews {
		key := prKey{repo: review.Repo, id: review.PRID}

		author, tracked := authors[key]
		if !tracked || review.Reviewer == author {
			continue
		}

		if current, ok := firstReview[key]; !ok || review.SubmittedAt.Before(current) {
			firstReview[key] = review.SubmittedAt
		}
	}

	var delays []float64

	for _, pr := range prs {
		first, ok := firstReview[prKey{repo: pr.Repo, id: pr.ID}]
		if !ok {
			continue
		}

		if hours := first.Sub(pr.CreatedAt).Hours(); hours >= 0 {
			delays = append(delays, hours)
		}
	}

	if len(delays) == 0 {
		return InsufficientData()
	}

	return Ok(stats.Mean(delays))
}

// computeReviewMetrics rolls up counts and the top-reviewer leaderboard.
// The leaderboard is stable: count descending, then login ascending.
func computeReviewMetrics(reviews []record.Review) ReviewMetrics {
	counts := make(map[string]int)
	for _, review := range reviews {
		counts[review.Reviewer]++
	}

	top := make([]ReviewerCount, 0, len(counts))
	for login, count := range counts {
		top = append(top, ReviewerCount{Login: login, Count: count})
	}

	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}

		return top[i].Login < top[j].Login
	})

	if len(top) > topReviewerLimit {
		top = top[:topReviewerLimit]
	}

	return ReviewMetrics{
		Total:           len(reviews),
		UniqueReviewers: len(counts),
		TopReviewers:    top,
	}
}

// computeContributorMetrics rolls up per-author commit activity with a daily
// histogram keyed by the UTC author date.
func computeContributorMetrics(commits []record.Commit) ContributorMetrics {
	perAuthor := make(map[string]*ContributorStats)

	out := ContributorMetrics{}

	for _, commit := range commits {
		cs, ok := perAuthor[commit.Author]
		if !ok {
			cs = &ContributorStats{Login: commit.Author, DailyCommits: make(map[string]int)}
			perAuthor[commit.Author] = cs
		}

		cs.Commits++
		cs.Additions += commit.Additions
		cs.Deletions += commit.Deletions
		cs.DailyCommits[commit.AuthoredAt.UTC().Format("2006-01-02")]++

		out.TotalCommits++
		out.TotalAdditions += commit.Additions
		out.TotalDeletions += commit.Deletions
	}

	out.Contributors = make([]ContributorStats, 0, len(perAuthor))
	for _, cs := range perAuthor {
		out.Contributors = append(out.Contributors, *cs)
	}

	sort.Slice(out.Contributors, func(i, j int) bool {
		return out.Contributors[i].Login < out.Contributors[j].Login
	})

	return out
}

// computeIssueMetrics counts issues and completed work. Completion is judged
// at the window's end from the issue changelog; issues fetched without one
// fall back to their stored status.
func (k *Kernel) computeIssueMetrics(issues []record.Issue, w window.Window) IssueMetrics {
	out := IssueMetrics{Count: len(issues), ChangelogExpanded: true}

	for _, issue := range issues {
		if issue.Approximated {
			out.ChangelogExpanded = false
		}

		if k.doneStatuses[issue.StatusAt(w.Until)] {
			out.Completed++
		}
	}

	if len(issues) == 0 {
		out.ChangelogExpanded = false
	}

	return out
}
