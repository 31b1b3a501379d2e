// Package record defines the immutable activity records collected from the
// source host and the issue tracker, together with the dedupe, ordering, and
// windowing rules every consumer relies on.
package record

import (
	"time"

	"github.com/velometry/velometry/internal/window"
)

// RepoRef identifies a repository by owner and name.
type RepoRef struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// String returns the canonical "owner/name" form.
func (r RepoRef) String() string { return r.Owner + "/" + r.Name }

// ReviewState is the closed set of review verdicts the source host reports.
type ReviewState string

// Review verdicts.
const (
	ReviewApproved         ReviewState = "APPROVED"
	ReviewChangesRequested ReviewState = "CHANGES_REQUESTED"
	ReviewCommented        ReviewState = "COMMENTED"
	ReviewDismissed        ReviewState = "DISMISSED"
)

// PullRequest is one pull request with its source-host aggregates.
// Optional events carry *time.Time and are nil until they happen.
type PullRequest struct {
	Repo         RepoRef    `json:"repo"`
	ID           int        `json:"id"`
	Author       string     `json:"author"`
	Title        string     `json:"title"`
	Body         string     `json:"body,omitempty"`
	Branch       string     `json:"branch"`
	State        string     `json:"state"`
	CreatedAt    time.Time  `json:"createdAt"`
	MergedAt     *time.Time `json:"mergedAt,omitempty"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
	Merged       bool       `json:"merged"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	ChangedFiles int        `json:"changedFiles"`
	CommitSHAs   []string   `json:"commitSHAs,omitempty"`
	IssueKeys    []string   `json:"issueKeys,omitempty"`
}

// PrincipalTime returns the timestamp windowing applies to: the merge time
// for merged PRs, the close time for closed-unmerged PRs, and the creation
// time for PRs still open.
func (p PullRequest) PrincipalTime() time.Time {
	if p.Merged && p.MergedAt != nil {
		return *p.MergedAt
	}

	if p.ClosedAt != nil {
		return *p.ClosedAt
	}

	return p.CreatedAt
}

// LinesChanged returns the additions plus deletions of the PR.
func (p PullRequest) LinesChanged() int { return p.Additions + p.Deletions }

// Review is one review submitted on a pull request.
type Review struct {
	Repo        RepoRef     `json:"repo"`
	PRID        int         `json:"prId"`
	Reviewer    string      `json:"reviewer"`
	State       ReviewState `json:"state"`
	SubmittedAt time.Time   `json:"submittedAt"`
}

// Commit is one commit reachable from a collected pull request or person.
type Commit struct {
	Repo       RepoRef   `json:"repo"`
	SHA        string    `json:"sha"`
	Author     string    `json:"author"`
	AuthoredAt time.Time `json:"authoredAt"`
	Additions  int       `json:"additions"`
	Deletions  int       `json:"deletions"`
	PRID       int       `json:"prId,omitempty"`
}

// ReleaseEnvironment is the environment a release was classified into.
type ReleaseEnvironment string

// Release environments.
const (
	EnvProduction ReleaseEnvironment = "production"
	EnvStaging    ReleaseEnvironment = "staging"
	EnvOther      ReleaseEnvironment = "other"
)

// Release is one published release of a repository.
type Release struct {
	Repo        RepoRef            `json:"repo"`
	Tag         string             `json:"tag"`
	Name        string             `json:"name"`
	PublishedAt time.Time          `json:"publishedAt"`
	Prerelease  bool               `json:"prerelease"`
	Environment ReleaseEnvironment `json:"environment"`
}

// Transition is one status change from an issue's changelog.
type Transition struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// Issue is one issue-tracker item. Transitions are empty when the changelog
// was not fetched; Approximated marks such issues so status reconstruction
// falls back to the stored status.
type Issue struct {
	Key          string       `json:"key"`
	Type         string       `json:"type"`
	Status       string       `json:"status"`
	Priority     string       `json:"priority,omitempty"`
	Assignee     string       `json:"assignee,omitempty"`
	Reporter     string       `json:"reporter,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	ResolvedAt   *time.Time   `json:"resolvedAt,omitempty"`
	Transitions  []Transition `json:"transitions,omitempty"`
	FixVersions  []string     `json:"fixVersions,omitempty"`
	Labels       []string     `json:"labels,omitempty"`
	Approximated bool         `json:"approximated,omitempty"`
}

// StatusAt reconstructs the issue's status at instant t from its changelog:
// the target of the latest transition at or before t. Before the first
// transition the status is that transition's source. Issues without a
// changelog report their stored status.
func (i Issue) StatusAt(t time.Time) string {
	if len(i.Transitions) == 0 {
		return i.Status
	}

	status := i.Transitions[0].From

	for _, tr := range i.Transitions {
		if tr.At.After(t) {
			break
		}

		status = tr.To
	}

	return status
}

// InWindow reports whether the issue is relevant to w: created inside it or
// resolved inside it.
func (i Issue) InWindow(w window.Window) bool {
	if w.Contains(i.CreatedAt) {
		return true
	}

	return i.ResolvedAt != nil && w.Contains(*i.ResolvedAt)
}

// FixVersion is one issue-tracker version with the issues shipped in it.
type FixVersion struct {
	Name        string     `json:"name"`
	Released    bool       `json:"released"`
	ReleaseDate *time.Time `json:"releaseDate,omitempty"`
	IssueKeys   []string   `json:"issueKeys,omitempty"`
}

// SourceFailure notes a collection failure that left a record set partial.
type SourceFailure struct {
	Source string `json:"source"`
	Detail string `json:"detail"`
}

// TeamRecordSet is the windowed activity of one team: every record's
// principal timestamp falls inside Window.
type TeamRecordSet struct {
	Team         string          `json:"team"`
	Window       window.Window   `json:"window"`
	PullRequests []PullRequest   `json:"pullRequests"`
	Reviews      []Review        `json:"reviews"`
	Commits      []Commit        `json:"commits"`
	Releases     []Release       `json:"releases"`
	Issues       []Issue         `json:"issues"`
	FixVersions  []FixVersion    `json:"fixVersions"`
	Partial      bool            `json:"partial"`
	Failures     []SourceFailure `json:"failures,omitempty"`
}
