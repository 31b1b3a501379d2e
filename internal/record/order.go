package record

import (
	"sort"

	"github.com/velometry/velometry/internal/window"
)

// DedupePullRequests collapses duplicate PRs keyed by (repo, id). The last
// occurrence wins: overlapping fetches list the freshest copy last.
func DedupePullRequests(prs []PullRequest) []PullRequest {
	type prKey struct {
		repo RepoRef
		id   int
	}

	index := make(map[prKey]int, len(prs))
	out := make([]PullRequest, 0, len(prs))

	for _, pr := range prs {
		key := prKey{repo: pr.Repo, id: pr.ID}

		if at, ok := index[key]; ok {
			out[at] = pr

			continue
		}

		index[key] = len(out)
		out = append(out, pr)
	}

	return out
}

// SortPullRequests orders PRs by (repo, id) ascending. Collection output is
// deterministic regardless of worker completion order.
func SortPullRequests(prs []PullRequest) {
	sort.Slice(prs, func(i, j int) bool {
		if prs[i].Repo != prs[j].Repo {
			return prs[i].Repo.String() < prs[j].Repo.String()
		}

		return prs[i].ID < prs[j].ID
	})
}

// SortReviews orders reviews by (repo, PR id, submittedAt, reviewer).
func SortReviews(reviews []Review) {
	sort.Slice(reviews, func(i, j int) bool {
		a, b := reviews[i], reviews[j]

		if a.Repo != b.Repo {
			return a.Repo.String() < b.Repo.String()
		}

		if a.PRID != b.PRID {
			return a.PRID < b.PRID
		}

		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}

		return a.Reviewer < b.Reviewer
	})
}

// SortCommits orders commits by SHA ascending, deduplicating is the caller's
// concern (identical SHAs from person and repo fan-out are collapsed by
// DedupeCommits).
func SortCommits(commits []Commit) {
	sort.Slice(commits, func(i, j int) bool {
		return commits[i].SHA < commits[j].SHA
	})
}

// DedupeReviews collapses duplicate reviews keyed by (repo, PR id,
// reviewer, submittedAt), last occurrence wins.
func DedupeReviews(reviews []Review) []Review {
	type reviewKey struct {
		repo        RepoRef
		prID        int
		reviewer    string
		submittedAt int64
	}

	index := make(map[reviewKey]int, len(reviews))
	out := make([]Review, 0, len(reviews))

	for _, r := range reviews {
		key := reviewKey{repo: r.Repo, prID: r.PRID, reviewer: r.Reviewer, submittedAt: r.SubmittedAt.UnixNano()}

		if at, ok := index[key]; ok {
			out[at] = r

			continue
		}

		index[key] = len(out)
		out = append(out, r)
	}

	return out
}

// DedupeCommits collapses duplicate commits by SHA, last occurrence wins.
func DedupeCommits(commits []Commit) []Commit {
	index := make(map[string]int, len(commits))
	out := make([]Commit, 0, len(commits))

	for _, c := range commits {
		if at, ok := index[c.SHA]; ok {
			out[at] = c

			continue
		}

		index[c.SHA] = len(out)
		out = append(out, c)
	}

	return out
}

// SortIssues orders issues by key ascending.
func SortIssues(issues []Issue) {
	sort.Slice(issues, func(i, j int) bool {
		return issues[i].Key < issues[j].Key
	})
}

// SortReleases orders releases by (publishedAt, repo, tag) ascending.
func SortReleases(releases []Release) {
	sort.Slice(releases, func(i, j int) bool {
		a, b := releases[i], releases[j]

		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.Before(b.PublishedAt)
		}

		if a.Repo != b.Repo {
			return a.Repo.String() < b.Repo.String()
		}

		return a.Tag < b.Tag
	})
}

// FilterPullRequests keeps PRs whose principal timestamp falls inside w.
func FilterPullRequests(prs []PullRequest, w window.Window) []PullRequest {
	out := prs[:0:0]

	for _, pr := range prs {
		if w.Contains(pr.PrincipalTime()) {
			out = append(out, pr)
		}
	}

	return out
}

// FilterReviews keeps reviews submitted inside w.
func FilterReviews(reviews []Review, w window.Window) []Review {
	out := reviews[:0:0]

	for _, r := range reviews {
		if w.Contains(r.SubmittedAt) {
			out = append(out, r)
		}
	}

	return out
}

// FilterCommits keeps commits authored inside w.
func FilterCommits(commits []Commit, w window.Window) []Commit {
	out := commits[:0:0]

	for _, c := range commits {
		if w.Contains(c.AuthoredAt) {
			out = append(out, c)
		}
	}

	return out
}

// FilterReleases keeps releases published inside w.
func FilterReleases(releases []Release, w window.Window) []Release {
	out := releases[:0:0]

	for _, r := range releases {
		if w.Contains(r.PublishedAt) {
			out = append(out, r)
		}
	}

	return out
}

// FilterIssues keeps issues created or resolved inside w.
func FilterIssues(issues []Issue, w window.Window) []Issue {
	out := issues[:0:0]

	for _, i := range issues {
		if i.InWindow(w) {
			out = append(out, i)
		}
	}

	return out
}
