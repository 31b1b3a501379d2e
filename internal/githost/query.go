package githost

import (
	"fmt"
	"strings"
	"time"

	"github.com/velometry/velometry/internal/record"
	"github.com/velometry/velometry/internal/window"
)

// Nested connection limits inside one PR node. Reviews and commits beyond
// these are vanishingly rare on a single PR; the page is not re-entered.
const (
	reviewPageSize = 50
	commitPageSize = 100
)

// repositoryQuery is the batched per-repository document: one page of the
// pull-request connection (with nested reviews and commits) and one page of
// the release connection per round trip. A connection that has finished is
// switched off with its include flag so the other can keep paging.
const repositoryQuery = `
query RepositoryMetrics(
  $owner: String!, $repo: String!, $pageSize: Int!,
  $prCursor: String, $releaseCursor: String,
  $includePRs: Boolean!, $includeReleases: Boolean!,
  $reviewPageSize: Int!, $commitPageSize: Int!
) {
  repository(owner: $owner, name: $repo) {
    nameWithOwner
    pullRequests(first: $pageSize, after: $prCursor,
                 orderBy: {field: CREATED_AT, direction: DESC}) @include(if: $includePRs) {
      pageInfo { hasNextPage endCursor }
      nodes {
        number
        title
        body
        headRefName
        state
        createdAt
        mergedAt
        closedAt
        merged
        additions
        deletions
        changedFiles
        author { login }
        reviews(first: $reviewPageSize) {
          nodes { author { login } state submittedAt }
        }
        commits(first: $commitPageSize) {
          nodes {
            commit {
              oid
              committedDate
              additions
              deletions
              author { name user { login } }
            }
          }
        }
      }
    }
    releases(first: $pageSize, after: $releaseCursor,
             orderBy: {field: CREATED_AT, direction: DESC}) @include(if: $includeReleases) {
      pageInfo { hasNextPage endCursor }
      nodes { tagName name publishedAt isPrerelease }
    }
  }
}`

// personQuery drives the PR search connection used for person-scoped
// collection. The same document serves both the authored-by and the
// reviewed-by pass; only the search string differs.
const personQuery = `
query PersonMetrics($searchQuery: String!, $pageSize: Int!, $cursor: String,
                    $reviewPageSize: Int!, $commitPageSize: Int!) {
  search(query: $searchQuery, type: ISSUE, first: $pageSize, after: $cursor) {
    pageInfo { hasNextPage endCursor }
    nodes {
      ... on PullRequest {
        number
        title
        body
        headRefName
        state
        createdAt
        mergedAt
        closedAt
        merged
        additions
        deletions
        changedFiles
        author { login }
        repository { nameWithOwner }
        reviews(first: $reviewPageSize) {
          nodes { author { login } state submittedAt }
        }
        commits(first: $commitPageSize) {
          nodes {
            commit {
              oid
              committedDate
              additions
              deletions
              author { name user { login } }
            }
          }
        }
      }
    }
  }
}`

// graphqlRequest is the POST body of one GraphQL call.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlError is one entry of the response error list.
type graphqlError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Wire shapes, mirroring the documents above.

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

type actor struct {
	Login string `json:"login"`
}

type reviewNode struct {
	Author      *actor    `json:"author"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submittedAt"`
}

type commitNode struct {
	Commit struct {
		OID           string    `json:"oid"`
		CommittedDate time.Time `json:"committedDate"`
		Additions     int       `json:"additions"`
		Deletions     int       `json:"deletions"`
		Author        struct {
			Name string `json:"name"`
			User *actor `json:"user"`
		} `json:"author"`
	} `json:"commit"`
}

type pullRequestNode struct {
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	Body         string     `json:"body"`
	HeadRefName  string     `json:"headRefName"`
	State        string     `json:"state"`
	CreatedAt    time.Time  `json:"createdAt"`
	MergedAt     *time.Time `json:"mergedAt"`
	ClosedAt     *time.Time `json:"closedAt"`
	Merged       bool       `json:"merged"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	ChangedFiles int        `json:"changedFiles"`
	Author       *actor     `json:"author"`
	Repository   *struct {
		NameWithOwner string `json:"nameWithOwner"`
	} `json:"repository"`
	Reviews struct {
		Nodes []reviewNode `json:"nodes"`
	} `json:"reviews"`
	Commits struct {
		Nodes []commitNode `json:"nodes"`
	} `json:"commits"`
}

type releaseNode struct {
	TagName      string    `json:"tagName"`
	Name         string    `json:"name"`
	PublishedAt  time.Time `json:"publishedAt"`
	IsPrerelease bool      `json:"isPrerelease"`
}

type repositoryData struct {
	Repository struct {
		NameWithOwner string `json:"nameWithOwner"`
		PullRequests  *struct {
			PageInfo pageInfo          `json:"pageInfo"`
			Nodes    []pullRequestNode `json:"nodes"`
		} `json:"pullRequests"`
		Releases *struct {
			PageInfo pageInfo      `json:"pageInfo"`
			Nodes    []releaseNode `json:"nodes"`
		} `json:"releases"`
	} `json:"repository"`
}

type searchData struct {
	Search struct {
		PageInfo pageInfo          `json:"pageInfo"`
		Nodes    []pullRequestNode `json:"nodes"`
	} `json:"search"`
}

// authorSearch builds the search string of the authored-by pass.
func authorSearch(org, login string, w window.Window) string {
	return fmt.Sprintf("is:pr org:%s author:%s created:>=%s",
		org, login, w.Since.UTC().Format("2006-01-02"))
}

// reviewerSearch builds the search string of the reviewed-by pass.
func reviewerSearch(org, login string, w window.Window) string {
	return fmt.Sprintf("is:pr org:%s reviewed-by:%s updated:>=%s",
		org, login, w.Since.UTC().Format("2006-01-02"))
}

// parseRepoRef splits an "owner/name" reference from the wire.
func parseRepoRef(nameWithOwner string) record.RepoRef {
	owner, name, found := strings.Cut(nameWithOwner, "/")
	if !found {
		return record.RepoRef{Name: nameWithOwner}
	}

	return record.RepoRef{Owner: owner, Name: name}
}

// mapPullRequest converts one wire PR node plus its nested connections.
func mapPullRequest(repo record.RepoRef, node pullRequestNode) (record.PullRequest, []record.Review, []record.Commit) {
	if node.Repository != nil {
		repo = parseRepoRef(node.Repository.NameWithOwner)
	}

	pr := record.PullRequest{
		Repo:         repo,
		ID:           node.Number,
		Title:        node.Title,
		Body:         node.Body,
		Branch:       node.HeadRefName,
		State:        node.State,
		CreatedAt:    node.CreatedAt,
		MergedAt:     node.MergedAt,
		ClosedAt:     node.ClosedAt,
		Merged:       node.Merged,
		Additions:    node.Additions,
		Deletions:    node.Deletions,
		ChangedFiles: node.ChangedFiles,
		IssueKeys:    record.ExtractIssueKeys(node.Title, node.Body, node.HeadRefName),
	}

	if node.Author != nil {
		pr.Author = node.Author.Login
	}

	reviews := make([]record.Review, 0, len(node.Reviews.Nodes))

	for _, rn := range node.Reviews.Nodes {
		review := record.Review{
			Repo:        repo,
			PRID:        node.Number,
			State:       record.ReviewState(rn.State),
			SubmittedAt: rn.SubmittedAt,
		}

		if rn.Author != nil {
			review.Reviewer = rn.Author.Login
		}

		reviews = append(reviews, review)
	}

	commits := make([]record.Commit, 0, len(node.Commits.Nodes))

	for _, cn := range node.Commits.Nodes {
		commit := record.Commit{
			Repo:       repo,
			SHA:        cn.Commit.OID,
			AuthoredAt: cn.Commit.CommittedDate,
			Additions:  cn.Commit.Additions,
			Deletions:  cn.Commit.Deletions,
			PRID:       node.Number,
		}

		if cn.Commit.Author.User != nil {
			commit.Author = cn.Commit.Author.User.Login
		} else {
			commit.Author = cn.Commit.Author.Name
		}

		pr.CommitSHAs = append(pr.CommitSHAs, cn.Commit.OID)
		commits = append(commits, commit)
	}

	return pr, reviews, commits
}
