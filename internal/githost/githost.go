// Package githost collects pull requests, reviews, commits, and releases
// from the source-hosting GraphQL API. One Client holds one authenticated
// session; its rate-limit pacing and circuit breaker are shared by every
// caller of that client.
package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/velometry/velometry/internal/config"
	"github.com/velometry/velometry/internal/errdefs"
	"github.com/velometry/velometry/internal/observability"
	"github.com/velometry/velometry/internal/record"
	"github.com/velometry/velometry/internal/window"
)

// Client defaults.
const (
	defaultPageSize   = 50
	defaultMaxRetries = 3
	defaultRetryBase  = time.Second
	defaultRetryCap   = 30 * time.Second
	defaultTimeout    = 30 * time.Second

	// breakerThreshold is the consecutive transient-failure count that
	// trips the circuit.
	breakerThreshold = 5

	// breakerCooldown is how long the open circuit rejects calls before
	// probing again.
	breakerCooldown = 30 * time.Second

	// errorTypeRateLimited marks the GraphQL error type for a depleted
	// rate budget.
	errorTypeRateLimited = "RATE_LIMITED"
)

// SleepFunc waits for d or until ctx is cancelled. Tests inject their own.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RepoResult is the output of one repository collection pass.
type RepoResult struct {
	PullRequests []record.PullRequest
	Reviews      []record.Review
	Commits      []record.Commit
	Releases     []record.Release
}

// PersonResult is the output of one person collection pass.
type PersonResult struct {
	PullRequests []record.PullRequest
	Reviews      []record.Review
	Commits      []record.Commit
}

// Options configures a Client.
type Options struct {
	Config config.SourceHostConfig

	// TimeOffsetDays shifts every window back before querying, aligning
	// source-host data with a lagged tracker environment. Negative is
	// rejected.
	TimeOffsetDays int

	// Classification holds the release environment rules.
	Classification []config.ClassificationRule

	Logger  *slog.Logger
	Metrics *observability.CollectionMetrics

	// Sleep overrides the backoff wait. Nil selects a real timer.
	Sleep SleepFunc

	// HTTPClient overrides the transport. Nil builds one from the
	// configured timeout.
	HTTPClient *http.Client
}

// Client is an authenticated session against one GraphQL endpoint.
// Safe for concurrent use.
type Client struct {
	endpoint   string
	token      string
	http       *http.Client
	pageSize   int
	offsetDays int
	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
	org        string

	classifier *Classifier
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	metrics    *observability.CollectionMetrics
	sleep      SleepFunc
	now        func() time.Time

	pauseMu     sync.Mutex
	pausedUntil time.Time
}

// NewClient builds a client from options.
func NewClient(opts Options) (*Client, error) {
	cfg := opts.Config

	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: sourceHost.token is required", errdefs.ErrConfig)
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: sourceHost.baseUrl is required", errdefs.ErrConfig)
	}

	if opts.TimeOffsetDays < 0 {
		return nil, fmt.Errorf("%w: timeOffsetDays must not be negative", errdefs.ErrConfig)
	}

	classifier, err := NewClassifier(opts.Classification)
	if err != nil {
		return nil, err
	}

	c := &Client{
		endpoint:   cfg.BaseURL,
		token:      cfg.Token,
		http:       opts.HTTPClient,
		pageSize:   cfg.PageSize,
		offsetDays: opts.TimeOffsetDays,
		maxRetries: cfg.MaxRetries,
		retryBase:  time.Duration(cfg.RetryBaseSeconds) * time.Second,
		retryCap:   time.Duration(cfg.RetryCapSeconds) * time.Second,
		org:        cfg.Organization,
		classifier: classifier,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		sleep:      opts.Sleep,
		now:        time.Now,
	}

	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}

	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}

	if c.retryBase <= 0 {
		c.retryBase = defaultRetryBase
	}

	if c.retryCap <= 0 {
		c.retryCap = defaultRetryCap
	}

	if c.http == nil {
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		c.http = &http.Client{Timeout: timeout}
	}

	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if c.sleep == nil {
		c.sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()

			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "githost",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerThreshold
		},
		Timeout: breakerCooldown,
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, errdefs.ErrUpstreamTransient)
		},
	})

	return c, nil
}

// CollectRepositoryMetrics returns the repository's PRs (with reviews and
// commits) and releases inside the window, shifted by the client's time
// offset. When retries are exhausted mid-traversal, the pages collected so
// far come back with a partial-result error.
func (c *Client) CollectRepositoryMetrics(ctx context.Context, owner, repo string, w window.Window) (RepoResult, error) {
	shifted := w.ShiftBack(c.offsetDays)
	repoRef := record.RepoRef{Owner: owner, Name: repo}

	var (
		out           RepoResult
		prCursor      string
		releaseCursor string
	)

	includePRs, includeReleases := true, true

	for includePRs || includeReleases {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		variables := map[string]any{
			"owner":           owner,
			"repo":            repo,
			"pageSize":        c.pageSize,
			"includePRs":      includePRs,
			"includeReleases": includeReleases,
			"reviewPageSize":  reviewPageSize,
			"commitPageSize":  commitPageSize,
		}

		if prCursor != "" {
			variables["prCursor"] = prCursor
		}

		if releaseCursor != "" {
			variables["releaseCursor"] = releaseCursor
		}

		var data repositoryData
		if err := c.execute(ctx, repositoryQuery, variables, &data); err != nil {
			if errors.Is(err, errdefs.ErrUpstreamTransient) {
				return filterRepoResult(out, shifted), errdefs.Partial(fmt.Sprintf("collect %s/%s", owner, repo), err)
			}

			return filterRepoResult(out, shifted), err
		}

		if includePRs {
			conn := data.Repository.PullRequests

			anyInWindow := false

			if conn != nil {
				for _, node := range conn.Nodes {
					pr, reviews, commits := mapPullRequest(repoRef, node)
					out.PullRequests = append(out.PullRequests, pr)
					out.Reviews = append(out.Reviews, reviews...)
					out.Commits = append(out.Commits, commits...)

					if !pr.PrincipalTime().Before(shifted.Since) {
						anyInWindow = true
					}
				}
			}

			if conn == nil || len(conn.Nodes) == 0 || !conn.PageInfo.HasNextPage || !anyInWindow {
				includePRs = false
			} else {
				prCursor = conn.PageInfo.EndCursor
			}
		}

		if includeReleases {
			conn := data.Repository.Releases

			anyInWindow := false

			if conn != nil {
				for _, node := range conn.Nodes {
					out.Releases = append(out.Releases, record.Release{
						Repo:        repoRef,
						Tag:         node.TagName,
						Name:        node.Name,
						PublishedAt: node.PublishedAt,
						Prerelease:  node.IsPrerelease,
						Environment: c.classifier.Classify(node.TagName, node.Name, node.IsPrerelease),
					})

					if !node.PublishedAt.Before(shifted.Since) {
						anyInWindow = true
					}
				}
			}

			if conn == nil || len(conn.Nodes) == 0 || !conn.PageInfo.HasNextPage || !anyInWindow {
				includeReleases = false
			} else {
				releaseCursor = conn.PageInfo.EndCursor
			}
		}
	}

	return filterRepoResult(out, shifted), nil
}

// CollectPersonMetrics returns PRs authored by login, reviews submitted by
// login, and commits authored by login inside the shifted window. The same
// search document runs twice, once per role.
func (c *Client) CollectPersonMetrics(ctx context.Context, login string, w window.Window) (PersonResult, error) {
	shifted := w.ShiftBack(c.offsetDays)

	var out PersonResult

	authored, err := c.searchPullRequests(ctx, authorSearch(c.org, login, shifted))
	if err != nil {
		return filterPersonResult(out, login, shifted), c.wrapPersonErr(login, err)
	}

	for _, node := range authored {
		pr, _, commits := mapPullRequest(record.RepoRef{}, node)
		out.PullRequests = append(out.PullRequests, pr)
		out.Commits = append(out.Commits, commits...)
	}

	reviewed, err := c.searchPullRequests(ctx, reviewerSearch(c.org, login, shifted))
	if err != nil {
		return filterPersonResult(out, login, shifted), c.wrapPersonErr(login, err)
	}

	for _, node := range reviewed {
		_, reviews, _ := mapPullRequest(record.RepoRef{}, node)
		out.Reviews = append(out.Reviews, reviews...)
	}

	return filterPersonResult(out, login, shifted), nil
}

func (c *Client) wrapPersonErr(login string, err error) error {
	if errors.Is(err, errdefs.ErrUpstreamTransient) {
		return errdefs.Partial("collect person "+login, err)
	}

	return err
}

// searchPullRequests pages through the PR search connection.
func (c *Client) searchPullRequests(ctx context.Context, searchQuery string) ([]pullRequestNode, error) {
	var (
		nodes  []pullRequestNode
		cursor string
	)

	for {
		if err := ctx.Err(); err != nil {
			return nodes, err
		}

		variables := map[string]any{
			"searchQuery":    searchQuery,
			"pageSize":       c.pageSize,
			"reviewPageSize": reviewPageSize,
			"commitPageSize": commitPageSize,
		}

		if cursor != "" {
			variables["cursor"] = cursor
		}

		var data searchData
		if err := c.execute(ctx, personQuery, variables, &data); err != nil {
			return nodes, err
		}

		nodes = append(nodes, data.Search.Nodes...)

		if len(data.Search.Nodes) == 0 || !data.Search.PageInfo.HasNextPage {
			return nodes, nil
		}

		cursor = data.Search.PageInfo.EndCursor
	}
}

// execute runs one GraphQL call with session pausing, circuit breaking, and
// exponential-backoff retry of transient failures.
func (c *Client) execute(ctx context.Context, query string, variables map[string]any, out any) error {
	for attempt := 1; ; attempt++ {
		if err := c.waitIfPaused(ctx); err != nil {
			return err
		}

		c.metrics.RecordUpstreamRequest(ctx, observability.UpstreamSourceHost, "attempt")

		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.doRequest(ctx, query, variables, out)
		})

		if err == nil {
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open: %v", errdefs.ErrUpstreamTransient, err)
		}

		if !errors.Is(err, errdefs.ErrUpstreamTransient) || attempt >= c.maxRetries {
			return err
		}

		backoff := c.retryBase << (attempt - 1)
		if backoff > c.retryCap {
			backoff = c.retryCap
		}

		c.logger.Warn("source-host call failed, retrying",
			"attempt", attempt, "backoff", backoff, "error", err)
		c.metrics.RecordUpstreamRetry(ctx, observability.UpstreamSourceHost)

		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

// doRequest performs one HTTP round trip and classifies the outcome.
func (c *Client) doRequest(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		return fmt.Errorf("%w: %v", errdefs.ErrUpstreamTransient, err)
	}

	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: source host returned %d", errdefs.ErrUpstreamPermanent, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		c.pauseFromHeaders(resp)

		return fmt.Errorf("%w: secondary rate limit", errdefs.ErrUpstreamTransient)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: source host returned %d", errdefs.ErrUpstreamTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: source host returned %d", errdefs.ErrUpstreamPermanent, resp.StatusCode)
	}

	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining == "0" {
		c.pauseFromHeaders(resp)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: decode response: %v", errdefs.ErrUpstreamTransient, err)
	}

	if len(envelope.Errors) > 0 {
		for _, gqlErr := range envelope.Errors {
			if gqlErr.Type == errorTypeRateLimited {
				c.pauseFromHeaders(resp)

				return fmt.Errorf("%w: rate limited: %s", errdefs.ErrUpstreamTransient, gqlErr.Message)
			}
		}

		return fmt.Errorf("%w: query rejected: %s", errdefs.ErrUpstreamPermanent, envelope.Errors[0].Message)
	}

	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: decode data: %v", errdefs.ErrUpstreamTransient, err)
	}

	return nil
}

// pauseFromHeaders records the session-wide pause demanded by rate-limit
// headers. Retry-After wins; X-RateLimit-Reset is the fallback.
func (c *Client) pauseFromHeaders(resp *http.Response) {
	until := time.Time{}

	if after := resp.Header.Get("Retry-After"); after != "" {
		if seconds, err := strconv.Atoi(after); err == nil && seconds > 0 {
			until = c.now().Add(time.Duration(seconds) * time.Second)
		}
	}

	if until.IsZero() {
		if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
			if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
				until = time.Unix(unix, 0)
			}
		}
	}

	if until.IsZero() {
		return
	}

	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()

	if until.After(c.pausedUntil) {
		c.pausedUntil = until

		c.logger.Warn("source-host session paused by rate limit", "until", until)
	}
}

// waitIfPaused blocks until the session pause elapses.
func (c *Client) waitIfPaused(ctx context.Context) error {
	c.pauseMu.Lock()
	wait := c.pausedUntil.Sub(c.now())
	c.pauseMu.Unlock()

	if wait <= 0 {
		return nil
	}

	return c.sleep(ctx, wait)
}

// filterRepoResult post-filters a repository pass with the shifted window.
func filterRepoResult(out RepoResult, w window.Window) RepoResult {
	return RepoResult{
		PullRequests: record.FilterPullRequests(out.PullRequests, w),
		Reviews:      record.FilterReviews(out.Reviews, w),
		Commits:      record.FilterCommits(out.Commits, w),
		Releases:     record.FilterReleases(out.Releases, w),
	}
}

// filterPersonResult post-filters a person pass: window bounds plus the
// person's own role in each record kind.
func filterPersonResult(out PersonResult, login string, w window.Window) PersonResult {
	prs := make([]record.PullRequest, 0, len(out.PullRequests))

	for _, pr := range out.PullRequests {
		if pr.Author == login {
			prs = append(prs, pr)
		}
	}

	reviews := make([]record.Review, 0, len(out.Reviews))

	for _, review := range out.Reviews {
		if review.Reviewer == login {
			reviews = append(reviews, review)
		}
	}

	commits := make([]record.Commit, 0, len(out.Commits))

	for _, commit := range out.Commits {
		if commit.Author == login {
			commits = append(commits, commit)
		}
	}

	return PersonResult{
		PullRequests: record.FilterPullRequests(prs, w),
		Reviews:      record.FilterReviews(reviews, w),
		Commits:      record.FilterCommits(commits, w),
	}
}
