// Package tracker collects issues, saved filters, and fix-versions from the
// JQL/REST issue tracker. Large filter result sets are fetched with an
// adaptive pagination plan chosen from a cheap count query, trading
// changelog fidelity for throughput above a configured threshold.
package tracker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/velometry/velometry/internal/config"
	"github.com/velometry/velometry/internal/errdefs"
	"github.com/velometry/velometry/internal/observability"
	"github.com/velometry/velometry/internal/record"
	"github.com/velometry/velometry/internal/window"
)

// Client defaults.
const (
	defaultBatchSize  = 100
	defaultLargeBatch = 1000
	defaultMaxRetries = 3
	defaultRetryDelay = 5 * time.Second
	defaultTimeout    = 30 * time.Second
	defaultCountWait  = 10 * time.Second

	searchPath = "/rest/api/2/search"
	filterPath = "/rest/api/2/filter"
)

// SleepFunc waits for d or until ctx is cancelled. Tests inject their own.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Filter is one saved tracker filter.
type Filter struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	JQL  string `json:"jql"`
}

// plan is one adaptive pagination decision.
type plan struct {
	batchSize int
	changelog bool
}

// Options configures a Client.
type Options struct {
	Config config.IssueTrackerConfig

	// Environment selects the tracker environment; empty selects the
	// primary server with no time offset.
	Environment string

	Logger  *slog.Logger
	Metrics *observability.CollectionMetrics

	// Sleep overrides the backoff wait. Nil selects a real timer.
	Sleep SleepFunc

	// HTTPClient overrides the transport. Nil builds one from the
	// configured timeout and TLS setting.
	HTTPClient *http.Client
}

// Client is an authenticated session against one tracker environment.
// Safe for concurrent use.
type Client struct {
	baseURL    string
	username   string
	apiToken   string
	http       *http.Client
	offsetDays int
	filterIDs  []int

	batchSize  int
	largeBatch int
	huge       int
	adaptive   bool
	changelogL bool
	maxRetries int
	retryDelay time.Duration
	countWait  time.Duration

	logger  *slog.Logger
	metrics *observability.CollectionMetrics
	sleep   SleepFunc
}

// NewClient builds a client for the named environment.
func NewClient(opts Options) (*Client, error) {
	cfg := opts.Config

	env, err := cfg.Environment(opts.Environment)
	if err != nil {
		return nil, err
	}

	if env.Server == "" {
		return nil, fmt.Errorf("%w: issueTracker.server is required", errdefs.ErrConfig)
	}

	if env.TimeOffsetDays < 0 {
		return nil, fmt.Errorf("%w: timeOffsetDays must not be negative", errdefs.ErrConfig)
	}

	if cfg.Pagination.Enabled && cfg.Pagination.HugeThreshold <= 0 {
		return nil, fmt.Errorf("%w: pagination.hugeThreshold is required when pagination is enabled", errdefs.ErrConfig)
	}

	c := &Client{
		baseURL:    strings.TrimRight(env.Server, "/"),
		username:   cfg.Username,
		apiToken:   cfg.APIToken,
		http:       opts.HTTPClient,
		offsetDays: env.TimeOffsetDays,
		filterIDs:  env.FilterIDs,
		batchSize:  cfg.Pagination.BatchSize,
		largeBatch: cfg.Pagination.LargeBatchSize,
		huge:       cfg.Pagination.HugeThreshold,
		adaptive:   cfg.Pagination.Enabled,
		changelogL: cfg.Pagination.FetchChangelogForLarge,
		maxRetries: cfg.Pagination.MaxRetries,
		retryDelay: cfg.Pagination.RetryDelay(),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		sleep:      opts.Sleep,
	}

	if c.batchSize <= 0 {
		c.batchSize = defaultBatchSize
	}

	if c.largeBatch <= 0 {
		c.largeBatch = defaultLargeBatch
	}

	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}

	if c.retryDelay <= 0 {
		c.retryDelay = defaultRetryDelay
	}

	c.countWait = time.Duration(cfg.CountTimeoutSeconds) * time.Second
	if c.countWait <= 0 {
		c.countWait = defaultCountWait
	}

	if c.http == nil {
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		transport := http.DefaultTransport
		if !cfg.VerifySSL {
			transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // verifySsl=false is an explicit operator choice.
			}
		}

		c.http = &http.Client{Timeout: timeout, Transport: transport}
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

	return c, nil
}

// FilterIDs returns the filters configured for this environment.
func (c *Client) FilterIDs() []int { return c.filterIDs }

// CountIssues runs the inexpensive count query for jql: a search with
// maxResults=0, reading total from the envelope.
func (c *Client) CountIssues(ctx context.Context, jql string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.countWait)
	defer cancel()

	var envelope searchEnvelope

	err := c.do(ctx, http.MethodPost, searchPath, nil, searchRequest{JQL: jql, MaxResults: 0}, &envelope)
	if err != nil {
		return 0, err
	}

	return envelope.Total, nil
}

// planFor picks batch size and changelog expansion from the count. The
// threshold comparison is >=: a result set exactly at hugeThreshold already
// pays the huge-set cost.
func (c *Client) planFor(n int) plan {
	if !c.adaptive {
		return plan{batchSize: c.largeBatch, changelog: true}
	}

	if n >= c.huge {
		return plan{batchSize: c.largeBatch, changelog: c.changelogL}
	}

	return plan{batchSize: c.batchSize, changelog: true}
}

// SearchIssues fetches the issues matched by jql inside the window, shifted
// by the environment's time offset. When per-batch retries are exhausted
// mid-traversal, the issues collected so far come back with a partial-result
// error.
func (c *Client) SearchIssues(ctx context.Context, jql string, w window.Window) ([]record.Issue, error) {
	shifted := w.ShiftBack(c.offsetDays)
	bounded := boundJQL(jql, shifted)

	total, countErr := c.CountIssues(ctx, bounded)

	var fetchPlan plan

	switch {
	case countErr == nil:
		fetchPlan = c.planFor(total)
	case errors.Is(countErr, errdefs.ErrUpstreamTransient) || errors.Is(countErr, context.DeadlineExceeded):
		// Unknown size: assume the worst and skip changelog expansion.
		c.logger.Warn("count unavailable", "jql", bounded, "error", countErr)

		total = -1
		fetchPlan = plan{batchSize: c.largeBatch, changelog: c.changelogL}
	default:
		return nil, countErr
	}

	if total == 0 {
		return nil, nil
	}

	issues, err := c.fetchPages(ctx, bounded, total, fetchPlan)

	issues = record.FilterIssues(issues, shifted)

	return issues, err
}

// fetchPages walks the offset pagination [0,b), [b,2b), … until fetched
// covers the count or a page comes back empty.
func (c *Client) fetchPages(ctx context.Context, jql string, total int, fetchPlan plan) ([]record.Issue, error) {
	var issues []record.Issue

	request := searchRequest{
		JQL:        jql,
		MaxResults: fetchPlan.batchSize,
		Fields:     issueSearchFields,
	}

	if fetchPlan.changelog {
		request.Expand = []string{"changelog"}
	}

	for startAt := 0; ; startAt += fetchPlan.batchSize {
		if err := ctx.Err(); err != nil {
			return issues, err
		}

		request.StartAt = startAt

		var envelope searchEnvelope

		err := c.withRetry(ctx, func() error {
			envelope = searchEnvelope{}

			return c.do(ctx, http.MethodPost, searchPath, nil, request, &envelope)
		})
		if err != nil {
			if errors.Is(err, errdefs.ErrUpstreamTransient) {
				return issues, errdefs.Partial(fmt.Sprintf("search issues at offset %d", startAt), err)
			}

			return issues, err
		}

		for _, env := range envelope.Issues {
			issues = append(issues, mapIssue(env, !fetchPlan.changelog))
		}

		if len(envelope.Issues) == 0 {
			return issues, nil
		}

		if total >= 0 && len(issues) >= total {
			return issues, nil
		}

		if total < 0 && len(envelope.Issues) < fetchPlan.batchSize {
			return issues, nil
		}
	}
}

// ListUserFilters returns the user's favourite saved filters.
func (c *Client) ListUserFilters(ctx context.Context) ([]Filter, error) {
	var envelopes []filterEnvelope

	err := c.withRetry(ctx, func() error {
		envelopes = nil

		return c.do(ctx, http.MethodGet, filterPath+"/favourite", nil, nil, &envelopes)
	})
	if err != nil {
		return nil, err
	}

	return mapFilters(envelopes), nil
}

// SearchFilters finds saved filters whose name contains term.
func (c *Client) SearchFilters(ctx context.Context, term string) ([]Filter, error) {
	query := url.Values{"filterName": {term}}

	var envelope struct {
		Values []filterEnvelope `json:"values"`
	}

	err := c.withRetry(ctx, func() error {
		envelope.Values = nil

		return c.do(ctx, http.MethodGet, filterPath+"/search", query, nil, &envelope)
	})
	if err != nil {
		return nil, err
	}

	return mapFilters(envelope.Values), nil
}

// GetFilterJQL resolves one saved filter to its JQL text.
func (c *Client) GetFilterJQL(ctx context.Context, id int) (string, error) {
	var envelope filterEnvelope

	err := c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%d", filterPath, id), nil, nil, &envelope)
	})
	if err != nil {
		return "", err
	}

	return envelope.JQL, nil
}

// CollectReleases enumerates the project's released fix-versions inside the
// shifted window and, for each, the keys of the contributing issues. A
// non-empty teamMembers list restricts contribution to those assignees.
func (c *Client) CollectReleases(ctx context.Context, projectKey string, teamMembers []string, w window.Window) ([]record.FixVersion, error) {
	shifted := w.ShiftBack(c.offsetDays)

	var envelopes []versionEnvelope

	err := c.withRetry(ctx, func() error {
		envelopes = nil

		return c.do(ctx, http.MethodGet, "/rest/api/2/project/"+url.PathEscape(projectKey)+"/versions", nil, nil, &envelopes)
	})
	if err != nil {
		return nil, err
	}

	var versions []record.FixVersion

	for _, env := range envelopes {
		if !env.Released || env.ReleaseDate == "" {
			continue
		}

		releaseDate, parseErr := time.Parse(jiraDateFormat, env.ReleaseDate)
		if parseErr != nil {
			c.logger.Warn("unparseable version release date", "version", env.Name, "releaseDate", env.ReleaseDate)

			continue
		}

		if !shifted.Contains(releaseDate) {
			continue
		}

		keys, keysErr := c.versionIssueKeys(ctx, projectKey, env.Name, teamMembers)
		if keysErr != nil {
			return versions, keysErr
		}

		versions = append(versions, record.FixVersion{
			Name:        env.Name,
			Released:    true,
			ReleaseDate: &releaseDate,
			IssueKeys:   keys,
		})
	}

	return versions, nil
}

// versionIssueKeys lists the issues contributing to one fix-version.
func (c *Client) versionIssueKeys(ctx context.Context, projectKey, version string, teamMembers []string) ([]string, error) {
	jql := fmt.Sprintf("project = %s AND fixVersion = %q", projectKey, version)
	if len(teamMembers) > 0 {
		jql += fmt.Sprintf(" AND assignee in (%s)", strings.Join(quoteAll(teamMembers), ", "))
	}

	request := searchRequest{JQL: jql, MaxResults: c.largeBatch, Fields: []string{"key"}}

	var keys []string

	for startAt := 0; ; startAt += c.largeBatch {
		request.StartAt = startAt

		var envelope searchEnvelope

		err := c.withRetry(ctx, func() error {
			envelope = searchEnvelope{}

			return c.do(ctx, http.MethodPost, searchPath, nil, request, &envelope)
		})
		if err != nil {
			return keys, err
		}

		for _, env := range envelope.Issues {
			keys = append(keys, env.Key)
		}

		if len(envelope.Issues) == 0 || len(keys) >= envelope.Total {
			return keys, nil
		}
	}
}

// withRetry runs fn with the per-batch retry envelope: transient failures
// wait retryDelay·2^(attempt-1) between attempts; anything else surfaces
// immediately.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, errdefs.ErrUpstreamTransient) || attempt >= c.maxRetries {
			return err
		}

		backoff := c.retryDelay << (attempt - 1)

		c.logger.Warn("tracker call failed, retrying",
			"attempt", attempt, "backoff", backoff, "error", err)
		c.metrics.RecordUpstreamRetry(ctx, observability.UpstreamIssueTracker)

		if sleepErr := c.sleep(ctx, backoff); sleepErr != nil {
			return sleepErr
		}
	}
}

// do performs one REST round trip and classifies the outcome.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}

		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.SetBasicAuth(c.username, c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	c.metrics.RecordUpstreamRequest(ctx, observability.UpstreamIssueTracker, "attempt")

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
		return fmt.Errorf("%w: tracker returned %d", errdefs.ErrUpstreamPermanent, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: malformed JQL", errdefs.ErrUpstreamPermanent)
	case resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusGatewayTimeout ||
		resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: tracker returned %d", errdefs.ErrUpstreamTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: tracker returned %d", errdefs.ErrUpstreamPermanent, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", errdefs.ErrUpstreamTransient, err)
	}

	return nil
}

// boundJQL appends the window bounds to a JQL query.
func boundJQL(jql string, w window.Window) string {
	clause := fmt.Sprintf("updated >= %q AND created < %q",
		w.Since.UTC().Format(jiraDateFormat), w.Until.UTC().Format(jiraDateFormat))

	if strings.TrimSpace(jql) == "" {
		return clause
	}

	return fmt.Sprintf("(%s) AND %s", jql, clause)
}

func mapFilters(envelopes []filterEnvelope) []Filter {
	filters := make([]Filter, 0, len(envelopes))

	for _, env := range envelopes {
		filters = append(filters, Filter{ID: env.ID, Name: env.Name, JQL: env.JQL})
	}

	return filters
}

func quoteAll(values []string) []string {
	quoted := make([]string, 0, len(values))

	for _, v := range values {
		quoted = append(quoted, fmt.Sprintf("%q", v))
	}

	return quoted
}
