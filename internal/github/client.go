// Package github provides the GitHub API access used by gh-mine: rate-limited
// repository search, repository lookup, and archive download.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cli/go-gh/v2/pkg/api"
	"github.com/jparise/gh-mine/internal/retry"
	"go.uber.org/zap"
)

// OwnerType represents the type of account owner (User or Organization).
type OwnerType string

const (
	// OwnerTypeUser represents a user account.
	OwnerTypeUser OwnerType = "User"
	// OwnerTypeOrganization represents an organization account.
	OwnerTypeOrganization OwnerType = "Organization"

	pageSize = 100

	// maxRateLimitRetries bounds how many rate-limit rejections a single
	// request absorbs before the error is handed to the caller's retry
	// policy.
	maxRateLimitRetries = 10
)

// ClientOptions configures the GitHub API client.
type ClientOptions struct {
	AuthToken string
	Host      string
	// Timeout bounds each API request. Archive downloads are not subject to
	// it; they are bounded by their context.
	Timeout time.Duration
	// FallbackDelay paces requests while no quota information is known.
	FallbackDelay time.Duration
	// ResetMargin is added to every reported reset time.
	ResetMargin time.Duration
	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
	// Retry governs transient failures of owner and repository lookups.
	// A zero MaxAttempts uses retry.DefaultPolicy's.
	Retry retry.Policy
	// OnWait, if set, is told about every wait for a quota reset.
	OnWait func(resource string, d time.Duration)
	Logger *zap.Logger
}

// Client wraps the go-gh REST and GraphQL clients. Search and core requests
// draw from separate quota buckets and have separate limiters.
type Client struct {
	rest     *api.RESTClient
	download *api.RESTClient
	graphql  *api.GraphQLClient

	search *RateLimiter
	core   *RateLimiter
	retry  retry.Policy
	logger *zap.Logger
}

// NewClient creates a new GitHub API client with the given options.
func NewClient(opts ClientOptions) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	host := opts.Host
	if host == "" {
		host = "github.com"
	}
	fallback := opts.FallbackDelay
	if fallback == 0 {
		fallback = DefaultFallbackDelay
	}
	margin := opts.ResetMargin
	if margin == 0 {
		margin = DefaultResetMargin
	}

	// Responses are never cached: archives are large and quota headers
	// must be current.
	apiOpts := api.ClientOptions{
		AuthToken:   opts.AuthToken,
		Host:        host,
		EnableCache: false,
		Timeout:     opts.Timeout,
		Transport:   opts.Transport,
	}

	rest, err := api.NewRESTClient(apiOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}
	graphql, err := api.NewGraphQLClient(apiOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub GraphQL client: %w", err)
	}
	downloadOpts := apiOpts
	downloadOpts.Timeout = 0
	download, err := api.NewRESTClient(downloadOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub download client: %w", err)
	}

	policy := opts.Retry
	if policy.BaseDelay == 0 {
		policy = retry.DefaultPolicy
	}
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = retry.DefaultPolicy.MaxAttempts
	}

	c := &Client{
		rest:     rest,
		download: download,
		graphql:  graphql,
		search:   NewRateLimiter(fallback, margin),
		core:     NewRateLimiter(fallback, margin),
		retry:    policy,
		logger:   logger.With(zap.String("component", "github")),
	}
	for resource, limiter := range map[string]*RateLimiter{"search": c.search, "core": c.core} {
		limiter.OnWait = func(d time.Duration) {
			c.logger.Info("rate limit reached, waiting for reset",
				zap.String("resource", resource),
				zap.Duration("wait", d))
			if opts.OnWait != nil {
				opts.OnWait(resource, d)
			}
		}
	}
	return c, nil
}

// SearchLimiter returns the limiter guarding the search quota.
func (c *Client) SearchLimiter() *RateLimiter { return c.search }

// CoreLimiter returns the limiter guarding the core quota.
func (c *Client) CoreLimiter() *RateLimiter { return c.core }

// request issues a GET after acquiring a token from limiter and feeds the
// response's quota headers back into it. Rate-limit rejections are absorbed:
// the limiter is exhausted until the advertised retry time and the request
// is repeated.
func (c *Client) request(ctx context.Context, rest *api.RESTClient, limiter *RateLimiter, path string) (*http.Response, error) {
	for i := 0; ; i++ {
		if err := limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		resp, err := rest.RequestWithContext(ctx, http.MethodGet, path, nil)
		if err == nil {
			limiter.Update(ParseRateInfo(resp.Header))
			return resp, nil
		}

		var httpErr *api.HTTPError
		if !errors.As(err, &httpErr) {
			return nil, err
		}
		info := ParseRateInfo(httpErr.Headers)
		if !isRateLimitResponse(httpErr.StatusCode, info, httpErr.Message) || i >= maxRateLimitRetries {
			limiter.Update(info)
			return nil, err
		}
		until := info.retryAt(time.Now())
		c.logger.Debug("rate limited",
			zap.String("path", path),
			zap.Int("status", httpErr.StatusCode),
			zap.Time("until", until))
		limiter.Exhaust(until)
	}
}

// getJSON issues a core GET and decodes the JSON body into v. Transient
// failures are retried under the client's policy.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	attempts, err := retry.Do(ctx, c.retry, IsTransient, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			c.logger.Debug("retrying request", zap.String("path", path), zap.Int("attempt", attempt))
		}
		resp, err := c.request(ctx, c.rest, c.core, path)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(v)
	})
	if err != nil && attempts > 1 {
		return fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return err
}

// GetOwnerType determines if a name is a "User" or "Organization".
func (c *Client) GetOwnerType(ctx context.Context, name string) (OwnerType, error) {
	var result struct {
		Type OwnerType `json:"type"`
	}

	endpoint := fmt.Sprintf("users/%s", name)
	if err := c.getJSON(ctx, endpoint, &result); err != nil {
		return "", fmt.Errorf("failed to get owner type for %s: %w", name, err)
	}

	return result.Type, nil
}

// RepoFilter selects which kinds of repositories an owner listing keeps.
type RepoFilter struct {
	Forks    bool
	Archived bool
}

// ListOwnerRepos returns the non-empty repositories of a user or
// organization. It detects the account type and uses the matching endpoint.
func (c *Client) ListOwnerRepos(ctx context.Context, name string, filter RepoFilter) ([]Repository, error) {
	accountType, err := c.GetOwnerType(ctx, name)
	if err != nil {
		return nil, err
	}

	baseEndpoint := fmt.Sprintf("users/%s/repos", name)
	typeParam := "owner"
	if accountType == OwnerTypeOrganization {
		baseEndpoint = fmt.Sprintf("orgs/%s/repos", name)
		typeParam = "all"
		if !filter.Forks {
			typeParam = "sources"
		}
	}

	var repos []Repository
	for page := 1; ; page++ {
		endpoint := fmt.Sprintf("%s?type=%s&per_page=%d&page=%d",
			baseEndpoint, typeParam, pageSize, page)

		var items []apiRepository
		if err := c.getJSON(ctx, endpoint, &items); err != nil {
			return nil, fmt.Errorf("failed to list repos for %s: %w", name, err)
		}

		for _, item := range items {
			// Empty repositories have no archive to download.
			if item.Size == 0 || item.DefaultBranch == "" {
				continue
			}
			if item.Fork && !filter.Forks {
				continue
			}
			if item.Archived && !filter.Archived {
				continue
			}
			repos = append(repos, item.toRepository())
		}

		if len(items) < pageSize {
			break
		}
	}

	return repos, nil
}

// DownloadArchive streams the zipball of repo's default branch into w and
// returns the number of bytes written. Errors returned by w are wrapped, so
// callers can test for conditions such as a full disk.
func (c *Client) DownloadArchive(ctx context.Context, repo Repository, w io.Writer) (int64, error) {
	path := repo.ArchiveURL
	if path == "" {
		path = fmt.Sprintf("repos/%s/zipball/%s", repo.FullName, repo.DefaultBranch)
	}

	resp, err := c.request(ctx, c.download, c.core, path)
	if err != nil {
		return 0, fmt.Errorf("failed to download archive for %s: %w", repo.FullName, err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read archive for %s: %w", repo.FullName, err)
	}
	return n, nil
}

// rateLimitResponse is the body of GET rate_limit.
type rateLimitResponse struct {
	Resources map[string]struct {
		Limit     int   `json:"limit"`
		Remaining int   `json:"remaining"`
		Reset     int64 `json:"reset"`
	} `json:"resources"`
}

// PrimeRateLimits seeds both limiters from the rate_limit endpoint, which
// does not count against any quota. It also verifies the credentials: an
// invalid token yields an error for which IsUnauthorized is true.
func (c *Client) PrimeRateLimits(ctx context.Context) error {
	resp, err := c.rest.RequestWithContext(ctx, http.MethodGet, "rate_limit", nil)
	if err != nil {
		return fmt.Errorf("failed to get rate limits: %w", err)
	}
	defer resp.Body.Close()

	var result rateLimitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode rate limits: %w", err)
	}

	for name, limiter := range map[string]*RateLimiter{"search": c.search, "core": c.core} {
		res, ok := result.Resources[name]
		if !ok {
			continue
		}
		limiter.Update(RateInfo{
			Present:   true,
			Limit:     res.Limit,
			Remaining: res.Remaining,
			Reset:     time.Unix(res.Reset, 0),
			Resource:  name,
		})
		c.logger.Debug("primed rate limiter",
			zap.String("resource", name),
			zap.Int("remaining", res.Remaining),
			zap.Int("limit", res.Limit))
	}
	return nil
}
