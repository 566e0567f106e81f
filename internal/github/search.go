package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jparise/gh-mine/internal/criteria"
	"github.com/jparise/gh-mine/internal/retry"
	"github.com/tomnomnom/linkheader"
	"go.uber.org/zap"
)

// searchWindow is the number of results the search API will return for any
// single query, regardless of total_count.
const searchWindow = 1000

// SearchOptions tunes a Paginator.
type SearchOptions struct {
	// PerPage is the page size, at most 100.
	PerPage int
	// Retry governs transient page failures.
	Retry retry.Policy
}

// Paginator lazily walks repository search results. Each repository is
// produced at most once, and at most MaxResults are produced in total.
//
// A Paginator is not safe for concurrent use and is not restartable: once
// Next returns io.EOF it keeps returning io.EOF.
type Paginator struct {
	client  *Client
	query   string
	sort    string
	order   string
	perPage int
	max     int
	policy  retry.Policy

	seen    map[int64]struct{}
	buf     []Repository
	page    int
	emitted int
	total   int
	last    bool
	err     error
}

// Search returns a Paginator over repositories matching c. The criteria
// should already be validated.
func (c *Client) Search(crit criteria.SearchCriteria, opts SearchOptions) *Paginator {
	perPage := opts.PerPage
	if perPage <= 0 || perPage > pageSize {
		perPage = pageSize
	}
	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy
	}
	return &Paginator{
		client:  c,
		query:   BuildQuery(crit),
		sort:    crit.Sort,
		order:   crit.Order,
		perPage: perPage,
		max:     crit.MaxResults,
		policy:  policy,
		seen:    make(map[int64]struct{}),
	}
}

// Query returns the rendered search query.
func (p *Paginator) Query() string { return p.query }

// TotalCount returns the total_count reported by the most recent page.
func (p *Paginator) TotalCount() int { return p.total }

// Emitted returns how many repositories Next has produced.
func (p *Paginator) Emitted() int { return p.emitted }

// Next returns the next distinct repository. It returns io.EOF when the
// results or the MaxResults budget are exhausted. Any other error is fatal
// for the paginator and is returned by every later call.
func (p *Paginator) Next(ctx context.Context) (Repository, error) {
	for {
		if p.err != nil {
			return Repository{}, p.err
		}
		if p.emitted >= p.max {
			return Repository{}, io.EOF
		}
		if len(p.buf) > 0 {
			repo := p.buf[0]
			p.buf = p.buf[1:]
			// Results shift between pages while the index updates.
			if _, dup := p.seen[repo.ID]; dup {
				continue
			}
			p.seen[repo.ID] = struct{}{}
			p.emitted++
			return repo, nil
		}
		if p.last {
			return Repository{}, io.EOF
		}
		if err := p.fetch(ctx); err != nil {
			p.err = err
			return Repository{}, err
		}
	}
}

// fetch loads the next page into buf.
func (p *Paginator) fetch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.page++
	path := searchPath(p.query, p.sort, p.order, p.perPage, p.page)

	var (
		result searchResponse
		link   string
	)
	attempts, err := retry.Do(ctx, p.policy, IsTransient, func(ctx context.Context, attempt int) error {
		resp, err := p.client.request(ctx, p.client.rest, p.client.search, path)
		if err != nil {
			if IsTransient(err) {
				p.client.logger.Warn("search page failed",
					zap.Int("page", p.page),
					zap.Int("attempt", attempt),
					zap.Error(err))
			}
			return err
		}
		defer resp.Body.Close()
		link = resp.Header.Get("Link")
		result = searchResponse{}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return fmt.Errorf("failed to search repositories (page %d, %d attempts): %w", p.page, attempts, err)
	}

	if result.IncompleteResults {
		p.client.logger.Warn("search results incomplete", zap.Int("page", p.page))
	}
	p.total = result.TotalCount
	for _, item := range result.Items {
		p.buf = append(p.buf, item.toRepository())
	}

	switch {
	case len(result.Items) < p.perPage:
		p.last = true
	case link != "" && !hasNextLink(link):
		p.last = true
	case p.page*p.perPage >= min(p.total, searchWindow):
		p.last = true
	}
	return nil
}

func hasNextLink(header string) bool {
	return len(linkheader.Parse(header).FilterByRel("next")) > 0
}
