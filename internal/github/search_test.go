package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jparise/gh-mine/internal/criteria"
	"github.com/jparise/gh-mine/internal/retry"
	"gopkg.in/h2non/gock.v1"
	"pgregory.net/rapid"
)

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

// searchPage renders a search response containing the given repository IDs.
func searchPage(total int, ids ...int64) string {
	items := make([]string, len(ids))
	for i, id := range ids {
		items[i] = repoJSON(id, "owner", "repo"+strconv.FormatInt(id, 10), 100, false, false, "main")
	}
	return fmt.Sprintf(`{"total_count": %d, "incomplete_results": false, "items": [%s]}`, total, strings.Join(items, ","))
}

// drain reads a paginator to the end.
func drain(t *testing.T, p *Paginator) ([]int64, error) {
	t.Helper()
	var ids []int64
	for {
		repo, err := p.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return ids, nil
		}
		if err != nil {
			return ids, err
		}
		ids = append(ids, repo.ID)
	}
}

func TestPaginator(t *testing.T) {
	tests := []struct {
		name       string
		maxResults int
		perPage    int
		pages      []string
		want       []int64
	}{
		{
			name:       "short page ends results",
			maxResults: 10,
			perPage:    3,
			pages:      []string{searchPage(2, 1, 2)},
			want:       []int64{1, 2},
		},
		{
			name:       "multiple pages",
			maxResults: 10,
			perPage:    2,
			pages:      []string{searchPage(5, 1, 2), searchPage(5, 3, 4), searchPage(5, 5)},
			want:       []int64{1, 2, 3, 4, 5},
		},
		{
			name:       "duplicates across pages are dropped",
			maxResults: 10,
			perPage:    2,
			pages:      []string{searchPage(6, 1, 2), searchPage(6, 2, 3), searchPage(6, 4)},
			want:       []int64{1, 2, 3, 4},
		},
		{
			name:       "max results caps output",
			maxResults: 3,
			perPage:    2,
			pages:      []string{searchPage(100, 1, 2), searchPage(100, 3, 4)},
			want:       []int64{1, 2, 3},
		},
		{
			name:       "total count ends results",
			maxResults: 10,
			perPage:    2,
			pages:      []string{searchPage(2, 1, 2)},
			want:       []int64{1, 2},
		},
		{
			name:       "no results",
			maxResults: 10,
			perPage:    2,
			pages:      []string{searchPage(0)},
			want:       nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertMocksCalled(t)

			for i, body := range tt.pages {
				gock.New("https://api.github.com").
					Get("/search/repositories").
					MatchParam("page", strconv.Itoa(i+1)).
					MatchParam("per_page", strconv.Itoa(tt.perPage)).
					Reply(200).
					JSON(body)
			}

			client := newTestClient(t)
			p := client.Search(criteria.SearchCriteria{Language: "go", MaxResults: tt.maxResults},
				SearchOptions{PerPage: tt.perPage, Retry: fastRetry})

			got, err := drain(t, p)
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("ids = %v, want %v", got, tt.want)
			}

			// Exhausted paginators stay exhausted.
			if _, err := p.Next(context.Background()); !errors.Is(err, io.EOF) {
				t.Errorf("Next() after end = %v, want io.EOF", err)
			}
		})
	}
}

func TestPaginatorLinkHeader(t *testing.T) {
	assertMocksCalled(t)

	gock.New("https://api.github.com").
		Get("/search/repositories").
		MatchParam("page", "1").
		Reply(200).
		SetHeader("Link", `<https://api.github.com/search/repositories?q=x&page=1>; rel="prev"`).
		JSON(searchPage(500, 1, 2))

	client := newTestClient(t)
	p := client.Search(criteria.SearchCriteria{MaxResults: 100}, SearchOptions{PerPage: 2, Retry: fastRetry})
	got, err := drain(t, p)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d repos, want 2 (no next link)", len(got))
	}
}

func TestPaginatorRetriesTransientFailures(t *testing.T) {
	assertMocksCalled(t)

	gock.New("https://api.github.com").
		Get("/search/repositories").
		Reply(502).
		JSON(`{"message": "Bad Gateway"}`)
	gock.New("https://api.github.com").
		Get("/search/repositories").
		Reply(200).
		JSON(searchPage(1, 42))

	client := newTestClient(t)
	p := client.Search(criteria.SearchCriteria{MaxResults: 10}, SearchOptions{Retry: fastRetry})
	got, err := drain(t, p)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if len(got) != 1 || got[0] != 42 {
		t.Errorf("ids = %v, want [42]", got)
	}
}

func TestPaginatorAbsorbsRateLimit(t *testing.T) {
	assertMocksCalled(t)

	gock.New("https://api.github.com").
		Get("/search/repositories").
		Reply(403).
		SetHeader("X-RateLimit-Remaining", "0").
		SetHeader("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(-time.Second).Unix(), 10)).
		JSON(`{"message": "API rate limit exceeded"}`)
	gock.New("https://api.github.com").
		Get("/search/repositories").
		Reply(200).
		SetHeader("X-RateLimit-Remaining", "29").
		SetHeader("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10)).
		JSON(searchPage(1, 7))

	client := newTestClient(t)
	// A single attempt: the rate limit must not consume the retry budget.
	p := client.Search(criteria.SearchCriteria{MaxResults: 10}, SearchOptions{Retry: retry.Policy{MaxAttempts: 1}})
	got, err := drain(t, p)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d repos, want 1", len(got))
	}
	if s := client.SearchLimiter().Stats(); !s.Known || s.Remaining != 29 {
		t.Errorf("search limiter = %+v, want 29 remaining", s)
	}
}

func TestPaginatorFatalError(t *testing.T) {
	assertMocksCalled(t)

	gock.New("https://api.github.com").
		Get("/search/repositories").
		Reply(422).
		JSON(`{"message": "Validation Failed"}`)

	client := newTestClient(t)
	p := client.Search(criteria.SearchCriteria{MaxResults: 10}, SearchOptions{Retry: fastRetry})
	_, err := p.Next(context.Background())
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("Next() error = %v, want validation failure", err)
	}
	if StatusCode(err) != 422 {
		t.Errorf("StatusCode() = %d, want 422", StatusCode(err))
	}

	// The error is sticky and no further requests are made.
	if _, again := p.Next(context.Background()); again == nil {
		t.Error("Next() after a fatal error should keep failing")
	}
}

func TestPaginatorCanceled(t *testing.T) {
	client := newTestClient(t)
	p := client.Search(criteria.SearchCriteria{MaxResults: 10}, SearchOptions{Retry: fastRetry})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() error = %v, want context.Canceled", err)
	}
}

// pageTransport serves search pages from a fixed list of IDs.
type pageTransport struct {
	ids []int64
}

func (f *pageTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	q := req.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	start := min((page-1)*perPage, len(f.ids))
	end := min(start+perPage, len(f.ids))
	body := searchPage(len(f.ids), f.ids[start:end]...)

	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

// TestPaginatorDistinctAndBounded checks that a paginator never produces a
// repository twice and never produces more than MaxResults, even when the
// pages overlap.
func TestPaginatorDistinctAndBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfN(rapid.Int64Range(1, 40), 0, 120).Draw(t, "ids")
		perPage := rapid.IntRange(1, 30).Draw(t, "perPage")
		maxResults := rapid.IntRange(1, 60).Draw(t, "maxResults")

		client, err := NewClient(ClientOptions{
			AuthToken:     "fake-token",
			FallbackDelay: time.Nanosecond,
			ResetMargin:   time.Nanosecond,
			Transport:     &pageTransport{ids: ids},
		})
		if err != nil {
			t.Fatalf("NewClient() error = %v", err)
		}

		p := client.Search(criteria.SearchCriteria{MaxResults: maxResults}, SearchOptions{PerPage: perPage, Retry: fastRetry})
		seen := make(map[int64]bool)
		for {
			repo, err := p.Next(context.Background())
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if seen[repo.ID] {
				t.Fatalf("repository %d produced twice", repo.ID)
			}
			seen[repo.ID] = true
		}

		if len(seen) > maxResults {
			t.Fatalf("produced %d repositories, max %d", len(seen), maxResults)
		}

		distinct := make(map[int64]bool)
		for _, id := range ids {
			distinct[id] = true
		}
		if want := min(len(distinct), maxResults); len(seen) != want {
			t.Fatalf("produced %d repositories, want %d", len(seen), want)
		}
	})
}
