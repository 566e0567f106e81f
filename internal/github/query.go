package github

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jparise/gh-mine/internal/criteria"
)

// BuildQuery renders criteria as a repository search query string.
func BuildQuery(c criteria.SearchCriteria) string {
	var terms []string

	if c.Language != "" {
		terms = append(terms, "language:"+quoteQualifier(c.Language))
	}
	if r := intRange(c.MinStars, c.MaxStars); r != "" {
		terms = append(terms, "stars:"+r)
	}
	if r := intRange(c.MinSizeKB, c.MaxSizeKB); r != "" {
		terms = append(terms, "size:"+r)
	}
	if r := dateRange(c.CreatedAfter, c.CreatedBefore); r != "" {
		terms = append(terms, "created:"+r)
	}
	if r := dateRange(c.PushedAfter, c.PushedBefore); r != "" {
		terms = append(terms, "pushed:"+r)
	}
	for _, topic := range c.Topics {
		terms = append(terms, "topic:"+quoteQualifier(topic))
	}
	if c.IncludeForks {
		terms = append(terms, "fork:true")
	}
	if !c.IncludeArchived {
		terms = append(terms, "archived:false")
	}

	if len(terms) == 0 {
		// The search API rejects an empty query.
		return "stars:>=0"
	}
	return strings.Join(terms, " ")
}

// searchPath returns the search endpoint for one page of results.
func searchPath(query, sort, order string, perPage, page int) string {
	params := url.Values{}
	params.Set("q", query)
	if sort != "" {
		params.Set("sort", sort)
		if order != "" {
			params.Set("order", order)
		}
	}
	params.Set("per_page", fmt.Sprint(perPage))
	params.Set("page", fmt.Sprint(page))
	return "search/repositories?" + params.Encode()
}

func quoteQualifier(s string) string {
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}

func intRange(lo, hi *int) string {
	switch {
	case lo != nil && hi != nil:
		return fmt.Sprintf("%d..%d", *lo, *hi)
	case lo != nil:
		return fmt.Sprintf(">=%d", *lo)
	case hi != nil:
		return fmt.Sprintf("<=%d", *hi)
	default:
		return ""
	}
}

func dateRange(after, before *time.Time) string {
	switch {
	case after != nil && before != nil:
		return after.UTC().Format(time.DateOnly) + ".." + before.UTC().Format(time.DateOnly)
	case after != nil:
		return ">=" + after.UTC().Format(time.DateOnly)
	case before != nil:
		return "<=" + before.UTC().Format(time.DateOnly)
	default:
		return ""
	}
}
