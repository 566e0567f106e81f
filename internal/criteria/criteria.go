// Package criteria describes what gh-mine searches for and which files a
// downloaded repository must (or must not) contain.
package criteria

import (
	"fmt"
	"time"
)

// Sort orders accepted by the repository search API.
const (
	SortBestMatch = ""
	SortStars     = "stars"
	SortForks     = "forks"
	SortUpdated   = "updated"
)

// SearchCriteria is a parsed search request. A nil bound means "no
// constraint"; ranges may be half-open.
type SearchCriteria struct {
	Language      string     `json:"language,omitempty" yaml:"language,omitempty"`
	MinStars      *int       `json:"minStars,omitempty" yaml:"minStars,omitempty"`
	MaxStars      *int       `json:"maxStars,omitempty" yaml:"maxStars,omitempty"`
	MinSizeKB     *int       `json:"minSizeKB,omitempty" yaml:"minSizeKB,omitempty"`
	MaxSizeKB     *int       `json:"maxSizeKB,omitempty" yaml:"maxSizeKB,omitempty"`
	Topics        []string   `json:"topics,omitempty" yaml:"topics,omitempty"`
	CreatedAfter  *time.Time `json:"createdAfter,omitempty" yaml:"createdAfter,omitempty"`
	CreatedBefore *time.Time `json:"createdBefore,omitempty" yaml:"createdBefore,omitempty"`
	PushedAfter   *time.Time `json:"pushedAfter,omitempty" yaml:"pushedAfter,omitempty"`
	PushedBefore  *time.Time `json:"pushedBefore,omitempty" yaml:"pushedBefore,omitempty"`
	MaxResults    int        `json:"maxResults" yaml:"maxResults"`

	IncludeForks    bool   `json:"includeForks,omitempty" yaml:"includeForks,omitempty"`
	IncludeArchived bool   `json:"includeArchived,omitempty" yaml:"includeArchived,omitempty"`
	Sort            string `json:"sort,omitempty" yaml:"sort,omitempty"`
	Order           string `json:"order,omitempty" yaml:"order,omitempty"`
}

// Validate checks that every range is well formed.
func (c SearchCriteria) Validate() error {
	if c.MaxResults < 1 {
		return fmt.Errorf("maxResults must be at least 1, got %d", c.MaxResults)
	}
	if err := checkIntRange("stars", c.MinStars, c.MaxStars); err != nil {
		return err
	}
	if err := checkIntRange("sizeKB", c.MinSizeKB, c.MaxSizeKB); err != nil {
		return err
	}
	if err := checkTimeRange("created", c.CreatedAfter, c.CreatedBefore); err != nil {
		return err
	}
	if err := checkTimeRange("pushed", c.PushedAfter, c.PushedBefore); err != nil {
		return err
	}
	for _, topic := range c.Topics {
		if topic == "" {
			return fmt.Errorf("topics cannot contain an empty value")
		}
	}

	switch c.Sort {
	case SortBestMatch, SortStars, SortForks, SortUpdated:
	default:
		return fmt.Errorf("invalid sort %q: must be one of stars, forks, updated, or empty", c.Sort)
	}
	switch c.Order {
	case "", "asc", "desc":
	default:
		return fmt.Errorf("invalid order %q: must be asc or desc", c.Order)
	}
	return nil
}

func checkIntRange(name string, lo, hi *int) error {
	if lo != nil && *lo < 0 {
		return fmt.Errorf("min %s cannot be negative", name)
	}
	if hi != nil && *hi < 0 {
		return fmt.Errorf("max %s cannot be negative", name)
	}
	if lo != nil && hi != nil && *lo > *hi {
		return fmt.Errorf("min %s (%d) cannot be greater than max %s (%d)", name, *lo, name, *hi)
	}
	return nil
}

func checkTimeRange(name string, after, before *time.Time) error {
	if after != nil && before != nil && after.After(*before) {
		return fmt.Errorf("%s after (%s) cannot be later than %s before (%s)",
			name, after.Format(time.DateOnly), name, before.Format(time.DateOnly))
	}
	return nil
}
