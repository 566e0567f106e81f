package github

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cli/go-gh/v2/pkg/api"
	"go.uber.org/zap"
)

const (
	// batchSize is the number of repositories to resolve per GraphQL request.
	batchSize = 50
)

// graphQLRepository is the subset of repository fields the resolver selects.
type graphQLRepository struct {
	DatabaseID     int64     `json:"databaseId"`
	Name           string    `json:"name"`
	NameWithOwner  string    `json:"nameWithOwner"`
	URL            string    `json:"url"`
	DiskUsage      int       `json:"diskUsage"`
	StargazerCount int       `json:"stargazerCount"`
	PushedAt       time.Time `json:"pushedAt"`
	IsFork         bool      `json:"isFork"`
	IsArchived     bool      `json:"isArchived"`
	Owner          struct {
		Login string `json:"login"`
	} `json:"owner"`
	DefaultBranchRef *struct {
		Name string `json:"name"`
	} `json:"defaultBranchRef"`
	PrimaryLanguage *struct {
		Name string `json:"name"`
	} `json:"primaryLanguage"`
}

// ResolveError reports seed repositories that could not be resolved.
type ResolveError struct {
	Specs   []RepoSpec
	Reasons []string
}

func (e *ResolveError) Error() string {
	parts := make([]string, len(e.Specs))
	for i, spec := range e.Specs {
		parts[i] = fmt.Sprintf("%s: %s", spec, e.Reasons[i])
	}
	return "failed to resolve repositories: " + strings.Join(parts, "; ")
}

// ResolveRepos looks up explicitly named repositories in batches. Specs
// without a repository name are skipped. Repositories that do not exist or
// are empty are reported in a *ResolveError alongside the ones that resolved.
func (c *Client) ResolveRepos(ctx context.Context, specs []RepoSpec) ([]Repository, error) {
	named := make([]RepoSpec, 0, len(specs))
	for _, spec := range specs {
		if spec.Repo != "" {
			named = append(named, spec)
		}
	}
	if len(named) == 0 {
		return nil, nil
	}

	var (
		repos  = make([]Repository, 0, len(named))
		failed ResolveError
	)

	// Process repositories in batches to stay within GraphQL API limits.
	for i := 0; i < len(named); i += batchSize {
		end := min(i+batchSize, len(named))
		batch := named[i:end]

		if err := c.core.Acquire(ctx); err != nil {
			return nil, err
		}

		var response map[string]*graphQLRepository
		err := c.graphql.DoWithContext(ctx, buildRepositoryQuery(batch), nil, &response)
		if err != nil {
			// Unknown repositories produce NOT_FOUND errors alongside the
			// data for the rest of the batch.
			var gqlErr *api.GraphQLError
			if !errors.As(err, &gqlErr) || !onlyNotFound(gqlErr) {
				return nil, fmt.Errorf("failed to resolve repositories: %w", err)
			}
		}

		for j, spec := range batch {
			node := response["repo"+strconv.Itoa(j)]
			switch {
			case node == nil:
				failed.Specs = append(failed.Specs, spec)
				failed.Reasons = append(failed.Reasons, "not found")
			case node.DefaultBranchRef == nil || node.DiskUsage == 0:
				failed.Specs = append(failed.Specs, spec)
				failed.Reasons = append(failed.Reasons, "repository is empty (no commits yet)")
			default:
				repo := node.toRepository()
				repo.Category = spec.Category
				repos = append(repos, repo)
			}
		}
	}

	c.logger.Debug("resolved seed repositories",
		zap.Int("resolved", len(repos)),
		zap.Int("failed", len(failed.Specs)))

	if len(failed.Specs) > 0 {
		return repos, &failed
	}
	return repos, nil
}

func onlyNotFound(err *api.GraphQLError) bool {
	for _, e := range err.Errors {
		if e.Type != "NOT_FOUND" {
			return false
		}
	}
	return len(err.Errors) > 0
}

func (r graphQLRepository) toRepository() Repository {
	repo := Repository{
		ID:            r.DatabaseID,
		Owner:         r.Owner.Login,
		Name:          r.Name,
		FullName:      r.NameWithOwner,
		DefaultBranch: r.DefaultBranchRef.Name,
		SizeKB:        r.DiskUsage,
		Stars:         r.StargazerCount,
		PushedAt:      r.PushedAt,
		Fork:          r.IsFork,
		Archived:      r.IsArchived,
		HTMLURL:       r.URL,
	}
	if r.PrimaryLanguage != nil {
		repo.Language = r.PrimaryLanguage.Name
	}
	return repo
}

// buildRepositoryQuery builds a compact GraphQL query with an alias for each
// repository. Query structure (shown formatted for readability, actual query
// is compact):
//
//	{
//	  repo0: repository(owner: "owner", name: "repo") {
//	    ...fields
//	  }
//	  repo1: repository(owner: "owner", name: "other") {
//	    ...fields
//	  }
//	}
func buildRepositoryQuery(specs []RepoSpec) string {
	const fields = "databaseId name nameWithOwner url diskUsage stargazerCount pushedAt isFork isArchived " +
		"owner{login} defaultBranchRef{name} primaryLanguage{name}"

	var buf strings.Builder
	buf.Grow(len(specs) * (len(fields) + 64))

	buf.WriteString("{")
	for i, spec := range specs {
		fmt.Fprintf(&buf, "repo%d:repository(owner:%q,name:%q){%s}", i, spec.Owner, spec.Repo, fields)
	}
	buf.WriteString("}")

	return buf.String()
}
