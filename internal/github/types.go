package github

import (
	"fmt"
	"strings"
	"time"
)

// Repository describes a candidate repository. Repositories are compared by
// ID; names can change between search and download.
type Repository struct {
	ID            int64
	Owner         string
	Name          string
	FullName      string // owner/name
	DefaultBranch string
	SizeKB        int
	Stars         int
	PushedAt      time.Time
	Language      string
	Topics        []string
	Fork          bool
	Archived      bool
	ArchiveURL    string
	HTMLURL       string

	// Category is an optional user-supplied tag carried from a seed spec.
	Category string
}

// apiRepository is the REST representation of a repository.
type apiRepository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
	DefaultBranch string    `json:"default_branch"`
	Size          int       `json:"size"`
	Stars         int       `json:"stargazers_count"`
	PushedAt      time.Time `json:"pushed_at"`
	Language      string    `json:"language"`
	Topics        []string  `json:"topics"`
	Fork          bool      `json:"fork"`
	Archived      bool      `json:"archived"`
	ArchiveURL    string    `json:"archive_url"`
	HTMLURL       string    `json:"html_url"`
}

func (r apiRepository) toRepository() Repository {
	return Repository{
		ID:            r.ID,
		Owner:         r.Owner.Login,
		Name:          r.Name,
		FullName:      r.FullName,
		DefaultBranch: r.DefaultBranch,
		SizeKB:        r.Size,
		Stars:         r.Stars,
		PushedAt:      r.PushedAt,
		Language:      r.Language,
		Topics:        r.Topics,
		Fork:          r.Fork,
		Archived:      r.Archived,
		ArchiveURL:    expandArchiveURL(r.ArchiveURL, r.DefaultBranch),
		HTMLURL:       r.HTMLURL,
	}
}

// expandArchiveURL fills GitHub's archive_url template, e.g.
// https://api.github.com/repos/o/r/{archive_format}{/ref}.
func expandArchiveURL(template, ref string) string {
	if template == "" {
		return ""
	}
	u := strings.Replace(template, "{archive_format}", "zipball", 1)
	return strings.Replace(u, "{/ref}", "/"+ref, 1)
}

// searchResponse is the body of GET search/repositories.
type searchResponse struct {
	TotalCount        int             `json:"total_count"`
	IncompleteResults bool            `json:"incomplete_results"`
	Items             []apiRepository `json:"items"`
}

// RepoSpec is an explicitly requested repository or owner.
type RepoSpec struct {
	Owner    string
	Repo     string // empty means every repository of Owner
	Category string
}

func (s RepoSpec) String() string {
	if s.Repo == "" {
		return s.Owner
	}
	return s.Owner + "/" + s.Repo
}

// ParseRepoSpec parses "owner", "owner/repo", or either form followed by
// "~category".
func ParseRepoSpec(spec string) (RepoSpec, error) {
	var category string
	if i := strings.Index(spec, "~"); i >= 0 {
		spec, category = spec[:i], strings.TrimSpace(spec[i+1:])
	}
	spec = strings.TrimSpace(spec)
	spec = strings.TrimPrefix(spec, "https://github.com/")
	spec = strings.TrimSuffix(spec, "/")

	parts := strings.Split(spec, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return RepoSpec{Owner: parts[0], Category: category}, nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return RepoSpec{Owner: parts[0], Repo: parts[1], Category: category}, nil
	default:
		return RepoSpec{}, fmt.Errorf("invalid repo spec: %q (expected owner or owner/repo)", spec)
	}
}
