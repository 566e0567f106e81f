// Package report defines the per-repository verdicts and the run report,
// and aggregates verdicts from concurrent workers.
package report

import (
	"slices"
	"time"

	"github.com/jparise/gh-mine/internal/github"
)

// FailureKind says why a repository was not accepted.
type FailureKind string

const (
	FailureRejected          FailureKind = "rejected"
	FailureNotFound          FailureKind = "not_found"
	FailureForbidden         FailureKind = "forbidden"
	FailureTransient         FailureKind = "transient"
	FailureCorruptArchive    FailureKind = "corrupt_archive"
	FailureCancelled         FailureKind = "cancelled"
	FailureResourceExhausted FailureKind = "resource_exhausted"
)

// Errored reports whether the kind is an error rather than a rule rejection.
func (k FailureKind) Errored() bool {
	return k != "" && k != FailureRejected
}

// Dependency is one declared dependency of a manifest.
type Dependency struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Scope   string `json:"scope,omitempty" yaml:"scope,omitempty"`
}

// Manifest lists the direct dependencies declared in a package manifest.
type Manifest struct {
	Ecosystem    string       `json:"ecosystem" yaml:"ecosystem"`
	Path         string       `json:"path" yaml:"path"`
	Dependencies []Dependency `json:"dependencies" yaml:"dependencies"`
}

// Verdict is the final decision for one repository. Accepted verdicts carry
// MatchedFiles; the others carry FailureKind and FailureReason.
type Verdict struct {
	ID            int64       `json:"id" yaml:"id"`
	FullName      string      `json:"fullName" yaml:"fullName"`
	Category      string      `json:"category,omitempty" yaml:"category,omitempty"`
	DefaultBranch string      `json:"defaultBranch" yaml:"defaultBranch"`
	Stars         int         `json:"stars" yaml:"stars"`
	SizeKB        int         `json:"sizeKB" yaml:"sizeKB"`
	PushedAt      time.Time   `json:"pushedAt,omitzero" yaml:"pushedAt,omitempty"`
	Accepted      bool        `json:"accepted" yaml:"accepted"`
	MatchedFiles  []string    `json:"matchedFiles,omitempty" yaml:"matchedFiles,omitempty"`
	FailureKind   FailureKind `json:"failureKind,omitempty" yaml:"failureKind,omitempty"`
	FailureReason string      `json:"failureReason,omitempty" yaml:"failureReason,omitempty"`
	AttemptCount  int         `json:"attemptCount" yaml:"attemptCount"`
	Manifests     []Manifest  `json:"manifests,omitempty" yaml:"manifests,omitempty"`
	CompletedAt   time.Time   `json:"completedAt" yaml:"completedAt"`
}

// NewVerdict starts a verdict for repo with the descriptor fields filled in.
func NewVerdict(repo github.Repository) Verdict {
	return Verdict{
		ID:            repo.ID,
		FullName:      repo.FullName,
		Category:      repo.Category,
		DefaultBranch: repo.DefaultBranch,
		Stars:         repo.Stars,
		SizeKB:        repo.SizeKB,
		PushedAt:      repo.PushedAt,
	}
}

// Accept marks the verdict accepted with the given matched files.
func (v Verdict) Accept(matched []string, manifests []Manifest) Verdict {
	v.Accepted = true
	v.MatchedFiles = matched
	v.Manifests = manifests
	v.FailureKind = ""
	v.FailureReason = ""
	v.CompletedAt = time.Now().UTC()
	return v
}

// Fail marks the verdict not accepted.
func (v Verdict) Fail(kind FailureKind, reason string) Verdict {
	v.Accepted = false
	v.MatchedFiles = nil
	v.Manifests = nil
	v.FailureKind = kind
	v.FailureReason = reason
	v.CompletedAt = time.Now().UTC()
	return v
}

// Outcome is "accepted" or the failure kind.
func (v Verdict) Outcome() string {
	if v.Accepted {
		return "accepted"
	}
	return string(v.FailureKind)
}

func (v Verdict) clone() Verdict {
	v.MatchedFiles = slices.Clone(v.MatchedFiles)
	if v.Manifests != nil {
		manifests := make([]Manifest, len(v.Manifests))
		for i, m := range v.Manifests {
			m.Dependencies = slices.Clone(m.Dependencies)
			manifests[i] = m
		}
		v.Manifests = manifests
	}
	return v
}
