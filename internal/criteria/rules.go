package criteria

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// RuleKind identifies the check a ContentRule performs.
type RuleKind string

const (
	// RequireFilePattern fails unless at least one path matches the glob.
	RequireFilePattern RuleKind = "requireFilePattern"
	// ForbidFilePattern fails if any path matches the glob.
	ForbidFilePattern RuleKind = "forbidFilePattern"
	// RequireFileContains fails unless a glob-matching file's content
	// matches ContentPattern.
	RequireFileContains RuleKind = "requireFileContains"
)

// ContentRule is a single file-level rule.
type ContentRule struct {
	Kind           RuleKind `json:"type" yaml:"type"`
	Glob           string   `json:"glob" yaml:"glob"`
	ContentPattern string   `json:"contentPattern,omitempty" yaml:"contentPattern,omitempty"`
	IgnoreCase     bool     `json:"ignoreCase,omitempty" yaml:"ignoreCase,omitempty"`
}

// String renders the rule the way it appears in failure reasons, e.g.
// requireFilePattern(*.md).
func (r ContentRule) String() string {
	if r.Kind == RequireFileContains {
		return fmt.Sprintf("%s(%q, %s)", r.Kind, r.ContentPattern, r.Glob)
	}
	return fmt.Sprintf("%s(%s)", r.Kind, r.Glob)
}

// RuleSet is an ordered, conjunctive sequence of rules.
type RuleSet []ContentRule

// RuleError reports a malformed rule. It is a configuration error and is
// never raised per repository.
type RuleError struct {
	Index int
	Rule  ContentRule
	Err   error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %d (%s): %v", e.Index+1, e.Rule, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// CompiledRule is a validated rule ready to be evaluated.
type CompiledRule struct {
	ContentRule

	glob    string
	content *regexp.Regexp
}

// MatchPath reports whether a slash-separated path relative to the
// repository root matches the rule's glob. Globs without a slash match the
// base name only.
func (r *CompiledRule) MatchPath(p string) bool {
	if !strings.Contains(r.glob, "/") {
		p = path.Base(p)
	}
	if r.IgnoreCase {
		p = strings.ToLower(p)
	}
	return doublestar.MatchUnvalidated(r.glob, p)
}

// MatchContent reports whether data matches the rule's content pattern.
func (r *CompiledRule) MatchContent(data []byte) bool {
	if r.content == nil {
		return false
	}
	return r.content.Match(data)
}

// Compile validates every rule and returns them in order.
func (rs RuleSet) Compile() ([]*CompiledRule, error) {
	compiled := make([]*CompiledRule, 0, len(rs))
	for i, rule := range rs {
		c, err := compileRule(rule)
		if err != nil {
			return nil, &RuleError{Index: i, Rule: rule, Err: err}
		}
		compiled = append(compiled, c)
	}
	return compiled, nil
}

func compileRule(rule ContentRule) (*CompiledRule, error) {
	switch rule.Kind {
	case RequireFilePattern, ForbidFilePattern:
		if rule.ContentPattern != "" {
			return nil, fmt.Errorf("contentPattern is only valid for %s", RequireFileContains)
		}
	case RequireFileContains:
		if rule.ContentPattern == "" {
			return nil, fmt.Errorf("contentPattern is required")
		}
	default:
		return nil, fmt.Errorf("unknown rule type %q: must be one of %s, %s, or %s",
			rule.Kind, RequireFilePattern, ForbidFilePattern, RequireFileContains)
	}

	glob := strings.TrimPrefix(rule.Glob, "/")
	if glob == "" {
		return nil, fmt.Errorf("glob is required")
	}
	if rule.IgnoreCase {
		glob = strings.ToLower(glob)
	}
	if !doublestar.ValidatePattern(glob) {
		return nil, fmt.Errorf("invalid glob %q", rule.Glob)
	}

	c := &CompiledRule{ContentRule: rule, glob: glob}
	if rule.ContentPattern != "" {
		expr := rule.ContentPattern
		if rule.IgnoreCase {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid contentPattern: %w", err)
		}
		c.content = re
	}
	return c, nil
}
