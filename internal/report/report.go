package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/jparise/gh-mine/internal/criteria"
	"gopkg.in/yaml.v3"
)

// Status is the state of a run.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
	StatusAborted  Status = "aborted"
)

// Report is the persisted result of a run.
type Report struct {
	RunID       string                  `json:"runId" yaml:"runId"`
	Query       string                  `json:"query" yaml:"query"`
	Criteria    criteria.SearchCriteria `json:"criteria" yaml:"criteria"`
	Rules       criteria.RuleSet        `json:"rules" yaml:"rules"`
	StartedAt   time.Time               `json:"startedAt" yaml:"startedAt"`
	FinishedAt  time.Time               `json:"finishedAt,omitzero" yaml:"finishedAt,omitempty"`
	Status      Status                  `json:"status" yaml:"status"`
	AbortReason string                  `json:"abortReason,omitempty" yaml:"abortReason,omitempty"`

	// Candidates counts the repositories that entered the pipeline in this
	// run; Resumed counts verdicts carried over from a checkpoint.
	Candidates int `json:"candidates" yaml:"candidates"`
	Resumed    int `json:"resumed" yaml:"resumed"`
	Accepted   int `json:"accepted" yaml:"accepted"`
	Errored    int `json:"errored" yaml:"errored"`

	Verdicts []Verdict `json:"verdicts" yaml:"verdicts"`
}

// Rejected counts verdicts rejected by a rule.
func (r *Report) Rejected() int {
	return len(r.Verdicts) - r.Accepted - r.Errored
}

// SortByID orders the verdicts by repository ID. Verdicts are otherwise in
// completion order, which varies between runs.
func (r *Report) SortByID() {
	slices.SortFunc(r.Verdicts, func(a, b Verdict) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
}

// isYAML reports whether path should be written as YAML.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// WriteFile writes r to path atomically, as YAML when the extension is .yaml
// or .yml and as indented JSON otherwise.
func WriteFile(path string, r Report) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(r)
	} else {
		data, err = json.MarshalIndent(r, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return WriteAtomic(path, data)
}

// Load reads a report written by WriteFile.
func Load(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read report: %w", err)
	}
	var r Report
	if isYAML(path) {
		err = yaml.Unmarshal(data, &r)
	} else {
		err = json.Unmarshal(data, &r)
	}
	if err != nil {
		return Report{}, fmt.Errorf("failed to decode report %s: %w", path, err)
	}
	return r, nil
}

// WriteAtomic replaces path with data so that readers see either the old or
// the new contents, never a mix.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
