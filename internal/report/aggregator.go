package report

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrFinalized is returned when recording into, or finalizing, an
	// aggregator that has already been finalized.
	ErrFinalized = errors.New("report already finalized")
	// ErrDuplicate is returned when a repository already has a verdict.
	ErrDuplicate = errors.New("repository already has a verdict")
)

// Aggregator collects verdicts from concurrent workers into a Report.
type Aggregator struct {
	mu        sync.Mutex
	report    Report
	seen      map[int64]struct{}
	finalized bool
}

// NewAggregator starts a report from header. RunID and StartedAt are filled
// in when empty; Status is set to running and any verdicts are discarded.
func NewAggregator(header Report) *Aggregator {
	if header.RunID == "" {
		header.RunID = uuid.NewString()
	}
	if header.StartedAt.IsZero() {
		header.StartedAt = time.Now().UTC()
	}
	header.Status = StatusRunning
	header.Verdicts = nil
	header.Accepted, header.Errored = 0, 0
	return &Aggregator{
		report: header,
		seen:   make(map[int64]struct{}),
	}
}

// Record appends one verdict and counts it as a candidate of this run.
func (a *Aggregator) Record(v Verdict) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.add(v); err != nil {
		return err
	}
	a.report.Candidates++
	return nil
}

// Restore carries verdicts over from a checkpoint. Restored verdicts count
// as resumed rather than as candidates of this run. Verdicts already present
// are skipped.
func (a *Aggregator) Restore(vs []Verdict) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, v := range vs {
		err := a.add(v)
		if errors.Is(err, ErrDuplicate) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	a.report.Resumed += n
	return n, nil
}

// add requires a.mu.
func (a *Aggregator) add(v Verdict) error {
	if a.finalized {
		return ErrFinalized
	}
	if _, ok := a.seen[v.ID]; ok {
		return fmt.Errorf("%w: %s (%d)", ErrDuplicate, v.FullName, v.ID)
	}
	a.seen[v.ID] = struct{}{}
	a.report.Verdicts = append(a.report.Verdicts, v.clone())
	switch {
	case v.Accepted:
		a.report.Accepted++
	case v.FailureKind.Errored():
		a.report.Errored++
	}
	return nil
}

// Contains reports whether id already has a verdict.
func (a *Aggregator) Contains(id int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.seen[id]
	return ok
}

// Len returns the number of verdicts recorded or restored.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.report.Verdicts)
}

// Snapshot returns a deep copy of the report as it stands.
func (a *Aggregator) Snapshot() Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.copyLocked()
}

// Finalize closes the aggregator and returns the finished report. It can
// be called once.
func (a *Aggregator) Finalize(status Status, reason string) (Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return Report{}, ErrFinalized
	}
	a.finalized = true
	a.report.Status = status
	a.report.AbortReason = reason
	a.report.FinishedAt = time.Now().UTC()
	return a.copyLocked(), nil
}

func (a *Aggregator) copyLocked() Report {
	r := a.report
	r.Verdicts = make([]Verdict, len(a.report.Verdicts))
	for i, v := range a.report.Verdicts {
		r.Verdicts[i] = v.clone()
	}
	r.Criteria.Topics = append([]string(nil), a.report.Criteria.Topics...)
	r.Rules = append(r.Rules[:0:0], a.report.Rules...)
	return r
}
