// Package miner orchestrates the mining pipeline: it streams candidate
// repositories from seeds and search into a bounded pool of workers that
// download, extract and evaluate each one, and it assembles the report.
package miner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jparise/gh-mine/internal/checkpoint"
	"github.com/jparise/gh-mine/internal/download"
	"github.com/jparise/gh-mine/internal/extract"
	"github.com/jparise/gh-mine/internal/github"
	"github.com/jparise/gh-mine/internal/metrics"
	"github.com/jparise/gh-mine/internal/report"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrInvalidCredentials is returned when GitHub rejects the token.
var ErrInvalidCredentials = errors.New("invalid GitHub credentials")

// PartialError is returned when the run finished but some repositories
// could not be evaluated, or the run was interrupted.
type PartialError struct {
	Errored     int
	Total       int
	Interrupted bool
}

func (e *PartialError) Error() string {
	if e.Interrupted {
		return fmt.Sprintf("run interrupted after %d repositories", e.Total)
	}
	return fmt.Sprintf("failed to evaluate %d of %d repositories", e.Errored, e.Total)
}

// Miner orchestrates the mining process.
type Miner struct {
	output *Output
	logger *zap.Logger
}

// New creates a new Miner.
func New(stdout, stderr io.Writer, colorize, hyperlinks bool, logger *zap.Logger) *Miner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Miner{
		output: NewOutput(stdout, stderr, colorize, hyperlinks),
		logger: logger.With(zap.String("component", "miner")),
	}
}

// run holds the per-run state shared by the producer and the workers.
type run struct {
	*Miner
	opts       Options
	agg        *report.Aggregator
	downloader *download.Manager
	filter     *extract.Filter
	metrics    *metrics.Recorder

	abortOnce sync.Once
	abortErr  error
	cancel    context.CancelCauseFunc
}

// abort stops the producer. Only the first cause is kept.
func (r *run) abort(err error) {
	r.abortOnce.Do(func() {
		r.abortErr = err
		r.cancel(err)
	})
}

// Mine executes the run described by opts and returns its report. The report
// is also written to opts.ReportPath, even when the run is aborted. A
// *PartialError is returned when some repositories errored or the run was
// interrupted.
func (m *Miner) Mine(ctx context.Context, opts *Options) (report.Report, error) {
	o := opts.withDefaults()

	if err := o.Criteria.Validate(); err != nil {
		return report.Report{}, err
	}
	rules, err := o.Rules.Compile()
	if err != nil {
		return report.Report{}, err
	}

	rec := metrics.New(m.logger)
	clientOpts := o.ClientOpts
	clientOpts.Logger = m.logger
	clientOpts.Retry = o.Backoff
	onWait := clientOpts.OnWait
	clientOpts.OnWait = func(resource string, d time.Duration) {
		rec.RateLimitWait(resource)
		if onWait != nil {
			onWait(resource, d)
		}
	}
	client, err := github.NewClient(clientOpts)
	if err != nil {
		return report.Report{}, err
	}
	if o.ClientOpts.Host != "" {
		m.output.hostname = o.ClientOpts.Host
	}

	search := client.Search(o.Criteria, github.SearchOptions{Retry: o.Backoff})
	agg := report.NewAggregator(report.Report{
		Query:    search.Query(),
		Criteria: o.Criteria,
		Rules:    o.Rules,
	})
	m.logger.Info("starting run", zap.String("query", search.Query()), zap.Int("jobs", o.Jobs))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r := &run{Miner: m, opts: o, agg: agg, metrics: rec, cancel: cancel}

	// Everything from here on ends with a written report.
	var store checkpoint.Store
	fail := func(err error) (report.Report, error) {
		final, _ := r.finish(ctx, store, report.StatusAborted, err.Error())
		return final, err
	}

	if err := client.PrimeRateLimits(ctx); err != nil {
		if github.IsUnauthorized(err) {
			return fail(fmt.Errorf("%w: %w", ErrInvalidCredentials, err))
		}
		m.output.Warningf("failed to read rate limits: %v", err)
	}

	workDir := o.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "gh-mine-*")
		if err != nil {
			return fail(err)
		}
		defer os.RemoveAll(workDir)
	}

	r.downloader, err = download.NewManager(client, download.Options{
		WorkDir:    filepath.Join(workDir, "archives"),
		RetryLimit: o.RetryLimit,
		Backoff:    o.Backoff,
		Logger:     m.logger,
		Metrics:    rec,
	})
	if err != nil {
		return fail(err)
	}
	r.filter, err = extract.NewFilter(extract.Options{
		ScratchDir:      filepath.Join(workDir, "scratch"),
		Rules:           rules,
		MaxFileBytes:    o.MaxFileBytes,
		MaxExtractBytes: o.MaxExtractBytes,
		ScanManifests:   o.ScanManifests,
		Logger:          m.logger,
	})
	if err != nil {
		return fail(err)
	}

	if o.CheckpointPath != "" {
		opened, err := checkpoint.Open(o.CheckpointPath)
		if err != nil {
			return fail(err)
		}
		defer opened.Close()
		if o.Resume {
			if err := r.resume(ctx, opened, search.Query()); err != nil {
				return fail(err)
			}
		}
		store = opened
	}

	// In-flight work survives cancellation of ctx for the grace period.
	workCtx, cancelWork := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancelWork(nil)
	var (
		graceMu    sync.Mutex
		graceTimer *time.Timer
	)
	stopGrace := context.AfterFunc(ctx, func() {
		graceMu.Lock()
		defer graceMu.Unlock()
		m.logger.Info("run cancelled, waiting for in-flight work", zap.Duration("grace", o.GracePeriod))
		graceTimer = time.AfterFunc(o.GracePeriod, func() {
			cancelWork(context.Cause(ctx))
		})
	})
	defer func() {
		stopGrace()
		graceMu.Lock()
		if graceTimer != nil {
			graceTimer.Stop()
		}
		graceMu.Unlock()
	}()

	stopCheckpoints := r.checkpointLoop(store, search.Query())

	sem := semaphore.NewWeighted(int64(o.Jobs))
	var wg sync.WaitGroup
	claimed := make(map[int64]bool)

	submit := func(repo github.Repository) bool {
		if claimed[repo.ID] || agg.Contains(repo.ID) {
			m.logger.Debug("skipping repository with a verdict", zap.String("repo", repo.FullName))
			return true
		}
		if err := sem.Acquire(runCtx, 1); err != nil {
			return false
		}
		claimed[repo.ID] = true
		rec.Candidate()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			r.process(workCtx, repo)
		}()
		return true
	}

	r.produce(runCtx, client, search, submit)
	wg.Wait()
	stopCheckpoints()

	status, reason := report.StatusComplete, ""
	switch snap := agg.Snapshot(); {
	case r.abortErr != nil:
		status, reason = report.StatusAborted, r.abortErr.Error()
	case ctx.Err() != nil:
		status, reason = report.StatusPartial, fmt.Sprintf("interrupted: %v", context.Cause(ctx))
	case snap.Errored > 0:
		status = report.StatusPartial
	}

	final, err := r.finish(ctx, store, status, reason)
	if err != nil {
		return final, err
	}
	switch {
	case r.abortErr != nil:
		return final, r.abortErr
	case status == report.StatusPartial:
		return final, &PartialError{
			Errored:     final.Errored,
			Total:       len(final.Verdicts),
			Interrupted: ctx.Err() != nil,
		}
	}
	return final, nil
}

// resume restores the verdicts of an earlier run from store.
func (r *run) resume(ctx context.Context, store checkpoint.Store, query string) error {
	cp, err := store.Load(ctx)
	if errors.Is(err, checkpoint.ErrNotExist) {
		r.logger.Info("no checkpoint to resume from", zap.String("path", r.opts.CheckpointPath))
		return nil
	}
	if err != nil {
		return err
	}
	if cp.Query != query {
		r.output.Warningf("checkpoint was recorded for query %q; resuming with %q", cp.Query, query)
	}
	kept := make([]report.Verdict, 0, len(cp.Verdicts))
	for _, v := range cp.Verdicts {
		if r.retryOnResume(v.FailureKind) {
			continue
		}
		kept = append(kept, v)
	}
	n, err := r.agg.Restore(kept)
	if err != nil {
		return err
	}
	r.output.Infof("Resuming: %d repositories already have a verdict, %d will be retried", n, len(cp.Verdicts)-len(kept))
	return nil
}

// retryOnResume reports whether a checkpointed verdict of this kind is
// discarded so the repository is mined again. Cancelled work was never done.
func (r *run) retryOnResume(kind report.FailureKind) bool {
	switch kind {
	case report.FailureCancelled:
		return true
	case report.FailureTransient:
		return r.opts.RetryTransient
	}
	return false
}

// produce feeds seeds and then search results to submit until the inputs
// are exhausted, submit refuses, or ctx is done.
func (r *run) produce(ctx context.Context, client *github.Client, search *github.Paginator, submit func(github.Repository) bool) {
	for _, repo := range r.resolveSeeds(ctx, client) {
		if !submit(repo) {
			return
		}
	}
	if r.opts.SeedsOnly {
		return
	}

	for {
		repo, err := search.Next(ctx)
		if errors.Is(err, io.EOF) {
			r.logger.Info("search exhausted",
				zap.Int("emitted", search.Emitted()),
				zap.Int("totalCount", search.TotalCount()))
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				r.abort(fmt.Errorf("search failed: %w", err))
			}
			return
		}
		if !submit(repo) {
			return
		}
	}
}

// resolveSeeds expands owner seeds and looks up named seeds. Seeds that
// cannot be resolved are reported as warnings.
func (r *run) resolveSeeds(ctx context.Context, client *github.Client) []github.Repository {
	var repos []github.Repository
	filter := github.RepoFilter{
		Forks:    r.opts.Criteria.IncludeForks,
		Archived: r.opts.Criteria.IncludeArchived,
	}
	for _, spec := range r.opts.Seeds {
		if spec.Repo != "" {
			continue
		}
		owned, err := client.ListOwnerRepos(ctx, spec.Owner, filter)
		if err != nil {
			r.output.Warningf("%s: %v", spec.Owner, err)
			continue
		}
		for i := range owned {
			owned[i].Category = spec.Category
		}
		repos = append(repos, owned...)
	}

	named, err := client.ResolveRepos(ctx, r.opts.Seeds)
	var resolveErr *github.ResolveError
	switch {
	case errors.As(err, &resolveErr):
		for i, spec := range resolveErr.Specs {
			r.output.Warningf("%s: %s", spec, resolveErr.Reasons[i])
		}
	case err != nil:
		r.output.Warningf("failed to resolve seed repositories: %v", err)
	}
	return append(repos, named...)
}

// process runs one repository through download, evaluation and cleanup and
// records exactly one verdict for it.
func (r *run) process(ctx context.Context, repo github.Repository) {
	var v report.Verdict
	out, err := r.downloader.Submit(ctx, repo)
	if err != nil {
		r.abort(err)
		v = report.NewVerdict(repo).Fail(report.FailureResourceExhausted, err.Error())
		v.AttemptCount = out.Attempts
	} else {
		v, err = r.filter.Evaluate(ctx, out)
		if err != nil {
			kind := report.FailureTransient
			if errors.Is(err, download.ErrResourceExhausted) {
				kind = report.FailureResourceExhausted
				r.abort(err)
			}
			v = report.NewVerdict(repo).Fail(kind, err.Error())
			v.AttemptCount = out.Attempts
		}
	}
	if err := out.Release(); err != nil {
		r.logger.Warn("failed to release archive", zap.String("repo", repo.FullName), zap.Error(err))
	}

	if err := r.agg.Record(v); err != nil {
		r.logger.Error("failed to record verdict", zap.String("repo", repo.FullName), zap.Error(err))
		return
	}
	r.metrics.Verdict(v.Outcome())

	switch {
	case v.Accepted:
		r.output.Accepted(v)
	case v.FailureKind.Errored():
		r.output.Failed(v)
	default:
		r.logger.Debug("repository rejected",
			zap.String("repo", repo.FullName),
			zap.String("reason", v.FailureReason))
	}
}

// checkpointLoop saves a snapshot every CheckpointInterval until the
// returned function is called.
func (r *run) checkpointLoop(store checkpoint.Store, query string) func() {
	if store == nil {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(r.opts.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				r.saveCheckpoint(context.Background(), store, query, r.agg.Snapshot())
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (r *run) saveCheckpoint(ctx context.Context, store checkpoint.Store, query string, snap report.Report) {
	cp := &checkpoint.Checkpoint{
		Query:    query,
		SavedAt:  time.Now().UTC(),
		Verdicts: snap.Verdicts,
	}
	if err := store.Save(ctx, cp); err != nil {
		r.output.Warningf("failed to save checkpoint: %v", err)
		return
	}
	r.logger.Debug("saved checkpoint", zap.Int("verdicts", len(cp.Verdicts)))
}

// finish finalizes the report, saves the last checkpoint, and writes the
// report and metrics files.
func (r *run) finish(ctx context.Context, store checkpoint.Store, status report.Status, reason string) (report.Report, error) {
	final, err := r.agg.Finalize(status, reason)
	if err != nil {
		return final, err
	}
	final.SortByID()

	// The run context may already be cancelled; the files are still written.
	ctx = context.WithoutCancel(ctx)
	if store != nil {
		r.saveCheckpoint(ctx, store, final.Query, final)
	}
	if r.opts.ReportPath != "" {
		if err := report.WriteFile(r.opts.ReportPath, final); err != nil {
			return final, err
		}
	}
	if err := r.metrics.WriteFile(r.opts.MetricsPath); err != nil {
		r.output.Warningf("failed to write metrics: %v", err)
	}

	r.logger.Info("run finished",
		zap.String("runId", final.RunID),
		zap.String("status", string(final.Status)),
		zap.Int("verdicts", len(final.Verdicts)))
	r.output.Summary(final)
	return final, nil
}
