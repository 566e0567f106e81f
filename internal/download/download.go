// Package download fetches repository archives into a work directory with
// retries, and classifies the failures that are not worth retrying.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jparise/gh-mine/internal/github"
	"github.com/jparise/gh-mine/internal/metrics"
	"github.com/jparise/gh-mine/internal/retry"
	"go.uber.org/zap"
)

// ErrResourceExhausted means the work directory ran out of space. It aborts
// the whole run rather than a single repository.
var ErrResourceExhausted = errors.New("resource exhausted")

// ErrorKind classifies a failed download.
type ErrorKind string

const (
	KindNotFound  ErrorKind = "not_found"
	KindForbidden ErrorKind = "forbidden"
	KindTransient ErrorKind = "transient"
	KindCancelled ErrorKind = "cancelled"
)

// Outcome is the result of one Submit. Exactly one of Path and Err is set.
type Outcome struct {
	Repo     github.Repository
	Path     string
	Err      error
	Kind     ErrorKind
	Attempts int
	Bytes    int64
	Duration time.Duration
}

// Failed reports whether the download did not produce an archive.
func (o Outcome) Failed() bool { return o.Err != nil }

// Release deletes the downloaded archive. It is safe to call more than once
// and on failed outcomes.
func (o Outcome) Release() error {
	if o.Path == "" {
		return nil
	}
	if err := os.Remove(o.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove archive %s: %w", o.Path, err)
	}
	return nil
}

// Archiver streams a repository archive. *github.Client implements it.
type Archiver interface {
	DownloadArchive(ctx context.Context, repo github.Repository, w io.Writer) (int64, error)
}

// Options configures a Manager.
type Options struct {
	WorkDir string
	// RetryLimit is the total number of attempts per archive.
	RetryLimit int
	// Backoff supplies the delays between attempts; its MaxAttempts is
	// replaced by RetryLimit.
	Backoff retry.Policy
	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Manager downloads archives. It is safe for concurrent use; concurrency is
// bounded by the caller.
type Manager struct {
	client  Archiver
	workDir string
	policy  retry.Policy
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// NewManager creates the work directory if needed and returns a Manager.
func NewManager(client Archiver, opts Options) (*Manager, error) {
	if opts.WorkDir == "" {
		return nil, errors.New("download: work directory is required")
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	policy := opts.Backoff
	if policy.BaseDelay == 0 {
		policy = retry.DefaultPolicy
	}
	policy.MaxAttempts = max(opts.RetryLimit, 1)

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		client:  client,
		workDir: opts.WorkDir,
		policy:  policy,
		logger:  logger.With(zap.String("component", "download")),
		metrics: opts.Metrics,
	}, nil
}

// ArchivePath returns where the archive of repo is stored. Names are derived
// from the numeric ID so that renamed repositories cannot collide.
func (m *Manager) ArchivePath(repo github.Repository) string {
	return filepath.Join(m.workDir, fmt.Sprintf("%d.zip", repo.ID))
}

// Submit downloads the archive of repo. Per-repository failures are reported
// in the Outcome; the returned error is reserved for conditions that should
// abort the run and wraps ErrResourceExhausted.
func (m *Manager) Submit(ctx context.Context, repo github.Repository) (Outcome, error) {
	start := time.Now()
	out := Outcome{Repo: repo}
	final := m.ArchivePath(repo)
	part := final + ".part"
	logger := m.logger.With(zap.String("repo", repo.FullName), zap.Int64("id", repo.ID))

	machine := retry.New(m.policy)
	var err error
	for machine.Begin() {
		m.metrics.DownloadAttempt()

		var n int64
		n, err = m.fetch(ctx, repo, part)
		if err == nil {
			err = os.Rename(part, final)
		}
		if err == nil {
			machine.Succeed()
			out.Path = final
			out.Bytes = n
			out.Attempts = machine.Attempts()
			out.Duration = time.Since(start)
			m.metrics.DownloadCompleted(n, out.Duration)
			logger.Debug("archive downloaded",
				zap.String("size", humanize.IBytes(uint64(n))),
				zap.Int("attempts", out.Attempts))
			return out, nil
		}
		_ = os.Remove(part)

		if errors.Is(err, syscall.ENOSPC) {
			out.Err = err
			out.Attempts = machine.Attempts()
			out.Duration = time.Since(start)
			return out, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
		}
		if ctx.Err() != nil {
			break
		}

		delay, ok := machine.Fail(github.IsTransient(err))
		if !ok {
			break
		}
		logger.Warn("download failed, retrying",
			zap.Int("attempt", machine.Attempts()),
			zap.Duration("delay", delay),
			zap.Error(err))
		if sleepErr := retry.Sleep(ctx, delay); sleepErr != nil {
			break
		}
	}

	out.Err = err
	out.Kind = classify(ctx, err)
	out.Attempts = machine.Attempts()
	out.Duration = time.Since(start)
	logger.Debug("download failed",
		zap.String("kind", string(out.Kind)),
		zap.Int("attempts", out.Attempts),
		zap.Error(err))
	return out, nil
}

// fetch writes one attempt to path.
func (m *Manager) fetch(ctx context.Context, repo github.Repository, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}
	n, err := m.client.DownloadArchive(ctx, repo, f)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

func classify(ctx context.Context, err error) ErrorKind {
	switch {
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case github.IsNotFound(err):
		return KindNotFound
	case github.IsForbidden(err):
		return KindForbidden
	default:
		return KindTransient
	}
}
