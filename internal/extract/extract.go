// Package extract unpacks downloaded archives into scratch space and decides
// whether a repository satisfies the content rules.
package extract

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jparise/gh-mine/internal/criteria"
	"github.com/jparise/gh-mine/internal/download"
	"github.com/jparise/gh-mine/internal/report"
	"go.uber.org/zap"
)

const (
	// DefaultMaxFileBytes caps how much of one file a content rule reads.
	DefaultMaxFileBytes = 1 << 20
	// DefaultMaxExtractBytes caps the total uncompressed size of an archive.
	DefaultMaxExtractBytes = 2 << 30
)

// ErrCorruptArchive is returned for archives that cannot be read or that
// would write outside the extraction directory.
var ErrCorruptArchive = errors.New("corrupt archive")

// Options configures a Filter.
type Options struct {
	// ScratchDir holds the per-repository extraction directories.
	ScratchDir string
	Rules      []*criteria.CompiledRule
	// MaxFileBytes is the per-file read cap for content rules and manifests.
	MaxFileBytes int64
	// MaxExtractBytes is the total uncompressed size allowed per archive.
	MaxExtractBytes int64
	ScanManifests   bool
	Logger          *zap.Logger
}

// Filter turns download outcomes into verdicts. It is safe for concurrent
// use: every evaluation works in its own directory.
type Filter struct {
	scratch         string
	rules           []*criteria.CompiledRule
	maxFileBytes    int64
	maxExtractBytes int64
	scanManifests   bool
	logger          *zap.Logger
}

// NewFilter returns a Filter, creating the scratch directory if needed.
func NewFilter(opts Options) (*Filter, error) {
	scratch := opts.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	f := &Filter{
		scratch:         scratch,
		rules:           opts.Rules,
		maxFileBytes:    opts.MaxFileBytes,
		maxExtractBytes: opts.MaxExtractBytes,
		scanManifests:   opts.ScanManifests,
		logger:          opts.Logger,
	}
	if f.maxFileBytes <= 0 {
		f.maxFileBytes = DefaultMaxFileBytes
	}
	if f.maxExtractBytes <= 0 {
		f.maxExtractBytes = DefaultMaxExtractBytes
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	f.logger = f.logger.With(zap.String("component", "extract"))
	return f, nil
}

// Evaluate produces the verdict for one download outcome. Failed downloads
// become failed verdicts without touching the disk. The returned error is
// reserved for conditions that should abort the run and wraps
// download.ErrResourceExhausted.
func (f *Filter) Evaluate(ctx context.Context, out download.Outcome) (report.Verdict, error) {
	v := report.NewVerdict(out.Repo)
	v.AttemptCount = out.Attempts

	if out.Failed() {
		return failedDownload(v, out), nil
	}

	dir, err := os.MkdirTemp(f.scratch, fmt.Sprintf("%d-*", out.Repo.ID))
	if err != nil {
		if isDiskFull(err) {
			return v, fmt.Errorf("%w: %w", download.ErrResourceExhausted, err)
		}
		return v, fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			f.logger.Warn("failed to remove extraction directory", zap.String("dir", dir), zap.Error(err))
		}
	}()

	start := time.Now()
	files, written, err := f.unzip(ctx, out.Path, dir)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return v.Fail(report.FailureCancelled, "cancelled during extraction"), nil
	case isDiskFull(err):
		return v, fmt.Errorf("%w: %w", download.ErrResourceExhausted, err)
	default:
		// Entries that cannot be written, such as a file shadowing a
		// directory, are an archive problem too.
		f.logger.Debug("corrupt archive", zap.String("repo", out.Repo.FullName), zap.Error(err))
		if !errors.Is(err, ErrCorruptArchive) {
			err = fmt.Errorf("%w: %w", ErrCorruptArchive, err)
		}
		return v.Fail(report.FailureCorruptArchive, err.Error()), nil
	}
	f.logger.Debug("extracted archive",
		zap.String("repo", out.Repo.FullName),
		zap.Int("files", len(files)),
		zap.String("size", humanize.IBytes(uint64(written))),
		zap.Duration("elapsed", time.Since(start)))

	matched, reason, err := f.evaluate(ctx, dir, files)
	if err != nil {
		if ctx.Err() != nil {
			return v.Fail(report.FailureCancelled, "cancelled during evaluation"), nil
		}
		return v, err
	}
	if reason != "" {
		return v.Fail(report.FailureRejected, reason), nil
	}

	var manifests []report.Manifest
	if f.scanManifests {
		manifests = f.scanManifestFiles(dir, files)
	}
	return v.Accept(matched, manifests), nil
}

func failedDownload(v report.Verdict, out download.Outcome) report.Verdict {
	switch out.Kind {
	case download.KindNotFound:
		return v.Fail(report.FailureNotFound, "not found")
	case download.KindForbidden:
		return v.Fail(report.FailureForbidden, "forbidden: "+out.Err.Error())
	case download.KindCancelled:
		return v.Fail(report.FailureCancelled, "cancelled")
	default:
		return v.Fail(report.FailureTransient,
			fmt.Sprintf("gave up after %d attempts: %v", out.Attempts, out.Err))
	}
}

func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, download.ErrResourceExhausted)
}

// unzip extracts the archive at src into dir and returns the slash-separated
// paths of the regular files written, relative to the repository root.
func (f *Filter) unzip(ctx context.Context, src, dir string) ([]string, int64, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}
	defer zr.Close()

	prefix := commonRoot(zr.File)
	budget := f.maxExtractBytes
	var files []string
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		name := strings.TrimPrefix(zf.Name, prefix)
		if name == "" {
			continue
		}
		if strings.Contains(zf.Name, `\`) || !filepath.IsLocal(filepath.FromSlash(name)) {
			return nil, 0, fmt.Errorf("%w: entry %q escapes the extraction directory", ErrCorruptArchive, zf.Name)
		}

		mode := zf.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			continue
		case mode.IsDir():
			if err := os.MkdirAll(filepath.Join(dir, filepath.FromSlash(name)), 0o755); err != nil {
				return nil, 0, err
			}
			continue
		case !mode.IsRegular():
			continue
		}

		if zf.UncompressedSize64 > uint64(budget) {
			return nil, 0, fmt.Errorf("%w: uncompressed size exceeds %s", ErrCorruptArchive,
				humanize.IBytes(uint64(f.maxExtractBytes)))
		}
		n, err := writeEntry(zf, filepath.Join(dir, filepath.FromSlash(name)), budget)
		if err != nil {
			return nil, 0, err
		}
		budget -= n
		files = append(files, path.Clean(name))
	}
	return files, f.maxExtractBytes - budget, nil
}

// writeEntry copies one entry to dst, failing if it inflates past budget.
func writeEntry(zf *zip.File, dst string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	rc, err := zf.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrCorruptArchive, zf.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(out, &limitedReader{r: rc, n: budget})
	closeErr := out.Close()
	switch {
	case errors.Is(copyErr, errBudget):
		return n, fmt.Errorf("%w: uncompressed size exceeds limit", ErrCorruptArchive)
	case isDiskFull(copyErr):
		return n, copyErr
	case copyErr != nil:
		var pathErr *fs.PathError
		if errors.As(copyErr, &pathErr) && pathErr.Path == dst {
			return n, copyErr
		}
		// Anything else came from the decompressor.
		return n, fmt.Errorf("%w: %s: %w", ErrCorruptArchive, zf.Name, copyErr)
	}
	return n, closeErr
}

var errBudget = errors.New("extraction budget exceeded")

// limitedReader is io.LimitedReader that reports overflow instead of EOF.
type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		// Probe for one more byte to tell an exact fit from an overflow.
		var b [1]byte
		n, err := l.r.Read(b[:])
		if n > 0 {
			return 0, errBudget
		}
		return 0, err
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}

// commonRoot returns the single top-level directory shared by every entry,
// including its trailing slash, or "" when there is none. GitHub zipballs
// wrap the tree in an owner-repo-sha/ folder.
func commonRoot(files []*zip.File) string {
	var root string
	for _, zf := range files {
		first, _, ok := strings.Cut(zf.Name, "/")
		if !ok || first == "" {
			return ""
		}
		if root == "" {
			root = first
		} else if first != root {
			return ""
		}
	}
	if root == "" || root == ".." {
		return ""
	}
	return root + "/"
}
