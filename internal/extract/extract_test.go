package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cli/go-gh/v2/pkg/api"
	"github.com/jparise/gh-mine/internal/criteria"
	"github.com/jparise/gh-mine/internal/download"
	"github.com/jparise/gh-mine/internal/github"
	"github.com/jparise/gh-mine/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testRepo = github.Repository{ID: 1296269, FullName: "octocat/Hello-World", DefaultBranch: "main", Stars: 42}

type entry struct {
	name    string
	body    string
	symlink bool
}

// writeZip builds a zipball the way GitHub lays them out, with every entry
// under a single owner-repo-sha/ folder unless root is empty.
func writeZip(t *testing.T, root string, entries ...entry) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if root != "" {
		_, err := zw.CreateHeader(&zip.FileHeader{Name: root + "/"})
		require.NoError(t, err)
	}
	for _, e := range entries {
		name := e.name
		if root != "" {
			name = root + "/" + name
		}
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		if e.symlink {
			hdr.SetMode(fs.ModeSymlink | 0o777)
		} else {
			hdr.SetMode(0o644)
		}
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func newFilter(t *testing.T, rules criteria.RuleSet, opts Options) (*Filter, string) {
	t.Helper()
	compiled, err := rules.Compile()
	require.NoError(t, err)

	scratch := t.TempDir()
	opts.ScratchDir = scratch
	opts.Rules = compiled
	opts.Logger = zap.NewNop()
	f, err := NewFilter(opts)
	require.NoError(t, err)
	return f, scratch
}

func outcome(path string) download.Outcome {
	return download.Outcome{Repo: testRepo, Path: path, Attempts: 1}
}

func assertScratchEmpty(t *testing.T, scratch string) {
	t.Helper()
	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries, "extraction directories left behind")
}

var sampleTree = []entry{
	{name: "README.md", body: "# Hello"},
	{name: "docs/guide.md", body: "guide"},
	{name: "cmd/main.go", body: "package main\n\nimport \"net/http\"\n"},
	{name: "vendor/big.txt", body: strings.Repeat("x", 64)},
}

func TestEvaluateRules(t *testing.T) {
	tests := []struct {
		name        string
		rules       criteria.RuleSet
		entries     []entry
		wantAccept  bool
		wantMatched []string
		wantReason  string
	}{
		{
			name:       "empty rules accept",
			entries:    sampleTree,
			wantAccept: true,
		},
		{
			name:        "require markdown",
			rules:       criteria.RuleSet{{Kind: criteria.RequireFilePattern, Glob: "*.md"}},
			entries:     sampleTree,
			wantAccept:  true,
			wantMatched: []string{"README.md", "docs/guide.md"},
		},
		{
			name:       "require markdown missing",
			rules:      criteria.RuleSet{{Kind: criteria.RequireFilePattern, Glob: "*.md"}},
			entries:    []entry{{name: "main.go", body: "package main"}},
			wantReason: "requireFilePattern(*.md): no matching file",
		},
		{
			name: "forbid executables",
			rules: criteria.RuleSet{
				{Kind: criteria.ForbidFilePattern, Glob: "*.exe"},
			},
			entries:    append([]entry{{name: "bin/tool.exe", body: "MZ"}}, sampleTree...),
			wantReason: "forbidFilePattern(*.exe): found bin/tool.exe",
		},
		{
			name:       "forbid executables absent",
			rules:      criteria.RuleSet{{Kind: criteria.ForbidFilePattern, Glob: "*.exe"}},
			entries:    sampleTree,
			wantAccept: true,
		},
		{
			name: "content match",
			rules: criteria.RuleSet{
				{Kind: criteria.RequireFileContains, Glob: "**/*.go", ContentPattern: `"net/http"`},
			},
			entries:     sampleTree,
			wantAccept:  true,
			wantMatched: []string{"cmd/main.go"},
		},
		{
			name: "oversized file never matches",
			rules: criteria.RuleSet{
				{Kind: criteria.RequireFileContains, Glob: "*.txt", ContentPattern: "x"},
			},
			entries:    sampleTree,
			wantReason: `requireFileContains("x", *.txt): no file content matches`,
		},
		{
			name: "first failing rule wins",
			rules: criteria.RuleSet{
				{Kind: criteria.RequireFilePattern, Glob: "*.rs"},
				{Kind: criteria.ForbidFilePattern, Glob: "*.md"},
			},
			entries:    sampleTree,
			wantReason: "requireFilePattern(*.rs): no matching file",
		},
		{
			name: "matched files are a union",
			rules: criteria.RuleSet{
				{Kind: criteria.RequireFilePattern, Glob: "README.md"},
				{Kind: criteria.RequireFileContains, Glob: "*.md", ContentPattern: "guide"},
			},
			entries:     sampleTree,
			wantAccept:  true,
			wantMatched: []string{"README.md", "docs/guide.md"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, scratch := newFilter(t, tt.rules, Options{MaxFileBytes: 48})
			path := writeZip(t, "octocat-Hello-World-7fd1a60", tt.entries...)

			v, err := f.Evaluate(context.Background(), outcome(path))
			require.NoError(t, err)

			assert.Equal(t, testRepo.ID, v.ID)
			assert.Equal(t, testRepo.FullName, v.FullName)
			assert.Equal(t, 1, v.AttemptCount)
			assert.Equal(t, tt.wantAccept, v.Accepted)
			if tt.wantAccept {
				assert.Empty(t, v.FailureKind)
				if tt.wantMatched != nil {
					assert.Equal(t, tt.wantMatched, v.MatchedFiles)
				}
			} else {
				assert.Equal(t, report.FailureRejected, v.FailureKind)
				assert.Equal(t, tt.wantReason, v.FailureReason)
				assert.Empty(t, v.MatchedFiles)
			}
			assertScratchEmpty(t, scratch)
		})
	}
}

func TestEvaluateFailedDownloads(t *testing.T) {
	tests := []struct {
		name       string
		out        download.Outcome
		wantKind   report.FailureKind
		wantReason string
	}{
		{
			name: "not found",
			out: download.Outcome{
				Repo: testRepo, Attempts: 1, Kind: download.KindNotFound,
				Err: &api.HTTPError{StatusCode: 404},
			},
			wantKind:   report.FailureNotFound,
			wantReason: "not found",
		},
		{
			name: "cancelled",
			out: download.Outcome{
				Repo: testRepo, Attempts: 1, Kind: download.KindCancelled, Err: context.Canceled,
			},
			wantKind:   report.FailureCancelled,
			wantReason: "cancelled",
		},
		{
			name: "retries exhausted",
			out: download.Outcome{
				Repo: testRepo, Attempts: 3, Kind: download.KindTransient, Err: errors.New("HTTP 502"),
			},
			wantKind:   report.FailureTransient,
			wantReason: "gave up after 3 attempts: HTTP 502",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newFilter(t, nil, Options{})
			v, err := f.Evaluate(context.Background(), tt.out)
			require.NoError(t, err)
			assert.False(t, v.Accepted)
			assert.Equal(t, tt.wantKind, v.FailureKind)
			assert.Equal(t, tt.wantReason, v.FailureReason)
			assert.Equal(t, tt.out.Attempts, v.AttemptCount)
		})
	}
}

func TestEvaluateCorruptArchives(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) string
		opts  Options
	}{
		{
			name: "not a zip",
			setup: func(t *testing.T) string {
				path := filepath.Join(t.TempDir(), "archive.zip")
				require.NoError(t, os.WriteFile(path, []byte("<html>rate limited</html>"), 0o644))
				return path
			},
		},
		{
			name: "truncated",
			setup: func(t *testing.T) string {
				full := writeZip(t, "root", sampleTree...)
				data, err := os.ReadFile(full)
				require.NoError(t, err)
				path := filepath.Join(t.TempDir(), "truncated.zip")
				require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o644))
				return path
			},
		},
		{
			name: "zip slip",
			setup: func(t *testing.T) string {
				return writeZip(t, "", entry{name: "../../evil.sh", body: "rm -rf /"})
			},
		},
		{
			name: "absolute path",
			setup: func(t *testing.T) string {
				return writeZip(t, "", entry{name: "/etc/cron.d/evil", body: "x"})
			},
		},
		{
			name: "extraction budget",
			setup: func(t *testing.T) string {
				return writeZip(t, "root", entry{name: "bomb.txt", body: strings.Repeat("0", 4096)})
			},
			opts: Options{MaxExtractBytes: 1024},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, scratch := newFilter(t, nil, tt.opts)
			v, err := f.Evaluate(context.Background(), outcome(tt.setup(t)))
			require.NoError(t, err)
			assert.False(t, v.Accepted)
			assert.Equal(t, report.FailureCorruptArchive, v.FailureKind)
			assert.Contains(t, v.FailureReason, "corrupt archive")
			assertScratchEmpty(t, scratch)
		})
	}
}

func TestEvaluateSkipsSymlinks(t *testing.T) {
	rules := criteria.RuleSet{{Kind: criteria.ForbidFilePattern, Glob: "passwd"}}
	f, _ := newFilter(t, rules, Options{})
	path := writeZip(t, "root",
		entry{name: "README.md", body: "hi"},
		entry{name: "passwd", body: "/etc/passwd", symlink: true},
	)

	v, err := f.Evaluate(context.Background(), outcome(path))
	require.NoError(t, err)
	assert.True(t, v.Accepted, v.FailureReason)
}

func TestEvaluateWithoutCommonRoot(t *testing.T) {
	rules := criteria.RuleSet{{Kind: criteria.RequireFilePattern, Glob: "src/*.go"}}
	f, _ := newFilter(t, rules, Options{})
	path := writeZip(t, "", entry{name: "src/a.go", body: "package a"}, entry{name: "go.mod", body: "module a"})

	v, err := f.Evaluate(context.Background(), outcome(path))
	require.NoError(t, err)
	assert.True(t, v.Accepted, v.FailureReason)
	assert.Equal(t, []string{"src/a.go"}, v.MatchedFiles)
}

func TestEvaluateCanceled(t *testing.T) {
	f, scratch := newFilter(t, nil, Options{})
	path := writeZip(t, "root", sampleTree...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v, err := f.Evaluate(ctx, outcome(path))
	require.NoError(t, err)
	assert.Equal(t, report.FailureCancelled, v.FailureKind)
	assertScratchEmpty(t, scratch)
}

func TestCommonRoot(t *testing.T) {
	files := func(names ...string) []*zip.File {
		out := make([]*zip.File, len(names))
		for i, n := range names {
			out[i] = &zip.File{FileHeader: zip.FileHeader{Name: n}}
		}
		return out
	}

	assert.Equal(t, "repo-sha/", commonRoot(files("repo-sha/", "repo-sha/a", "repo-sha/b/c")))
	assert.Equal(t, "", commonRoot(files("a/x", "b/y")))
	assert.Equal(t, "", commonRoot(files("a/x", "README")))
	assert.Equal(t, "", commonRoot(files("/abs/x")))
	assert.Equal(t, "", commonRoot(files("../x")))
	assert.Equal(t, "", commonRoot(nil))
}
