package miner

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cli/go-gh/v2/pkg/auth"
	"github.com/dustin/go-humanize"
	"github.com/jparise/gh-mine/internal/report"
	"github.com/mgutz/ansi"
)

// Output handles all console output with optional color and hyperlink support.
type Output struct {
	mu         sync.Mutex
	stdout     io.Writer
	stderr     io.Writer
	hostname   string
	hyperlinks bool

	cyan   func(string) string
	green  func(string) string
	white  func(string) string
	yellow func(string) string
	red    func(string) string
}

// NewOutput creates a new Output with optional color and hyperlink support.
func NewOutput(stdout, stderr io.Writer, colorize, hyperlinks bool) *Output {
	hostname, _ := auth.DefaultHost()

	color := func(name string) func(string) string {
		if colorize {
			return ansi.ColorFunc(name)
		}
		return ansi.ColorFunc("")
	}

	return &Output{
		stdout:     stdout,
		stderr:     stderr,
		hostname:   hostname,
		hyperlinks: hyperlinks,
		cyan:       color("cyan"),
		green:      color("green+b"),
		white:      color("white"),
		yellow:     color("yellow"),
		red:        color("red+b"),
	}
}

func makeHyperlink(url, text string) string {
	return fmt.Sprintf("\033]8;;%s\033\\%s\033]8;;\033\\", url, text)
}

// Accepted writes one line per matched file of an accepted repository in the
// format owner/repo:path, or just owner/repo when no file was matched.
func (o *Output) Accepted(v report.Verdict) {
	o.mu.Lock()
	defer o.mu.Unlock()

	owner, repo, _ := strings.Cut(v.FullName, "/")
	if len(v.MatchedFiles) == 0 {
		formatted := fmt.Sprintf("%s/%s", o.cyan(owner), o.green(repo))
		if o.hyperlinks {
			formatted = makeHyperlink(fmt.Sprintf("https://%s/%s/%s", o.hostname, owner, repo), formatted)
		}
		fmt.Fprintf(o.stdout, "%s\n", formatted)
		return
	}

	for _, path := range v.MatchedFiles {
		formatted := fmt.Sprintf("%s/%s:%s",
			o.cyan(owner),
			o.green(repo),
			o.white(path))

		if o.hyperlinks {
			url := fmt.Sprintf("https://%s/%s/%s/blob/%s/%s", o.hostname, owner, repo, v.DefaultBranch, path)
			formatted = makeHyperlink(url, formatted)
		}

		fmt.Fprintf(o.stdout, "%s\n", formatted)
	}
}

// Failed writes an errored verdict to stderr.
func (o *Output) Failed(v report.Verdict) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.stderr, "%s%s: %s (%s)\n", o.red("Error: "), v.FullName, v.FailureReason, v.FailureKind)
}

// Warningf writes a formatted warning message to stderr.
func (o *Output) Warningf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.stderr, o.yellow("Warning: ")+format+"\n", args...)
}

// Infof writes a formatted informational message to stderr.
func (o *Output) Infof(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.stderr, format+"\n", args...)
}

// Summary writes the closing line of a run to stderr.
func (o *Output) Summary(r report.Report) {
	elapsed := r.FinishedAt.Sub(r.StartedAt).Round(time.Second)
	line := fmt.Sprintf("%s repositories mined in %s: %s accepted, %s rejected, %s errored",
		humanize.Comma(int64(len(r.Verdicts))),
		elapsed,
		humanize.Comma(int64(r.Accepted)),
		humanize.Comma(int64(r.Rejected())),
		humanize.Comma(int64(r.Errored)))
	if r.Resumed > 0 {
		line += fmt.Sprintf(" (%s resumed)", humanize.Comma(int64(r.Resumed)))
	}

	switch r.Status {
	case report.StatusComplete:
		o.Infof("%s", line)
	case report.StatusAborted:
		o.Infof("%s\n%s%s", line, o.red("Aborted: "), r.AbortReason)
	default:
		if r.AbortReason != "" {
			line += "; " + r.AbortReason
		}
		o.Warningf("%s", line)
	}
}
