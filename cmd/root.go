package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cli/go-gh/v2/pkg/auth"
	"github.com/cli/go-gh/v2/pkg/term"
	"github.com/jparise/gh-mine/internal/config"
	"github.com/jparise/gh-mine/internal/miner"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Exit codes returned by ExitCode.
const (
	ExitOK      = 0
	ExitFatal   = 1
	ExitPartial = 2
)

// autoMode represents when to enable a terminal feature such as color.
type autoMode string

const (
	modeAuto   autoMode = "auto"
	modeAlways autoMode = "always"
	modeNever  autoMode = "never"
)

// String is used both by fmt.Print and by Cobra in help text.
func (m *autoMode) String() string {
	return string(*m)
}

// Set must have pointer receiver to validate and set the value.
func (m *autoMode) Set(v string) error {
	switch v {
	case "auto", "always", "never":
		*m = autoMode(v)
		return nil
	default:
		return fmt.Errorf("must be one of \"auto\", \"always\", or \"never\"")
	}
}

// Type is only used in help text.
func (m *autoMode) Type() string {
	return "mode"
}

// enabled resolves the mode, deferring to detect for auto.
func (m autoMode) enabled(detect func() bool) bool {
	switch m {
	case modeAlways:
		return true
	case modeNever:
		return false
	default:
		return detect()
	}
}

var (
	version = "dev"

	// Flags.
	configPath  string
	reportPath  string
	ckptPath    string
	resume      bool
	retryTrans  bool
	jobs        int
	retryLimit  int
	maxResults  int
	maxFileSize string
	workDir     string
	metricsFile string
	seedsOnly   bool
	color       = modeAuto
	hyperlink   = modeAuto
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "gh-mine [flags] [<owner/repo>...]",
	Short: "Mine GitHub repositories that match search criteria and file rules",
	Long: `gh-mine searches GitHub for repositories, downloads each candidate's
archive, and keeps the ones whose files satisfy a set of rules.

Search criteria, rules, and most settings come from a config file
(.gh-mine.yaml or .gh-mine.json in the current directory or $HOME, or
--config). Every setting can also be given as a GH_MINE_<KEY> environment
variable, and a .env file next to the config is loaded first.

<owner/repo> arguments are mined before search results. A bare <owner>
mines every repository of that user or organization, and a "~category"
suffix labels the repository in the report.

Rules:
  requireFilePattern   at least one file must match glob
  forbidFilePattern    no file may match glob
  requireFileContains  a file matching glob must match contentPattern

The run always ends with a report. The exit status is 0 when every
repository was evaluated, 2 when some could not be (or the run was
interrupted), and 1 when the run could not proceed.

Examples:
  gh mine --config flutter.yaml -o flutter.json
  gh mine -j 8 --checkpoint run.db --resume
  gh mine --seeds-only cli/cli charmbracelet~tui`,
	Version: version,
	Args:    cobra.ArbitraryArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("jobs") && (jobs < 1 || jobs > 100) {
			return fmt.Errorf("--jobs must be between 1 and 100, got %d", jobs)
		}
		if cmd.Flags().Changed("retry-limit") && retryLimit < 1 {
			return fmt.Errorf("--retry-limit must be at least 1, got %d", retryLimit)
		}
		if cmd.Flags().Changed("max-results") && maxResults < 1 {
			return fmt.Errorf("--max-results must be at least 1, got %d", maxResults)
		}
		return nil
	},
	RunE:          run,
	SilenceErrors: true,
}

func init() {
	registerFlags(rootCmd.Flags())
}

func registerFlags(flags *pflag.FlagSet) {
	flags.StringVar(&configPath, "config", "",
		"config file (default: .gh-mine.{yaml,json} in . or $HOME)")
	flags.StringVarP(&reportPath, "report", "o", "",
		"report file; .yaml or .yml writes YAML (default: report.json)")
	flags.StringVar(&ckptPath, "checkpoint", "",
		"checkpoint file; .db or .sqlite uses SQLite")
	flags.BoolVar(&resume, "resume", false,
		"skip repositories already recorded in the checkpoint")
	flags.BoolVar(&retryTrans, "retry-transient", false,
		"with --resume, also retry repositories whose download failed transiently")
	flags.IntVarP(&jobs, "jobs", "j", config.DefaultDownloadConcurrency,
		"maximum concurrent downloads")
	flags.IntVar(&retryLimit, "retry-limit", config.DefaultRetryLimit,
		"download attempts per repository")
	flags.IntVar(&maxResults, "max-results", config.DefaultMaxResults,
		"maximum search results to mine")
	flags.StringVar(&maxFileSize, "max-file-size", "",
		"largest file read by content rules (e.g., 500KiB, 1MiB; 1MB is 1,000,000 bytes)")
	flags.StringVar(&workDir, "work-dir", "",
		"directory for archives and extraction (default: temporary)")
	flags.StringVar(&metricsFile, "metrics-file", "",
		"write Prometheus metrics to this file at the end of the run")
	flags.BoolVar(&seedsOnly, "seeds-only", false,
		"mine only the given repositories, without searching")
	flags.Var(&color, "color",
		"colorize output: auto, always, never")
	flags.Var(&hyperlink, "hyperlink",
		"hyperlink output: auto, always, never")
	flags.BoolVarP(&verbose, "verbose", "v", false,
		"log progress to stderr")
}

func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps the error returned by Execute to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var partial *miner.PartialError
	if errors.As(err, &partial) {
		return ExitPartial
	}
	return ExitFatal
}

// newLogger builds the run logger. Without --verbose only warnings are
// logged, as JSON. With it, everything is logged in console format.
func newLogger(w io.Writer, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	if verbose {
		level = zapcore.DebugLevel
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	return zap.New(zapcore.NewCore(encoder, zapcore.AddSync(w), level))
}

// applyFlags overrides configuration values with the flags that were set.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config, args []string) {
	if flags.Changed("report") {
		cfg.Report = reportPath
	}
	if flags.Changed("checkpoint") {
		cfg.Checkpoint = ckptPath
	}
	if flags.Changed("jobs") {
		cfg.DownloadConcurrency = jobs
	}
	if flags.Changed("retry-limit") {
		cfg.RetryLimit = retryLimit
	}
	if flags.Changed("max-results") {
		cfg.MaxResults = maxResults
	}
	if flags.Changed("work-dir") {
		cfg.WorkDir = workDir
	}
	if flags.Changed("metrics-file") {
		cfg.MetricsFile = metricsFile
	}
	if flags.Changed("retry-transient") {
		cfg.RetryTransient = retryTrans
	}
	if flags.Changed("max-file-size") {
		cfg.MaxFileSize = maxFileSize
	}
	if flags.Changed("seeds-only") {
		cfg.SeedsOnly = seedsOnly
	}
	cfg.Seeds = append(cfg.Seeds, args...)
}

// buildOptions resolves the configuration, flags, and arguments into miner
// options.
func buildOptions(flags *pflag.FlagSet, args []string, now time.Time) (*miner.Options, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(flags, cfg, args)

	opts, err := cfg.Options(now)
	if err != nil {
		return nil, err
	}

	opts.Resume = resume
	if opts.Resume && opts.CheckpointPath == "" {
		return nil, errors.New("--resume requires a checkpoint file")
	}
	if opts.SeedsOnly && len(opts.Seeds) == 0 {
		return nil, errors.New("seedsOnly needs at least one repository")
	}

	if opts.ClientOpts.AuthToken == "" {
		host := opts.ClientOpts.Host
		if host == "" {
			host, _ = auth.DefaultHost()
		}
		opts.ClientOpts.AuthToken, _ = auth.TokenForHost(host)
	}
	return opts, nil
}

func run(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cmd.ErrOrStderr(), verbose)
	defer logger.Sync() //nolint:errcheck

	opts, err := buildOptions(cmd.Flags(), args, time.Now())
	if err != nil {
		return err
	}

	terminal := term.FromEnv()
	colorize := color.enabled(terminal.IsColorEnabled)
	hyperlinks := hyperlink.enabled(terminal.IsTerminalOutput)

	m := miner.New(cmd.OutOrStdout(), cmd.ErrOrStderr(), colorize, hyperlinks, logger)
	_, err = m.Mine(ctx, opts)
	return err
}
