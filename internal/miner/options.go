package miner

import (
	"time"

	"github.com/jparise/gh-mine/internal/criteria"
	"github.com/jparise/gh-mine/internal/github"
	"github.com/jparise/gh-mine/internal/retry"
)

const (
	DefaultJobs               = 4
	DefaultRetryLimit         = 3
	DefaultCheckpointInterval = 30 * time.Second
	DefaultGracePeriod        = 10 * time.Second
)

// Options contains all mining parameters.
type Options struct {
	Criteria criteria.SearchCriteria
	Rules    criteria.RuleSet
	Seeds    []github.RepoSpec // Explicit repositories, mined before search results
	// SeedsOnly skips the repository search.
	SeedsOnly bool

	Jobs            int   // Maximum concurrent downloads
	RetryLimit      int   // Total download attempts per repository
	MaxFileBytes    int64 // Per-file read cap for content rules
	MaxExtractBytes int64 // Total uncompressed bytes per archive
	ScanManifests   bool

	WorkDir            string // Archive and scratch space (empty = temporary directory)
	ReportPath         string
	CheckpointPath     string // Empty disables checkpoints
	CheckpointInterval time.Duration
	Resume             bool
	GracePeriod        time.Duration // How long in-flight work may continue after cancellation
	MetricsPath        string        // Prometheus textfile written at the end of the run
	// RetryTransient re-mines checkpointed repositories whose download
	// failed transiently. Cancelled ones are always re-mined.
	RetryTransient bool

	ClientOpts github.ClientOptions
	// Backoff overrides the delays between download and search retries.
	Backoff retry.Policy
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Jobs <= 0 {
		opts.Jobs = DefaultJobs
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = DefaultRetryLimit
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = DefaultCheckpointInterval
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Backoff.BaseDelay == 0 {
		opts.Backoff = retry.DefaultPolicy
	}
	return opts
}
