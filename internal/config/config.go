// Package config loads gh-mine settings from a config file, the environment,
// and defaults, and turns them into miner options.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jparise/gh-mine/internal/criteria"
	"github.com/jparise/gh-mine/internal/github"
	"github.com/jparise/gh-mine/internal/miner"
	"github.com/jparise/gh-mine/internal/timeparse"
)

// Default values applied before the config file and environment.
const (
	DefaultMaxResults          = 100
	DefaultDownloadConcurrency = miner.DefaultJobs
	DefaultRetryLimit          = miner.DefaultRetryLimit
	DefaultMaxFileSize         = "1MiB"
	DefaultMaxExtractSize      = "2GiB"
	DefaultScanManifests       = true
	DefaultReportPath          = "report.json"
	DefaultCheckpointInterval  = "30s"
	DefaultGracePeriod         = "10s"

	maxDownloadConcurrency = 100
)

// Config is the top-level configuration for gh-mine. Keys are matched
// case-insensitively.
type Config struct {
	Language        string   `mapstructure:"language"`
	MinStars        *int     `mapstructure:"minStars"`
	MaxStars        *int     `mapstructure:"maxStars"`
	MinSizeKB       *int     `mapstructure:"minSizeKB"`
	MaxSizeKB       *int     `mapstructure:"maxSizeKB"`
	Topics          []string `mapstructure:"topics"`
	CreatedAfter    string   `mapstructure:"createdAfter"`
	CreatedBefore   string   `mapstructure:"createdBefore"`
	PushedAfter     string   `mapstructure:"pushedAfter"`
	PushedBefore    string   `mapstructure:"pushedBefore"`
	MaxResults      int      `mapstructure:"maxResults"`
	IncludeForks    bool     `mapstructure:"includeForks"`
	IncludeArchived bool     `mapstructure:"includeArchived"`
	Sort            string   `mapstructure:"sort"`
	Order           string   `mapstructure:"order"`

	Rules     []RuleConfig `mapstructure:"rules"`
	Seeds     []string     `mapstructure:"seeds"`
	SeedsOnly bool         `mapstructure:"seedsOnly"`

	DownloadConcurrency int    `mapstructure:"downloadConcurrency"`
	RetryLimit          int    `mapstructure:"retryLimit"`
	MaxFileSize         string `mapstructure:"maxFileSize"`
	MaxExtractSize      string `mapstructure:"maxExtractSize"`
	ScanManifests       bool   `mapstructure:"scanManifests"`

	WorkDir            string `mapstructure:"workDir"`
	Report             string `mapstructure:"report"`
	Checkpoint         string `mapstructure:"checkpoint"`
	RetryTransient     bool   `mapstructure:"retryTransient"`
	CheckpointInterval string `mapstructure:"checkpointInterval"`
	GracePeriod        string `mapstructure:"gracePeriod"`
	MetricsFile        string `mapstructure:"metricsFile"`

	Host  string `mapstructure:"host"`
	Token string `mapstructure:"token"`
}

// RuleConfig is one entry of the rules list.
type RuleConfig struct {
	Type           string `mapstructure:"type"`
	Glob           string `mapstructure:"glob"`
	ContentPattern string `mapstructure:"contentPattern"`
	IgnoreCase     bool   `mapstructure:"ignoreCase"`
}

// Validate checks the settings that do not need parsing.
func (c *Config) Validate() error {
	if c.DownloadConcurrency < 1 || c.DownloadConcurrency > maxDownloadConcurrency {
		return fmt.Errorf("downloadConcurrency must be between 1 and %d, got %d",
			maxDownloadConcurrency, c.DownloadConcurrency)
	}
	if c.RetryLimit < 1 {
		return fmt.Errorf("retryLimit must be at least 1, got %d", c.RetryLimit)
	}
	if c.Report == "" {
		return errors.New("report path cannot be empty")
	}
	return nil
}

// Options converts the configuration into miner options. Relative dates such
// as "90d" are resolved against now.
func (c *Config) Options(now time.Time) (*miner.Options, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	crit := criteria.SearchCriteria{
		Language:        c.Language,
		MinStars:        c.MinStars,
		MaxStars:        c.MaxStars,
		MinSizeKB:       c.MinSizeKB,
		MaxSizeKB:       c.MaxSizeKB,
		Topics:          c.Topics,
		MaxResults:      c.MaxResults,
		IncludeForks:    c.IncludeForks,
		IncludeArchived: c.IncludeArchived,
		Sort:            c.Sort,
		Order:           c.Order,
	}
	for _, d := range []struct {
		key   string
		value string
		dst   **time.Time
	}{
		{"createdAfter", c.CreatedAfter, &crit.CreatedAfter},
		{"createdBefore", c.CreatedBefore, &crit.CreatedBefore},
		{"pushedAfter", c.PushedAfter, &crit.PushedAfter},
		{"pushedBefore", c.PushedBefore, &crit.PushedBefore},
	} {
		if d.value == "" {
			continue
		}
		t, err := timeparse.ParseTimeOrAge(d.value, now)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = &t
	}

	rules := make(criteria.RuleSet, 0, len(c.Rules))
	for _, r := range c.Rules {
		rules = append(rules, criteria.ContentRule{
			Kind:           criteria.RuleKind(r.Type),
			Glob:           r.Glob,
			ContentPattern: r.ContentPattern,
			IgnoreCase:     r.IgnoreCase,
		})
	}

	seeds := make([]github.RepoSpec, 0, len(c.Seeds))
	for _, s := range c.Seeds {
		spec, err := github.ParseRepoSpec(s)
		if err != nil {
			return nil, fmt.Errorf("seeds: %w", err)
		}
		seeds = append(seeds, spec)
	}

	maxFile, err := parseSize("maxFileSize", c.MaxFileSize)
	if err != nil {
		return nil, err
	}
	maxExtract, err := parseSize("maxExtractSize", c.MaxExtractSize)
	if err != nil {
		return nil, err
	}
	interval, err := parseDuration("checkpointInterval", c.CheckpointInterval)
	if err != nil {
		return nil, err
	}
	grace, err := parseDuration("gracePeriod", c.GracePeriod)
	if err != nil {
		return nil, err
	}

	return &miner.Options{
		Criteria:           crit,
		Rules:              rules,
		Seeds:              seeds,
		SeedsOnly:          c.SeedsOnly,
		Jobs:               c.DownloadConcurrency,
		RetryLimit:         c.RetryLimit,
		MaxFileBytes:       maxFile,
		MaxExtractBytes:    maxExtract,
		ScanManifests:      c.ScanManifests,
		WorkDir:            c.WorkDir,
		ReportPath:         c.Report,
		CheckpointPath:     c.Checkpoint,
		RetryTransient:     c.RetryTransient,
		CheckpointInterval: interval,
		GracePeriod:        grace,
		MetricsPath:        c.MetricsFile,
		ClientOpts: github.ClientOptions{
			AuthToken: c.Token,
			Host:      c.Host,
		},
	}, nil
}

func parseSize(key, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n == 0 || n > math.MaxInt64 {
		return 0, fmt.Errorf("%s: size %q out of range", key, s)
	}
	return int64(n), nil
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := timeparse.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
