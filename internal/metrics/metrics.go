// Package metrics records run statistics as Prometheus collectors on a
// private registry. A nil *Recorder is valid and records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const namespace = "gh_mine"

// Recorder holds the run's collectors.
type Recorder struct {
	registry *prometheus.Registry

	candidates       prometheus.Counter
	verdicts         *prometheus.CounterVec
	downloadAttempts prometheus.Counter
	downloadBytes    prometheus.Counter
	downloadDuration prometheus.Histogram
	rateLimitWaits   *prometheus.CounterVec

	logger *zap.Logger
}

// New creates a Recorder with its own registry.
func New(logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		candidates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Repositories that entered the pipeline",
		}),
		verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Verdicts recorded, by outcome",
		}, []string{"outcome"}),
		downloadAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_attempts_total",
			Help:      "Archive download attempts, including retries",
		}),
		downloadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes of archives downloaded",
		}),
		downloadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Time to download one archive, including retries",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		rateLimitWaits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_waits_total",
			Help:      "Waits for a rate limit reset, by resource",
		}, []string{"resource"}),
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// Registry exposes the private registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Candidate counts a repository entering the pipeline.
func (r *Recorder) Candidate() {
	if r == nil {
		return
	}
	r.candidates.Inc()
}

// Verdict counts a recorded verdict. outcome is "accepted" or a failure kind.
func (r *Recorder) Verdict(outcome string) {
	if r == nil {
		return
	}
	r.verdicts.WithLabelValues(outcome).Inc()
}

// DownloadAttempt counts one archive request.
func (r *Recorder) DownloadAttempt() {
	if r == nil {
		return
	}
	r.downloadAttempts.Inc()
}

// DownloadCompleted records a successful download.
func (r *Recorder) DownloadCompleted(bytes int64, d time.Duration) {
	if r == nil {
		return
	}
	r.downloadBytes.Add(float64(bytes))
	r.downloadDuration.Observe(d.Seconds())
}

// RateLimitWait counts a wait for the given quota bucket.
func (r *Recorder) RateLimitWait(resource string) {
	if r == nil {
		return
	}
	r.rateLimitWaits.WithLabelValues(resource).Inc()
}

// WriteFile exports the collectors in the Prometheus text format, suitable
// for the node_exporter textfile collector.
func (r *Recorder) WriteFile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	r.logger.Debug("metrics written", zap.String("path", path))
	return nil
}
