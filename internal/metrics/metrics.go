package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbiter_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// Action metrics
var (
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_actions_total",
		Help: "Total number of post action operations",
	}, []string{"type", "operation"})

	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_rate_limited_total",
		Help: "Total number of actions rejected by a rate limit",
	}, []string{"key"})

	DispositionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_dispositions_total",
		Help: "Total number of flags resolved, by disposition",
	}, []string{"disposition"})
)

// Auto-moderation metrics
var (
	AutoHiddenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_auto_hidden_total",
		Help: "Total number of posts hidden, by reason",
	}, []string{"reason"})

	AutoClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_auto_closed_total",
		Help: "Total number of topics closed by flag volume",
	})
)

// Pipeline metrics
var (
	PipelineStageFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_pipeline_stage_failures_total",
		Help: "Total number of post-commit stages that failed after retries",
	}, []string{"stage"})

	PipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbiter_pipeline_stage_duration_seconds",
		Help:    "Post-commit stage duration in seconds, retries included",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"stage"})
)

// Flagged count metrics
var (
	FlaggedCountCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_flagged_count_cache_hits_total",
		Help: "Total number of flagged count cache hits",
	})

	FlaggedCountCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_flagged_count_cache_misses_total",
		Help: "Total number of flagged count cache misses",
	})
)

// Business metrics (gauges updated periodically by collector)
var (
	FlaggedPosts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbiter_flagged_posts",
		Help: "Number of posts awaiting flag review",
	})

	JobsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbiter_jobs_pending",
		Help: "Number of scheduled jobs",
	})
)

// Job counters (incremented on occurrence)
var (
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_jobs_total",
		Help: "Total number of job executions, by outcome",
	}, []string{"kind", "status"})
)

// NormalizePath reduces high-cardinality path labels by replacing dynamic
// segments with placeholders. This keeps the metric label space bounded.
func NormalizePath(path string) string {
	segments := splitPath(path)
	if len(segments) < 3 || segments[0] != "api" {
		return path
	}

	switch segments[1] {
	case "posts":
		// /api/posts/{id}/actions[/{type}], /api/posts/{id}/flag-counts
		switch {
		case len(segments) == 4 && (segments[3] == "actions" || segments[3] == "flag-counts"):
			return "/api/posts/:id/" + segments[3]
		case len(segments) == 5 && segments[3] == "actions":
			return "/api/posts/:id/actions/:type"
		}
	case "admin":
		// /api/admin/posts/{id}/flags/{op}
		if len(segments) == 6 && segments[2] == "posts" && segments[4] == "flags" {
			switch segments[5] {
			case "agree", "disagree", "defer":
				return "/api/admin/posts/:id/flags/" + segments[5]
			}
			return "/api/admin/posts/:id/flags/:op"
		}
	}

	return path
}

func splitPath(path string) []string {
	// Skip leading slash
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	// Split on /
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}
