package main

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// HTTP metrics
var (
	httpRequestsTotal atomic.Int64
	httpErrorsTotal   atomic.Int64
)

// Mutation metrics
var (
	mutationsTotal        atomic.Int64
	mutationFailuresTotal atomic.Int64
)

// Live connection metrics
var (
	liveConnectionsActive atomic.Int64
)

var serverStartTime = time.Now()

// IncrementMutation counts an outbound mutation dispatch.
func IncrementMutation() {
	mutationsTotal.Add(1)
}

// IncrementMutationFailure counts a failed reconciliation.
func IncrementMutationFailure() {
	mutationFailuresTotal.Add(1)
}

// metricsHandler serves Prometheus-compatible metrics
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP gallery_build_info Build and configuration information\n")
	fmt.Fprintf(w, "# TYPE gallery_build_info gauge\n")
	fmt.Fprintf(w, "gallery_build_info{cache_backend=%q,go_version=%q} 1\n\n", s.cacheBackendType, runtime.Version())

	fmt.Fprintf(w, "# HELP process_start_time_seconds Unix timestamp of process start\n")
	fmt.Fprintf(w, "# TYPE process_start_time_seconds gauge\n")
	fmt.Fprintf(w, "process_start_time_seconds %d\n\n", serverStartTime.Unix())

	fmt.Fprintf(w, "# HELP process_uptime_seconds Time since process started\n")
	fmt.Fprintf(w, "# TYPE process_uptime_seconds gauge\n")
	fmt.Fprintf(w, "process_uptime_seconds %.0f\n\n", time.Since(serverStartTime).Seconds())

	fmt.Fprintf(w, "# HELP gallery_http_requests_total HTTP requests served\n")
	fmt.Fprintf(w, "# TYPE gallery_http_requests_total counter\n")
	fmt.Fprintf(w, "gallery_http_requests_total %d\n\n", httpRequestsTotal.Load())

	fmt.Fprintf(w, "# HELP gallery_http_errors_total HTTP 5xx responses\n")
	fmt.Fprintf(w, "# TYPE gallery_http_errors_total counter\n")
	fmt.Fprintf(w, "gallery_http_errors_total %d\n\n", httpErrorsTotal.Load())

	fmt.Fprintf(w, "# HELP gallery_mutations_total Outbound mutation dispatches\n")
	fmt.Fprintf(w, "# TYPE gallery_mutations_total counter\n")
	fmt.Fprintf(w, "gallery_mutations_total %d\n\n", mutationsTotal.Load())

	fmt.Fprintf(w, "# HELP gallery_mutation_failures_total Failed reconciliations\n")
	fmt.Fprintf(w, "# TYPE gallery_mutation_failures_total counter\n")
	fmt.Fprintf(w, "gallery_mutation_failures_total %d\n\n", mutationFailuresTotal.Load())

	ms := s.media.Stats()
	fmt.Fprintf(w, "# HELP gallery_media_cache_hits_total Media cache hits\n")
	fmt.Fprintf(w, "# TYPE gallery_media_cache_hits_total counter\n")
	fmt.Fprintf(w, "gallery_media_cache_hits_total %d\n\n", ms.Hits)

	fmt.Fprintf(w, "# HELP gallery_media_cache_misses_total Media cache misses\n")
	fmt.Fprintf(w, "# TYPE gallery_media_cache_misses_total counter\n")
	fmt.Fprintf(w, "gallery_media_cache_misses_total %d\n\n", ms.Misses)

	fmt.Fprintf(w, "# HELP gallery_media_retries_total Media load retries\n")
	fmt.Fprintf(w, "# TYPE gallery_media_retries_total counter\n")
	fmt.Fprintf(w, "gallery_media_retries_total %d\n\n", ms.Retries)

	fmt.Fprintf(w, "# HELP gallery_media_failures_total Media loads that exhausted retries\n")
	fmt.Fprintf(w, "# TYPE gallery_media_failures_total counter\n")
	fmt.Fprintf(w, "gallery_media_failures_total %d\n\n", ms.Failures)

	fmt.Fprintf(w, "# HELP gallery_media_cache_entries Current media cache entries\n")
	fmt.Fprintf(w, "# TYPE gallery_media_cache_entries gauge\n")
	fmt.Fprintf(w, "gallery_media_cache_entries %d\n\n", ms.Entries)

	fmt.Fprintf(w, "# HELP gallery_media_failed_set Size of the negative cache\n")
	fmt.Fprintf(w, "# TYPE gallery_media_failed_set gauge\n")
	fmt.Fprintf(w, "gallery_media_failed_set %d\n\n", ms.FailedSet)

	fmt.Fprintf(w, "# HELP gallery_sessions_active Live feed sessions\n")
	fmt.Fprintf(w, "# TYPE gallery_sessions_active gauge\n")
	fmt.Fprintf(w, "gallery_sessions_active %d\n\n", s.sessions.Count())

	fmt.Fprintf(w, "# HELP gallery_live_connections_active Open stat-update sockets\n")
	fmt.Fprintf(w, "# TYPE gallery_live_connections_active gauge\n")
	fmt.Fprintf(w, "gallery_live_connections_active %d\n\n", liveConnectionsActive.Load())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Currently allocated memory in bytes\n")
	fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", memStats.Alloc)
}
