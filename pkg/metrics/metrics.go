// Package metrics provides the centralized Prometheus metrics registry for
// the profile export engine. All metrics are defined in their respective
// packages (engage, export, quota) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the export engine.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Export Metrics (pkg/export):
//   - export_pages_total{outcome} (Counter): Pages by outcome (fetched, fetch_failed, written, write_failed)
//   - export_rows_written_total (Counter): Total profile rows written to storage
//   - export_duration_seconds (Histogram): End-to-end export duration
//   - export_fetches_in_flight (Gauge): Currently executing page fetches
//
// Request Metrics (pkg/engage):
//   - engage_requests_total{status} (Counter): Page requests by HTTP status
//   - engage_request_duration_seconds (Histogram): Page request duration
//   - engage_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Quota Metrics (pkg/quota):
//   - engage_quota_remaining (Gauge): Requests left in the current hourly window
//   - engage_quota_requests_total (Counter): Requests recorded against the quota
//   - engage_quota_exhausted_total (Counter): Windows in which the quota ran out
//
// Example Prometheus Queries:
//
//   # Page Failure Rate
//   sum(rate(export_pages_total{outcome=~".*_failed"}[5m])) /
//   sum(rate(export_pages_total[5m]))
//
//   # Quota Pressure
//   engage_quota_remaining < 12
//
//   # Request Error Rate
//   rate(engage_errors_total[5m])
//
//   # P95 Page Request Latency
//   histogram_quantile(0.95, rate(engage_request_duration_seconds_bucket[5m]))
//
//   # Export Throughput
//   rate(export_rows_written_total[5m])
