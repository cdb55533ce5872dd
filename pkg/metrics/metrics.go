// Package metrics exposes the Prometheus metrics of the reporting client.
// All metrics are defined in their respective packages (client, query,
// ratelimit, store) and registered via promauto on the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the client.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects everything registered on Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - ga_requests_total{status} (Counter): Requests by HTTP status ("network_error" when none)
//   - ga_request_duration_seconds (Histogram): Request duration
//   - ga_errors_total{kind} (Counter): Failures by kind (invalid_query, malformed_response, transport)
//   - ga_pages_fetched_total (Counter): Pages decoded, continuation pages included
//
// Query Builder Metrics (pkg/query):
//   - ga_parameter_sets_built (Histogram): Parameter sets per built query
//   - ga_oversized_filters_total (Counter): Single filters exceeding the URL limit on their own
//
// Quota Metrics (pkg/ratelimit):
//   - ga_quota_throttles_total (Counter): Identity keys that exhausted their window
//   - ga_quota_sleep_seconds (Histogram): Time slept waiting for the window to end
//
// Store Metrics (pkg/store):
//   - ga_report_store_operations_total{operation, result} (Counter): Archive operations
//
// Example Prometheus Queries:
//
//   # Average requests per query split
//   rate(ga_parameter_sets_built_sum[5m]) / rate(ga_parameter_sets_built_count[5m])
//
//   # Throttled share of requests
//   rate(ga_quota_throttles_total[5m]) / sum(rate(ga_requests_total[5m]))
//
//   # Failed runs by kind
//   sum by (kind) (rate(ga_errors_total[5m]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(ga_request_duration_seconds_bucket[5m]))
