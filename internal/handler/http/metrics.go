package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inference-mesh/internal/handler/http/pathutil"
	"inference-mesh/internal/handler/http/responsewriter"
	"inference-mesh/internal/observability/metrics"
)

// MetricsHandler exposes the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Instrument returns middleware that records request counts, latency, and
// response sizes. Paths are normalized before use as labels so dynamic
// segments and junk requests cannot explode cardinality.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.ActiveConnections.Inc()
		defer metrics.ActiveConnections.Dec()

		wrapped := responsewriter.Wrap(w)
		next.ServeHTTP(wrapped, r)

		path := pathutil.NormalizePath(r.URL.Path)
		metrics.RecordHTTPRequest(
			r.Method,
			path,
			strconv.Itoa(wrapped.StatusCode()),
			time.Since(start),
			wrapped.BytesWritten(),
		)
	})
}
