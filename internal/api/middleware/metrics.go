package middleware

import (
	"net/http"
	"strconv"

	"github.com/cyber-range/engine/pkg/metrics"
)

// Metrics counts requests by method and status code.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			m.HTTPRequest(r.Method, strconv.Itoa(rw.status))
		})
	}
}
