package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/cyber-range/engine/pkg/logger"
	"github.com/cyber-range/engine/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

var echoID = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(GetRequestID(r.Context())))
})

func TestRequestID(t *testing.T) {
	t.Run("generated", func(t *testing.T) {
		rr := httptest.NewRecorder()
		RequestID(echoID).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		id := rr.Header().Get("X-Request-ID")
		require.NotEmpty(t, id)
		assert.Equal(t, id, rr.Body.String())
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "abc")
		rr := httptest.NewRecorder()
		RequestID(echoID).ServeHTTP(rr, req)
		assert.Equal(t, "abc", rr.Header().Get("X-Request-ID"))
		assert.Equal(t, "abc", rr.Body.String())
	})
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"success":false,"error":{"code":"internal","message":"Internal Server Error"}}`, rr.Body.String())
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(1, 2)(echoID)
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.1.1.1:5000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.Header.Set("X-Forwarded-For", "10.2.2.2, 10.0.0.1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, other)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimitDisabled(t *testing.T) {
	h := RateLimit(0, 0)(echoID)
	for i := 0; i < 50; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	rr := httptest.NewRecorder()
	CORS(echoID).ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/deploy", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsMiddleware(t *testing.T) {
	m := metrics.New()
	h := Metrics(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/deploy", nil))

	n, err := testutil.GatherAndCount(m.Registry(), "cyberrange_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
