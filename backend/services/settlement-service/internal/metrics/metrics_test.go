package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"/":                            "/",
		"/health":                      "/health",
		"/jobs":                        "/jobs",
		"/jobs/4b1c/complete":          "/jobs/:id/complete",
		"/wallets/renter-1/balance":    "/wallets/:id/balance",
		"/billing/sessions/abc/verify": "/billing/sessions/:id/verify",
		"/billing/sessions":            "/billing/sessions",
	}
	for in, want := range cases {
		assert.Equal(t, want, canonicalPath(in), in)
	}
}

func TestInstrumentHandlerCountsStatus(t *testing.T) {
	h := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/jobs/:id", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jobs/abc", nil))
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/jobs/:id", "418"))

	assert.Equal(t, before+1, after)
}
