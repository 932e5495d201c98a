package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusCodes(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/teapot", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	teapotBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))

	for _, path := range []string{"/ok", "/teapot"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, okBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")), 0)
	require.InDelta(t, teapotBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")), 0)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
