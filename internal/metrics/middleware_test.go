package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/v1/groups/{group}/run", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/v1/groups/{group}/checkpoint", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	accepted := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202"))
	notFound := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/v1/groups/innobiz/run", nil),
		httptest.NewRequest(http.MethodGet, "/v1/groups/innobiz/checkpoint", nil),
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
	}

	assert.InDelta(t, accepted+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202")), 0.001)
	assert.InDelta(t, notFound+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")), 0.001)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
