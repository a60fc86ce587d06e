package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/access/me", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Post("/v1/jobs", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	teapot := httpRequestsTotal.WithLabelValues("GET", "418")
	limited := httpRequestsTotal.WithLabelValues("POST", "429")
	beforeTeapot, beforeLimited := testutil.ToFloat64(teapot), testutil.ToFloat64(limited)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/access/me", nil))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", nil))

	if got := testutil.ToFloat64(teapot); got != beforeTeapot+1 {
		t.Errorf("expected GET 418 counter to increase by 1, got %f", got)
	}
	if got := testutil.ToFloat64(limited); got != beforeLimited+1 {
		t.Errorf("expected POST 429 counter to increase by 1, got %f", got)
	}
	if got := testutil.CollectAndCount(httpRequestDurationSeconds); got < 2 {
		t.Errorf("expected route-labelled latency series, got %d", got)
	}
}
