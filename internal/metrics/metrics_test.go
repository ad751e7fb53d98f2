package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/JakeFAU/fineweb-news/internal/extract"
)

func TestRecorderCounters(t *testing.T) {
	t.Parallel()

	r := New()
	r.ObserveShard(ShardHit)
	r.ObserveShard(ShardMiss)
	r.ObserveShard(ShardMiss)
	r.ObserveCachedRows(5)
	r.ObserveCachedRows(-1)
	r.ObservePublish(7, 2*time.Second)
	r.ObserveSubset(extract.StateCleaned)
	r.ObserveSubset(extract.StateFailed)

	if got := testutil.ToFloat64(r.shardsTotal.WithLabelValues(ShardMiss)); got != 2 {
		t.Errorf("expected 2 misses, got %f", got)
	}
	if got := testutil.ToFloat64(r.rowsCachedTotal); got != 5 {
		t.Errorf("expected 5 cached rows, got %f", got)
	}
	if got := testutil.ToFloat64(r.rowsPublishedTotal); got != 7 {
		t.Errorf("expected 7 published rows, got %f", got)
	}
	if got := testutil.ToFloat64(r.subsetsTotal.WithLabelValues("CLEANED")); got != 1 {
		t.Errorf("expected 1 cleaned subset, got %f", got)
	}
	if got := testutil.CollectAndCount(r.publishDurationSeconds); got != 1 {
		t.Errorf("expected publish duration to be observed, got %d", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.ObserveShard(ShardHit)
	r.ObserveCachedRows(1)
	r.ObservePublish(1, time.Second)
	r.ObserveSubset(extract.StateCleaned)
	r.ObserveHTTPRequest("GET", "/", 200, time.Millisecond)
	if r.Handler() == nil {
		t.Fatal("nil recorder must still serve a handler")
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	t.Parallel()

	rec := New()
	r := chi.NewRouter()
	r.Use(rec.Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/notfound", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", rec.Handler())

	for _, path := range []string{"/test", "/notfound"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if val := testutil.ToFloat64(rec.httpRequestsTotal.WithLabelValues("GET", "200")); val != 1 {
		t.Errorf("expected 1 GET 200, got %f", val)
	}
	if val := testutil.ToFloat64(rec.httpRequestsTotal.WithLabelValues("GET", "404")); val != 1 {
		t.Errorf("expected 1 GET 404, got %f", val)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), `http_requests_total{code="200",method="GET"} 1`) {
		t.Errorf("metrics output missing request counter:\n%s", body)
	}
}
