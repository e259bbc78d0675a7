package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kailas-cloud/promptmeter/internal/domain"
)

func withUser(id string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := domain.ContextWithUser(r.Context(), domain.User{ID: id})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func TestMiddleware_RecordsDurationAndCount(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Post("/v1/prompts/{family}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/v1/prompts/{family}", "200", CallerGuest))

	req := httptest.NewRequest("POST", "/v1/prompts/generate", http.NoBody)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/v1/prompts/{family}", "200", CallerGuest))
	if after-before != 1 {
		t.Errorf("requests_total delta = %f, want 1 (route pattern, not raw path)", after-before)
	}
	if testutil.CollectAndCount(httpRequestDuration) == 0 {
		t.Error("expected http_request_duration_seconds to have observations")
	}
}

func TestMiddleware_CallerLabel(t *testing.T) {
	r := chi.NewRouter()
	r.Use(withUser("u-1"))
	r.Use(Middleware())
	r.Get("/v1/plan", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/plan", "200", CallerUser))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/plan", http.NoBody))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/plan", "200", CallerUser))

	if after-before != 1 {
		t.Errorf("user requests_total delta = %f, want 1", after-before)
	}
}

func TestMiddleware_StatusCodes(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/limit", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	r.Get("/payment", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	})

	tests := []struct {
		path   string
		status string
	}{
		{"/ok", "200"},
		{"/limit", "429"},
		{"/payment", "402"},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", tc.path, http.NoBody))

			val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", tc.path, tc.status, CallerGuest))
			if val < 1 {
				t.Errorf("expected requests_total for %s with status %s >= 1, got %f", tc.path, tc.status, val)
			}
		})
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nope", http.NoBody))

	val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "unknown", "404", CallerGuest))
	if val < 1 {
		t.Errorf("expected unmatched route to be recorded as unknown, got %f", val)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "unknown"},
		{"/v1/prompts/{family}", "/v1/prompts/{family}"},
		{"/health", "/health"},
	}

	for _, tc := range tests {
		if got := normalizePath(tc.input); got != tc.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}
