package middleware

import (
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDGeneratedWhenAbsent(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if seen == "" || seen == "unknown" {
		t.Fatalf("expected a generated request id, got %q", seen)
	}
	if got := recorder.Header().Get("X-Request-Id"); got != seen {
		t.Fatalf("expected response header %q, got %q", seen, got)
	}
}

func TestRequestIDHonorsInboundHeader(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("X-Request-Id", "caller-supplied")
	handler.ServeHTTP(httptest.NewRecorder(), request)

	if seen != "caller-supplied" {
		t.Fatalf("expected the inbound request id, got %q", seen)
	}
}

func TestRateLimitDisabledPassesThrough(t *testing.T) {
	calls := 0
	handler := RateLimit(0, 0)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls++
	}))

	for i := 0; i < 50; i++ {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/embed", nil))
		if recorder.Code != http.StatusOK {
			t.Fatalf("disabled limiter rejected request %d with %d", i, recorder.Code)
		}
	}
	if calls != 50 {
		t.Fatalf("expected 50 handled requests, got %d", calls)
	}
}

func TestRateLimitRejectsBurstOverflow(t *testing.T) {
	handler := RateLimit(1, 1)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/embed", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/embed", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 above the burst, got %d", second.Code)
	}
}

func TestTraceDoesNotAlterResponse(t *testing.T) {
	handler := Trace(log.New(io.Discard, "", 0))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusTeapot {
		t.Fatalf("trace middleware altered the status: %d", recorder.Code)
	}
}
