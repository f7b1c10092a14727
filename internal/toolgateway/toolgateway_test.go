package toolgateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestKnowledgeLookupNeverReturnsOn404(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	g := New(srv.URL, "", slog.Default())
	result, err := g.KnowledgeLookup(context.Background(), "missing-title")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result on 404, got %+v", result)
	}
}

func TestKnowledgeLookupRetriesOn429ThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"title":"t","id":"1","extract":"e"}`))
	}))
	defer srv.Close()

	g := New(srv.URL, "", slog.Default())
	result, err := g.KnowledgeLookup(context.Background(), "retried-title")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.ID != "1" {
		t.Fatalf("expected eventual success, got %+v", result)
	}
	if atomic.LoadInt32(&calls) < 3 {
		t.Errorf("expected at least 3 attempts, got %d", calls)
	}
}

func TestKnowledgeLookupFallsBackOn403(t *testing.T) {
	t.Parallel()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"title":"t","id":"fallback-1","extract":"e"}`))
	}))
	defer fallback.Close()

	g := New(primary.URL, fallback.URL, slog.Default())
	result, err := g.KnowledgeLookup(context.Background(), "forbidden-title")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.ID != "fallback-1" {
		t.Fatalf("expected fallback result, got %+v", result)
	}
}

func TestKnowledgeLookupNoRetryOn404(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	g := New(srv.URL, "", slog.Default())
	_, _ = g.KnowledgeLookup(context.Background(), "missing-title")

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly 1 attempt on 404 (no retry), got %d", calls)
	}
}
