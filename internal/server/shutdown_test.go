package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

func TestShutdown_ClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	var order []string
	for _, name := range []string{"db", "scheduler", "http"} {
		name := name
		sm.RegisterCloser(name, CloserFunc(func() error {
			order = append(order, name)
			return nil
		}))
	}

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if want := []string{"http", "scheduler", "db"}; !reflect.DeepEqual(order, want) {
		t.Errorf("close order = %v, want %v", order, want)
	}

	// Second call is a no-op
	if err := sm.Shutdown(context.Background(), "again"); err != nil {
		t.Errorf("second Shutdown returned %v", err)
	}
	if len(order) != 3 {
		t.Errorf("closers ran %d times", len(order))
	}
}

func TestShutdown_ReportsCloseErrors(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	boom := errors.New("boom")
	sm.RegisterCloser("db", CloserFunc(func() error { return boom }))
	ran := false
	sm.RegisterCloser("cache", CloserFunc(func() error { ran = true; return nil }))

	err := sm.Shutdown(context.Background(), "test")
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !ran {
		t.Error("a failing closer must not stop the others")
	}
}

func TestShutdownMiddleware(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 100 * time.Millisecond}, nil)
	var inFlight int64
	h := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inFlight = sm.InFlightCount()
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || inFlight != 1 {
		t.Fatalf("status = %d, in flight = %d", rec.Code, inFlight)
	}
	if sm.InFlightCount() != 0 {
		t.Errorf("in flight after request = %d", sm.InFlightCount())
	}

	sm.Shutdown(context.Background(), "test")
	if !sm.IsShuttingDown() {
		t.Fatal("expected shutting down")
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status during shutdown = %d", rec.Code)
	}
}

func TestShutdown_DrainTimeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 50 * time.Millisecond}, nil)
	if !sm.TrackRequest() {
		t.Fatal("TrackRequest rejected before shutdown")
	}
	if err := sm.Shutdown(context.Background(), "test"); err == nil {
		t.Fatal("expected drain timeout error")
	}
}

func TestListenForSignals_ContextCancel(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	closed := false
	sm.RegisterCloser("x", CloserFunc(func() error { closed = true; return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sm.ListenForSignals(ctx); err != nil {
		t.Fatalf("ListenForSignals failed: %v", err)
	}
	if !closed {
		t.Error("closer did not run")
	}
	select {
	case <-sm.ShutdownCh():
	default:
		t.Error("shutdown channel not closed")
	}
}

func TestServe_StopsOnShutdown(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))}
	errCh := sm.Serve(srv, ln)

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			t.Fatalf("serve error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
