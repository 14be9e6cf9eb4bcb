// Package server provides graceful shutdown for the solrqueue daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solrqueue/solrqueue/internal/logging"
)

// ShutdownConfig holds the shutdown timeouts.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown (default 30s)
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight requests (default 15s)
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

// ShutdownManager drains in-flight requests and closes registered resources
// in reverse registration order.
type ShutdownManager struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration
	logger          logrus.FieldLogger

	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	inFlight       atomic.Int64
	isShuttingDown atomic.Bool

	closersMu sync.Mutex
	closers   []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(cfg ShutdownConfig, logger logrus.FieldLogger) *ShutdownManager {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	return &ShutdownManager{
		shutdownTimeout: cfg.ShutdownTimeout,
		drainTimeout:    cfg.DrainTimeout,
		logger:          logging.OrDiscard(logger),
		shutdownCh:      make(chan struct{}),
	}
}

// RegisterCloser adds a resource closed on shutdown. Closers run LIFO.
func (sm *ShutdownManager) RegisterCloser(name string, c io.Closer) {
	sm.closersMu.Lock()
	defer sm.closersMu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, c: c})
}

// ListenForSignals blocks until SIGTERM, SIGINT, context cancellation or a
// direct Shutdown call, then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.shutdownCh:
		return nil
	}
}

// Shutdown stops accepting requests, drains the in-flight ones and closes
// every registered resource. Only the first call has an effect.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var errs []error

	sm.shutdownOnce.Do(func() {
		sm.logger.WithField("reason", reason).Info("server: shutting down")
		sm.isShuttingDown.Store(true)
		close(sm.shutdownCh)

		shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()

		if err := sm.drainInFlight(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("drain failed: %w", err))
		}

		sm.closersMu.Lock()
		closers := sm.closers
		sm.closersMu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].c.Close(); err != nil {
				sm.logger.WithError(err).WithField("resource", closers[i].name).Warn("server: close failed")
				errs = append(errs, fmt.Errorf("close %s: %w", closers[i].name, err))
			}
		}
		sm.logger.Info("server: shutdown complete")
	})

	return errors.Join(errs...)
}

func (sm *ShutdownManager) drainInFlight(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if sm.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-drainCtx.Done():
			if remaining := sm.inFlight.Load(); remaining > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight requests", remaining)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// TrackRequest counts a new request. It reports false once shutdown began.
func (sm *ShutdownManager) TrackRequest() bool {
	if sm.isShuttingDown.Load() {
		return false
	}
	sm.inFlight.Add(1)
	return true
}

// UntrackRequest marks a request as finished.
func (sm *ShutdownManager) UntrackRequest() {
	sm.inFlight.Add(-1)
}

// IsShuttingDown reports whether shutdown has begun.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.isShuttingDown.Load()
}

// InFlightCount returns the number of tracked requests.
func (sm *ShutdownManager) InFlightCount() int64 {
	return sm.inFlight.Load()
}

// ShutdownCh is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// ShutdownMiddleware rejects requests with 503 once shutdown began and
// tracks the others.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.TrackRequest() {
				w.Header().Set("Connection", "close")
				http.Error(w, "service unavailable: shutting down", http.StatusServiceUnavailable)
				return
			}
			defer sm.UntrackRequest()
			next.ServeHTTP(w, r)
		})
	}
}

// Serve runs srv on ln in the background and registers it so that Shutdown
// stops it. The returned channel yields a serve failure or is closed once the
// server stopped cleanly.
func (sm *ShutdownManager) Serve(srv *http.Server, ln net.Listener) <-chan error {
	sm.RegisterCloser("http", CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), sm.drainTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	}))

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}
