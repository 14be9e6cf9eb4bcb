// Package notify provides synchronous listener lists for the extension
// points of the queue pipeline.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Listener receives one notification.
type Listener[E any] func(ctx context.Context, event E) error

// Listeners is an ordered listener list. Listeners run synchronously in
// registration order; an error or panic in one listener is logged and does
// not prevent the others from running.
type Listeners[E any] struct {
	name string

	mu        sync.RWMutex
	listeners []Listener[E]
}

// New creates a listener list. name identifies the extension point in logs.
func New[E any](name string) *Listeners[E] {
	return &Listeners[E]{name: name}
}

// Add registers a listener.
func (l *Listeners[E]) Add(fn Listener[E]) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Len returns the number of registered listeners.
func (l *Listeners[E]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.listeners)
}

// Notify invokes every listener and returns the number that failed.
func (l *Listeners[E]) Notify(ctx context.Context, logger logrus.FieldLogger, event E) int {
	l.mu.RLock()
	listeners := make([]Listener[E], len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.RUnlock()

	failed := 0
	for i, fn := range listeners {
		if err := invoke(ctx, fn, event); err != nil {
			failed++
			if logger != nil {
				logger.WithError(err).WithFields(logrus.Fields{
					"listener": i,
					"point":    l.name,
				}).Warn("notify: listener failed")
			}
		}
	}
	return failed
}

func invoke[E any](ctx context.Context, fn Listener[E], event E) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, event)
}
