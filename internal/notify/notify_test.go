package notify

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/solrqueue/solrqueue/internal/logging"
)

func TestListeners_NoListeners(t *testing.T) {
	l := New[string]("empty")
	// Should not panic
	if failed := l.Notify(context.Background(), nil, "event"); failed != 0 {
		t.Errorf("failed = %d", failed)
	}
}

func TestListeners_RegistrationOrder(t *testing.T) {
	l := New[int]("order")
	var calls []string
	l.Add(func(ctx context.Context, e int) error { calls = append(calls, "first"); return nil })
	l.Add(func(ctx context.Context, e int) error { calls = append(calls, "second"); return nil })
	l.Add(func(ctx context.Context, e int) error { calls = append(calls, "third"); return nil })

	l.Notify(context.Background(), logging.Discard(), 1)
	if !reflect.DeepEqual(calls, []string{"first", "second", "third"}) {
		t.Errorf("calls = %v", calls)
	}
	if l.Len() != 3 {
		t.Errorf("Len = %d", l.Len())
	}
}

func TestListeners_FailuresIsolated(t *testing.T) {
	l := New[string]("isolation")
	var reached bool
	l.Add(func(ctx context.Context, e string) error { return errors.New("boom") })
	l.Add(func(ctx context.Context, e string) error { panic("listener bug") })
	l.Add(func(ctx context.Context, e string) error {
		reached = e == "payload"
		return nil
	})

	failed := l.Notify(context.Background(), logging.Discard(), "payload")
	if failed != 2 {
		t.Errorf("failed = %d, want 2", failed)
	}
	if !reached {
		t.Error("listener after failing ones must still run")
	}
}
