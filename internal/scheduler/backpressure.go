package scheduler

import (
	"sync"
	"time"
)

// Throttle tracks recent item outcomes and scales the number of documents a
// cycle may index. While Solr keeps rejecting items the budget is halved each
// cycle; once failures drop it ramps back up to the configured maximum.
//
// The budget never drops below the minimum so that every cycle still
// attempts some items and produces the successes that drive recovery.
type Throttle struct {
	max       int
	min       int
	threshold float64
	window    time.Duration
	now       func() time.Time

	mu       sync.Mutex
	budget   int
	outcomes []outcome
}

type outcome struct {
	at        time.Time
	succeeded int
	failed    int
}

// ThrottleConfig holds the throttle bounds.
type ThrottleConfig struct {
	// MaxDocuments is the budget of a healthy cycle
	MaxDocuments int

	// MinDocuments is the lower bound (default 1)
	MinDocuments int

	// FailureThreshold is the failure rate above which the budget shrinks (default 0.5)
	FailureThreshold float64

	// Window is the sliding window of recorded outcomes (default 10m)
	Window time.Duration
}

// NewThrottle creates a throttle starting at the full budget.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = 50
	}
	if cfg.MinDocuments <= 0 {
		cfg.MinDocuments = 1
	}
	if cfg.MinDocuments > cfg.MaxDocuments {
		cfg.MinDocuments = cfg.MaxDocuments
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 0.5
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	return &Throttle{
		max:       cfg.MaxDocuments,
		min:       cfg.MinDocuments,
		threshold: cfg.FailureThreshold,
		window:    cfg.Window,
		now:       time.Now,
		budget:    cfg.MaxDocuments,
	}
}

// Record adds the outcome of one index run.
func (t *Throttle) Record(succeeded, failed int) {
	if succeeded == 0 && failed == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes = append(t.outcomes, outcome{at: t.now(), succeeded: succeeded, failed: failed})
}

// FailureRate returns the share of failed items within the window.
func (t *Throttle) FailureRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failureRateLocked()
}

func (t *Throttle) failureRateLocked() float64 {
	cutoff := t.now().Add(-t.window)
	i := 0
	for i < len(t.outcomes) && t.outcomes[i].at.Before(cutoff) {
		i++
	}
	t.outcomes = t.outcomes[i:]

	var total, failed int
	for _, o := range t.outcomes {
		total += o.succeeded + o.failed
		failed += o.failed
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// Next adjusts the budget to the recent failure rate and returns it.
// Call it once at the start of each cycle.
func (t *Throttle) Next() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rate := t.failureRateLocked()
	switch {
	case rate > t.threshold:
		t.budget = max(t.budget/2, t.min)
	case rate < t.threshold/2:
		t.budget = min(t.budget*2, t.max)
	default:
		t.budget = min(t.budget+1, t.max)
	}
	return t.budget
}

// Budget returns the current budget without adjusting it.
func (t *Throttle) Budget() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.budget
}
