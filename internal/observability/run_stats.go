// Package observability tracks statistics of index, replay and
// initialization runs for the admin API and the CLI.
package observability

import (
	"sort"
	"sync"
	"time"
)

// Operations tracked by RunStats.
const (
	OpIndex      = "index"
	OpReplay     = "replay"
	OpInitialize = "initialize"
	OpGarbage    = "garbage"
)

// RunStats aggregates run outcomes per operation.
type RunStats struct {
	mu     sync.RWMutex
	ops    map[string]*OperationStats
	window time.Duration
	now    func() time.Time
}

// OperationStats holds the totals of one operation.
type OperationStats struct {
	Operation string         `json:"operation"`
	Runs      int64          `json:"runs"`
	Processed int64          `json:"processed"`
	Failed    int64          `json:"failed"`
	Duration  time.Duration  `json:"duration"`
	LastRun   time.Time      `json:"last_run"`
	Errors    map[string]int `json:"errors,omitempty"` // error code → count
}

// NewRunStats creates a tracker. Operations idle for longer than window are
// dropped by Prune.
func NewRunStats(window time.Duration) *RunStats {
	return &RunStats{
		ops:    make(map[string]*OperationStats),
		window: window,
		now:    time.Now,
	}
}

func (r *RunStats) op(name string) *OperationStats {
	s, ok := r.ops[name]
	if !ok {
		s = &OperationStats{Operation: name, Errors: make(map[string]int)}
		r.ops[name] = s
	}
	return s
}

// RecordRun adds a finished run. It is safe to call on a nil tracker.
func (r *RunStats) RecordRun(op string, processed, failed int, d time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.op(op)
	s.Runs++
	s.Processed += int64(processed)
	s.Failed += int64(failed)
	s.Duration += d
	s.LastRun = r.now()
}

// RecordError counts an error code for op. It is safe to call on a nil
// tracker.
func (r *RunStats) RecordError(op, code string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.op(op)
	s.Errors[code]++
	s.LastRun = r.now()
}

// Snapshot returns a copy of every operation, sorted by name.
func (r *RunStats) Snapshot() []OperationStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]OperationStats, 0, len(r.ops))
	for _, s := range r.ops {
		c := *s
		c.Errors = make(map[string]int, len(s.Errors))
		for code, n := range s.Errors {
			c.Errors[code] = n
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Get returns a copy of the stats of op.
func (r *RunStats) Get(op string) (OperationStats, bool) {
	for _, s := range r.Snapshot() {
		if s.Operation == op {
			return s, true
		}
	}
	return OperationStats{}, false
}

// Prune drops operations whose last run is older than the window.
func (r *RunStats) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()

	threshold := r.now().Add(-r.window)
	for name, s := range r.ops {
		if s.LastRun.Before(threshold) {
			delete(r.ops, name)
		}
	}
}
