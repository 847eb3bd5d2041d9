// Package metrics is a small backend-agnostic facade for run metrics.
//
// Commands record through the package-level functions; which backend receives
// them is decided once at startup with SetBackend. The default backend drops
// everything.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions (rendered as tags by backends).
type Labels map[string]string

// Backend receives metrics.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names emitted by RecordExtraction.
const (
	RunsTotal             = "chat_runs_total"
	PairsTotal            = "chat_pairs_total"
	MessagesTotal         = "chat_messages_total"
	DroppedTotal          = "chat_dropped_total"
	SelectorMismatchTotal = "chat_selector_mismatch_total"
	RunDurationSeconds    = "chat_run_duration_seconds"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b and returns the previous backend. A nil b restores
// the no-op backend.
func SetBackend(b Backend) Backend {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	defer mu.Unlock()
	prev := backend
	backend = b
	return prev
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to a counter on the current backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample on the current backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the current backend.
func Flush() error {
	return current().Flush()
}

// Extraction describes one finished extraction run.
type Extraction struct {
	Pairs            int
	Queries          int
	Responses        int
	DroppedQueries   int
	DroppedResponses int
	Mismatch         bool
	Duration         time.Duration
	Err              error
}

// RecordExtraction emits the standard metric set for one run.
func RecordExtraction(e Extraction) {
	status := "ok"
	if e.Err != nil {
		status = "error"
	}

	IncCounter(RunsTotal, 1, Labels{"status": status})
	ObserveHistogram(RunDurationSeconds, e.Duration.Seconds(), Labels{"status": status})
	if e.Err != nil {
		return
	}

	IncCounter(PairsTotal, float64(e.Pairs), nil)
	IncCounter(MessagesTotal, float64(e.Queries), Labels{"kind": "query"})
	IncCounter(MessagesTotal, float64(e.Responses), Labels{"kind": "response"})
	IncCounter(DroppedTotal, float64(e.DroppedQueries), Labels{"kind": "query"})
	IncCounter(DroppedTotal, float64(e.DroppedResponses), Labels{"kind": "response"})
	if e.Mismatch {
		IncCounter(SelectorMismatchTotal, 1, nil)
	}
}
