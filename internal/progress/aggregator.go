package progress

import (
	"sync"

	"github.com/cuongbtq/dataport/internal/job"
)

const (
	// DefaultErrorLogCap bounds the number of row errors kept verbatim
	DefaultErrorLogCap = 1000
	// DefaultFlushEvery is the row interval between progress snapshots
	DefaultFlushEvery = 500
)

// Aggregator accumulates row outcomes for a single attempt.
// It is safe for concurrent use, although the worker drives it from one goroutine.
type Aggregator struct {
	mu          sync.Mutex
	cap         int
	flushEvery  int
	total       *int
	processed   int
	success     int
	errors      int
	entries     []job.RowError
	omitted     int
	lastFlushed int
}

// New creates an aggregator; non-positive arguments fall back to the defaults
func New(errorLogCap, flushEvery int) *Aggregator {
	if errorLogCap <= 0 {
		errorLogCap = DefaultErrorLogCap
	}
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	return &Aggregator{
		cap:        errorLogCap,
		flushEvery: flushEvery,
	}
}

// SetTotal records the number of rows once the source is fully materialized
func (a *Aggregator) SetTotal(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total = &n
}

// Record counts one processed row. message is kept only for failures.
func (a *Aggregator) Record(success bool, rowIndex int, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.processed++
	if success {
		a.success++
		return
	}

	a.errors++
	if len(a.entries) < a.cap {
		a.entries = append(a.entries, job.RowError{Row: rowIndex, Message: message})
		return
	}
	a.omitted++
}

// ShouldFlush reports whether flushEvery rows were recorded since the last call that returned true
func (a *Aggregator) ShouldFlush() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.processed-a.lastFlushed < a.flushEvery {
		return false
	}
	a.lastFlushed = a.processed
	return true
}

// Snapshot returns a copy of the current counters and error log
func (a *Aggregator) Snapshot() job.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total *int
	if a.total != nil {
		t := *a.total
		total = &t
	}

	entries := make([]job.RowError, len(a.entries))
	copy(entries, a.entries)

	return job.Snapshot{
		Total:     total,
		Processed: a.processed,
		Success:   a.success,
		Errors:    a.errors,
		ErrorLog: job.ErrorLog{
			Entries: entries,
			Omitted: a.omitted,
		},
	}
}
