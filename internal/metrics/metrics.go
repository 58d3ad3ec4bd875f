// Package metrics provides in-process, lock-free counters for the
// Orchestrator and Worker Pool to record against. There is no HTTP surface
// anywhere in this system, so metrics are surfaced only by the
// Orchestrator's periodic structured-log summary — there is nothing here to
// scrape.
package metrics

import (
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Total sums every key's current value.
func (lc *labelCounter) Total() int64 {
	var total int64
	lc.vals.Range(func(_, v any) bool {
		total += v.(*atomic.Int64).Load()
		return true
	})
	return total
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds every in-process counter the Orchestrator and Worker Pool
// record against. The zero value is ready to use.
type Registry struct {
	// BatchesEnqueued/Succeeded/Failed are keyed by domain.
	BatchesEnqueued  labelCounter
	BatchesSucceeded labelCounter
	BatchesFailed    labelCounter

	// FilesSucceeded/Failed are keyed by domain.
	FilesSucceeded labelCounter
	FilesFailed    labelCounter
}

// Summary is a point-in-time snapshot suitable for a single structured-log
// line.
type Summary struct {
	BatchesEnqueued  int64
	BatchesSucceeded int64
	BatchesFailed    int64
	FilesSucceeded   int64
	FilesFailed      int64
}

// Snapshot totals every counter across all domains into one line's worth of
// fields.
func (r *Registry) Snapshot() Summary {
	return Summary{
		BatchesEnqueued:  r.BatchesEnqueued.Total(),
		BatchesSucceeded: r.BatchesSucceeded.Total(),
		BatchesFailed:    r.BatchesFailed.Total(),
		FilesSucceeded:   r.FilesSucceeded.Total(),
		FilesFailed:      r.FilesFailed.Total(),
	}
}
