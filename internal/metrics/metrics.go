// Package metrics provides thread-safe counters for the agent's
// operational accounting. The snapshot feeds the heartbeat payload and
// shutdown logging.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	value atomic.Uint64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds v to the counter.
func (c *Counter) Add(v uint64) {
	c.value.Add(v)
}

// Value returns the current value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// Name returns the counter name.
func (c *Counter) Name() string {
	return c.name
}

// Registry holds the process's counters.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*Counter)}
}

// Counter returns the named counter, creating it on first use.
func (r *Registry) Counter(name string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c = &Counter{name: name}
	r.counters[name] = c
	return c
}

// Snapshot returns the current value of every counter.
func (r *Registry) Snapshot() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(map[string]uint64, len(r.counters))
	for name, c := range r.counters {
		snap[name] = c.Value()
	}
	return snap
}

// Names returns the registered counter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.counters))
	for name := range r.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counter names used across the agent.
const (
	EventsReceived   = "events_received"
	EventsAppended   = "events_appended"
	EventsRedacted   = "events_redacted"
	EventsDeduped    = "events_deduped"
	EventsRejected   = "events_rejected"
	SequenceGaps     = "sequence_gaps"
	VCEAppended      = "vce_appended"
	RecordsUploaded  = "records_uploaded"
	RecordsDropped   = "records_dropped"
	RecordsCorrupt   = "records_corrupt"
	UploadFailures   = "upload_failures"
	BackpressureHits = "backpressure_hits"
)
