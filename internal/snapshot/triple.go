package snapshot

import (
	"sync"
)

// Change is one field whose desired value differs from its cached value.
type Change struct {
	Field string
	Value interface{}
}

// Triple owns the three snapshots tracked for one device:
//
//	desired  - last value requested by a hub setter call
//	observed - last value read from a transport or pushed via webhook
//	cached   - last value believed to be successfully applied upstream
//
// All mutation goes through the owning device's engine, so the mutex
// only guards against concurrent reads (API dumps, webhook events
// racing a refresh).
type Triple struct {
	mu       sync.RWMutex
	desired  *Snapshot
	observed *Snapshot
	cached   *Snapshot
}

// NewTriple creates an empty triple.
func NewTriple() *Triple {
	return &Triple{
		desired:  New(),
		observed: New(),
		cached:   New(),
	}
}

// SetDesired records a locally requested value. Reads of desired are
// never stale: the mutation happens before any debounce or dispatch.
func (t *Triple) SetDesired(field string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.desired.Set(field, value)
}

// ApplyObserved overwrites observed fields with values read from a
// transport. Fields not present in the update are left unchanged
// (last-writer-wins at per-field granularity).
func (t *Triple) ApplyObserved(fields map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range fields {
		t.observed.Set(k, v)
	}
}

// ConfirmCached records that one field was successfully applied
// upstream. Called once per confirmed command.
func (t *Triple) ConfirmCached(field string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cached.Set(field, value)
}

// ConfirmRefreshed records an authoritative read: both observed and
// cached take the reported values, so a successful refresh leaves
// observed == cached for every reported field.
func (t *Triple) ConfirmRefreshed(fields map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range fields {
		t.observed.Set(k, v)
		t.cached.Set(k, v)
	}
}

// ForceAll drives all three snapshots to the given values. Used for the
// deterministic offline baseline, which must hold regardless of what
// was previously desired or observed.
func (t *Triple) ForceAll(fields map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range fields {
		t.desired.Set(k, v)
		t.observed.Set(k, v)
		t.cached.Set(k, v)
	}
}

// Diff returns the fields whose desired value differs from cached,
// ordered by the given priority list first (power before mode, since
// some devices reject mode changes while powered off), then any
// remaining desired fields in insertion order.
func (t *Triple) Diff(priority []string) []Change {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool, len(priority))
	var changes []Change

	appendIfChanged := func(field string) {
		want, ok := t.desired.Get(field)
		if !ok {
			return
		}
		have, ok := t.cached.Get(field)
		if ok && equalValue(want, have) {
			return
		}
		changes = append(changes, Change{Field: field, Value: want})
	}

	for _, field := range priority {
		seen[field] = true
		appendIfChanged(field)
	}
	for _, field := range t.desired.Fields() {
		if seen[field] {
			continue
		}
		appendIfChanged(field)
	}
	return changes
}

// Desired returns a copy of the desired snapshot.
func (t *Triple) Desired() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.desired.Clone()
}

// Observed returns a copy of the observed snapshot.
func (t *Triple) Observed() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.observed.Clone()
}

// Cached returns a copy of the cached snapshot.
func (t *Triple) Cached() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cached.Clone()
}
