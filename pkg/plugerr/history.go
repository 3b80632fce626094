// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package plugerr

import (
	"sync"
	"time"
)

// DefaultHistorySize is the default capacity of an error history ring.
const DefaultHistorySize = 100

// Entry is one recorded failure.
type Entry struct {
	Time     time.Time
	Code     Code
	Severity Severity
	PluginID string
	Path     string
	Message  string
}

// History is a bounded ring buffer of failures. When full, the oldest
// entry is overwritten. Safe for concurrent use.
//
// History must not be touched during package init or process teardown;
// construct it explicitly and keep it owned by a component.
type History struct {
	mu    sync.Mutex
	ring  []Entry
	next  int
	count int
}

// NewHistory creates a history ring with the given capacity.
// Non-positive capacities fall back to DefaultHistorySize.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{ring: make([]Entry, capacity)}
}

// Record appends an entry, stamping it with the current time if unset.
func (h *History) Record(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Severity == SeverityInfo && e.Code != CodeSuccess {
		e.Severity = e.Code.Severity()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.next] = e
	h.next = (h.next + 1) % len(h.ring)
	if h.count < len(h.ring) {
		h.count++
	}
}

// RecordError records err with an optional path. No-op for nil errors.
func (h *History) RecordError(err error, path string) {
	if err == nil {
		return
	}
	h.Record(Entry{
		Code:     CodeOf(err),
		Severity: SeverityOf(err),
		PluginID: PluginOf(err),
		Path:     path,
		Message:  err.Error(),
	})
}

// Len returns the number of recorded entries, at most the capacity.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Last returns up to n entries, newest first.
func (h *History) Last(n int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > h.count {
		n = h.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.ring)) % len(h.ring)
		out = append(out, h.ring[idx])
	}
	return out
}

// Clear drops all recorded entries.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next = 0
	h.count = 0
}
