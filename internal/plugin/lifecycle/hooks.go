// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	plugin "github.com/dynaplug/dynaplug/internal/plugin"
)

// Point identifies where in an operation a hook fires.
type Point int

const (
	PreLoad Point = iota
	PostLoad
	PreInitialize
	PostInitialize
	PreUnload
	PostUnload
)

var pointNames = [...]string{
	"pre-load", "post-load",
	"pre-initialize", "post-initialize",
	"pre-unload", "post-unload",
}

func (p Point) String() string {
	if p < PreLoad || p > PostUnload {
		return "unknown"
	}
	return pointNames[p]
}

// Hook observes or vetoes a lifecycle operation. An error from a pre
// hook aborts the operation; errors from post hooks are logged and
// otherwise ignored.
type Hook func(ctx context.Context, point Point, desc *plugin.Descriptor) error

type hookEntry struct {
	id string
	fn Hook
}

// Hooks is an ordered, point-indexed hook table.
type Hooks struct {
	mu      sync.RWMutex
	entries map[Point][]hookEntry
}

// NewHooks creates an empty hook table.
func NewHooks() *Hooks {
	return &Hooks{entries: make(map[Point][]hookEntry)}
}

// Add registers fn at point and returns a removal id. Hooks fire in
// registration order.
func (h *Hooks) Add(point Point, fn Hook) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := ulid.Make().String()
	h.entries[point] = append(h.entries[point], hookEntry{id: id, fn: fn})
	return id
}

// Remove deletes a hook by id. Unknown ids are ignored.
func (h *Hooks) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for point, entries := range h.entries {
		for i, e := range entries {
			if e.id == id {
				h.entries[point] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// RunPre fires the hooks at point in order, stopping at the first error.
func (h *Hooks) RunPre(ctx context.Context, point Point, desc *plugin.Descriptor) error {
	for _, e := range h.snapshot(point) {
		if err := e.fn(ctx, point, desc); err != nil {
			return err
		}
	}
	return nil
}

// RunPost fires the hooks at point; errors are logged, never returned.
func (h *Hooks) RunPost(ctx context.Context, point Point, desc *plugin.Descriptor, logger *slog.Logger) {
	for _, e := range h.snapshot(point) {
		if err := e.fn(ctx, point, desc); err != nil {
			logger.WarnContext(ctx, "lifecycle hook failed",
				slog.String("point", point.String()),
				slog.String("plugin_id", desc.ID),
				slog.Any("error", err))
		}
	}
}

func (h *Hooks) snapshot(point Point) []hookEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]hookEntry(nil), h.entries[point]...)
}
