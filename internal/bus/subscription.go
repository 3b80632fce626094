// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package bus

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"

	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// Handler receives matched messages. Async deliveries run on the bus
// worker pool; sync deliveries run on the publisher's goroutine.
type Handler func(msg Message)

// Filter is an optional per-subscription predicate. A filter that
// panics is treated as not matching; the panic is counted and logged,
// never propagated to the publisher.
type Filter func(msg Message) bool

// Subscription binds a subscriber to a message type pattern.
type Subscription struct {
	id         string
	subscriber string
	pattern    string
	matcher    glob.Glob // nil for exact patterns
	filter     Filter
	minPri     plugin.Priority
	handler    Handler
	seq        uint64

	active     atomic.Bool
	delivered  atomic.Uint64
	lastActive atomic.Int64 // unix nanos
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string { return s.id }

// Subscriber returns the owning subscriber's id.
func (s *Subscription) Subscriber() string { return s.subscriber }

// Pattern returns the type pattern the subscription was created with.
func (s *Subscription) Pattern() string { return s.pattern }

// Active reports whether the subscription still receives messages.
func (s *Subscription) Active() bool { return s.active.Load() }

// Delivered returns how many messages this subscription has received.
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

func (s *Subscription) touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

func (s *Subscription) idleSince() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// matches applies pattern, priority floor, and filter, in that order.
// recovered reports whether the filter panicked.
func (s *Subscription) matches(msg Message) (matched, recovered bool) {
	if !s.active.Load() {
		return false, false
	}
	if s.matcher != nil {
		if !s.matcher.Match(msg.Type) {
			return false, false
		}
	} else if s.pattern != msg.Type {
		return false, false
	}
	if msg.Priority < s.minPri {
		return false, false
	}
	if s.filter == nil {
		return true, false
	}
	return s.runFilter(msg)
}

func (s *Subscription) runFilter(msg Message) (matched, recovered bool) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			recovered = true
		}
	}()
	return s.filter(msg), false
}

// compilePattern compiles a type pattern. Patterns without glob
// metacharacters match exactly; '.' separates pattern segments, so
// "plugin.*" matches "plugin.loaded" but not "plugin.state.changed".
func compilePattern(pattern string) (glob.Glob, error) {
	if pattern == "" {
		return nil, plugerr.New(plugerr.CodeInvalidParameters, "empty type pattern")
	}
	if !strings.ContainsAny(pattern, "*?[{") {
		return nil, nil // exact match
	}
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return nil, plugerr.Wrapf(plugerr.CodeInvalidParameters, err, "invalid type pattern %q", pattern)
	}
	return g, nil
}
