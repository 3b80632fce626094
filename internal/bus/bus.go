// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package bus is the typed publish/subscribe message bus connecting
// plugins and host components. Small fan-outs are delivered
// synchronously on the publisher's goroutine, preserving per-sender
// ordering; large fan-outs go through a bounded worker pool.
package bus

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

const (
	// AsyncDeliveryThreshold is the recipient count at which delivery
	// switches from synchronous to the worker pool.
	AsyncDeliveryThreshold = 5

	// MaxConcurrentDeliveries is the async worker pool size.
	MaxConcurrentDeliveries = 10

	// DefaultIdleTimeout is how long a subscription may go without a
	// delivery before the sweeper drops it.
	DefaultIdleTimeout = 30 * time.Minute

	sweepInterval = time.Minute
)

// Message is one bus message. ID and Timestamp are assigned on publish
// when left zero.
type Message struct {
	ID        string
	Type      string
	Sender    string
	Priority  plugin.Priority
	Timestamp time.Time
	Payload   any
}

// Stats is a point-in-time bus counters snapshot.
type Stats struct {
	Published           uint64
	DeliveredSync       uint64
	DeliveredAsync      uint64
	FilterPanics        uint64
	HandlerPanics       uint64
	ActiveSubscriptions int
	LoggedMessages      int
}

type task struct {
	sub *Subscription
	msg Message
}

// Bus routes messages to subscriptions. Create with New, release with
// Close.
type Bus struct {
	logger      *slog.Logger
	idleTimeout time.Duration
	log         *messageLog

	mu     sync.RWMutex
	subs   map[string]*Subscription
	seq    uint64
	closed bool

	tasks      chan task
	publishers sync.WaitGroup
	wg         sync.WaitGroup
	stopGC     chan struct{}

	published      atomic.Uint64
	deliveredSync  atomic.Uint64
	deliveredAsync atomic.Uint64
	nFilterPanics  atomic.Uint64
	nHandlerPanics atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithIdleTimeout overrides DefaultIdleTimeout for the sweeper.
func WithIdleTimeout(d time.Duration) Option {
	return func(b *Bus) { b.idleTimeout = d }
}

// New creates a bus and starts its worker pool and idle sweeper.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:      slog.Default(),
		idleTimeout: DefaultIdleTimeout,
		log:         newMessageLog(logCapacity),
		subs:        make(map[string]*Subscription),
		tasks:       make(chan task, 4*MaxConcurrentDeliveries),
		stopGC:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.wg.Add(MaxConcurrentDeliveries)
	for range MaxConcurrentDeliveries {
		go b.worker()
	}
	b.wg.Add(1)
	go b.sweeper()
	return b
}

// Close deactivates all subscriptions and stops the workers. Queued
// deliveries to the deactivated subscriptions are discarded. Close is
// idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.active.Store(false)
	}
	activeSubscriptions.Set(0)
	close(b.stopGC)
	b.mu.Unlock()

	// Publishers that passed the closed check may still be enqueueing;
	// the task channel must not close under them.
	b.publishers.Wait()
	close(b.tasks)
	b.wg.Wait()
}

// SubOption configures a subscription.
type SubOption func(*Subscription)

// WithFilter installs a per-subscription predicate.
func WithFilter(f Filter) SubOption {
	return func(s *Subscription) { s.filter = f }
}

// WithMinPriority drops messages below the given priority.
func WithMinPriority(p plugin.Priority) SubOption {
	return func(s *Subscription) { s.minPri = p }
}

// Subscribe registers a handler for message types matching pattern.
// Patterns use glob syntax with '.' as the segment separator; patterns
// without metacharacters match exactly.
func (b *Bus) Subscribe(subscriber, pattern string, handler Handler, opts ...SubOption) (*Subscription, error) {
	if subscriber == "" {
		return nil, plugerr.New(plugerr.CodeInvalidParameters, "empty subscriber id")
	}
	if handler == nil {
		return nil, plugerr.New(plugerr.CodeInvalidParameters, "nil handler")
	}
	matcher, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:         ulid.Make().String(),
		subscriber: subscriber,
		pattern:    pattern,
		matcher:    matcher,
		handler:    handler,
	}
	for _, opt := range opts {
		opt(sub)
	}
	sub.active.Store(true)
	sub.touch(time.Now())

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, plugerr.New(plugerr.CodeInvalidOperation, "bus is closed")
	}
	b.seq++
	sub.seq = b.seq
	b.subs[sub.id] = sub
	activeSubscriptions.Set(float64(len(b.subs)))
	return sub, nil
}

// Unsubscribe removes a subscription by id.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return plugerr.New(plugerr.CodeNotFound, "no subscription %s", id)
	}
	sub.active.Store(false)
	delete(b.subs, id)
	activeSubscriptions.Set(float64(len(b.subs)))
	return nil
}

// UnsubscribeSubscriber removes every subscription owned by subscriber
// and returns how many were removed.
func (b *Bus) UnsubscribeSubscriber(subscriber string) int {
	return b.removeWhere(func(s *Subscription) bool {
		return s.subscriber == subscriber
	})
}

// UnsubscribeType removes subscriber's subscriptions with the exact
// given pattern.
func (b *Bus) UnsubscribeType(subscriber, pattern string) int {
	return b.removeWhere(func(s *Subscription) bool {
		return s.subscriber == subscriber && s.pattern == pattern
	})
}

func (b *Bus) removeWhere(pred func(*Subscription) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, sub := range b.subs {
		if pred(sub) {
			sub.active.Store(false)
			delete(b.subs, id)
			removed++
		}
	}
	activeSubscriptions.Set(float64(len(b.subs)))
	return removed
}

// Publish broadcasts a message to all matching subscriptions and
// returns the number of recipients. With fewer than
// AsyncDeliveryThreshold recipients delivery is synchronous, so two
// publishes from the same sender arrive in order at shared
// subscribers; at or above the threshold delivery shifts to the worker
// pool and ordering across recipients is not guaranteed.
func (b *Bus) Publish(msg Message) (int, error) {
	return b.publish(msg, "")
}

// PublishTo delivers a message only to the given subscriber's matching
// subscriptions.
func (b *Bus) PublishTo(msg Message, subscriber string) (int, error) {
	if subscriber == "" {
		return 0, plugerr.New(plugerr.CodeInvalidParameters, "empty target subscriber")
	}
	return b.publish(msg, subscriber)
}

func (b *Bus) publish(msg Message, target string) (int, error) {
	if msg.Type == "" {
		return 0, plugerr.New(plugerr.CodeInvalidParameters, "message has no type")
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0, plugerr.New(plugerr.CodeInvalidOperation, "bus is closed")
	}
	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if target != "" && sub.subscriber != target {
			continue
		}
		ok, panicked := sub.matches(msg)
		if panicked {
			b.nFilterPanics.Add(1)
			filterPanics.Inc()
			b.logger.Warn("subscription filter panicked",
				slog.String("subscription_id", sub.id),
				slog.String("subscriber", sub.subscriber),
				slog.String("message_type", msg.Type))
			continue
		}
		if ok {
			matched = append(matched, sub)
		}
	}

	async := len(matched) >= AsyncDeliveryThreshold
	if async {
		// Register as an in-flight publisher while still holding the
		// read lock so Close cannot shut the task channel mid-enqueue.
		b.publishers.Add(1)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	messagesPublished.WithLabelValues(msg.Type).Inc()
	b.log.record(msg)

	// Enqueue outside the lock: a full task channel must apply
	// backpressure to this publisher only, never stall Subscribe,
	// Unsubscribe, or Close.
	if async {
		for _, sub := range matched {
			b.tasks <- task{sub: sub, msg: msg}
		}
		b.publishers.Done()
		return len(matched), nil
	}

	// Sync path: deliver in subscription order on this goroutine.
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	for _, sub := range matched {
		b.deliver(sub, msg, "sync")
	}
	return len(matched), nil
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for t := range b.tasks {
		b.deliver(t.sub, t.msg, "async")
	}
}

func (b *Bus) deliver(sub *Subscription, msg Message, mode string) {
	// The subscription may have been removed between matching and
	// delivery; it must not see the message.
	if !sub.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.nHandlerPanics.Add(1)
			handlerPanics.Inc()
			b.logger.Error("subscription handler panicked",
				slog.String("subscription_id", sub.id),
				slog.String("subscriber", sub.subscriber),
				slog.String("message_type", msg.Type),
				slog.Any("panic", r))
		}
	}()
	sub.touch(time.Now())
	sub.delivered.Add(1)
	if mode == "sync" {
		b.deliveredSync.Add(1)
	} else {
		b.deliveredAsync.Add(1)
	}
	messagesDelivered.WithLabelValues(mode).Inc()
	sub.handler(msg)
}

// SweepIdle removes subscriptions that have not seen a delivery (or
// been created) within the given duration. Returns how many were
// removed. The background sweeper calls this with the bus idle timeout.
func (b *Bus) SweepIdle(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	removed := b.removeWhere(func(s *Subscription) bool {
		return s.idleSince().Before(cutoff) || s.idleSince().Equal(cutoff)
	})
	if removed > 0 {
		b.logger.Info("swept idle subscriptions", slog.Int("removed", removed))
	}
	return removed
}

func (b *Bus) sweeper() {
	defer b.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.SweepIdle(b.idleTimeout)
		case <-b.stopGC:
			return
		}
	}
}

// Subscriptions returns the active subscriptions, oldest first.
func (b *Bus) Subscriptions() []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Log returns up to n recently published messages, newest first.
func (b *Bus) Log(n int) []Message {
	return b.log.last(n)
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	active := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:           b.published.Load(),
		DeliveredSync:       b.deliveredSync.Load(),
		DeliveredAsync:      b.deliveredAsync.Load(),
		FilterPanics:        b.nFilterPanics.Load(),
		HandlerPanics:       b.nHandlerPanics.Load(),
		ActiveSubscriptions: active,
		LoggedMessages:      b.log.size(),
	}
}
