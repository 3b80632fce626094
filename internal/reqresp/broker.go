// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package reqresp is the request/response layer over which plugins and
// host components expose named service methods to each other. Requests
// carry an absolute deadline; a background pump times out overdue
// requests so a stuck handler can never wedge a caller.
package reqresp

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

const (
	// DefaultRequestTimeout applies when a request carries no deadline.
	DefaultRequestTimeout = 5 * time.Second

	// pumpInterval is how often the deadline pump scans for overdue
	// requests.
	pumpInterval = 100 * time.Millisecond
)

// Request is one service invocation.
type Request struct {
	ID      string
	Service string
	Method  string
	Sender  string
	Payload any
	// Deadline is absolute. Zero means now + DefaultRequestTimeout.
	Deadline time.Time
}

// Response resolves a request. Err carries handler failures, timeouts
// (TimeoutError), and cancellations.
type Response struct {
	RequestID string
	Payload   any
	Err       error
}

// HandlerFunc serves one endpoint.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

type endpointKey struct {
	service string
	method  string
}

type endpoint struct {
	owner   string
	handler HandlerFunc
}

type pendingReq struct {
	future   *Future
	service  string
	deadline time.Time
	started  time.Time
	cancel   context.CancelFunc
}

// Stats is a point-in-time broker counters snapshot.
type Stats struct {
	Sent            uint64
	Completed       uint64
	Failed          uint64
	TimedOut        uint64
	Canceled        uint64
	LateCompletions uint64
	Pending         int
	Endpoints       int
}

// Broker owns the endpoint table and the pending-request table. Create
// with New, release with Close.
type Broker struct {
	logger *slog.Logger

	mu        sync.RWMutex
	endpoints map[endpointKey]endpoint
	pending   map[string]*pendingReq
	closed    bool

	stop chan struct{}
	wg   sync.WaitGroup

	sent      atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
	canceled  atomic.Uint64
	late      atomic.Uint64
}

// New creates a broker and starts its deadline pump.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		logger:    logger,
		endpoints: make(map[endpointKey]endpoint),
		pending:   make(map[string]*pendingReq),
		stop:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.pump()
	return b
}

// Close stops the pump and fails all pending requests. Idempotent.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := make([]*pendingReq, 0, len(b.pending))
	for _, p := range b.pending {
		pending = append(pending, p)
	}
	b.pending = make(map[string]*pendingReq)
	close(b.stop)
	b.mu.Unlock()

	for _, p := range pending {
		p.cancel()
		p.future.complete(Response{
			RequestID: p.future.requestID,
			Err:       plugerr.New(plugerr.CodeInvalidOperation, "broker closed"),
		})
	}
	b.wg.Wait()
}

// Register installs a handler for service.method owned by owner.
// Registering over an existing endpoint replaces it.
func (b *Broker) Register(service, method, owner string, h HandlerFunc) error {
	if service == "" || method == "" {
		return plugerr.New(plugerr.CodeInvalidParameters, "service and method are required")
	}
	if h == nil {
		return plugerr.New(plugerr.CodeInvalidParameters, "nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return plugerr.New(plugerr.CodeInvalidOperation, "broker closed")
	}
	b.endpoints[endpointKey{service, method}] = endpoint{owner: owner, handler: h}
	return nil
}

// Unregister removes one endpoint.
func (b *Broker) Unregister(service, method string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := endpointKey{service, method}
	if _, ok := b.endpoints[key]; !ok {
		return plugerr.New(plugerr.CodeNotFound, "no endpoint %s.%s", service, method)
	}
	delete(b.endpoints, key)
	return nil
}

// UnregisterOwner removes every endpoint owned by owner and returns how
// many were removed.
func (b *Broker) UnregisterOwner(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for key, ep := range b.endpoints {
		if ep.owner == owner {
			delete(b.endpoints, key)
			removed++
		}
	}
	return removed
}

// Call sends a request and blocks for its response. The handler runs on
// its own goroutine; if the deadline passes first, Call returns a
// TimeoutError response and the handler's eventual result is discarded.
func (b *Broker) Call(ctx context.Context, req Request) (Response, error) {
	future, err := b.Send(req)
	if err != nil {
		return Response{}, err
	}
	return future.Await(ctx)
}

// Send dispatches a request asynchronously and returns its future.
func (b *Broker) Send(req Request) (*Future, error) {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if req.Deadline.IsZero() {
		req.Deadline = time.Now().Add(DefaultRequestTimeout)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, plugerr.New(plugerr.CodeInvalidOperation, "broker closed")
	}
	ep, ok := b.endpoints[endpointKey{req.Service, req.Method}]
	if !ok {
		b.mu.Unlock()
		return nil, plugerr.New(plugerr.CodeNotFound, "no endpoint %s.%s", req.Service, req.Method)
	}

	future := newFuture(req.ID)
	handlerCtx, cancel := context.WithDeadline(context.Background(), req.Deadline)
	b.pending[req.ID] = &pendingReq{
		future:   future,
		service:  req.Service,
		deadline: req.Deadline,
		started:  time.Now(),
		cancel:   cancel,
	}
	b.mu.Unlock()

	b.sent.Add(1)
	go b.invoke(handlerCtx, ep.handler, req, future)
	return future, nil
}

func (b *Broker) invoke(ctx context.Context, h HandlerFunc, req Request, future *Future) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("request handler panicked",
				slog.String("service", req.Service),
				slog.String("method", req.Method),
				slog.Any("panic", r))
			b.resolve(future, Response{
				RequestID: req.ID,
				Err: plugerr.New(plugerr.CodeExecutionFailed,
					"handler for %s.%s panicked", req.Service, req.Method),
			}, "failed")
		}
	}()

	payload, err := h(ctx, req)
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	b.resolve(future, Response{RequestID: req.ID, Payload: payload, Err: err}, outcome)
}

// resolve completes a future and retires its pending entry. A
// resolution that lost the race (usually against the timeout pump) is
// counted as late and otherwise dropped.
func (b *Broker) resolve(future *Future, resp Response, outcome string) {
	b.mu.Lock()
	p, pending := b.pending[future.requestID]
	if pending {
		delete(b.pending, future.requestID)
	}
	b.mu.Unlock()

	if !future.complete(resp) {
		b.late.Add(1)
		return
	}
	switch outcome {
	case "completed":
		b.completed.Add(1)
	case "failed":
		b.failed.Add(1)
	case "timeout":
		b.timedOut.Add(1)
	case "canceled":
		b.canceled.Add(1)
	}
	if p != nil {
		p.cancel()
		requestDuration.WithLabelValues(p.service).Observe(time.Since(p.started).Seconds())
		requestOutcomes.WithLabelValues(p.service, outcome).Inc()
	}
}

// Cancel resolves a pending request with an ExecutionFailed response.
func (b *Broker) Cancel(requestID string) error {
	b.mu.RLock()
	p, ok := b.pending[requestID]
	b.mu.RUnlock()
	if !ok {
		return plugerr.New(plugerr.CodeNotFound, "no pending request %s", requestID)
	}
	b.resolve(p.future, Response{
		RequestID: requestID,
		Err:       plugerr.New(plugerr.CodeExecutionFailed, "request %s canceled", requestID),
	}, "canceled")
	return nil
}

// pump times out overdue requests every pumpInterval.
func (b *Broker) pump() {
	defer b.wg.Done()
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.expire(time.Now())
		case <-b.stop:
			return
		}
	}
}

func (b *Broker) expire(now time.Time) {
	b.mu.RLock()
	overdue := make([]*pendingReq, 0)
	for _, p := range b.pending {
		if now.After(p.deadline) {
			overdue = append(overdue, p)
		}
	}
	b.mu.RUnlock()

	for _, p := range overdue {
		b.resolve(p.future, Response{
			RequestID: p.future.requestID,
			Err: plugerr.New(plugerr.CodeTimeoutError,
				"request %s missed its deadline", p.future.requestID),
		}, "timeout")
	}
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	pending := len(b.pending)
	endpoints := len(b.endpoints)
	b.mu.RUnlock()
	return Stats{
		Sent:            b.sent.Load(),
		Completed:       b.completed.Load(),
		Failed:          b.failed.Load(),
		TimedOut:        b.timedOut.Load(),
		Canceled:        b.canceled.Load(),
		LateCompletions: b.late.Load(),
		Pending:         pending,
		Endpoints:       endpoints,
	}
}
