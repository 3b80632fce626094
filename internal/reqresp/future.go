// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package reqresp

import (
	"context"
	"sync"
)

// Future is a one-shot promise for an in-flight request. Exactly one
// completion wins; a handler finishing after the deadline pump has
// already timed the request out cannot overwrite the timeout response.
type Future struct {
	requestID string

	done chan struct{}
	once sync.Once
	resp Response
}

func newFuture(requestID string) *Future {
	return &Future{requestID: requestID, done: make(chan struct{})}
}

// RequestID returns the id of the request this future resolves.
func (f *Future) RequestID() string { return f.requestID }

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the response and true once the future has resolved.
func (f *Future) Result() (Response, bool) {
	select {
	case <-f.done:
		return f.resp, true
	default:
		return Response{}, false
	}
}

// Await blocks until the future resolves or ctx is done.
func (f *Future) Await(ctx context.Context) (Response, error) {
	select {
	case <-f.done:
		return f.resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// complete resolves the future. Returns false if it already resolved.
func (f *Future) complete(r Response) bool {
	won := false
	f.once.Do(func() {
		f.resp = r
		won = true
		close(f.done)
	})
	return won
}
