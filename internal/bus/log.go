// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package bus

import "sync"

// logCapacity bounds the in-memory message log.
const logCapacity = 1000

// messageLog is a fixed-capacity ring of recently published messages.
type messageLog struct {
	mu    sync.Mutex
	ring  []Message
	next  int
	count int
}

func newMessageLog(capacity int) *messageLog {
	if capacity <= 0 {
		capacity = logCapacity
	}
	return &messageLog{ring: make([]Message, capacity)}
}

func (l *messageLog) record(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.next] = msg
	l.next = (l.next + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
}

// last returns up to n messages, newest first.
func (l *messageLog) last(n int) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.count {
		n = l.count
	}
	out := make([]Message, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.ring)) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}

func (l *messageLog) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
