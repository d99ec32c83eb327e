// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"sync"
)

// messageQueue is the unbounded FIFO inbound queue of a Thread.
//
// Enqueue never blocks. The consumer waits on the signal channel (buffered, size 1, so multiple
// enqueues coalesce into one wake-up) in a select, together with its context.
type messageQueue struct {
	mu       sync.Mutex
	messages []*Message
	closed   bool
	signal   chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{
		messages: make([]*Message, 0, 64),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds the message to the back of the queue. It returns false if the queue is closed.
func (q *messageQueue) Enqueue(msg *Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.messages = append(q.messages, msg)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes and returns the front message, or returns false if the queue is empty.
func (q *messageQueue) TryDequeue() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil, false
	}
	msg := q.messages[0]
	q.messages[0] = nil // Release the reference for the GC.
	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}
	return msg, true
}

// Wait returns the channel signaled when messages may be available. It is closed when the queue is closed.
func (q *messageQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued messages.
func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close the queue: further Enqueue calls fail, and waiters are woken up.
// Messages already queued can still be dequeued.
func (q *messageQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// IsClosed returns whether Close was called.
func (q *messageQueue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
