// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrOutOfOrder is returned (wrapped) by SequenceChecker.Observe when a data message arrives out of sequence.
var ErrOutOfOrder = errors.New("data message out of order")

// SequenceChecker verifies, on the receiving side, that the data messages of each channel arrive with
// sequence numbers 0, 1, 2, ...
//
// It is safe for concurrent use.
type SequenceChecker struct {
	mu       sync.Mutex
	expected map[Channel]int64
}

// NewSequenceChecker creates a checker expecting sequence number 0 on every channel.
func NewSequenceChecker() *SequenceChecker {
	return &SequenceChecker{expected: make(map[Channel]int64)}
}

// Observe a delivered message. Control messages are ignored.
func (c *SequenceChecker) Observe(msg *Message) error {
	if msg.Kind != KindData {
		return nil
	}
	ch := msg.Channel()
	c.mu.Lock()
	defer c.mu.Unlock()
	want := c.expected[ch]
	if msg.SequenceNumber != want {
		return errors.Wrapf(ErrOutOfOrder, "%s: expected sequence number %d, got %d", ch, want, msg.SequenceNumber)
	}
	c.expected[ch] = want + 1
	return nil
}

// Next returns the sequence number expected next on the channel.
func (c *SequenceChecker) Next(ch Channel) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expected[ch]
}
