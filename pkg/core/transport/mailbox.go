// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type mailboxKey struct {
	src   int64
	token Token
}

// mailbox matches incoming tagged frames with the Receive calls waiting for them.
// There is at most one frame per (source, token).
type mailbox struct {
	mu     sync.Mutex
	slots  map[mailboxKey]chan []byte
	closed chan struct{}
	once   sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		slots:  make(map[mailboxKey]chan []byte),
		closed: make(chan struct{}),
	}
}

// lockedSlot returns the slot for key, creating it if needed. It must be called with mu locked.
func (m *mailbox) lockedSlot(key mailboxKey) chan []byte {
	slot, found := m.slots[key]
	if !found {
		slot = make(chan []byte, 1)
		m.slots[key] = slot
	}
	return slot
}

// deliver stores the frame from src tagged with token. It takes ownership of data.
func (m *mailbox) deliver(src int64, token Token, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isClosed() {
		return errors.Wrapf(ErrClosed, "deliver frame from rank %d, token %s", src, token)
	}
	select {
	case m.lockedSlot(mailboxKey{src, token}) <- data:
		return nil
	default:
		return errors.Errorf("duplicate frame from rank %d with token %s", src, token)
	}
}

// receive waits for the frame from src tagged with token.
func (m *mailbox) receive(ctx context.Context, src int64, token Token) ([]byte, error) {
	key := mailboxKey{src, token}
	m.mu.Lock()
	slot := m.lockedSlot(key)
	m.mu.Unlock()

	select {
	case data := <-slot:
		m.mu.Lock()
		delete(m.slots, key)
		m.mu.Unlock()
		return data, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting frame from rank %d with token %s", src, token)
	case <-m.closed:
		return nil, errors.Wrapf(ErrClosed, "waiting frame from rank %d with token %s", src, token)
	}
}

func (m *mailbox) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.closed) })
}
