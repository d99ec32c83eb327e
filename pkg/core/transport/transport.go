// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transport moves bytes between the ranks of a distributed job.
//
// It offers two kinds of transfers:
//
//   - Tagged transfers (Send/Receive): the receiver asks for the frame of a given source rank and Token,
//     and blocks until it arrives. The ring collectives (RingContext) are built on them.
//   - Untagged messages (SendMessage): delivered to the receive callback of the destination rank,
//     in the order they were sent. The actor message bus is built on them.
//
// Two implementations are provided: LocalNetwork, connecting ranks within one process (used by tests
// and simulations), and GRPCTransport, connecting processes over gRPC.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout is returned (wrapped) when a wait for a collective exceeds its timeout.
	ErrTimeout = errors.New("transport timeout")

	// ErrClosed is returned (wrapped) when using a closed transport, or sending to a closed peer.
	ErrClosed = errors.New("transport closed")

	// ErrUnknownRank is returned (wrapped) when addressing a rank the transport doesn't know about.
	ErrUnknownRank = errors.New("unknown rank")
)

// ReceiveCallback is called for every untagged message received, with the sender's rank.
// It must not block: it is called from the transport's delivery path.
//
// A returned error is reported back to the sender, as the error of its SendMessage.
type ReceiveCallback func(srcRank int64, data []byte) error

// Transport is the point-to-point transfer primitive between ranks.
//
// All methods are safe for concurrent use.
type Transport interface {
	// Rank of the local process.
	Rank() int64

	// Send a frame tagged with token to dstRank. It returns once the frame was handed over to the
	// destination (not once it was received by Receive).
	Send(ctx context.Context, dstRank int64, token Token, data []byte) error

	// Receive blocks until the frame tagged with token from srcRank arrives, or ctx is done.
	Receive(ctx context.Context, srcRank int64, token Token) ([]byte, error)

	// SendMessage sends an untagged message to dstRank, delivered to its ReceiveCallback.
	// Messages from one sender to one destination are delivered in the order they are sent.
	// It fails if the destination's callback fails.
	SendMessage(ctx context.Context, dstRank int64, data []byte) error

	// SetReceiveCallback registers the callback for untagged messages. It must be set before any peer
	// sends messages to this rank.
	SetReceiveCallback(cb ReceiveCallback)

	// Close the transport: pending and future Receive calls fail with ErrClosed.
	Close() error
}
