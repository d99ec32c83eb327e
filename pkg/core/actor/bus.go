// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gomlx/distexec/pkg/core/transport"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrWrongRank is returned (wrapped) when delivering locally a message whose destination actor is owned
// by another rank. It is a configuration error.
var ErrWrongRank = errors.New("actor owned by another rank")

// Bus delivers messages to actors, locally or across ranks.
//
// It is safe for concurrent use by many sending actors.
type Bus struct {
	rank    int64
	ids     *IDManager
	threads *ThreadManager
	tr      transport.Transport

	// muSeq protects nextSeq. It's held only to read and increment a counter, never during I/O.
	muSeq   sync.Mutex
	nextSeq map[Channel]int64

	numLocal, numRemote, numReceived, numDropped atomic.Int64

	muErr    sync.Mutex
	firstErr error
}

// Stats of the messages handled by a Bus.
type Stats struct {
	// Local messages enqueued directly, without serialization.
	Local int64

	// Remote messages serialized and sent to other ranks.
	Remote int64

	// Received messages from other ranks.
	Received int64

	// Dropped received messages that could not be decoded or delivered.
	Dropped int64
}

// NewBus creates the message bus of the rank of tr, and registers itself as the transport's receive
// callback.
//
// ids must be frozen: the actor mapping is complete before any message is sent.
func NewBus(ids *IDManager, threads *ThreadManager, tr transport.Transport) (*Bus, error) {
	if !ids.IsFrozen() {
		return nil, errors.New("NewBus requires a frozen IDManager")
	}
	if threads.Rank() != tr.Rank() {
		return nil, errors.Errorf("ThreadManager of rank %d used with transport of rank %d", threads.Rank(), tr.Rank())
	}
	b := &Bus{
		rank:    tr.Rank(),
		ids:     ids,
		threads: threads,
		tr:      tr,
		nextSeq: make(map[Channel]int64),
	}
	tr.SetReceiveCallback(b.HandleReceived)
	return b, nil
}

// Rank of the bus.
func (b *Bus) Rank() int64 { return b.rank }

// nextSequenceNumber reads and increments the counter of the channel.
func (b *Bus) nextSequenceNumber(ch Channel) int64 {
	b.muSeq.Lock()
	defer b.muSeq.Unlock()
	seq := b.nextSeq[ch]
	b.nextSeq[ch] = seq + 1
	return seq
}

// Send delivers the message to its destination actor.
//
// Data messages are stamped with the next sequence number of their channel. If the destination is
// owned by the local rank the message is enqueued directly (SendLocal); otherwise it is serialized and
// sent to the owning rank.
//
// The message is copied: the caller may reuse msg, but not msg.Payload.
func (b *Bus) Send(ctx context.Context, msg *Message) error {
	dstRank, err := b.ids.RankOf(msg.DstActorID)
	if err != nil {
		return errors.WithMessagef(err, "rank %d sending %s", b.rank, msg)
	}
	m := *msg
	if m.Kind == KindData {
		m.SequenceNumber = b.nextSequenceNumber(m.Channel())
	} else {
		m.SequenceNumber = 0
	}
	if dstRank == b.rank {
		b.numLocal.Add(1)
		return b.SendLocal(&m)
	}
	if err := b.tr.SendMessage(ctx, dstRank, Marshal(&m)); err != nil {
		return errors.WithMessagef(err, "rank %d sending %s to rank %d", b.rank, &m, dstRank)
	}
	b.numRemote.Add(1)
	return nil
}

// SendLocal enqueues the message on the thread of its destination actor, which must be owned by the
// local rank.
func (b *Bus) SendLocal(msg *Message) error {
	loc, err := b.ids.Location(msg.DstActorID)
	if err != nil {
		return err
	}
	if loc.Rank != b.rank {
		return errors.Wrapf(ErrWrongRank, "actor %d is owned by rank %d, not by local rank %d",
			msg.DstActorID, loc.Rank, b.rank)
	}
	thread, err := b.threads.Thread(loc.ThreadID)
	if err != nil {
		return errors.Wrapf(ErrUnknownActor, "actor %d: %v", msg.DstActorID, err)
	}
	return thread.Enqueue(msg)
}

// HandleReceived is the transport receive callback: it decodes the message and delivers it locally.
//
// Failures are configuration errors: they are logged, counted as dropped, returned to the transport
// (which reports them to the sending rank) and kept for Err.
func (b *Bus) HandleReceived(srcRank int64, data []byte) error {
	b.numReceived.Add(1)
	msg, err := Unmarshal(data)
	if err == nil {
		err = b.SendLocal(msg)
	}
	if err != nil {
		b.numDropped.Add(1)
		err = errors.WithMessagef(err, "rank %d delivering message received from rank %d", b.rank, srcRank)
		klog.Errorf("%+v", err)
		b.muErr.Lock()
		if b.firstErr == nil {
			b.firstErr = err
		}
		b.muErr.Unlock()
		return err
	}
	return nil
}

// Err returns the first error delivering a received message, if any. Owners of the bus must check it
// when the job ends, since a failed delivery is fatal to the job.
func (b *Bus) Err() error {
	b.muErr.Lock()
	defer b.muErr.Unlock()
	return b.firstErr
}

// Stats returns the current message counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Local:    b.numLocal.Load(),
		Remote:   b.numRemote.Load(),
		Received: b.numReceived.Load(),
		Dropped:  b.numDropped.Load(),
	}
}

// Close detaches the bus from the transport and logs its statistics. It doesn't close the transport.
func (b *Bus) Close() {
	b.tr.SetReceiveCallback(nil)
	stats := b.Stats()
	klog.V(1).Infof("rank %d message bus: %d local, %d remote, %d received (%d dropped)",
		b.rank, stats.Local, stats.Remote, stats.Received, stats.Dropped)
}
