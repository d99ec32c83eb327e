// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// RankGroup is an ordered group of ranks arranged in a logical ring: the rank at position i sends to
// the rank at position i+1 and receives from the rank at position i-1 (modulo the group size).
type RankGroup struct {
	ranks []int64
	index map[int64]int
}

// NewRankGroup creates a ring over the given ranks, in the given order.
func NewRankGroup(ranks []int64) (*RankGroup, error) {
	if len(ranks) == 0 {
		return nil, errors.New("RankGroup cannot be empty")
	}
	index := make(map[int64]int, len(ranks))
	for i, rank := range ranks {
		if _, found := index[rank]; found {
			return nil, errors.Errorf("RankGroup rank %d is duplicated", rank)
		}
		index[rank] = i
	}
	return &RankGroup{ranks: slices.Clone(ranks), index: index}, nil
}

// Size returns the number of ranks in the group.
func (g *RankGroup) Size() int { return len(g.ranks) }

// Ranks returns a copy of the ranks, in ring order.
func (g *RankGroup) Ranks() []int64 { return slices.Clone(g.ranks) }

// Index returns the position of the rank in the ring, and whether it is part of the group.
func (g *RankGroup) Index(rank int64) (int, bool) {
	idx, found := g.index[rank]
	return idx, found
}

// Contains returns whether the rank is part of the group.
func (g *RankGroup) Contains(rank int64) bool {
	_, found := g.index[rank]
	return found
}

// RankAt returns the rank at the given ring position (modulo the group size).
func (g *RankGroup) RankAt(position int) int64 {
	n := len(g.ranks)
	return g.ranks[((position%n)+n)%n]
}

// NextRank returns the successor of rank in the ring.
func (g *RankGroup) NextRank(rank int64) (int64, error) {
	idx, found := g.index[rank]
	if !found {
		return 0, errors.Wrapf(ErrUnknownRank, "rank %d is not part of ring %v", rank, g.ranks)
	}
	return g.RankAt(idx + 1), nil
}

// PrevRank returns the predecessor of rank in the ring.
func (g *RankGroup) PrevRank(rank int64) (int64, error) {
	idx, found := g.index[rank]
	if !found {
		return 0, errors.Wrapf(ErrUnknownRank, "rank %d is not part of ring %v", rank, g.ranks)
	}
	return g.RankAt(idx - 1), nil
}

// RingContext is one step of a ring collective: the local rank sends a buffer to its successor and receives
// a buffer from its predecessor, both tagged with the same token.
//
// Usage:
//
//	rc := transport.NewRingContext(ctx, tr, group, token)
//	if err := rc.SendToNext(data); err != nil { ... }
//	if err := rc.ReceiveFromPrev(); err != nil { ... }
//	received, err := rc.Wait(timeout)
//
// The send and the receive run concurrently; Wait blocks until both are done or the timeout elapses.
// A RingContext is used once.
type RingContext struct {
	tr     Transport
	group  *RankGroup
	token  Token
	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu       sync.Mutex
	received []byte
	prevRank int64
}

// NewRingContext creates the context for one ring step of the local rank of tr.
func NewRingContext(ctx context.Context, tr Transport, group *RankGroup, token Token) *RingContext {
	ctx, cancel := context.WithCancel(ctx)
	g, gCtx := errgroup.WithContext(ctx)
	return &RingContext{
		tr:       tr,
		group:    group,
		token:    token,
		ctx:      gCtx,
		cancel:   cancel,
		g:        g,
		prevRank: -1,
	}
}

// SendToNext starts sending data to the successor of the local rank.
// data must not be modified until Wait returns.
func (rc *RingContext) SendToNext(data []byte) error {
	next, err := rc.group.NextRank(rc.tr.Rank())
	if err != nil {
		return err
	}
	rc.g.Go(func() error {
		if err := rc.tr.Send(rc.ctx, next, rc.token, data); err != nil {
			return errors.WithMessagef(err, "ring send from rank %d to rank %d", rc.tr.Rank(), next)
		}
		return nil
	})
	return nil
}

// ReceiveFromPrev starts receiving the buffer sent by the predecessor of the local rank.
func (rc *RingContext) ReceiveFromPrev() error {
	prev, err := rc.group.PrevRank(rc.tr.Rank())
	if err != nil {
		return err
	}
	rc.mu.Lock()
	rc.prevRank = prev
	rc.mu.Unlock()
	rc.g.Go(func() error {
		data, err := rc.tr.Receive(rc.ctx, prev, rc.token)
		if err != nil {
			return errors.WithMessagef(err, "ring receive on rank %d from rank %d", rc.tr.Rank(), prev)
		}
		rc.mu.Lock()
		rc.received = data
		rc.mu.Unlock()
		return nil
	})
	return nil
}

// PrevRank returns the rank the buffer is received from, or -1 if ReceiveFromPrev was not called.
func (rc *RingContext) PrevRank() int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.prevRank
}

// Wait blocks until the send and the receive are done, or the timeout elapses, and returns the received
// buffer (nil if ReceiveFromPrev was not called).
//
// On timeout, the pending transfers are cancelled and an error wrapping ErrTimeout is returned.
// The operation is not retried.
func (rc *RingContext) Wait(timeout time.Duration) ([]byte, error) {
	defer rc.cancel()
	done := make(chan error, 1)
	go func() { done <- rc.g.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-timer.C:
		rc.cancel()
		klog.V(1).Infof("ring step on rank %d (group %v, token %s) timed out after %s",
			rc.tr.Rank(), rc.group.ranks, rc.token, timeout)
		return nil, errors.Wrapf(ErrTimeout, "ring step on rank %d (group %v, token %s) not done after %s",
			rc.tr.Rank(), rc.group.ranks, rc.token, timeout)
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.received, nil
}

// RingExchange sends data to the successor of the local rank and returns the buffer received from its
// predecessor. It is a convenience wrapper around RingContext.
//
// For a group of one rank, it returns a copy of data.
func RingExchange(ctx context.Context, tr Transport, group *RankGroup, token Token, data []byte,
	timeout time.Duration) ([]byte, error) {
	if !group.Contains(tr.Rank()) {
		return nil, errors.Wrapf(ErrUnknownRank, "rank %d is not part of ring %v", tr.Rank(), group.ranks)
	}
	if group.Size() == 1 {
		return bytes.Clone(data), nil
	}
	rc := NewRingContext(ctx, tr, group, token)
	if err := rc.SendToNext(data); err != nil {
		return nil, err
	}
	if err := rc.ReceiveFromPrev(); err != nil {
		return nil, err
	}
	return rc.Wait(timeout)
}
