// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LocalNetwork connects the ranks of a distributed job running within one process: each rank gets its own
// Transport endpoint, and frames are copied between them.
//
// It is used by tests and by simulations of multi-rank jobs.
type LocalNetwork struct {
	mu        sync.RWMutex
	endpoints map[int64]*LocalEndpoint
}

// NewLocalNetwork creates a network with one endpoint per rank.
func NewLocalNetwork(ranks ...int64) (*LocalNetwork, error) {
	n := &LocalNetwork{endpoints: make(map[int64]*LocalEndpoint, len(ranks))}
	for _, rank := range ranks {
		if _, found := n.endpoints[rank]; found {
			return nil, errors.Errorf("LocalNetwork: rank %d is duplicated", rank)
		}
		n.endpoints[rank] = &LocalEndpoint{network: n, rank: rank, box: newMailbox()}
	}
	return n, nil
}

// Ranks returns the ranks of the network, sorted.
func (n *LocalNetwork) Ranks() []int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ranks := make([]int64, 0, len(n.endpoints))
	for rank := range n.endpoints {
		ranks = append(ranks, rank)
	}
	slices.Sort(ranks)
	return ranks
}

// Endpoint returns the Transport of the given rank.
func (n *LocalNetwork) Endpoint(rank int64) (*LocalEndpoint, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep, found := n.endpoints[rank]
	if !found {
		return nil, errors.Wrapf(ErrUnknownRank, "LocalNetwork has no rank %d", rank)
	}
	return ep, nil
}

// Disconnect closes the endpoint of the rank: its pending receives fail, and frames sent to it fail with ErrClosed.
func (n *LocalNetwork) Disconnect(rank int64) error {
	ep, err := n.Endpoint(rank)
	if err != nil {
		return err
	}
	return ep.Close()
}

// Close closes all endpoints.
func (n *LocalNetwork) Close() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ep := range n.endpoints {
		_ = ep.Close()
	}
	return nil
}

// LocalEndpoint is the Transport of one rank in a LocalNetwork.
type LocalEndpoint struct {
	network *LocalNetwork
	rank    int64
	box     *mailbox

	muCallback sync.RWMutex
	callback   ReceiveCallback
}

var _ Transport = (*LocalEndpoint)(nil)

// Rank implements Transport.
func (ep *LocalEndpoint) Rank() int64 { return ep.rank }

// peer returns the endpoint of dstRank, checking it is still open.
func (ep *LocalEndpoint) peer(dstRank int64) (*LocalEndpoint, error) {
	if ep.box.isClosed() {
		return nil, errors.Wrapf(ErrClosed, "rank %d endpoint", ep.rank)
	}
	dst, err := ep.network.Endpoint(dstRank)
	if err != nil {
		return nil, err
	}
	if dst.box.isClosed() {
		return nil, errors.Wrapf(ErrClosed, "rank %d endpoint", dstRank)
	}
	return dst, nil
}

// Send implements Transport.
func (ep *LocalEndpoint) Send(ctx context.Context, dstRank int64, token Token, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := ep.peer(dstRank)
	if err != nil {
		return err
	}
	klog.V(3).Infof("LocalNetwork: rank %d -> rank %d, token %s, %d bytes", ep.rank, dstRank, token, len(data))
	return dst.box.deliver(ep.rank, token, bytes.Clone(data))
}

// Receive implements Transport.
func (ep *LocalEndpoint) Receive(ctx context.Context, srcRank int64, token Token) ([]byte, error) {
	return ep.box.receive(ctx, srcRank, token)
}

// SendMessage implements Transport.
func (ep *LocalEndpoint) SendMessage(ctx context.Context, dstRank int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := ep.peer(dstRank)
	if err != nil {
		return err
	}
	dst.muCallback.RLock()
	cb := dst.callback
	dst.muCallback.RUnlock()
	if cb == nil {
		return errors.Errorf("rank %d has no receive callback registered", dstRank)
	}
	if err := cb(ep.rank, bytes.Clone(data)); err != nil {
		return errors.WithMessagef(err, "rank %d failed to handle message from rank %d", dstRank, ep.rank)
	}
	return nil
}

// SetReceiveCallback implements Transport.
func (ep *LocalEndpoint) SetReceiveCallback(cb ReceiveCallback) {
	ep.muCallback.Lock()
	defer ep.muCallback.Unlock()
	ep.callback = cb
}

// Close implements Transport.
func (ep *LocalEndpoint) Close() error {
	ep.box.close()
	return nil
}
