// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package boxing

import (
	"context"
	"time"

	"github.com/gomlx/distexec/pkg/core/distributed"
	"github.com/gomlx/distexec/pkg/core/transport"
	"github.com/gomlx/distexec/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultTimeout for each collective step of a boxing execution.
const DefaultTimeout = 30 * time.Second

// Env holds what executors need to communicate with the other ranks.
type Env struct {
	// Transport of the local rank.
	Transport transport.Transport

	// Timeout of each collective step. If 0, DefaultTimeout is used.
	Timeout time.Duration

	// Tokens issues the tags of the collectives. Every rank must issue the same sequence of
	// collectives, so their sequencers stay aligned.
	Tokens *transport.TokenSequencer
}

// skipTokens draws n data tokens, for ranks not taking part in a collective.
func (env *Env) skipTokens(n int) {
	for range n {
		env.Tokens.Next(transport.TokenKindData)
	}
}

// LayoutCache memoizes layout computations of a Boxer: all-broadcast NdSbp values by number of
// dimensions, and resolved strategies by (src, dst) layouts.
//
// It is safe for concurrent use. Entries are only dropped by Clear.
type LayoutCache struct {
	allBroadcast xsync.SyncMap[int, distributed.NdSbp]
	resolved     xsync.SyncMap[layoutPair, *Strategy]
}

type layoutPair struct {
	src, dst string
}

// AllBroadcast returns the memoized distributed.AllBroadcastNdSbp(numDims). It must not be modified.
func (c *LayoutCache) AllBroadcast(numDims int) distributed.NdSbp {
	if nd, found := c.allBroadcast.Load(numDims); found {
		return nd
	}
	nd, _ := c.allBroadcast.LoadOrStore(numDims, distributed.AllBroadcastNdSbp(numDims))
	return nd
}

// Len returns the number of resolved layout pairs cached.
func (c *LayoutCache) Len() int { return c.resolved.Len() }

// Clear drops every entry.
func (c *LayoutCache) Clear() {
	c.allBroadcast.Clear()
	c.resolved.Clear()
}

// Boxer converts distributed tensors of one rank between layouts, using the strategies of a Registry.
//
// Every rank involved in a conversion must call ResolveAndExecute with the same arguments, in the same
// order relative to its other collectives.
type Boxer struct {
	registry *Registry
	env      *Env
	cache    *LayoutCache
}

// NewBoxer creates a Boxer for the rank of env.Transport. It freezes the registry.
func NewBoxer(registry *Registry, env *Env) (*Boxer, error) {
	if registry == nil || env == nil || env.Transport == nil {
		return nil, errors.New("NewBoxer requires a registry and an environment with a transport")
	}
	registry.Freeze()
	envCopy := *env
	if envCopy.Timeout <= 0 {
		envCopy.Timeout = DefaultTimeout
	}
	if envCopy.Tokens == nil {
		envCopy.Tokens = transport.NewTokenSequencer()
	}
	return &Boxer{registry: registry, env: &envCopy, cache: &LayoutCache{}}, nil
}

// Env returns the environment used by the executors.
func (b *Boxer) Env() *Env { return b.env }

// Registry returns the (frozen) registry of strategies.
func (b *Boxer) Registry() *Registry { return b.registry }

// Cache returns the layout cache of the Boxer.
func (b *Boxer) Cache() *LayoutCache { return b.cache }

// Resolve returns the strategy converting src to dst, memoized in the Boxer's cache.
// Failed resolutions are not cached.
func (b *Boxer) Resolve(src, dst *distributed.PlacedLayout) (*Strategy, error) {
	key := layoutPair{src.String(), dst.String()}
	if s, found := b.cache.resolved.Load(key); found {
		return s, nil
	}
	s, err := b.registry.Resolve(src, dst)
	if err != nil {
		return nil, err
	}
	b.cache.resolved.Store(key, s)
	return s, nil
}

// ResolveAndExecute converts t to the dst layout, and returns the resulting tensor for this rank.
//
// It returns an error wrapping ErrNoCompatibleStrategy if no strategy applies. The result is checked
// to have exactly the dst layout.
func (b *Boxer) ResolveAndExecute(ctx context.Context, t *distributed.Tensor,
	dst *distributed.PlacedLayout) (*distributed.Tensor, error) {
	if t.Rank() != b.env.Transport.Rank() {
		return nil, errors.Errorf("boxing: tensor is viewed from rank %d, but the transport is for rank %d",
			t.Rank(), b.env.Transport.Rank())
	}
	src := t.Layout()
	strategy, err := b.Resolve(src, dst)
	if err != nil {
		return nil, err
	}
	out, err := strategy.Execute(ctx, b.env, t, src, dst)
	if err != nil {
		return nil, errors.WithMessagef(err, "boxing strategy %q from %s to %s", strategy.Name, src, dst)
	}
	if !out.Layout().Equal(dst) {
		return nil, errors.Errorf("boxing strategy %q returned layout %s, expected %s",
			strategy.Name, out.Layout(), dst)
	}
	if !out.LogicalShape().Equal(t.LogicalShape()) {
		return nil, errors.Errorf("boxing strategy %q changed the logical shape from %s to %s",
			strategy.Name, t.LogicalShape(), out.LogicalShape())
	}
	klog.V(2).Infof("rank %d: boxed %s from %s to %s with %q", t.Rank(), t.LogicalShape(), src, dst, strategy.Name)
	return out, nil
}

// Close releases the cached layouts.
func (b *Boxer) Close() {
	klog.V(1).Infof("closing boxer of rank %d (%d cached layout pairs)", b.env.Transport.Rank(), b.cache.Len())
	b.cache.Clear()
}
