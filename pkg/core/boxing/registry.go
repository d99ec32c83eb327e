// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package boxing converts distributed tensors from one PlacedLayout to another ("boxing").
//
// A Registry holds an ordered list of named strategies, each one a Checker (does the strategy apply to
// a (src, dst) pair of layouts?) and an Executor (the local copies and collectives that realize the
// conversion). Resolution scans the strategies in registration order and picks the first one whose
// checker accepts: registration order is part of the contract.
//
// A Boxer ties a frozen Registry to the transport environment of one rank (Env), and caches resolutions.
package boxing

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/distexec/pkg/core/distributed"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoCompatibleStrategy is returned (wrapped with both layouts) when no registered strategy accepts a
// pair of layouts. Strategies are not required to cover every pair: callers must handle it.
var ErrNoCompatibleStrategy = errors.New("no compatible boxing strategy")

// Checker returns nil if the strategy can convert a tensor from src to dst, or an error explaining why not.
type Checker func(src, dst *distributed.PlacedLayout) error

// Executor converts t, laid out as src, to the dst layout. It is called on every rank involved, and it
// may communicate with the other ranks through env.
type Executor func(ctx context.Context, env *Env, t *distributed.Tensor,
	src, dst *distributed.PlacedLayout) (*distributed.Tensor, error)

// Strategy is a named (Checker, Executor) pair.
type Strategy struct {
	Name    string
	Check   Checker
	Execute Executor
}

// Registry is an ordered list of boxing strategies.
//
// Strategies are registered at startup; after Freeze the registry is read-only. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies []*Strategy
	frozen     bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a strategy. Names must be unique, and the registry must not be frozen.
func (r *Registry) Register(name string, check Checker, execute Executor) error {
	if name == "" || check == nil || execute == nil {
		return errors.Errorf("boxing strategy %q must have a name, a checker and an executor", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return errors.Errorf("cannot register boxing strategy %q: registry is frozen", name)
	}
	if slices.ContainsFunc(r.strategies, func(s *Strategy) bool { return s.Name == name }) {
		return errors.Errorf("boxing strategy %q registered twice", name)
	}
	r.strategies = append(r.strategies, &Strategy{Name: name, Check: check, Execute: execute})
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// IsFrozen returns whether Freeze was called.
func (r *Registry) IsFrozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Names returns the names of the strategies in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.Name
	}
	return names
}

// Resolve returns the first strategy, in registration order, whose checker accepts (src, dst).
//
// If none accepts, it returns an error wrapping ErrNoCompatibleStrategy. The reasons given by each
// checker are logged with klog.V(2) and included in the error message.
func (r *Registry) Resolve(src, dst *distributed.PlacedLayout) (*Strategy, error) {
	r.mu.RLock()
	strategies := r.strategies
	r.mu.RUnlock()

	reasons := make([]string, 0, len(strategies))
	for _, s := range strategies {
		err := s.Check(src, dst)
		if err == nil {
			klog.V(2).Infof("boxing %s -> %s: using strategy %q", src, dst, s.Name)
			return s, nil
		}
		reasons = append(reasons, s.Name+": "+err.Error())
	}
	if klog.V(2).Enabled() {
		klog.Infof("boxing %s -> %s: no compatible strategy:\n\t%s", src, dst, strings.Join(reasons, "\n\t"))
	}
	return nil, errors.Wrapf(ErrNoCompatibleStrategy, "from %s to %s (%s)", src, dst, strings.Join(reasons, "; "))
}
