// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package chaingraph collapses a fine-grained TaskGraph into a coarser graph of chains, which a scheduler
// runs as atomic units.
//
// A chain groups task nodes of the same rank and stream area. Nodes are merged greedily, in topological
// order, into an existing chain only if all their ancestors are already members or ancestors of that
// chain: this guarantees the resulting chain graph is acyclic. Ancestor sets are kept in fixed-capacity
// bitsets indexed by task node id (see DefaultCapacity and WithCapacity): graphs with larger ids are
// rejected.
package chaingraph

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/distexec/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrCycle is returned (wrapped) when the task graph has a cycle, including self-edges.
var ErrCycle = errors.New("task graph has a cycle")

// Chain is a group of task nodes of the same rank and stream area, scheduled as one unit.
type Chain struct {
	// ID of the chain: its position in ChainGraph.Chains.
	ID int

	Rank       int64
	StreamArea StreamAreaID

	// Nodes of the chain, in topological order.
	Nodes []*TaskNode

	// Ancestors are the task nodes that must execute before the chain starts: the ancestors of its members,
	// and every member (and ancestor) of its predecessor chains. It never includes members of the chain.
	Ancestors *Bitset

	// AncestorsAndThis = Ancestors ∪ members.
	AncestorsAndThis *Bitset
}

// String implements fmt.Stringer.
func (c *Chain) String() string {
	names := make([]string, len(c.Nodes))
	for i, n := range c.Nodes {
		names[i] = n.String()
	}
	return fmt.Sprintf("chain #%d (rank %d, %q): %s", c.ID, c.Rank, c.StreamArea, strings.Join(names, ", "))
}

// Edge between two chains, by chain ID.
type Edge struct {
	Src, Dst int
}

// ChainGraph is the result of Build: chains in topological order and the edges between them.
// It is immutable.
type ChainGraph struct {
	chains      []*Chain
	edges       []Edge
	edgeSet     sets.Set[Edge]
	succs       [][]int
	preds       [][]int
	taskToChain map[int64]int
}

// Option for Build.
type Option func(*buildConfig)

type buildConfig struct {
	capacity int
}

// WithCapacity sets the capacity of the ancestor bitsets: task node ids must be in [0, capacity).
// The default is DefaultCapacity.
func WithCapacity(capacity int) Option {
	return func(cfg *buildConfig) {
		cfg.capacity = capacity
	}
}

// chainBuilder accumulates a chain during the merge phase.
type chainBuilder struct {
	rank       int64
	streamArea StreamAreaID
	nodes      []*TaskNode
	firstIndex int // Discovery index of the first member.
	singleton  bool

	ancestors, ancestorsAndThis, members *Bitset
}

type areaKey struct {
	rank       int64
	streamArea StreamAreaID
}

// Build partitions the task graph into chains.
//
// It fails if a node id is outside the bitset capacity (ErrBitsetCapacity), or if the graph has a
// cycle or a self-edge (ErrCycle).
func Build(g *TaskGraph, opts ...Option) (*ChainGraph, error) {
	cfg := buildConfig{capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}
	for _, n := range g.nodes {
		if n.ID < 0 || n.ID >= int64(cfg.capacity) {
			return nil, errors.Wrapf(ErrBitsetCapacity, "task node %s id must be in [0, %d)", n, cfg.capacity)
		}
		if slices.Contains(g.succs[n.ID], n.ID) {
			return nil, errors.Wrapf(ErrCycle, "task node %s has a self-edge", n)
		}
	}

	order, err := topologicalOrder(g)
	if err != nil {
		return nil, err
	}

	// Ancestors of each task node, following the topological order.
	ancestors := make(map[int64]*Bitset, len(order))
	for _, n := range order {
		anc := NewBitset(cfg.capacity)
		for _, p := range g.preds[n.ID] {
			anc.Or(ancestors[p])
			if err := anc.Set(int(p)); err != nil {
				return nil, err
			}
		}
		if anc.Test(int(n.ID)) {
			return nil, errors.Wrapf(ErrCycle, "task node %s is its own ancestor", n)
		}
		ancestors[n.ID] = anc
	}

	builders := mergeTaskNodes(g, order, ancestors, cfg.capacity)
	return newChainGraph(g, builders)
}

// topologicalOrder returns the nodes in topological order, breaking ties by discovery order.
func topologicalOrder(g *TaskGraph) ([]*TaskNode, error) {
	inDegree := make([]int, len(g.nodes))
	var ready []int // Discovery indices, sorted.
	for i, n := range g.nodes {
		inDegree[i] = len(g.preds[n.ID])
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]*TaskNode, 0, len(g.nodes))
	for len(ready) > 0 {
		idx := ready[0]
		ready = ready[1:]
		n := g.nodes[idx]
		order = append(order, n)
		for _, s := range g.succs[n.ID] {
			sIdx := g.index[s]
			inDegree[sIdx]--
			if inDegree[sIdx] == 0 {
				pos, _ := slices.BinarySearch(ready, sIdx)
				ready = slices.Insert(ready, pos, sIdx)
			}
		}
	}
	if len(order) != len(g.nodes) {
		for i, n := range g.nodes {
			if inDegree[i] > 0 {
				return nil, errors.Wrapf(ErrCycle, "task node %s is on or after a cycle", n)
			}
		}
	}
	return order, nil
}

// mergeTaskNodes groups the task nodes by rank, and within each rank merges them greedily into chains.
//
// A node joins the first chain (in creation order) of its rank and stream area whose AncestorsAndThis
// covers all the node's ancestors. Nodes without any edge always get their own chain.
func mergeTaskNodes(g *TaskGraph, order []*TaskNode, ancestors map[int64]*Bitset, capacity int) []*chainBuilder {
	rankToNodes := make(map[int64][]*TaskNode)
	for _, n := range order {
		rankToNodes[n.Rank] = append(rankToNodes[n.Rank], n)
	}
	var builders []*chainBuilder
	for _, rank := range slices.Sorted(maps.Keys(rankToNodes)) {
		open := make(map[areaKey][]*chainBuilder)
		for _, n := range rankToNodes[rank] {
			key := areaKey{rank, n.StreamArea}
			isolated := len(g.preds[n.ID]) == 0 && len(g.succs[n.ID]) == 0
			var target *chainBuilder
			if !isolated {
				for _, c := range open[key] {
					if ancestors[n.ID].IsSubsetOf(c.ancestorsAndThis) {
						target = c
						break
					}
				}
			}
			if target == nil {
				target = &chainBuilder{
					rank:             rank,
					streamArea:       n.StreamArea,
					firstIndex:       g.index[n.ID],
					singleton:        isolated,
					ancestors:        NewBitset(capacity),
					ancestorsAndThis: NewBitset(capacity),
					members:          NewBitset(capacity),
				}
				builders = append(builders, target)
				if !isolated {
					open[key] = append(open[key], target)
				}
			}
			target.nodes = append(target.nodes, n)
			target.ancestors.Or(ancestors[n.ID])
			target.ancestorsAndThis.Or(ancestors[n.ID])
			// Ids were validated against the capacity.
			_ = target.ancestorsAndThis.Set(int(n.ID))
			_ = target.members.Set(int(n.ID))
		}
	}
	for _, c := range builders {
		c.ancestors.AndNot(c.members)
	}
	return builders
}

// newChainGraph builds the edges between chains, sorts chains topologically and closes the chains'
// ancestors over their predecessor chains.
func newChainGraph(g *TaskGraph, builders []*chainBuilder) (*ChainGraph, error) {
	taskToBuilder := make(map[int64]int, len(g.nodes))
	for i, c := range builders {
		for _, n := range c.nodes {
			taskToBuilder[n.ID] = i
		}
	}
	builderEdges := sets.Make[Edge]()
	builderPreds := make([][]int, len(builders))
	builderSuccs := make([][]int, len(builders))
	for _, n := range g.nodes {
		src := taskToBuilder[n.ID]
		for _, s := range g.succs[n.ID] {
			dst := taskToBuilder[s]
			e := Edge{src, dst}
			if src == dst || !builderEdges.Insert(e) {
				continue
			}
			builderSuccs[src] = append(builderSuccs[src], dst)
			builderPreds[dst] = append(builderPreds[dst], src)
		}
	}

	// Topological order of chains, ties broken by the discovery index of their first member.
	inDegree := make([]int, len(builders))
	var ready []int
	for i := range builders {
		inDegree[i] = len(builderPreds[i])
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	byFirstIndex := func(a, b int) int { return cmp.Compare(builders[a].firstIndex, builders[b].firstIndex) }
	slices.SortFunc(ready, byFirstIndex)
	builderToID := make([]int, len(builders))
	orderedBuilders := make([]int, 0, len(builders))
	for len(ready) > 0 {
		b := ready[0]
		ready = ready[1:]
		builderToID[b] = len(orderedBuilders)
		orderedBuilders = append(orderedBuilders, b)
		for _, s := range builderSuccs[b] {
			inDegree[s]--
			if inDegree[s] == 0 {
				pos, _ := slices.BinarySearchFunc(ready, s, byFirstIndex)
				ready = slices.Insert(ready, pos, s)
			}
		}
	}
	if len(orderedBuilders) != len(builders) {
		// The merge rule guarantees this can't happen.
		return nil, errors.Errorf("chaingraph: merged chains have a cycle (%d of %d chains ordered)",
			len(orderedBuilders), len(builders))
	}

	cg := &ChainGraph{
		chains:      make([]*Chain, len(builders)),
		edgeSet:     sets.Make[Edge](),
		succs:       make([][]int, len(builders)),
		preds:       make([][]int, len(builders)),
		taskToChain: make(map[int64]int, len(g.nodes)),
	}
	for id, b := range orderedBuilders {
		c := builders[b]
		chain := &Chain{
			ID:         id,
			Rank:       c.rank,
			StreamArea: c.streamArea,
			Nodes:      c.nodes,
			Ancestors:  c.ancestors,
		}
		for _, p := range builderPreds[b] {
			pID := builderToID[p]
			chain.Ancestors.Or(cg.chains[pID].AncestorsAndThis)
			cg.preds[id] = append(cg.preds[id], pID)
			cg.succs[pID] = append(cg.succs[pID], id)
			cg.edgeSet.Insert(Edge{pID, id})
		}
		chain.AncestorsAndThis = chain.Ancestors.Clone()
		chain.AncestorsAndThis.Or(c.members)
		for _, n := range c.nodes {
			cg.taskToChain[n.ID] = id
		}
		cg.chains[id] = chain
	}
	for id := range cg.chains {
		slices.Sort(cg.preds[id])
		slices.Sort(cg.succs[id])
	}
	cg.edges = sets.SortedFunc(cg.edgeSet, func(a, b Edge) int {
		if c := cmp.Compare(a.Src, b.Src); c != 0 {
			return c
		}
		return cmp.Compare(a.Dst, b.Dst)
	})
	klog.V(1).Infof("chaingraph: %d task nodes merged into %d chains, %d chain edges",
		len(g.nodes), len(cg.chains), len(cg.edges))
	return cg, nil
}

// Chains returns the chains in topological order (chain i has ID i).
func (cg *ChainGraph) Chains() []*Chain { return slices.Clone(cg.chains) }

// NumChains returns the number of chains.
func (cg *ChainGraph) NumChains() int { return len(cg.chains) }

// Chain returns the chain with the given ID.
func (cg *ChainGraph) Chain(id int) *Chain { return cg.chains[id] }

// Edges returns the edges between chains, sorted by (Src, Dst). Src always comes before Dst.
func (cg *ChainGraph) Edges() []Edge { return slices.Clone(cg.edges) }

// HasEdge returns whether there is an edge from chain src to chain dst.
func (cg *ChainGraph) HasEdge(src, dst int) bool { return cg.edgeSet.Has(Edge{src, dst}) }

// ChainOf returns the chain holding the task node.
func (cg *ChainGraph) ChainOf(taskID int64) (*Chain, bool) {
	id, found := cg.taskToChain[taskID]
	if !found {
		return nil, false
	}
	return cg.chains[id], true
}

// Successors returns the IDs of the chains with an edge from the given chain, sorted.
func (cg *ChainGraph) Successors(chainID int) []int { return slices.Clone(cg.succs[chainID]) }

// Predecessors returns the IDs of the chains with an edge to the given chain, sorted.
func (cg *ChainGraph) Predecessors(chainID int) []int { return slices.Clone(cg.preds[chainID]) }

// ChainsOfRank returns the chains of the given rank, in topological order.
func (cg *ChainGraph) ChainsOfRank(rank int64) []*Chain {
	var chains []*Chain
	for _, c := range cg.chains {
		if c.Rank == rank {
			chains = append(chains, c)
		}
	}
	return chains
}

// Visualize returns a human-readable description of the chain graph, one line per chain, with the
// chains it depends on.
func (cg *ChainGraph) Visualize() string {
	var sb strings.Builder
	for _, c := range cg.chains {
		sb.WriteString(c.String())
		if preds := cg.preds[c.ID]; len(preds) > 0 {
			_, _ = fmt.Fprintf(&sb, " <- %v", preds)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
