// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package chaingraph

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	streamA StreamAreaID = "cpu:0/compute"
	streamB StreamAreaID = "cpu:0/copy"
)

func TestBitset(t *testing.T) {
	b := NewBitset(130)
	assert.Equal(t, 130, b.Capacity())
	for _, i := range []int{0, 5, 64, 129} {
		require.NoError(t, b.Set(i))
	}
	assert.True(t, b.Test(64))
	assert.False(t, b.Test(63))
	assert.False(t, b.Test(1000))
	assert.Equal(t, 4, b.Count())
	assert.Equal(t, []int{0, 5, 64, 129}, b.Members())
	assert.Equal(t, "{0, 5, 64, 129}", b.String())

	require.ErrorIs(t, b.Set(130), ErrBitsetCapacity)
	require.ErrorIs(t, b.Set(-1), ErrBitsetCapacity)

	other := NewBitset(130)
	require.NoError(t, other.Set(5))
	assert.True(t, other.IsSubsetOf(b))
	assert.False(t, b.IsSubsetOf(other))
	assert.True(t, b.Intersects(other))

	c := b.Clone()
	c.AndNot(other)
	assert.Equal(t, []int{0, 64, 129}, c.Members())
	assert.False(t, c.Intersects(other))
	assert.False(t, c.Equal(b))
	c.Or(other)
	assert.True(t, c.Equal(b))
	assert.False(t, NewBitset(10).Equal(NewBitset(11)))
}

// buildTaskGraph creates a graph with one node per entry of nodes (the id is the position), and the given edges.
func buildTaskGraph(t *testing.T, nodes []TaskNode, edges [][2]int64) *TaskGraph {
	t.Helper()
	g := NewTaskGraph()
	for _, n := range nodes {
		require.NoError(t, g.AddNode(n))
	}
	for _, e := range edges {
		require.NoError(t, g.AddEdge(e[0], e[1]))
	}
	return g
}

// checkChainGraph verifies the properties every chain graph must hold.
func checkChainGraph(t *testing.T, g *TaskGraph, cg *ChainGraph) {
	t.Helper()
	seen := make(map[int64]int)
	for id, c := range cg.Chains() {
		require.Equal(t, id, c.ID)
		require.NotEmpty(t, c.Nodes)
		for _, n := range c.Nodes {
			seen[n.ID]++
			assert.Equal(t, c.Rank, n.Rank, "chain %s mixes ranks", c)
			assert.Equal(t, c.StreamArea, n.StreamArea, "chain %s mixes stream areas", c)
			assert.True(t, c.AncestorsAndThis.Test(int(n.ID)))
			assert.False(t, c.Ancestors.Test(int(n.ID)), "chain %s has its member %s as ancestor", c, n)
		}
		assert.True(t, c.Ancestors.IsSubsetOf(c.AncestorsAndThis))
	}
	for _, n := range g.Nodes() {
		require.Equalf(t, 1, seen[n.ID], "task node %s should be in exactly one chain", n)
	}

	// Task edges are consistent with the chain order.
	for _, n := range g.Nodes() {
		src, found := cg.ChainOf(n.ID)
		require.True(t, found)
		for _, s := range g.Successors(n.ID) {
			dst, _ := cg.ChainOf(s)
			if src == dst {
				continue
			}
			assert.Less(t, src.ID, dst.ID, "edge %d -> %d goes backwards in the chain order", n.ID, s)
			assert.True(t, cg.HasEdge(src.ID, dst.ID))
			assert.Contains(t, cg.Successors(src.ID), dst.ID)
		}
	}

	// Chain edges: acyclic and ancestors propagate.
	for _, e := range cg.Edges() {
		require.Less(t, e.Src, e.Dst)
		a, b := cg.Chain(e.Src), cg.Chain(e.Dst)
		assert.Truef(t, a.AncestorsAndThis.IsSubsetOf(b.Ancestors),
			"edge %d -> %d: %s not a subset of %s", e.Src, e.Dst, a.AncestorsAndThis, b.Ancestors)
	}
}

func TestBuild(t *testing.T) {
	testCases := []struct {
		name   string
		nodes  []TaskNode
		edges  [][2]int64
		chains [][]int64 // Expected members of each chain, in chain order.
		edgesW []Edge
	}{
		{
			name:   "linear",
			nodes:  []TaskNode{{ID: 0, StreamArea: streamA}, {ID: 1, StreamArea: streamA}, {ID: 2, StreamArea: streamA}},
			edges:  [][2]int64{{0, 1}, {1, 2}},
			chains: [][]int64{{0, 1, 2}},
		},
		{
			name: "diamond",
			nodes: []TaskNode{{ID: 0, StreamArea: streamA}, {ID: 1, StreamArea: streamA},
				{ID: 2, StreamArea: streamA}, {ID: 3, StreamArea: streamA}},
			edges:  [][2]int64{{0, 1}, {0, 2}, {1, 3}, {2, 3}},
			chains: [][]int64{{0, 1, 2, 3}},
		},
		{
			name: "cross rank",
			nodes: []TaskNode{{ID: 0, Rank: 0, StreamArea: streamA}, {ID: 1, Rank: 1, StreamArea: streamA},
				{ID: 2, Rank: 0, StreamArea: streamA}},
			edges:  [][2]int64{{0, 1}, {1, 2}},
			chains: [][]int64{{0}, {1}, {2}},
			edgesW: []Edge{{0, 1}, {1, 2}},
		},
		{
			name: "cross stream",
			nodes: []TaskNode{{ID: 0, StreamArea: streamA}, {ID: 1, StreamArea: streamB},
				{ID: 2, StreamArea: streamA}},
			edges:  [][2]int64{{0, 1}, {1, 2}},
			chains: [][]int64{{0}, {1}, {2}},
			edgesW: []Edge{{0, 1}, {1, 2}},
		},
		{
			// Merging a2 into a1's chain and b2 into b1's chain would create a cycle.
			name: "crossed streams",
			nodes: []TaskNode{{ID: 0, StreamArea: streamA, Name: "a1"}, {ID: 1, StreamArea: streamB, Name: "b1"},
				{ID: 2, StreamArea: streamA, Name: "a2"}, {ID: 3, StreamArea: streamB, Name: "b2"}},
			edges:  [][2]int64{{0, 3}, {1, 2}},
			chains: [][]int64{{0}, {1}, {2}, {3}},
			edgesW: []Edge{{0, 3}, {1, 2}},
		},
		{
			name: "isolated node",
			nodes: []TaskNode{{ID: 0, StreamArea: streamA}, {ID: 1, StreamArea: streamA},
				{ID: 2, StreamArea: streamA}},
			edges:  [][2]int64{{1, 2}},
			chains: [][]int64{{0}, {1, 2}},
		},
		{
			name: "independent pipelines share a stream",
			nodes: []TaskNode{{ID: 0, StreamArea: streamA}, {ID: 1, StreamArea: streamA},
				{ID: 2, StreamArea: streamA}, {ID: 3, StreamArea: streamA}},
			edges:  [][2]int64{{0, 1}, {2, 3}},
			chains: [][]int64{{0, 1, 2, 3}},
		},
		{
			name: "duplicate edges",
			nodes: []TaskNode{{ID: 0, Rank: 0, StreamArea: streamA}, {ID: 1, Rank: 0, StreamArea: streamA},
				{ID: 2, Rank: 1, StreamArea: streamA}},
			edges:  [][2]int64{{0, 1}, {0, 2}, {1, 2}, {0, 2}},
			chains: [][]int64{{0, 1}, {2}},
			edgesW: []Edge{{0, 1}},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := buildTaskGraph(t, tc.nodes, tc.edges)
			cg, err := Build(g)
			require.NoError(t, err)
			checkChainGraph(t, g, cg)
			var got [][]int64
			for _, c := range cg.Chains() {
				var ids []int64
				for _, n := range c.Nodes {
					ids = append(ids, n.ID)
				}
				got = append(got, ids)
			}
			assert.Equal(t, tc.chains, got)
			if tc.edgesW == nil {
				assert.Empty(t, cg.Edges())
			} else {
				assert.Equal(t, tc.edgesW, cg.Edges())
			}
		})
	}
}

func TestChainAncestors(t *testing.T) {
	// 0(A) -> 1(B) -> 2(A) -> 3(A), and 4(B) independent of everything but 1.
	g := buildTaskGraph(t, []TaskNode{
		{ID: 0, StreamArea: streamA}, {ID: 1, StreamArea: streamB}, {ID: 2, StreamArea: streamA},
		{ID: 3, StreamArea: streamA}, {ID: 4, StreamArea: streamB},
	}, [][2]int64{{0, 1}, {1, 2}, {2, 3}, {1, 4}})
	cg, err := Build(g)
	require.NoError(t, err)
	checkChainGraph(t, g, cg)

	c0, _ := cg.ChainOf(0)
	c1, _ := cg.ChainOf(1)
	c2, _ := cg.ChainOf(2)
	c3, _ := cg.ChainOf(3)
	assert.Equal(t, c2, c3)
	c4, _ := cg.ChainOf(4)
	assert.Equal(t, c1, c4)

	assert.Empty(t, c0.Ancestors.Members())
	assert.Equal(t, []int{0}, c1.Ancestors.Members())
	assert.Equal(t, []int{0, 1, 4}, c1.AncestorsAndThis.Members())
	// Node 4 is not an ancestor of node 2, but it is a member of a predecessor chain.
	assert.Equal(t, []int{0, 1, 4}, c2.Ancestors.Members())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, c2.AncestorsAndThis.Members())
	assert.Equal(t, []int{c2.ID}, cg.Successors(c1.ID))
	assert.Equal(t, []int{c1.ID}, cg.Predecessors(c2.ID))

	_, found := cg.ChainOf(100)
	assert.False(t, found)
}

func TestBuildRandomGraphs(t *testing.T) {
	for seed := range uint64(20) {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, 17))
			numNodes := 10 + rng.IntN(60)
			g := NewTaskGraph()
			streams := []StreamAreaID{streamA, streamB}
			for i := range numNodes {
				require.NoError(t, g.AddNode(TaskNode{
					ID:         int64(i),
					Rank:       int64(rng.IntN(3)),
					StreamArea: streams[rng.IntN(len(streams))],
				}))
			}
			for src := range numNodes {
				for dst := src + 1; dst < numNodes; dst++ {
					if rng.Float64() < 0.08 {
						require.NoError(t, g.AddEdge(int64(src), int64(dst)))
					}
				}
			}
			cg, err := Build(g)
			require.NoError(t, err)
			checkChainGraph(t, g, cg)
			assert.LessOrEqual(t, cg.NumChains(), numNodes)

			// Deterministic.
			cg2, err := Build(g)
			require.NoError(t, err)
			assert.Equal(t, cg.Visualize(), cg2.Visualize())
		})
	}
}

func TestBuildErrors(t *testing.T) {
	t.Run("SelfEdge", func(t *testing.T) {
		g := buildTaskGraph(t, []TaskNode{{ID: 0}, {ID: 1}}, [][2]int64{{0, 1}, {1, 1}})
		_, err := Build(g)
		require.ErrorIs(t, err, ErrCycle)
		assert.Contains(t, err.Error(), "self-edge")
	})

	t.Run("Cycle", func(t *testing.T) {
		g := buildTaskGraph(t, []TaskNode{{ID: 0}, {ID: 1}, {ID: 2}, {ID: 3}},
			[][2]int64{{0, 1}, {1, 2}, {2, 3}, {3, 1}})
		_, err := Build(g)
		require.ErrorIs(t, err, ErrCycle)
	})

	t.Run("Capacity", func(t *testing.T) {
		g := buildTaskGraph(t, []TaskNode{{ID: 0}, {ID: 100}}, [][2]int64{{0, 100}})
		_, err := Build(g, WithCapacity(64))
		require.ErrorIs(t, err, ErrBitsetCapacity)
		_, err = Build(g, WithCapacity(128))
		require.NoError(t, err)

		g = buildTaskGraph(t, []TaskNode{{ID: -1}}, nil)
		_, err = Build(g)
		require.ErrorIs(t, err, ErrBitsetCapacity)
	})

	t.Run("TaskGraph", func(t *testing.T) {
		g := NewTaskGraph()
		require.NoError(t, g.AddNode(TaskNode{ID: 1}))
		require.Error(t, g.AddNode(TaskNode{ID: 1}))
		require.Error(t, g.AddEdge(1, 2))
		require.Error(t, g.AddEdge(2, 1))
		assert.Equal(t, 1, g.NumNodes())
		assert.Equal(t, 0, g.NumEdges())
	})
}

func TestLoadTaskGraph(t *testing.T) {
	const graphYAML = `
nodes:
  - {id: 0, rank: 0, stream: "cpu:0/compute", name: load}
  - {id: 1, rank: 0, stream: "cpu:0/compute", name: matmul}
  - {id: 2, rank: 1, stream: "cpu:0/compute", name: reduce}
  - {id: 3, rank: 1, stream: "cpu:0/compute"}
edges:
  - [0, 1]
  - [1, 2]
`
	g, err := LoadTaskGraph(strings.NewReader(graphYAML))
	require.NoError(t, err)
	assert.Equal(t, 4, g.NumNodes())
	assert.Equal(t, 2, g.NumEdges())
	n, found := g.Node(1)
	require.True(t, found)
	assert.Equal(t, "matmul", n.Name)
	assert.Equal(t, StreamAreaID("cpu:0/compute"), n.StreamArea)

	cg, err := Build(g)
	require.NoError(t, err)
	want := `chain #0 (rank 0, "cpu:0/compute"): load(0), matmul(1)
chain #1 (rank 1, "cpu:0/compute"): reduce(2) <- [0]
chain #2 (rank 1, "cpu:0/compute"): task(3)
`
	assert.Equal(t, want, cg.Visualize())
	assert.Len(t, cg.ChainsOfRank(1), 2)

	t.Run("Errors", func(t *testing.T) {
		_, err := LoadTaskGraph(strings.NewReader("nodes:\n  - {id: 0, color: red}\n"))
		require.Error(t, err)
		_, err = LoadTaskGraph(strings.NewReader("nodes:\n  - {id: 0}\nedges:\n  - [0, 1, 2]\n"))
		require.Error(t, err)
		_, err = LoadTaskGraph(strings.NewReader("nodes:\n  - {id: 0}\nedges:\n  - [0, 5]\n"))
		require.Error(t, err)
	})
}
