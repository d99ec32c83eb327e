// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package chaingraph

import (
	"fmt"
	"io"
	"slices"

	"github.com/gomlx/distexec/pkg/support/sets"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// StreamAreaID identifies where a task runs within its rank: device and queue, e.g. "cuda:0/compute".
// Only tasks of the same rank and stream area can be merged into a chain.
type StreamAreaID string

// TaskNode is a fine-grained unit of work of the task graph.
type TaskNode struct {
	// ID of the node. It is also its bit index in the ancestor bitsets, so it must be smaller than
	// the bitset capacity.
	ID int64

	// Rank owning the task.
	Rank int64

	StreamArea StreamAreaID

	// Name is informative only.
	Name string
}

// String implements fmt.Stringer.
func (n *TaskNode) String() string {
	if n.Name != "" {
		return fmt.Sprintf("%s(%d)", n.Name, n.ID)
	}
	return fmt.Sprintf("task(%d)", n.ID)
}

type taskEdge struct {
	src, dst int64
}

// TaskGraph is a directed graph of TaskNodes, where an edge src -> dst means src must execute before dst.
//
// Nodes are kept in the order they were added (the "discovery order"), used to break ties deterministically.
type TaskGraph struct {
	nodes []*TaskNode
	index map[int64]int // node id -> discovery index.
	preds map[int64][]int64
	succs map[int64][]int64
	edges sets.Set[taskEdge]
}

// NewTaskGraph creates an empty task graph.
func NewTaskGraph() *TaskGraph {
	return &TaskGraph{
		index: make(map[int64]int),
		preds: make(map[int64][]int64),
		succs: make(map[int64][]int64),
		edges: sets.Make[taskEdge](),
	}
}

// AddNode adds a node. Node ids must be unique.
func (g *TaskGraph) AddNode(node TaskNode) error {
	if _, found := g.index[node.ID]; found {
		return errors.Errorf("task node %d added twice", node.ID)
	}
	g.index[node.ID] = len(g.nodes)
	g.nodes = append(g.nodes, &node)
	return nil
}

// AddEdge adds the edge src -> dst. Both nodes must already exist; duplicate edges are ignored.
//
// Self-edges are accepted here, but rejected by Build.
func (g *TaskGraph) AddEdge(src, dst int64) error {
	if _, found := g.index[src]; !found {
		return errors.Errorf("edge %d -> %d: unknown source task node", src, dst)
	}
	if _, found := g.index[dst]; !found {
		return errors.Errorf("edge %d -> %d: unknown destination task node", src, dst)
	}
	e := taskEdge{src, dst}
	if !g.edges.Insert(e) {
		return nil
	}
	g.succs[src] = append(g.succs[src], dst)
	g.preds[dst] = append(g.preds[dst], src)
	return nil
}

// NumNodes returns the number of nodes.
func (g *TaskGraph) NumNodes() int { return len(g.nodes) }

// NumEdges returns the number of (distinct) edges.
func (g *TaskGraph) NumEdges() int { return len(g.edges) }

// Nodes returns the nodes in discovery order.
func (g *TaskGraph) Nodes() []*TaskNode { return slices.Clone(g.nodes) }

// Node returns the node with the given id.
func (g *TaskGraph) Node(id int64) (*TaskNode, bool) {
	idx, found := g.index[id]
	if !found {
		return nil, false
	}
	return g.nodes[idx], true
}

// Predecessors returns the ids of the direct predecessors of the node, in the order the edges were added.
func (g *TaskGraph) Predecessors(id int64) []int64 { return slices.Clone(g.preds[id]) }

// Successors returns the ids of the direct successors of the node, in the order the edges were added.
func (g *TaskGraph) Successors(id int64) []int64 { return slices.Clone(g.succs[id]) }

// yamlTaskGraph is the YAML representation of a TaskGraph:
//
//	nodes:
//	  - {id: 0, rank: 0, stream: "cpu:0/compute", name: load}
//	  - {id: 1, rank: 0, stream: "cpu:0/compute", name: matmul}
//	edges:
//	  - [0, 1]
type yamlTaskGraph struct {
	Nodes []struct {
		ID     int64  `yaml:"id"`
		Rank   int64  `yaml:"rank"`
		Stream string `yaml:"stream"`
		Name   string `yaml:"name"`
	} `yaml:"nodes"`
	Edges [][]int64 `yaml:"edges"`
}

// LoadTaskGraph reads a TaskGraph in YAML format.
func LoadTaskGraph(r io.Reader) (*TaskGraph, error) {
	var doc yamlTaskGraph
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse task graph YAML")
	}
	g := NewTaskGraph()
	for _, n := range doc.Nodes {
		err := g.AddNode(TaskNode{ID: n.ID, Rank: n.Rank, StreamArea: StreamAreaID(n.Stream), Name: n.Name})
		if err != nil {
			return nil, err
		}
	}
	for i, e := range doc.Edges {
		if len(e) != 2 {
			return nil, errors.Errorf("task graph edge #%d must be a [src, dst] pair, got %v", i, e)
		}
		if err := g.AddEdge(e[0], e[1]); err != nil {
			return nil, err
		}
	}
	return g, nil
}
