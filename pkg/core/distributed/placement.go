// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/distexec/pkg/support/sets"
	"github.com/pkg/errors"
)

// DeviceType of the devices of a Placement.
type DeviceType int

const (
	// CPU devices: the host of each rank.
	CPU DeviceType = iota

	// CUDA devices: one GPU per rank.
	CUDA
)

// String implements fmt.Stringer. It returns the "device tag" used in placement descriptions.
func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	}
	return fmt.Sprintf("DeviceType(%d)", int(d))
}

// ParseDeviceType parses a device tag ("cpu" or "cuda").
func ParseDeviceType(tag string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "cpu":
		return CPU, nil
	case "cuda", "gpu":
		return CUDA, nil
	}
	return CPU, errors.Errorf("unknown device tag %q, valid values are \"cpu\" or \"cuda\"", tag)
}

// Placement is the ordered set of process ranks a distributed tensor is spread across, organized in a
// hierarchy (the "shape" of the rank set, one dimension per NdSbp directive).
//
// Each rank contributes one device of the Placement's DeviceType.
//
// A Placement is immutable once created: it is shared by reference among all tensors that use it.
type Placement struct {
	deviceType DeviceType

	// ranks in the order they appear in the placement: the "parallel index" of a rank is its position.
	ranks []int64

	// hierarchy defines the number of ranks along each placement dimension; its product is len(ranks).
	hierarchy []int

	rankToIndex map[int64]int
}

// NewPlacement creates a new Placement over the given ranks.
//
//   - ranks: process ranks, in order. They must be unique and non-negative.
//   - hierarchy: optional dimensions of the rank set. If omitted it is 1-D (len(ranks)).
//     The product of the hierarchy must equal len(ranks).
func NewPlacement(deviceType DeviceType, ranks []int64, hierarchy ...int) (*Placement, error) {
	if len(ranks) == 0 {
		return nil, errors.New("Placement ranks cannot be empty")
	}
	if len(hierarchy) == 0 {
		hierarchy = []int{len(ranks)}
	}
	numRanks := 1
	for i, dim := range hierarchy {
		if dim <= 0 {
			return nil, errors.Errorf("Placement hierarchy dimension #%d must be > 0, got %d", i, dim)
		}
		numRanks *= dim
	}
	if numRanks != len(ranks) {
		return nil, errors.Errorf("Placement hierarchy %v requires %d ranks, got %d ranks %v",
			hierarchy, numRanks, len(ranks), ranks)
	}
	rankToIndex := make(map[int64]int, len(ranks))
	for i, rank := range ranks {
		if rank < 0 {
			return nil, errors.Errorf("Placement rank at index %d must be >= 0, got %d", i, rank)
		}
		if _, found := rankToIndex[rank]; found {
			return nil, errors.Errorf("Placement rank %d is duplicated", rank)
		}
		rankToIndex[rank] = i
	}
	return &Placement{
		deviceType:  deviceType,
		ranks:       slices.Clone(ranks),
		hierarchy:   slices.Clone(hierarchy),
		rankToIndex: rankToIndex,
	}, nil
}

// ParsePlacement parses a placement description of the form "<device>:<ranks>", where <ranks> is
// a comma separated list of ranks or rank ranges. Examples: "cpu:0,1", "cuda:0-3".
// The placement is 1-D.
func ParsePlacement(desc string) (*Placement, error) {
	tag, rankList, found := strings.Cut(desc, ":")
	if !found {
		return nil, errors.Errorf("invalid placement %q: expected \"<device>:<ranks>\"", desc)
	}
	deviceType, err := ParseDeviceType(tag)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid placement %q", desc)
	}
	var ranks []int64
	for _, part := range strings.Split(rankList, ",") {
		part = strings.TrimSpace(part)
		first, last, isRange := strings.Cut(part, "-")
		from, err := strconv.ParseInt(first, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid rank %q in placement %q", part, desc)
		}
		to := from
		if isRange {
			to, err = strconv.ParseInt(last, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid rank range %q in placement %q", part, desc)
			}
		}
		if to < from {
			return nil, errors.Errorf("invalid rank range %q in placement %q", part, desc)
		}
		for rank := from; rank <= to; rank++ {
			ranks = append(ranks, rank)
		}
	}
	return NewPlacement(deviceType, ranks)
}

// DeviceType returns the type of the devices of the placement.
func (p *Placement) DeviceType() DeviceType { return p.deviceType }

// NumRanks returns the number of ranks in the placement.
func (p *Placement) NumRanks() int { return len(p.ranks) }

// NDims returns the number of dimensions of the placement hierarchy. An NdSbp used with this
// placement must have exactly this number of directives.
func (p *Placement) NDims() int { return len(p.hierarchy) }

// Ranks returns a copy of the ranks of the placement, in order.
func (p *Placement) Ranks() []int64 { return slices.Clone(p.ranks) }

// Hierarchy returns a copy of the placement hierarchy.
func (p *Placement) Hierarchy() []int { return slices.Clone(p.hierarchy) }

// RankIndex returns the position (parallel index) of the rank in the placement, and whether it was found.
func (p *Placement) RankIndex(rank int64) (int, bool) {
	idx, found := p.rankToIndex[rank]
	return idx, found
}

// HasRank returns whether the rank is part of the placement.
func (p *Placement) HasRank(rank int64) bool {
	_, found := p.rankToIndex[rank]
	return found
}

// RankSet returns the ranks of the placement as a set.
func (p *Placement) RankSet() sets.Set[int64] {
	return sets.MakeWith(p.ranks...)
}

// UnionRanks returns the sorted ranks that are part of any of the placements.
func UnionRanks(placements ...*Placement) []int64 {
	union := sets.Make[int64]()
	for _, p := range placements {
		union = union.Union(p.RankSet())
	}
	return sets.Sorted(union)
}

// Equal returns whether both placements have the same device type, ranks (in the same order) and hierarchy.
func (p *Placement) Equal(other *Placement) bool {
	if p == other {
		return true
	}
	if p == nil || other == nil {
		return false
	}
	return p.deviceType == other.deviceType && slices.Equal(p.ranks, other.ranks) &&
		slices.Equal(p.hierarchy, other.hierarchy)
}

// String implements the fmt.Stringer interface.
func (p *Placement) String() string {
	if p == nil {
		return "Placement<nil>"
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s:", p.deviceType)
	for i, rank := range p.ranks {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(strconv.FormatInt(rank, 10))
	}
	if len(p.hierarchy) > 1 {
		_, _ = fmt.Fprintf(&sb, "%v", p.hierarchy)
	}
	return sb.String()
}

// Coordinates converts a parallel index into its coordinates in the placement hierarchy (row-major).
func (p *Placement) Coordinates(parallelIndex int) []int {
	coords := make([]int, len(p.hierarchy))
	remaining := parallelIndex
	for i := len(p.hierarchy) - 1; i >= 0; i-- {
		coords[i] = remaining % p.hierarchy[i]
		remaining /= p.hierarchy[i]
	}
	return coords
}
