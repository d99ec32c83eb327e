// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package chaingraph

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/pkg/errors"
)

// DefaultCapacity is the default number of bits of the ancestor bitsets: task node ids must be smaller.
const DefaultCapacity = 8192

// ErrBitsetCapacity is returned (wrapped) when a bit index exceeds the capacity of a Bitset.
var ErrBitsetCapacity = errors.New("bitset capacity exceeded")

// Bitset is a fixed-capacity set of non-negative integers.
//
// Operations between bitsets require equal capacities.
type Bitset struct {
	words    []uint64
	capacity int
}

// NewBitset creates an empty bitset that can hold the indices [0, capacity).
func NewBitset(capacity int) *Bitset {
	if capacity < 0 {
		capacity = 0
	}
	return &Bitset{words: make([]uint64, (capacity+63)/64), capacity: capacity}
}

// Capacity of the bitset.
func (b *Bitset) Capacity() int { return b.capacity }

// Set bit i. It returns an error wrapping ErrBitsetCapacity if i is out of range.
func (b *Bitset) Set(i int) error {
	if i < 0 || i >= b.capacity {
		return errors.Wrapf(ErrBitsetCapacity, "bit %d out of range [0, %d)", i, b.capacity)
	}
	b.words[i/64] |= 1 << uint(i%64)
	return nil
}

// Test returns whether bit i is set. Out of range bits are never set.
func (b *Bitset) Test(i int) bool {
	if i < 0 || i >= b.capacity {
		return false
	}
	return b.words[i/64]&(1<<uint(i%64)) != 0
}

// Or sets b to b ∪ other.
func (b *Bitset) Or(other *Bitset) {
	for i, w := range other.words {
		b.words[i] |= w
	}
}

// AndNot sets b to b − other.
func (b *Bitset) AndNot(other *Bitset) {
	for i, w := range other.words {
		b.words[i] &^= w
	}
}

// Intersects returns whether b and other have any bit in common.
func (b *Bitset) Intersects(other *Bitset) bool {
	for i, w := range other.words {
		if b.words[i]&w != 0 {
			return true
		}
	}
	return false
}

// IsSubsetOf returns whether every bit of b is set in other.
func (b *Bitset) IsSubsetOf(other *Bitset) bool {
	for i, w := range b.words {
		if w&^other.words[i] != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of bits set.
func (b *Bitset) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Clone returns a copy of the bitset.
func (b *Bitset) Clone() *Bitset {
	return &Bitset{words: append([]uint64(nil), b.words...), capacity: b.capacity}
}

// Equal returns whether both bitsets have the same capacity and bits.
func (b *Bitset) Equal(other *Bitset) bool {
	if b.capacity != other.capacity {
		return false
	}
	for i, w := range b.words {
		if w != other.words[i] {
			return false
		}
	}
	return true
}

// Members returns the indices of the bits set, in increasing order.
func (b *Bitset) Members() []int {
	members := make([]int, 0, b.Count())
	for i, w := range b.words {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			members = append(members, i*64+tz)
			w &^= 1 << uint(tz)
		}
	}
	return members
}

// String implements fmt.Stringer, listing the members, e.g. "{1, 5, 7}".
func (b *Bitset) String() string {
	members := b.Members()
	parts := make([]string, len(members))
	for i, m := range members {
		parts[i] = fmt.Sprint(m)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
