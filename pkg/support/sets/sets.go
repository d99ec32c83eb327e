// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets implements a generic Set over a map, used to deduplicate edges and ranks.
//
// Iteration over a map is random, so the Sorted* functions return the members in a deterministic order.
package sets

import (
	"cmp"
	"maps"
	"slices"
)

// Set of keys of type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set, with an optional size hint.
func Make[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// MakeWith creates a Set with the given elements.
func MakeWith[T comparable](elements ...T) Set[T] {
	s := Make[T](len(elements))
	for _, element := range elements {
		s[element] = struct{}{}
	}
	return s
}

// Has returns whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert adds key to the set, and returns false if it was already there.
func (s Set[T]) Insert(key T) bool {
	if _, found := s[key]; found {
		return false
	}
	s[key] = struct{}{}
	return true
}

// Union returns a new set with the elements of s and of all the others.
func (s Set[T]) Union(others ...Set[T]) Set[T] {
	union := maps.Clone(s)
	if union == nil {
		union = Make[T]()
	}
	for _, other := range others {
		maps.Copy(union, other)
	}
	return union
}

// Sorted returns the members of s in increasing order.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	return slices.Sorted(maps.Keys(s))
}

// SortedFunc returns the members of s ordered by compare.
func SortedFunc[T comparable](s Set[T], compare func(a, b T) int) []T {
	return slices.SortedFunc(maps.Keys(s), compare)
}
