// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"slices"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrUnknownActor is returned (wrapped) when addressing an actor that was never registered.
// It is a configuration error: the actor mapping is complete before any message is sent.
var ErrUnknownActor = errors.New("unknown actor")

// Location of an actor: the rank owning it and the Thread (within the rank) running it.
type Location struct {
	Rank     int64
	ThreadID int64
}

// IDManager maps actor ids to their Location.
//
// It is built once at startup (Register), then frozen (Freeze) and shared read-only by every Bus and
// ThreadManager of the process. Register must not be called concurrently.
type IDManager struct {
	frozen    atomic.Bool
	locations map[int64]Location
}

// NewIDManager creates an empty IDManager.
func NewIDManager() *IDManager {
	return &IDManager{locations: make(map[int64]Location)}
}

// Register the location of an actor. It fails for duplicate actors, or after Freeze.
func (m *IDManager) Register(actorID, rank, threadID int64) error {
	if m.frozen.Load() {
		return errors.Errorf("IDManager is frozen, cannot register actor %d", actorID)
	}
	if rank < 0 {
		return errors.Errorf("actor %d registered with invalid rank %d", actorID, rank)
	}
	if loc, found := m.locations[actorID]; found {
		return errors.Errorf("actor %d already registered on rank %d, thread %d", actorID, loc.Rank, loc.ThreadID)
	}
	m.locations[actorID] = Location{Rank: rank, ThreadID: threadID}
	return nil
}

// Freeze the manager: no more actors can be registered.
func (m *IDManager) Freeze() { m.frozen.Store(true) }

// IsFrozen returns whether Freeze was called.
func (m *IDManager) IsFrozen() bool { return m.frozen.Load() }

// Location returns where the actor lives.
func (m *IDManager) Location(actorID int64) (Location, error) {
	loc, found := m.locations[actorID]
	if !found {
		return Location{}, errors.Wrapf(ErrUnknownActor, "actor %d", actorID)
	}
	return loc, nil
}

// RankOf returns the rank owning the actor.
func (m *IDManager) RankOf(actorID int64) (int64, error) {
	loc, err := m.Location(actorID)
	return loc.Rank, err
}

// ThreadOf returns the id of the thread running the actor.
func (m *IDManager) ThreadOf(actorID int64) (int64, error) {
	loc, err := m.Location(actorID)
	return loc.ThreadID, err
}

// ActorsOf returns the ids of the actors owned by the rank, sorted.
func (m *IDManager) ActorsOf(rank int64) []int64 {
	var ids []int64
	for id, loc := range m.locations {
		if loc.Rank == rank {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// ThreadsOf returns the ids of the threads of the rank, sorted.
func (m *IDManager) ThreadsOf(rank int64) []int64 {
	var ids []int64
	for _, loc := range m.locations {
		if loc.Rank == rank && !slices.Contains(ids, loc.ThreadID) {
			ids = append(ids, loc.ThreadID)
		}
	}
	slices.Sort(ids)
	return ids
}
