// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gomlx/distexec/internal/workerspool"
	"github.com/gomlx/distexec/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrThreadStopped is returned (wrapped) when enqueuing messages on a stopped Thread.
var ErrThreadStopped = errors.New("actor thread stopped")

// Actor is an independently scheduled unit of work, addressed by its id.
//
// Handle is called for every message delivered to the actor, one at a time, from the goroutine of the
// Thread running it. If it returns an error the Thread logs it, records it (see ThreadManager.Stop) and
// keeps dispatching.
type Actor interface {
	Handle(ctx context.Context, msg *Message) error
}

// ActorFunc adapts a function to the Actor interface.
type ActorFunc func(ctx context.Context, msg *Message) error

// Handle implements Actor.
func (fn ActorFunc) Handle(ctx context.Context, msg *Message) error { return fn(ctx, msg) }

// Thread owns one inbound queue and dispatches its messages, in order, to the actors it runs.
type Thread struct {
	id    int64
	queue *messageQueue

	muActors sync.RWMutex
	actors   map[int64]Actor

	handled atomic.Int64

	muErr    sync.Mutex
	firstErr error
}

func newThread(id int64) *Thread {
	return &Thread{
		id:     id,
		queue:  newMessageQueue(),
		actors: make(map[int64]Actor),
	}
}

// ID of the thread.
func (t *Thread) ID() int64 { return t.id }

// Register an actor to run on this thread.
func (t *Thread) Register(actorID int64, actor Actor) error {
	t.muActors.Lock()
	defer t.muActors.Unlock()
	if _, found := t.actors[actorID]; found {
		return errors.Errorf("actor %d already registered on thread %d", actorID, t.id)
	}
	t.actors[actorID] = actor
	return nil
}

func (t *Thread) actor(actorID int64) (Actor, bool) {
	t.muActors.RLock()
	defer t.muActors.RUnlock()
	a, found := t.actors[actorID]
	return a, found
}

// Enqueue a message for one of the actors of the thread. It never blocks.
func (t *Thread) Enqueue(msg *Message) error {
	if _, found := t.actor(msg.DstActorID); !found {
		return errors.Wrapf(ErrUnknownActor, "actor %d is not registered on thread %d", msg.DstActorID, t.id)
	}
	if !t.queue.Enqueue(msg) {
		return errors.Wrapf(ErrThreadStopped, "thread %d, dropping %s", t.id, msg)
	}
	return nil
}

// Pending returns the number of messages waiting in the queue.
func (t *Thread) Pending() int { return t.queue.Len() }

// Handled returns the number of messages dispatched so far.
func (t *Thread) Handled() int64 { return t.handled.Load() }

// Err returns the first error returned by an actor of this thread, if any.
func (t *Thread) Err() error {
	t.muErr.Lock()
	defer t.muErr.Unlock()
	return t.firstErr
}

// run is the dispatch loop. It returns when ctx is done, or when the queue is closed and drained.
func (t *Thread) run(ctx context.Context) {
	klog.V(1).Infof("actor thread %d started", t.id)
	defer klog.V(1).Infof("actor thread %d stopped after %d messages", t.id, t.handled.Load())
	for {
		for {
			msg, ok := t.queue.TryDequeue()
			if !ok {
				break
			}
			t.dispatch(ctx, msg)
		}
		select {
		case <-ctx.Done():
			return
		case _, ok := <-t.queue.Wait():
			if !ok {
				// Closed: drain what's left and exit.
				for {
					msg, found := t.queue.TryDequeue()
					if !found {
						return
					}
					t.dispatch(ctx, msg)
				}
			}
		}
	}
}

func (t *Thread) dispatch(ctx context.Context, msg *Message) {
	t.handled.Add(1)
	actor, found := t.actor(msg.DstActorID)
	if !found {
		// Enqueue checks the actor, so this is only reachable if the thread was reconfigured.
		t.recordErr(errors.Wrapf(ErrUnknownActor, "thread %d has no actor %d", t.id, msg.DstActorID))
		return
	}
	if klog.V(2).Enabled() {
		klog.Infof("thread %d: dispatching %s", t.id, msg)
	}
	if err := actor.Handle(ctx, msg); err != nil {
		t.recordErr(errors.WithMessagef(err, "actor %d handling %s", msg.DstActorID, msg))
	}
}

func (t *Thread) recordErr(err error) {
	klog.Errorf("actor thread %d: %+v", t.id, err)
	t.muErr.Lock()
	defer t.muErr.Unlock()
	if t.firstErr == nil {
		t.firstErr = err
	}
}

// ThreadManager owns the Threads of one rank and runs their dispatch loops on a workerspool.Pool.
type ThreadManager struct {
	rank int64
	pool *workerspool.Pool

	mu      sync.Mutex
	threads map[int64]*Thread
	ctx     context.Context // Set by Start.

	running *xsync.DynamicWaitGroup
	stopped *xsync.Latch
}

// NewThreadManager creates a manager for the threads of rank. If pool is nil, a default one is created.
func NewThreadManager(rank int64, pool *workerspool.Pool) *ThreadManager {
	if pool == nil {
		pool = workerspool.New()
	}
	return &ThreadManager{
		rank:    rank,
		pool:    pool,
		threads: make(map[int64]*Thread),
		running: xsync.NewDynamicWaitGroup(),
		stopped: xsync.NewLatch(),
	}
}

// NewThreadManagerFromIDs creates a manager with one Thread for each thread of rank listed in ids.
func NewThreadManagerFromIDs(ids *IDManager, rank int64, pool *workerspool.Pool) *ThreadManager {
	m := NewThreadManager(rank, pool)
	for _, threadID := range ids.ThreadsOf(rank) {
		m.threads[threadID] = newThread(threadID)
	}
	return m
}

// Rank of the threads managed.
func (m *ThreadManager) Rank() int64 { return m.rank }

// AddThread returns the thread with the given id, creating it if needed.
// Threads created after Start are started immediately.
func (m *ThreadManager) AddThread(id int64) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped.Test() {
		return nil, errors.Wrapf(ErrThreadStopped, "cannot add thread %d to stopped ThreadManager", id)
	}
	if t, found := m.threads[id]; found {
		return t, nil
	}
	t := newThread(id)
	m.threads[id] = t
	if m.ctx != nil {
		if err := m.lockedStartThread(t); err != nil {
			delete(m.threads, id)
			return nil, err
		}
	}
	return t, nil
}

// Thread returns the thread with the given id.
func (m *ThreadManager) Thread(id int64) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, found := m.threads[id]
	if !found {
		return nil, errors.Errorf("rank %d has no actor thread %d", m.rank, id)
	}
	return t, nil
}

// ThreadIDs returns the ids of the threads, sorted.
func (m *ThreadManager) ThreadIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.threads))
}

// Start the dispatch loops of all threads. They run until ctx is done or Stop is called.
//
// Each thread holds a worker of the pool for its whole life: the pool must have enough parallelism.
func (m *ThreadManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return errors.Errorf("ThreadManager of rank %d already started", m.rank)
	}
	if !m.pool.IsEnabled() {
		return errors.Errorf("ThreadManager of rank %d requires a workers pool with parallelism enabled", m.rank)
	}
	m.ctx = ctx
	for _, id := range slices.Sorted(maps.Keys(m.threads)) {
		if err := m.lockedStartThread(m.threads[id]); err != nil {
			return err
		}
	}
	return nil
}

func (m *ThreadManager) lockedStartThread(t *Thread) error {
	m.running.Add(1)
	started := m.pool.StartIfAvailable(func() {
		defer m.running.Done()
		t.run(m.ctx)
	})
	if !started {
		m.running.Done()
		return errors.Errorf("rank %d: no worker available to run actor thread %d (pool parallelism %d)",
			m.rank, t.id, m.pool.MaxParallelism())
	}
	return nil
}

// Stop closes the queues of all threads, waits for them to drain and exit, and returns the first error
// returned by an actor, if any.
func (m *ThreadManager) Stop() error {
	m.mu.Lock()
	m.stopped.Trigger()
	threads := make([]*Thread, 0, len(m.threads))
	for _, t := range m.threads {
		t.queue.Close()
		threads = append(threads, t)
	}
	m.mu.Unlock()
	m.running.Wait()

	slices.SortFunc(threads, func(a, b *Thread) int { return cmp.Compare(a.id, b.id) })
	for _, t := range threads {
		if err := t.Err(); err != nil {
			return err
		}
	}
	return nil
}
