// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/distexec/pkg/support/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_StartIfAvailable(t *testing.T) {
	pool := NewWithParallelism(2)
	release := xsync.NewLatch()
	var running atomic.Int32
	for range 2 {
		require.True(t, pool.StartIfAvailable(func() {
			running.Add(1)
			release.Wait()
		}))
	}
	assert.False(t, pool.StartIfAvailable(func() {}), "pool should be full")
	assert.Equal(t, 2, pool.Running())

	release.Trigger()
	require.Eventually(t, func() bool { return pool.Running() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), running.Load())
	assert.True(t, pool.StartIfAvailable(func() {}))
}

func TestPool_WaitToStart(t *testing.T) {
	pool := NewWithParallelism(1)
	first := xsync.NewLatch()
	pool.WaitToStart(func() { first.Wait() })

	secondDone := xsync.NewLatch()
	go pool.WaitToStart(func() { secondDone.Trigger() })
	time.Sleep(10 * time.Millisecond)
	assert.False(t, secondDone.Test(), "second task should wait for the first")
	first.Trigger()
	select {
	case <-secondDone.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("second task never started")
	}

	// No parallelism: runs inline.
	pool.SetMaxParallelism(0)
	assert.False(t, pool.IsEnabled())
	var count int
	pool.WaitToStart(func() { count++ })
	assert.Equal(t, 1, count)
	assert.False(t, pool.StartIfAvailable(func() {}))

	// Unlimited.
	pool.SetMaxParallelism(-1)
	assert.True(t, pool.IsUnlimited())
	done := xsync.NewLatch()
	assert.True(t, pool.StartIfAvailable(done.Trigger))
	done.Wait()
}
