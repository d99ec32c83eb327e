// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()
	l.Trigger()
	l.Trigger()
	<-done
	assert.True(t, l.Test())
	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan should be closed after Trigger")
	}
}

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	wg.Wait() // Zero count returns immediately.

	wg.Add(2)
	assert.Equal(t, int64(2), wg.Count())
	finished := NewLatch()
	go func() {
		wg.Wait()
		finished.Trigger()
	}()
	wg.Done()
	wg.Add(1) // Added while someone is waiting.
	wg.Done()
	time.Sleep(10 * time.Millisecond)
	assert.False(t, finished.Test())
	wg.Done()
	finished.Wait()
	assert.Equal(t, int64(0), wg.Count())

	require.Panics(t, func() { wg.Done() })
}

func TestSyncMap(t *testing.T) {
	var m SyncMap[string, int]
	_, found := m.Load("a")
	assert.False(t, found)

	m.Store("a", 1)
	v, found := m.Load("a")
	require.True(t, found)
	assert.Equal(t, 1, v)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.LoadOrStore("b", i)
		}()
	}
	wg.Wait()
	actual, loaded := m.LoadOrStore("b", 100)
	assert.True(t, loaded)
	assert.NotEqual(t, 100, actual)
	assert.Equal(t, 2, m.Len())

	m.Clear()
	assert.Equal(t, 0, m.Len())
}
