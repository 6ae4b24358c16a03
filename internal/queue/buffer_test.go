package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_BoundsConcurrency(t *testing.T) {
	const capacity = 3
	const tasks = 12

	buf := NewBuffer(capacity, time.Minute)

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(tasks)

	for range tasks {
		err := buf.Add(func() {
			defer wg.Done()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
		})
		require.NoError(t, err)
	}

	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(capacity))
	assert.Equal(t, int32(capacity), peak.Load(), "buffer should fill every slot")
	require.Eventually(t, func() bool { return buf.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBuffer_FIFOAdmission(t *testing.T) {
	buf := NewBuffer(1, time.Minute)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := range 5 {
		wg.Add(1)
		require.NoError(t, buf.Add(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}

	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestBuffer_SizeCountsQueuedOnly(t *testing.T) {
	buf := NewBuffer(1, time.Minute)
	block := make(chan struct{})
	defer close(block)

	require.NoError(t, buf.Add(func() { <-block }))
	require.NoError(t, buf.Add(func() {}))
	require.NoError(t, buf.Add(func() {}))

	assert.Equal(t, 2, buf.Size())
	assert.Equal(t, 1, buf.Running())
}

func TestBuffer_TimeoutFreesSlotWithoutDoubleRelease(t *testing.T) {
	buf := NewBuffer(1, 50*time.Millisecond)

	hung := make(chan struct{})
	hungDone := make(chan struct{})
	require.NoError(t, buf.Add(func() {
		<-hung
		close(hungDone)
	}))

	ran := make(chan struct{})
	require.NoError(t, buf.Add(func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("queued task was not admitted after the first timed out")
	}

	// let the abandoned task finish late; it must not free a second slot
	close(hung)
	<-hungDone

	require.Eventually(t, func() bool { return buf.Running() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, buf.Running())

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, buf.Add(func() { <-block }))
	require.NoError(t, buf.Add(func() {}))
	assert.Equal(t, 1, buf.Running())
	assert.Equal(t, 1, buf.Size())
}

func TestBuffer_PanicReleasesSlot(t *testing.T) {
	buf := NewBuffer(1, time.Minute)

	require.NoError(t, buf.Add(func() { panic("boom") }))

	ran := make(chan struct{})
	require.NoError(t, buf.Add(func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task after panic never ran")
	}
}

func TestBuffer_Rejections(t *testing.T) {
	buf := NewBuffer(0, 0)
	assert.Equal(t, DefaultCapacity, buf.Capacity())

	assert.ErrorIs(t, buf.Add(nil), ErrNilTask)

	buf.Close()
	assert.ErrorIs(t, buf.Add(func() {}), ErrBufferClosed)
}

func TestPool_PicksLeastLoaded(t *testing.T) {
	pool := NewPool(2, 1, time.Minute)
	block := make(chan struct{})
	defer close(block)

	wait := func() { <-block }

	// A runs on buffer 0, B queues on buffer 0 (tie goes to the lowest index),
	// C sees buffer 1 empty and D queues on buffer 1.
	for range 4 {
		require.NoError(t, pool.Add(wait))
	}

	assert.Equal(t, 2, pool.Len())
	assert.Equal(t, 2, pool.Capacity())
	assert.Equal(t, 2, pool.Running())
	assert.Equal(t, 2, pool.Size())
	assert.Equal(t, 1, pool.buffers[0].Size())
	assert.Equal(t, 1, pool.buffers[1].Size())
}
