package workerpool

import (
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomCollectsAll(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 3})
	defer wp.Close()

	room := NewRoom[int](wp, 10)
	for i := 0; i < 25; i++ {
		require.NoError(t, room.Go(func() int { return i }))
	}
	got := room.Collect()
	require.Len(t, got, 25)
	sort.Ints(got)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestRoomsAreIndependent(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 2})
	defer wp.Close()

	a := NewRoom[string](wp, 2)
	b := NewRoom[string](wp, 2)
	require.NoError(t, a.Go(func() string { return "a" }))
	require.NoError(t, b.Go(func() string { return "b" }))
	require.NoError(t, a.Go(func() string { return "a" }))

	assert.Equal(t, []string{"a", "a"}, a.Collect())
	assert.Equal(t, []string{"b"}, b.Collect())
}

func TestWorkerCountBoundsConcurrency(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 2})
	defer wp.Close()

	var running, peak atomic.Int32
	room := NewRoom[struct{}](wp, 8)
	for i := 0; i < 8; i++ {
		err := room.Go(func() struct{} {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return struct{}{}
		})
		require.NoError(t, err)
	}
	room.Collect()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestTryGoRoomFull(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 1})
	defer wp.Close()

	room := NewRoom[int](wp, 1)
	require.NoError(t, room.TryGo(func() int { return 1 }))
	// Wait until the first result sits in the buffer.
	require.Eventually(t, func() bool { return len(room.resultChan) == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, room.TryGo(func() int { return 2 }), ErrRoomBufferFull)
	assert.Equal(t, []int{1}, room.Collect())
}

func TestGoAfterCloseIsRefused(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 1})
	room := NewRoom[int](wp, 2)
	require.NoError(t, room.Go(func() int { return 1 }))
	wp.Close()
	wp.Close()

	assert.ErrorIs(t, room.Go(func() int { return 2 }), ErrPoolClosed)
	assert.ErrorIs(t, room.TryGo(func() int { return 3 }), ErrPoolClosed)
	assert.Equal(t, []int{1}, room.Collect(), "jobs queued before Close still run")
}

func TestCloseFromInsideJob(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 2})
	room := NewRoom[error](wp, 4)
	require.NoError(t, room.Go(func() error {
		wp.Close()
		return room.Go(func() error { return nil })
	}))

	var got []error
	require.NotPanics(t, func() { got = room.Collect() })
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], ErrPoolClosed)
}

func TestCloseReleasesBlockedSender(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 1, GlobalBuffer: 1})
	release := make(chan struct{})
	room := NewRoom[int](wp, 8)
	require.NoError(t, room.Go(func() int { <-release; return 0 }))
	require.NoError(t, room.Go(func() int { return 1 }))

	// The worker is busy and the queue is full, so this
	// send blocks until Close.
	blocked := make(chan error, 1)
	go func() { blocked <- room.Go(func() int { return 2 }) }()

	time.Sleep(10 * time.Millisecond)
	closed := make(chan struct{})
	go func() { wp.Close(); close(closed) }()

	select {
	case err := <-blocked:
		// Either the queue freed up first or Close refused
		// the job; both are fine, it must not hang.
		if err != nil {
			assert.ErrorIs(t, err, ErrPoolClosed)
		}
	case <-time.After(time.Second):
		t.Fatal("sender still blocked after Close")
	}
	close(release)
	<-closed
	room.Collect()
}
