// Package workerpool runs network fan-out (custodian
// requests, blob downloads) on a fixed set of workers.
// Callers group related tasks in a Room and collect
// their results together.
package workerpool

import (
	"errors"
	"runtime"
	"sync"
)

var (
	ErrGlobalBufferFull = errors.New("workerpool: global buffer is full")
	ErrRoomBufferFull   = errors.New("workerpool: room buffer is full")
	ErrPoolClosed       = errors.New("workerpool: pool is closed")
)

type WorkerPool struct {
	config    Config
	taskQueue chan func()
	// done is closed first so blocked senders give up
	// their read lock before taskQueue is closed.
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room collects the results of one group of tasks.
type Room[T any] struct {
	resultChan chan T
	wg         sync.WaitGroup
	wp         *WorkerPool
	closeOnce  sync.Once
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 1024
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan func(), config.GlobalBuffer),
		done:      make(chan struct{}),
	}
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	for run := range wp.taskQueue {
		run()
	}
}

// Close stops the workers once queued tasks are done.
// Tasks added afterwards are refused with ErrPoolClosed.
// Close may be called from inside a task.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		close(wp.done)
		wp.mu.Lock()
		wp.closed = true
		close(wp.taskQueue)
		wp.mu.Unlock()
	})
}

// NewRoom creates a room buffering up to size results.
func NewRoom[T any](wp *WorkerPool, size int) *Room[T] {
	if size < 1 {
		size = 1
	}
	return &Room[T]{
		resultChan: make(chan T, size),
		wp:         wp,
	}
}

// Go queues job, blocking while the global queue is
// full. It returns ErrPoolClosed if the pool is closed
// before the job is queued; the job then never runs.
func (ro *Room[T]) Go(job func() T) error {
	wp := ro.wp
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrPoolClosed
	}

	ro.wg.Add(1)
	task := func() {
		defer ro.wg.Done()
		ro.resultChan <- job()
	}
	select {
	case wp.taskQueue <- task:
		return nil
	case <-wp.done:
		ro.wg.Done()
		return ErrPoolClosed
	}
}

// TryGo queues job or fails when either buffer is full.
func (ro *Room[T]) TryGo(job func() T) error {
	if len(ro.wp.taskQueue) == cap(ro.wp.taskQueue) {
		return ErrGlobalBufferFull
	}
	if len(ro.resultChan) == cap(ro.resultChan) {
		return ErrRoomBufferFull
	}
	return ro.Go(job)
}

// Collect waits for every queued job and returns the
// results in completion order. A room is collected
// once.
func (ro *Room[T]) Collect() []T {
	go ro.waitAndClose()
	results := make([]T, 0, cap(ro.resultChan))
	for result := range ro.resultChan {
		results = append(results, result)
	}
	return results
}

func (ro *Room[T]) waitAndClose() {
	ro.wg.Wait()
	ro.closeOnce.Do(func() { close(ro.resultChan) })
}
