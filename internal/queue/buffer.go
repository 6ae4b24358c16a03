package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openmined/tinifyd/internal/metrics"
)

var (
	ErrBufferClosed = errors.New("buffer closed")
	ErrNilTask      = errors.New("nil task")
)

const (
	DefaultCapacity    = 10
	DefaultTaskTimeout = 10 * time.Second
)

// Task is a unit of deferred work. Returning signals completion; success and
// failure look the same to the buffer.
type Task func()

type entry struct {
	task Task
	once sync.Once
}

// Buffer runs at most capacity tasks at a time, admitting waiters in FIFO
// order. A task that runs longer than timeout loses its slot but is not
// interrupted; its eventual return is ignored.
type Buffer struct {
	capacity int
	timeout  time.Duration

	mu      sync.Mutex
	waiting []*entry
	running int
	closed  bool
}

// NewBuffer creates a buffer. A non-positive capacity falls back to
// DefaultCapacity; a non-positive timeout disables eviction.
func NewBuffer(capacity int, timeout time.Duration) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		timeout:  timeout,
	}
}

// Add enqueues task and starts it right away if a slot is free.
func (b *Buffer) Add(task Task) error {
	if task == nil {
		return ErrNilTask
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBufferClosed
	}
	b.waiting = append(b.waiting, &entry{task: task})
	b.mu.Unlock()

	b.next()
	return nil
}

// Size returns the number of tasks queued but not yet started.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiting)
}

// Running returns the number of occupied slots.
func (b *Buffer) Running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Buffer) Capacity() int {
	return b.capacity
}

// Close rejects further tasks. Queued tasks still drain.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *Buffer) next() {
	b.mu.Lock()
	var admitted []*entry
	for b.running < b.capacity && len(b.waiting) > 0 {
		e := b.waiting[0]
		b.waiting[0] = nil
		b.waiting = b.waiting[1:]
		b.running++
		admitted = append(admitted, e)
	}
	b.mu.Unlock()

	for _, e := range admitted {
		go b.run(e)
	}
}

func (b *Buffer) run(e *entry) {
	var timer *time.Timer
	if b.timeout > 0 {
		timer = time.AfterFunc(b.timeout, func() {
			if b.release(e) {
				metrics.BufferEvictions.Inc()
				slog.Warn("buffer task timed out, slot released", "timeout", b.timeout)
			}
		})
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("buffer task panic", "error", fmt.Sprint(r))
		}
		if timer != nil {
			timer.Stop()
		}
		b.release(e)
	}()

	e.task()
}

// release frees e's slot exactly once and reports whether this call did it.
func (b *Buffer) release(e *entry) bool {
	released := false
	e.once.Do(func() {
		released = true
		b.mu.Lock()
		b.running--
		b.mu.Unlock()
		b.next()
	})
	return released
}
