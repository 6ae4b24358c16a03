package queue

import (
	"time"
)

// Pool spreads tasks over several buffers, always picking the one with the
// fewest queued tasks.
type Pool struct {
	buffers []*Buffer
}

// NewPool creates n buffers of the given capacity and timeout.
func NewPool(n, capacity int, timeout time.Duration) *Pool {
	if n <= 0 {
		n = 1
	}
	buffers := make([]*Buffer, n)
	for i := range buffers {
		buffers[i] = NewBuffer(capacity, timeout)
	}
	return &Pool{buffers: buffers}
}

// Add submits task to the least loaded buffer. Ties go to the lowest index.
func (p *Pool) Add(task Task) error {
	return p.pick().Add(task)
}

func (p *Pool) pick() *Buffer {
	best := p.buffers[0]
	bestSize := best.Size()
	for _, b := range p.buffers[1:] {
		if size := b.Size(); size < bestSize {
			best, bestSize = b, size
		}
	}
	return best
}

// Size returns the number of queued tasks across all buffers.
func (p *Pool) Size() int {
	total := 0
	for _, b := range p.buffers {
		total += b.Size()
	}
	return total
}

// Running returns the number of occupied slots across all buffers.
func (p *Pool) Running() int {
	total := 0
	for _, b := range p.buffers {
		total += b.Running()
	}
	return total
}

func (p *Pool) Capacity() int {
	total := 0
	for _, b := range p.buffers {
		total += b.Capacity()
	}
	return total
}

func (p *Pool) Len() int {
	return len(p.buffers)
}

func (p *Pool) Close() {
	for _, b := range p.buffers {
		b.Close()
	}
}
