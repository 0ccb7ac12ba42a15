package media

import (
	"sync"
	"time"
)

// Pool is a fixed-capacity set of pre-allocated video frame buffers. The
// capacity is the retained-buffer budget: the maximum number of frames that
// may be outstanding simultaneously across all consumers. When every buffer
// is outstanding, Get fails fast instead of allocating, which is the
// backpressure signal that protects memory under a slow consumer.
//
// Frames vended by Get return their buffer to the pool when the last
// reference is released. Buffers released after a Reset belong to a previous
// generation and are discarded rather than recycled, so the budget holds
// per generation.
type Pool struct {
	mu          sync.Mutex
	format      VideoFormat
	capacity    int
	free        [][]byte
	allocated   int // buffers created in the current generation
	outstanding int
	generation  uint64
}

// NewPool creates a pool with the given retained-buffer budget and
// pre-allocates the first generation of buffers. Capacity must be at least
// one.
func NewPool(format VideoFormat, capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool{format: format, capacity: capacity}
	p.fill()
	return p
}

// fill pre-allocates the free list up to capacity. Caller holds mu or has
// exclusive access.
func (p *Pool) fill() {
	for p.allocated < p.capacity {
		p.free = append(p.free, make([]byte, p.format.FrameBytes()))
		p.allocated++
	}
}

// Format returns the video format the pool's buffers are sized for.
func (p *Pool) Format() VideoFormat { return p.format }

// Capacity returns the retained-buffer budget.
func (p *Pool) Capacity() int { return p.capacity }

// Outstanding returns the number of buffers currently held by consumers.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Get vends a video frame backed by a pooled buffer, or (nil, false) when
// the budget is exhausted. Never blocks, never allocates past capacity.
func (p *Pool) Get(pts time.Duration, seq uint64) (*Frame, bool) {
	p.mu.Lock()
	if len(p.free) == 0 && p.allocated < p.capacity {
		p.free = append(p.free, make([]byte, p.format.FrameBytes()))
		p.allocated++
	}
	if len(p.free) == 0 {
		p.mu.Unlock()
		return nil, false
	}
	buf := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.outstanding++
	gen := p.generation
	p.mu.Unlock()

	f := NewVideoFrame(buf, pts, seq, p.format)
	f.final = func(fr *Frame) { p.put(fr.Data, gen) }
	return f, true
}

// put returns a buffer to the free list unless the pool has been reset since
// the buffer was vended.
func (p *Pool) put(buf []byte, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation {
		return
	}
	p.outstanding--
	p.free = append(p.free, buf)
}

// Reset drops all pooled buffers and starts a new generation, which is
// re-populated lazily so that outstanding frames from the old generation
// never push the live-buffer count past the budget. Outstanding frames stay
// valid; their buffers are simply not recycled when released. Safe to call
// when idle or with buffers still in flight.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	p.outstanding = 0
	p.allocated = 0
	p.free = p.free[:0]
}
