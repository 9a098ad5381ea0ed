package splatbucket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	splaterrors "github.com/sverber/splatbucket/errors"
)

// BufferPool hands out byte regions against a fixed total budget, blocking
// allocators until enough budget is freed. It bounds the memory held by
// in-flight pipeline items regardless of how fast the producer runs.
//
// The pool does not recycle memory. It only accounts for it; regions are
// ordinary garbage-collected allocations.
type BufferPool struct {
	mu    sync.Mutex
	cond  *sync.Cond
	total uint64
	used  uint64

	allocs    atomic.Uint64
	frees     atomic.Uint64
	waitNanos atomic.Uint64
}

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	Total  uint64
	Used   uint64
	Allocs uint64
	Frees  uint64
	Waited time.Duration // cumulative time allocators spent blocked
}

// NewBufferPool creates a pool with the given byte budget.
func NewBufferPool(total uint64) *BufferPool {
	p := &BufferPool{total: total}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Alloc blocks until size bytes of budget are available and returns a
// region holding them. Requests larger than the whole budget fail with
// ErrAllocTooLarge rather than deadlocking. Alloc returns early with the
// context's error if ctx is cancelled while blocked.
func (p *BufferPool) Alloc(ctx context.Context, size uint64) (*Region, error) {
	if size > p.total {
		return nil, fmt.Errorf("alloc %d of %d: %w", size, p.total, splaterrors.ErrAllocTooLarge)
	}

	// A cancelled context must wake the waiters, so route it through the
	// same condition variable.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.cond.Broadcast()
	})
	defer stop()

	p.mu.Lock()
	var waited time.Duration
	for p.used+size > p.total {
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			p.waitNanos.Add(uint64(waited))
			return nil, err
		}
		start := time.Now()
		p.cond.Wait()
		waited += time.Since(start)
	}
	p.used += size
	p.mu.Unlock()

	p.allocs.Add(1)
	if waited > 0 {
		p.waitNanos.Add(uint64(waited))
	}

	r := &Region{pool: p, size: size}
	if size > 0 {
		// Backing the region with uint64 words keeps it 8-byte aligned,
		// which lets callers view it as a slice of fixed-size records.
		words := make([]uint64, (size+7)/8)
		r.bytes = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}
	return r, nil
}

// Stats returns a snapshot of the pool counters.
func (p *BufferPool) Stats() PoolStats {
	p.mu.Lock()
	used := p.used
	p.mu.Unlock()
	return PoolStats{
		Total:  p.total,
		Used:   used,
		Allocs: p.allocs.Load(),
		Frees:  p.frees.Load(),
		Waited: time.Duration(p.waitNanos.Load()),
	}
}

// Region is an allocation charged against a BufferPool. It must be freed
// exactly once.
type Region struct {
	pool  *BufferPool
	bytes []byte
	size  uint64
	freed bool
}

// Bytes returns the region's backing bytes. The slice start is 8-byte
// aligned.
func (r *Region) Bytes() []byte { return r.bytes }

// Size returns the number of budget bytes the region holds.
func (r *Region) Size() uint64 { return r.size }

// Free returns the region's budget to the pool and wakes blocked
// allocators. Freeing twice panics: the budget accounting would be silently
// corrupted otherwise.
func (r *Region) Free() {
	if r.freed {
		panic("splatbucket: buffer pool region freed twice")
	}
	r.freed = true
	r.bytes = nil

	p := r.pool
	p.mu.Lock()
	p.used -= r.size
	p.mu.Unlock()
	p.frees.Add(1)
	p.cond.Broadcast()
}
