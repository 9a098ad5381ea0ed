package splatbucket

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	splaterrors "github.com/sverber/splatbucket/errors"
)

// Item is a unit of work flowing through a WorkerGroup: a typed payload
// plus an optional pool region holding its bulk data. The region is freed
// by the group after the item is processed.
type Item[T any] struct {
	Payload T
	region  *Region
}

// Bytes returns the item's region bytes, or nil for items allocated with
// size zero.
func (it *Item[T]) Bytes() []byte {
	if it.region == nil {
		return nil
	}
	return it.region.Bytes()
}

func (it *Item[T]) free() {
	if it.region != nil {
		it.region.Free()
		it.region = nil
	}
}

// WorkerGroup runs a fixed set of workers over a queue of items. A single
// producer obtains items with Get, fills them and hands them over with
// Push; memory held by queued items is bounded by the group's pool. With
// one worker, items are processed strictly in push order.
//
// After a worker fails, the group keeps draining and freeing queued items
// so the producer never blocks on a dead pool; the first error is returned
// from Stop.
type WorkerGroup[T any] struct {
	pool   *BufferPool
	work   func(ctx context.Context, it *Item[T]) error
	ch     chan *Item[T]
	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	failed atomic.Bool
}

// NewWorkerGroup creates a group of workers goroutines processing items
// with work. Regions for items come from pool.
func NewWorkerGroup[T any](workers int, pool *BufferPool, work func(ctx context.Context, it *Item[T]) error) *WorkerGroup[T] {
	if workers < 1 {
		workers = 1
	}
	return &WorkerGroup[T]{
		pool: pool,
		work: work,
		ch:   make(chan *Item[T], workers),
	}
}

// Start launches the workers. It must be called once, before Get or Push.
func (w *WorkerGroup[T]) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.ctx = ctx
	w.cancel = cancel
	w.g = &errgroup.Group{}
	for range cap(w.ch) {
		w.g.Go(w.run)
	}
}

func (w *WorkerGroup[T]) run() error {
	var firstErr error
	for it := range w.ch {
		if firstErr == nil && !w.failed.Load() {
			if err := w.work(w.ctx, it); err != nil {
				firstErr = err
				w.failed.Store(true)
				w.cancel()
			}
		}
		it.free()
	}
	return firstErr
}

// Get allocates an item whose region holds size bytes, blocking on the pool
// budget. The producer fills the item and must then either Push it or free
// it by pushing; items obtained from Get and never pushed leak budget.
func (w *WorkerGroup[T]) Get(ctx context.Context, size uint64) (*Item[T], error) {
	region, err := w.pool.Alloc(ctx, size)
	if err != nil {
		return nil, err
	}
	return &Item[T]{region: region}, nil
}

// Push queues an item for processing. It must not be called after Stop.
// Once a worker has failed, Push frees the item and reports
// ErrGroupStopped so the producer can abandon the run; the failure itself
// comes back from Stop.
func (w *WorkerGroup[T]) Push(ctx context.Context, it *Item[T]) error {
	if w.failed.Load() {
		it.free()
		return splaterrors.ErrGroupStopped
	}
	select {
	case w.ch <- it:
		return nil
	case <-ctx.Done():
		it.free()
		return ctx.Err()
	}
}

// Stop waits for the queue to drain and the workers to exit, returning the
// first worker error.
func (w *WorkerGroup[T]) Stop() error {
	close(w.ch)
	err := w.g.Wait()
	w.cancel()
	return err
}
