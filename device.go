package splatbucket

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// SubItem is one bucket's worth of splats within a batched DeviceItem.
type SubItem struct {
	Grid      Grid
	First     uint64 // offset into the item's Splats
	NumSplats uint64
}

// DeviceItem is a batch of buckets staged for one device worker. Splats
// holds the concatenated splat data; SubItems delimit the buckets within
// it.
type DeviceItem struct {
	Splats   []Splat
	SubItems []SubItem
}

// Bucket returns the splats of the i'th sub-item.
func (it *DeviceItem) Bucket(i int) []Splat {
	s := it.SubItems[i]
	return it.Splats[s.First : s.First+s.NumSplats]
}

// DeviceProcessor consumes one batched item.
type DeviceProcessor func(ctx context.Context, item *DeviceItem) error

// DeviceGroup runs the compute stage: workers consuming batched items from
// a fixed set of reusable slots. The slot buffers stand in for pinned
// device memory, so they are allocated once at construction and recycled,
// never grown. Copy stages ask CanGet/Unallocated to find the least busy
// group before committing a batch to it.
type DeviceGroup struct {
	process DeviceProcessor
	workers int
	free    chan *DeviceItem
	queue   chan *DeviceItem
	g       *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	failed  atomic.Bool

	unallocatedMu sync.Mutex
	unallocated   int

	// Shared with the copy stage via setPopCondition; signalled whenever a
	// slot is returned.
	popMu   *sync.Mutex
	popCond *sync.Cond
}

// NewDeviceGroup creates a group with workers goroutines and workers+spare
// item slots, each able to hold maxItemSplats splats. Spare slots let the
// copy stage fill the next batch while every worker is busy.
func NewDeviceGroup(workers, spare int, maxItemSplats uint64, process DeviceProcessor) *DeviceGroup {
	if workers < 1 {
		workers = 1
	}
	items := workers + spare
	d := &DeviceGroup{
		process:     process,
		workers:     workers,
		free:        make(chan *DeviceItem, items),
		queue:       make(chan *DeviceItem, items),
		unallocated: items,
	}
	for range items {
		d.free <- &DeviceItem{Splats: make([]Splat, 0, maxItemSplats)}
	}
	return d
}

// setPopCondition registers the condition variable the copy stage sleeps
// on while every slot is in flight.
func (d *DeviceGroup) setPopCondition(mu *sync.Mutex, cond *sync.Cond) {
	d.popMu = mu
	d.popCond = cond
}

// Start launches the workers.
func (d *DeviceGroup) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.ctx = ctx
	d.cancel = cancel
	d.g = &errgroup.Group{}
	for range d.workers {
		d.g.Go(d.run)
	}
}

func (d *DeviceGroup) run() error {
	var firstErr error
	for it := range d.queue {
		if firstErr == nil && !d.failed.Load() {
			if err := d.process(d.ctx, it); err != nil {
				firstErr = err
				d.failed.Store(true)
				d.cancel()
			}
		}
		d.FreeItem(it)
	}
	return firstErr
}

// Unallocated returns the number of free slots.
func (d *DeviceGroup) Unallocated() int {
	d.unallocatedMu.Lock()
	defer d.unallocatedMu.Unlock()
	return d.unallocated
}

// CanGet reports whether Get would return without blocking.
func (d *DeviceGroup) CanGet() bool {
	return d.Unallocated() > 0
}

// Get returns a free item slot, blocking until one is returned by a
// worker.
func (d *DeviceGroup) Get(ctx context.Context) (*DeviceItem, error) {
	select {
	case it := <-d.free:
		d.unallocatedMu.Lock()
		d.unallocated--
		d.unallocatedMu.Unlock()
		return it, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Push queues a filled item for processing.
func (d *DeviceGroup) Push(ctx context.Context, it *DeviceItem) error {
	select {
	case d.queue <- it:
		return nil
	case <-ctx.Done():
		d.FreeItem(it)
		return ctx.Err()
	}
}

// FreeItem resets an item and returns its slot, waking the copy stage.
func (d *DeviceGroup) FreeItem(it *DeviceItem) {
	it.Splats = it.Splats[:0]
	it.SubItems = it.SubItems[:0]
	d.free <- it

	d.unallocatedMu.Lock()
	d.unallocated++
	d.unallocatedMu.Unlock()

	if d.popCond != nil {
		d.popMu.Lock()
		d.popCond.Broadcast()
		d.popMu.Unlock()
	}
}

// Stop waits for the queue to drain and the workers to exit, returning the
// first processing error.
func (d *DeviceGroup) Stop() error {
	close(d.queue)
	err := d.g.Wait()
	d.cancel()
	return err
}
