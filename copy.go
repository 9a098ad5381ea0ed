package splatbucket

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	splaterrors "github.com/sverber/splatbucket/errors"
)

// splatBytes is the in-memory size of one splat record.
const splatBytes = uint64(unsafe.Sizeof(Splat{}))

// splatsFromBytes views an 8-byte-aligned byte slice as splats. Regions
// from a BufferPool satisfy the alignment requirement.
func splatsFromBytes(b []byte) []Splat {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*Splat)(unsafe.Pointer(&b[0])), uint64(len(b))/splatBytes)
}

// copyJob describes one queued bucket, or a flush request.
type copyJob struct {
	grid      Grid
	numSplats uint64
	flush     bool
}

// CopyItem is a bucket in flight to the copy stage. The producer fills
// Splats with the bucket's data before pushing.
type CopyItem struct {
	it *Item[copyJob]
}

// Splats returns the item's splat buffer, sized as requested from Get.
func (ci *CopyItem) Splats() []Splat {
	return splatsFromBytes(ci.it.Bytes())
}

// CopyGroup is the staging stage between bucketing and the device workers.
// A single copy worker packs incoming buckets into a reusable staging
// buffer of maxItemSplats capacity; when the next bucket would overflow it,
// the buffer is flushed as one batch to whichever device group has the most
// free slots, blocking until some group has one. Producer-side memory is
// bounded by the pool the group was built with.
type CopyGroup struct {
	wg            *WorkerGroup[copyJob]
	devices       []*DeviceGroup
	maxItemSplats uint64

	staging  []Splat
	subItems []SubItem

	popMu   sync.Mutex
	popCond *sync.Cond
}

// NewCopyGroup creates a copy stage feeding the given device groups, with
// bucket memory drawn from pool.
func NewCopyGroup(pool *BufferPool, maxItemSplats uint64, devices ...*DeviceGroup) *CopyGroup {
	c := &CopyGroup{
		devices:       devices,
		maxItemSplats: maxItemSplats,
		staging:       make([]Splat, 0, maxItemSplats),
	}
	c.popCond = sync.NewCond(&c.popMu)
	for _, d := range devices {
		d.setPopCondition(&c.popMu, c.popCond)
	}
	c.wg = NewWorkerGroup(1, pool, c.process)
	return c
}

// Start launches the copy worker.
func (c *CopyGroup) Start(ctx context.Context) {
	c.wg.Start(ctx)
}

// Get allocates a bucket item holding numSplats splats, blocking on the
// pool budget.
func (c *CopyGroup) Get(ctx context.Context, numSplats uint64) (*CopyItem, error) {
	it, err := c.wg.Get(ctx, numSplats*splatBytes)
	if err != nil {
		return nil, err
	}
	it.Payload.numSplats = numSplats
	return &CopyItem{it: it}, nil
}

// Push queues a filled bucket for staging under the given grid.
func (c *CopyGroup) Push(ctx context.Context, ci *CopyItem, grid Grid) error {
	ci.it.Payload.grid = grid
	return c.wg.Push(ctx, ci.it)
}

// Flush queues a request to send the staging buffer downstream even if it
// is not full.
func (c *CopyGroup) Flush(ctx context.Context) error {
	it, err := c.wg.Get(ctx, 0)
	if err != nil {
		return err
	}
	it.Payload.flush = true
	return c.wg.Push(ctx, it)
}

// Stop flushes the staging remainder, waits for the copy worker to finish
// and returns its first error.
func (c *CopyGroup) Stop() error {
	flushErr := c.Flush(context.Background())
	err := c.wg.Stop()
	if err == nil {
		err = flushErr
	}
	return err
}

func (c *CopyGroup) process(ctx context.Context, it *Item[copyJob]) error {
	job := it.Payload
	if job.flush {
		return c.flushStaging(ctx)
	}
	if job.numSplats > c.maxItemSplats {
		return fmt.Errorf("bucket of %d splats, item capacity %d: %w",
			job.numSplats, c.maxItemSplats, splaterrors.ErrBucketTooLarge)
	}
	if uint64(len(c.staging))+job.numSplats > c.maxItemSplats {
		if err := c.flushStaging(ctx); err != nil {
			return err
		}
	}
	first := uint64(len(c.staging))
	c.staging = append(c.staging, splatsFromBytes(it.Bytes())[:job.numSplats]...)
	c.subItems = append(c.subItems, SubItem{Grid: job.grid, First: first, NumSplats: job.numSplats})
	return nil
}

// flushStaging hands the staged buckets to the least loaded device group
// with a free slot, waiting for one when all are busy.
func (c *CopyGroup) flushStaging(ctx context.Context) error {
	if len(c.subItems) == 0 {
		return nil
	}
	dev, err := c.pickDevice(ctx)
	if err != nil {
		return err
	}
	item, err := dev.Get(ctx)
	if err != nil {
		return err
	}
	item.Splats = append(item.Splats, c.staging...)
	item.SubItems = append(item.SubItems, c.subItems...)
	c.staging = c.staging[:0]
	c.subItems = c.subItems[:0]
	return dev.Push(ctx, item)
}

// pickDevice returns the device group with the most free slots, sleeping
// on the shared condition until some group has one.
func (c *CopyGroup) pickDevice(ctx context.Context) (*DeviceGroup, error) {
	stop := context.AfterFunc(ctx, func() {
		c.popMu.Lock()
		defer c.popMu.Unlock()
		c.popCond.Broadcast()
	})
	defer stop()

	c.popMu.Lock()
	defer c.popMu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var best *DeviceGroup
		bestFree := 0
		for _, d := range c.devices {
			if free := d.Unallocated(); free > bestFree {
				best, bestFree = d, free
			}
		}
		if best != nil {
			return best, nil
		}
		c.popCond.Wait()
	}
}
