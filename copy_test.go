package splatbucket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"

	splaterrors "github.com/sverber/splatbucket/errors"
)

// pushBucket stages a bucket of n splats with x-positions base..base+n-1.
func pushBucket(t *testing.T, c *CopyGroup, n int, base float64) {
	t.Helper()
	ctx := context.Background()
	item, err := c.Get(ctx, uint64(n))
	if err != nil {
		t.Fatal(err)
	}
	buf := item.Splats()
	for i := range buf {
		buf[i] = Splat{Position: r3.Vector{X: base + float64(i)}, Radius: 1}
	}
	grid := NewGrid(r3.Vector{X: base}, 1, [3][2]int64{{0, 1}, {0, 1}, {0, 1}})
	if err := c.Push(ctx, item, grid); err != nil {
		t.Fatal(err)
	}
}

func TestCopyGroupBatches(t *testing.T) {
	type batch struct {
		buckets []uint64
		splats  int
	}
	var mu sync.Mutex
	var batches []batch

	dev := NewDeviceGroup(1, 1, 10, func(_ context.Context, item *DeviceItem) error {
		b := batch{splats: len(item.Splats)}
		for i, sub := range item.SubItems {
			b.buckets = append(b.buckets, sub.NumSplats)
			// Each staged splat must carry the data its producer wrote.
			for j, s := range item.Bucket(i) {
				if s.Position.X != sub.Grid.Reference.X+float64(j) {
					return errors.New("staged splat data corrupted")
				}
			}
		}
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
		return nil
	})

	pool := NewBufferPool(1 << 20)
	c := NewCopyGroup(pool, 10, dev)
	ctx := context.Background()
	dev.Start(ctx)
	c.Start(ctx)

	// 4+4 fit one batch; the third bucket overflows and forces a flush.
	pushBucket(t, c, 4, 100)
	pushBucket(t, c, 4, 200)
	pushBucket(t, c, 4, 300)

	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := dev.Stop(); err != nil {
		t.Fatal(err)
	}

	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if len(batches[0].buckets) != 2 || batches[0].splats != 8 {
		t.Fatalf("first batch %+v, want two buckets of 8 splats", batches[0])
	}
	if len(batches[1].buckets) != 1 || batches[1].splats != 4 {
		t.Fatalf("second batch %+v, want one bucket of 4 splats", batches[1])
	}
}

func TestCopyGroupExplicitFlush(t *testing.T) {
	var mu sync.Mutex
	var batches int
	dev := NewDeviceGroup(1, 1, 100, func(_ context.Context, _ *DeviceItem) error {
		mu.Lock()
		batches++
		mu.Unlock()
		return nil
	})
	pool := NewBufferPool(1 << 20)
	c := NewCopyGroup(pool, 100, dev)
	ctx := context.Background()
	dev.Start(ctx)
	c.Start(ctx)

	pushBucket(t, c, 5, 0)
	if err := c.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	pushBucket(t, c, 5, 50)

	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := dev.Stop(); err != nil {
		t.Fatal(err)
	}
	if batches != 2 {
		t.Fatalf("got %d batches, want 2 (explicit flush plus final)", batches)
	}
}

func TestCopyGroupBucketTooLarge(t *testing.T) {
	dev := NewDeviceGroup(1, 1, 4, func(_ context.Context, _ *DeviceItem) error { return nil })
	pool := NewBufferPool(1 << 20)
	c := NewCopyGroup(pool, 4, dev)
	ctx := context.Background()
	dev.Start(ctx)
	c.Start(ctx)

	pushBucket(t, c, 5, 0)

	err := c.Stop()
	if !errors.Is(err, splaterrors.ErrBucketTooLarge) {
		t.Fatalf("got %v, want ErrBucketTooLarge", err)
	}
	if err := dev.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestCopyGroupPicksLeastLoaded(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	counts := make([]int, 2)

	mkDev := func(i int) *DeviceGroup {
		return NewDeviceGroup(1, 0, 10, func(_ context.Context, _ *DeviceItem) error {
			mu.Lock()
			counts[i]++
			mu.Unlock()
			<-gate
			return nil
		})
	}
	dev0, dev1 := mkDev(0), mkDev(1)

	pool := NewBufferPool(1 << 20)
	c := NewCopyGroup(pool, 10, dev0, dev1)
	ctx := context.Background()
	dev0.Start(ctx)
	dev1.Start(ctx)
	c.Start(ctx)

	// Two forced flushes: the first takes dev0's only slot, so the second
	// must route to dev1.
	pushBucket(t, c, 8, 0)
	pushBucket(t, c, 8, 100)
	pushBucket(t, c, 8, 200)

	deadline := time.After(5 * time.Second)
	for {
		if dev0.Unallocated() == 0 && dev1.Unallocated() == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("batches never reached both device groups")
		case <-time.After(time.Millisecond):
		}
	}
	close(gate)

	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := dev0.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := dev1.Stop(); err != nil {
		t.Fatal(err)
	}

	if counts[0] == 0 || counts[1] == 0 {
		t.Fatalf("batch counts %v, want both groups used", counts)
	}
}

func TestDeviceGroupSlots(t *testing.T) {
	dev := NewDeviceGroup(2, 1, 8, func(_ context.Context, _ *DeviceItem) error { return nil })
	if got := dev.Unallocated(); got != 3 {
		t.Fatalf("unallocated %d, want 3", got)
	}
	if !dev.CanGet() {
		t.Fatal("fresh group must have free slots")
	}
	dev.Start(context.Background())

	ctx := context.Background()
	it, err := dev.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := dev.Unallocated(); got != 2 {
		t.Fatalf("unallocated %d after Get, want 2", got)
	}
	if cap(it.Splats) != 8 {
		t.Fatalf("slot capacity %d, want 8", cap(it.Splats))
	}
	dev.FreeItem(it)
	if got := dev.Unallocated(); got != 3 {
		t.Fatalf("unallocated %d after FreeItem, want 3", got)
	}
	if err := dev.Stop(); err != nil {
		t.Fatal(err)
	}
}
