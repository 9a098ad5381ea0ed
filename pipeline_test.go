package splatbucket

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	splaterrors "github.com/sverber/splatbucket/errors"
)

// pipelineCollector records every delivered bucket, keyed by the unique
// radius each test splat is tagged with.
type pipelineCollector struct {
	mu      sync.Mutex
	buckets int
	splats  uint64
	seen    map[float64]bool
}

func (pc *pipelineCollector) process(_ context.Context, item *DeviceItem) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for i, sub := range item.SubItems {
		pc.buckets++
		pc.splats += sub.NumSplats
		for _, s := range item.Bucket(i) {
			pc.seen[s.Radius] = true
		}
	}
	return nil
}

// tagSplats gives each splat a unique radius so deliveries can be traced
// back to individual splats.
func tagSplats(splats []Splat) {
	for i := range splats {
		splats[i].Radius = 1e-7 * float64(i+1)
	}
}

func TestPipelineDirect(t *testing.T) {
	rng := newTestRNG(t)
	const numSplats = 5000
	splats := randomSplats(rng, numSplats, 4.0, 0)
	tagSplats(splats)
	store := NewMemoryStore(splats)

	grid, err := MakeGrid(store, 0.02)
	if err != nil {
		t.Fatal(err)
	}

	pc := &pipelineCollector{seen: make(map[float64]bool)}
	var stats BucketStats
	pipe, err := NewPipeline(store, pc.process,
		WithPipelineMaxSplats(200),
		WithPipelineMaxCells(32),
		WithPipelineBucketStats(&stats),
		WithDeviceWorkers(2, 1))
	if err != nil {
		t.Fatal(err)
	}
	if err := pipe.Run(context.Background(), grid); err != nil {
		t.Fatal(err)
	}

	if len(pc.seen) != numSplats {
		t.Fatalf("%d of %d splats delivered", len(pc.seen), numSplats)
	}
	if uint64(pc.buckets) != stats.Buckets || pc.splats != stats.Splats {
		t.Fatalf("delivered %d buckets / %d splats, bucketed %d / %d",
			pc.buckets, pc.splats, stats.Buckets, stats.Splats)
	}
	if pool := pipe.Pool().Stats(); pool.Used != 0 {
		t.Fatalf("pool still holds %d bytes", pool.Used)
	}
}

func TestPipelineBlobSetMatchesDirect(t *testing.T) {
	rng := newTestRNG(t)
	const numSplats = 4000
	const spacing, internal, coarse = 0.05, int64(4), int64(32)
	splats := randomSplats(rng, numSplats, 3.0, 0)
	tagSplats(splats)
	store := NewMemoryStore(splats)

	path := filepath.Join(t.TempDir(), "splats.spbc")
	if _, err := ComputeBlobs(context.Background(), store, spacing, internal, path); err != nil {
		t.Fatal(err)
	}
	bs, err := OpenBlobSet(store, path)
	if err != nil {
		t.Fatal(err)
	}
	defer bs.Close()
	grid := bs.Cache().Grid()

	run := func(t *testing.T, run func(p *Pipeline) error) *pipelineCollector {
		t.Helper()
		pc := &pipelineCollector{seen: make(map[float64]bool)}
		pipe, err := NewPipeline(store, pc.process,
			WithPipelineMaxSplats(150), WithPipelineMaxCells(16))
		if err != nil {
			t.Fatal(err)
		}
		if err := run(pipe); err != nil {
			t.Fatal(err)
		}
		return pc
	}

	direct := run(t, func(p *Pipeline) error { return p.Run(context.Background(), grid) })
	cached := run(t, func(p *Pipeline) error {
		return p.RunBlobSet(context.Background(), bs, grid, coarse)
	})

	if len(direct.seen) != numSplats {
		t.Fatalf("direct run delivered %d of %d splats", len(direct.seen), numSplats)
	}
	if len(cached.seen) != numSplats {
		t.Fatalf("cached run delivered %d of %d splats", len(cached.seen), numSplats)
	}
}

func TestPipelineConsumerError(t *testing.T) {
	rng := newTestRNG(t)
	store := NewMemoryStore(randomSplats(rng, 3000, 4.0, 0.01))
	grid, err := MakeGrid(store, 0.02)
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("device failure")
	pipe, err := NewPipeline(store, func(_ context.Context, _ *DeviceItem) error {
		return boom
	}, WithPipelineMaxSplats(100), WithPipelineMaxCells(16))
	if err != nil {
		t.Fatal(err)
	}
	if err := pipe.Run(context.Background(), grid); !errors.Is(err, boom) {
		t.Fatalf("got %v, want the consumer error", err)
	}
}

func TestPipelineInvalidConfig(t *testing.T) {
	store := NewMemoryStore(randomSplats(newTestRNG(t), 10, 1.0, 0))
	_, err := NewPipeline(store, func(_ context.Context, _ *DeviceItem) error { return nil },
		WithPipelineMaxSplats(100), WithMaxItemSplats(50))
	if !errors.Is(err, splaterrors.ErrBucketTooLarge) {
		t.Fatalf("got %v, want ErrBucketTooLarge", err)
	}
}
