package splatbucket

import (
	"context"
	"fmt"

	splaterrors "github.com/sverber/splatbucket/errors"
)

// Discard releases an item obtained from CopyGroup.Get without pushing it.
func (ci *CopyItem) Discard() {
	ci.it.free()
}

type pipelineConfig struct {
	bucketOpts    []BucketOption
	maxSplats     uint64
	maxItemSplats uint64
	poolBytes     uint64
	deviceWorkers int
	deviceSpare   int
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*pipelineConfig)

// WithPipelineMaxSplats sets the splat budget per bucket.
func WithPipelineMaxSplats(n uint64) PipelineOption {
	return func(c *pipelineConfig) {
		c.maxSplats = n
		c.bucketOpts = append(c.bucketOpts, WithMaxSplats(n))
	}
}

// WithPipelineMaxCells sets the spatial budget per bucket, in cells.
func WithPipelineMaxCells(n int64) PipelineOption {
	return func(c *pipelineConfig) {
		c.bucketOpts = append(c.bucketOpts, WithMaxCells(n))
	}
}

// WithPipelineBucketStats directs bucketing counters into stats.
func WithPipelineBucketStats(stats *BucketStats) PipelineOption {
	return func(c *pipelineConfig) {
		c.bucketOpts = append(c.bucketOpts, WithBucketStats(stats))
	}
}

// WithMaxItemSplats sets the capacity of one device batch. It must be at
// least the bucket splat budget, or no bucket would ever fit a batch.
func WithMaxItemSplats(n uint64) PipelineOption {
	return func(c *pipelineConfig) { c.maxItemSplats = n }
}

// WithPoolBytes sets the byte budget for buckets queued between the
// bucketing and copy stages.
func WithPoolBytes(n uint64) PipelineOption {
	return func(c *pipelineConfig) { c.poolBytes = n }
}

// WithDeviceWorkers sets the number of device workers and spare batch
// slots.
func WithDeviceWorkers(workers, spare int) PipelineOption {
	return func(c *pipelineConfig) {
		c.deviceWorkers = workers
		c.deviceSpare = spare
	}
}

// Pipeline chains the stages of a full pass over a dataset: the bucketing
// recursion produces budget-bounded buckets, a copy stage packs them into
// batches, and device workers consume the batches. Memory is bounded end
// to end: queued buckets by the pool budget, batches by the fixed device
// slots.
type Pipeline struct {
	store  Store
	pool   *BufferPool
	copy   *CopyGroup
	device *DeviceGroup
	cfg    pipelineConfig
}

// NewPipeline builds a pipeline over store whose device workers run
// process. Defaults: the bucketing defaults, batches of twice the bucket
// splat budget, one device worker with one spare slot, and a pool budget
// of four batches' worth of bytes.
func NewPipeline(store Store, process DeviceProcessor, opts ...PipelineOption) (*Pipeline, error) {
	cfg := pipelineConfig{
		maxSplats:     defaultBucketConfig().maxSplats,
		deviceWorkers: 1,
		deviceSpare:   1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxItemSplats == 0 {
		cfg.maxItemSplats = 2 * cfg.maxSplats
	}
	if cfg.poolBytes == 0 {
		cfg.poolBytes = 4 * cfg.maxItemSplats * splatBytes
	}
	if cfg.maxItemSplats < cfg.maxSplats {
		return nil, fmt.Errorf("item capacity %d below bucket budget %d: %w",
			cfg.maxItemSplats, cfg.maxSplats, splaterrors.ErrBucketTooLarge)
	}
	if cfg.poolBytes < cfg.maxSplats*splatBytes {
		return nil, fmt.Errorf("pool budget %d below one bucket of %d splats: %w",
			cfg.poolBytes, cfg.maxSplats, splaterrors.ErrInvalidConfig)
	}

	p := &Pipeline{store: store, cfg: cfg}
	p.pool = NewBufferPool(cfg.poolBytes)
	p.device = NewDeviceGroup(cfg.deviceWorkers, cfg.deviceSpare, cfg.maxItemSplats, process)
	p.copy = NewCopyGroup(p.pool, cfg.maxItemSplats, p.device)
	return p, nil
}

// Pool returns the pipeline's buffer pool, for stats inspection.
func (p *Pipeline) Pool() *BufferPool { return p.pool }

// Run buckets the whole store over grid and streams every bucket through
// the copy and device stages. It returns the first error from any stage.
func (p *Pipeline) Run(ctx context.Context, grid Grid) error {
	return p.run(ctx, func(process Processor) error {
		return Bucket(p.store, grid, process, p.cfg.bucketOpts...)
	})
}

// RunBlobSet is Run driven by a blob cache: the grid is first partitioned
// into coarse buckets coarseSize cells across using the cached records,
// then each coarse bucket is refined by the bucketing recursion without
// re-reading splats that fall outside it. The grid must satisfy the
// cache's fast-path alignment (see BlobSet.Blobs).
func (p *Pipeline) RunBlobSet(ctx context.Context, bs *BlobSet, grid Grid, coarseSize int64) error {
	return p.run(ctx, func(process Processor) error {
		return bs.Partition(grid, coarseSize, func(store Store, numSplats uint64, ranges []SplatRange, sub Grid) error {
			return BucketRanges(store, ranges, numSplats, sub, process, p.cfg.bucketOpts...)
		})
	})
}

func (p *Pipeline) run(ctx context.Context, produce func(Processor) error) error {
	p.device.Start(ctx)
	p.copy.Start(ctx)

	process := func(store Store, numSplats uint64, ranges []SplatRange, grid Grid) error {
		item, err := p.copy.Get(ctx, numSplats)
		if err != nil {
			return err
		}
		buf := item.Splats()
		i := 0
		err = forEachSplat(store, ranges, func(_ uint32, _ uint64, s *Splat) error {
			buf[i] = *s
			i++
			return nil
		})
		if err != nil {
			item.Discard()
			return err
		}
		// numSplats is conservative; the ranges can cover slightly fewer
		// splats, so the item carries the filled count.
		item.it.Payload.numSplats = uint64(i)
		return p.copy.Push(ctx, item, grid)
	}

	err := produce(process)
	copyErr := p.copy.Stop()
	devErr := p.device.Stop()

	// Stage errors surface in pipeline order; a producer error caused by
	// downstream cancellation is superseded by the downstream error.
	if devErr != nil {
		return devErr
	}
	if copyErr != nil {
		return copyErr
	}
	return err
}
