package splatbucket

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	splaterrors "github.com/sverber/splatbucket/errors"
)

// computeChunkSplats is the number of flat splat ids handed to one encoding
// worker at a time.
const computeChunkSplats = uint64(1) << 16

// ComputeStats reports what a ComputeBlobs pass encoded.
type ComputeStats struct {
	Splats    uint64 // finite splats encoded into the cache
	NonFinite uint64 // splats dropped for non-finite position or radius
	Blobs     uint64 // records written
}

type computeConfig struct {
	workers int
}

// ComputeOption configures ComputeBlobs.
type ComputeOption func(*computeConfig)

// WithComputeWorkers sets the number of parallel encoding workers.
// Defaults to GOMAXPROCS.
func WithComputeWorkers(n int) ComputeOption {
	return func(cfg *computeConfig) {
		cfg.workers = n
	}
}

// datasetSignature fingerprints the shape of a store: the scan count and
// each scan's size. A cache computed against one store is rejected when
// opened against a store with a different signature.
func datasetSignature(store Store) uint64 {
	h := xxh3.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(store.NumScans()))
	_, _ = h.Write(buf[:])
	for scan := range store.NumScans() {
		binary.LittleEndian.PutUint64(buf[:], store.NumSplats(scan))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// splatCells returns the inclusive cell range covered by a splat's bounding
// box for an origin-based grid with the given spacing.
func splatCells(s *Splat, spacing float64) (lo, hi [3]int64) {
	pos := [3]float64{s.Position.X, s.Position.Y, s.Position.Z}
	for i := range 3 {
		lo[i] = int64(math.Floor((pos[i] - s.Radius) / spacing))
		hi[i] = int64(math.Ceil((pos[i] + s.Radius) / spacing))
	}
	return lo, hi
}

// MakeBoundingGrid streams the store and returns a grid referenced at the
// world origin whose cells cover every finite splat, with the lower extents
// rounded down to a multiple of bucketSize. Grids built this way satisfy
// the alignment requirements of BlobSet.Blobs. Non-finite splats are
// skipped; it fails with ErrNoSplats when none remain.
func MakeBoundingGrid(store Store, spacing float64, bucketSize int64) (Grid, error) {
	if !isFinite(spacing) || spacing <= 0 || bucketSize < 1 {
		return Grid{}, fmt.Errorf("bounding grid spacing %v bucket size %d: %w",
			spacing, bucketSize, splaterrors.ErrInvalidConfig)
	}
	root, _, err := makeRoot(store)
	if err != nil {
		return Grid{}, err
	}

	var seen bool
	var lo, hi [3]int64
	err = forEachSplat(store, root, func(_ uint32, _ uint64, s *Splat) error {
		if !s.IsFinite() {
			return nil
		}
		sLo, sHi := splatCells(s, spacing)
		if !seen {
			lo, hi = sLo, sHi
			seen = true
			return nil
		}
		for i := range 3 {
			lo[i] = min(lo[i], sLo[i])
			hi[i] = max(hi[i], sHi[i])
		}
		return nil
	})
	if err != nil {
		return Grid{}, err
	}
	if !seen {
		return Grid{}, splaterrors.ErrNoSplats
	}

	var extents [3][2]int64
	for i := range 3 {
		extents[i][0] = floorDiv(lo[i], bucketSize) * bucketSize
		extents[i][1] = max(hi[i], extents[i][0]+1)
	}
	return NewGrid(r3.Vector{}, spacing, extents), nil
}

// chunkResult is one worker's encoding of a chunk of the flat id space.
// Records at chunk boundaries are never differential, so chunks can be
// encoded independently and concatenated in order.
type chunkResult struct {
	idx       int
	words     []uint32
	blobs     uint64
	splats    uint64
	nonFinite uint64
	boxLo     [3]int64 // bucket-space bounding box of the chunk's splats
	boxHi     [3]int64
}

// ComputeBlobs streams every splat in the store once, bins each one into
// buckets internalBucketSize cells across on an origin-based grid with the
// given spacing, and writes the resulting blob records to a cache file at
// path. The id space is split into chunks encoded by parallel workers and
// written in order. On error the partial file is removed.
func ComputeBlobs(ctx context.Context, store Store, spacing float64, internalBucketSize int64, path string, opts ...ComputeOption) (ComputeStats, error) {
	if !isFinite(spacing) || spacing <= 0 || internalBucketSize < 1 {
		return ComputeStats{}, fmt.Errorf("blob cache spacing %v bucket size %d: %w",
			spacing, internalBucketSize, splaterrors.ErrInvalidConfig)
	}
	cfg := computeConfig{workers: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers < 1 {
		cfg.workers = 1
	}

	offsets := scanOffsets(store)
	total := offsets[len(offsets)-1]
	if total == 0 {
		return ComputeStats{}, splaterrors.ErrNoSplats
	}
	numChunks := int((total + computeChunkSplats - 1) / computeChunkSplats)

	cw, err := newCacheWriter(path)
	if err != nil {
		return ComputeStats{}, err
	}
	defer cw.abort()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan int)
	results := make(chan chunkResult, cfg.workers)

	go func() {
		defer close(jobs)
		for i := range numChunks {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return
			}
		}
	}()

	for range cfg.workers {
		g.Go(func() error {
			for idx := range jobs {
				res, err := encodeChunk(store, offsets, spacing, internalBucketSize, idx, total)
				if err != nil {
					return err
				}
				select {
				case results <- res:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	// Fold results back into chunk order and stream them to the writer.
	var stats ComputeStats
	var boxLo, boxHi [3]int64
	var writeErr error
	pending := make(map[int]chunkResult)
	next := 0
	for res := range results {
		if writeErr != nil {
			continue // drain so the workers can exit
		}
		pending[res.idx] = res
		for {
			r, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if err := cw.writeWords(r.words, r.blobs); err != nil {
				writeErr = err
				cancel()
				break
			}
			stats.NonFinite += r.nonFinite
			if r.splats == 0 {
				continue
			}
			if stats.Splats == 0 {
				boxLo, boxHi = r.boxLo, r.boxHi
			} else {
				for i := range 3 {
					boxLo[i] = min(boxLo[i], r.boxLo[i])
					boxHi[i] = max(boxHi[i], r.boxHi[i])
				}
			}
			stats.Splats += r.splats
		}
	}
	if err := g.Wait(); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		return ComputeStats{}, writeErr
	}
	if stats.Splats == 0 {
		return ComputeStats{}, splaterrors.ErrNoSplats
	}

	var extents [3][2]int64
	for i := range 3 {
		extents[i][0] = boxLo[i] * internalBucketSize
		extents[i][1] = (boxHi[i] + 1) * internalBucketSize
	}
	hdr := cacheHeader{
		InternalBucketSize: uint64(internalBucketSize),
		Spacing:            spacing,
		NumSplats:          stats.Splats,
		Signature:          datasetSignature(store),
		Grid:               NewGrid(r3.Vector{}, spacing, extents),
	}
	if err := cw.finish(&hdr); err != nil {
		return ComputeStats{}, err
	}
	stats.Blobs = hdr.NumBlobs
	return stats, nil
}

// encodeChunk encodes the blobs of flat ids [idx*chunk, (idx+1)*chunk).
// Runs of consecutive finite splats sharing a bucket box become one record;
// a non-finite splat leaves a hole in the id space, which closes the run.
func encodeChunk(store Store, offsets []uint64, spacing float64, internalBucketSize int64, idx int, total uint64) (chunkResult, error) {
	first := uint64(idx) * computeChunkSplats
	last := min(first+computeChunkSplats, total)
	res := chunkResult{idx: idx}

	var prev, cur BlobInfo
	haveCur := false
	emit := func() {
		var prevPtr *BlobInfo
		if res.blobs > 0 {
			prevPtr = &prev
		}
		res.words = appendBlobWords(res.words, prevPtr, &cur)
		prev = cur
		res.blobs++
	}

	err := forEachSplat(store, flatRanges(offsets, first, last), func(scan uint32, id uint64, s *Splat) error {
		if !s.IsFinite() {
			res.nonFinite++
			return nil
		}
		flat := offsets[scan] + id
		lower, upper := splatToBuckets(s, spacing, internalBucketSize)
		if haveCur && flat == cur.LastSplat && lower == cur.Lower && upper == cur.Upper {
			cur.LastSplat++
		} else {
			if haveCur {
				emit()
			}
			cur = BlobInfo{FirstSplat: flat, LastSplat: flat + 1, Lower: lower, Upper: upper}
			haveCur = true
		}
		if res.splats == 0 {
			res.boxLo, res.boxHi = lower, upper
		} else {
			for i := range 3 {
				res.boxLo[i] = min(res.boxLo[i], lower[i])
				res.boxHi[i] = max(res.boxHi[i], upper[i])
			}
		}
		res.splats++
		return nil
	})
	if err != nil {
		return chunkResult{}, err
	}
	if haveCur {
		emit()
	}
	return res, nil
}

// flatRanges converts the flat id interval [first, last) into per-scan
// ranges using the cumulative offsets from scanOffsets.
func flatRanges(offsets []uint64, first, last uint64) []SplatRange {
	var out []SplatRange
	scan := sort.Search(len(offsets)-1, func(i int) bool { return offsets[i+1] > first })
	for pos := first; pos < last; scan++ {
		end := min(offsets[scan+1], last)
		for pos < end {
			size := min(end-pos, MaxRangeSize)
			out = append(out, SplatRange{Scan: uint32(scan), Start: pos - offsets[scan], Size: uint32(size)})
			pos += size
		}
	}
	return out
}

// BlobSet pairs a store with its blob cache, replaying memoized bucket
// assignments instead of re-reading splat positions.
type BlobSet struct {
	store   Store
	cache   *BlobCache
	offsets []uint64
}

// OpenBlobSet opens the cache at path and binds it to the store it was
// computed from. It fails with ErrStaleCache when the store's shape no
// longer matches the cache's recorded signature.
func OpenBlobSet(store Store, path string) (*BlobSet, error) {
	cache, err := OpenBlobCache(path)
	if err != nil {
		return nil, err
	}
	if cache.Signature() != datasetSignature(store) {
		_ = cache.Close()
		return nil, fmt.Errorf("blob cache %s: %w", path, splaterrors.ErrStaleCache)
	}
	return &BlobSet{store: store, cache: cache, offsets: scanOffsets(store)}, nil
}

// Store returns the store the set is bound to.
func (bs *BlobSet) Store() Store { return bs.store }

// Cache returns the underlying cache.
func (bs *BlobSet) Cache() *BlobCache { return bs.cache }

// Close releases the cache mapping.
func (bs *BlobSet) Close() error { return bs.cache.Close() }

// Blobs replays the cached records with bucket coordinates rescaled for the
// given grid and bucket size. The replay avoids touching splat data, but
// only works when the cached binning can be coarsened exactly; any
// incompatibility fails with ErrFastPathMiss and the caller falls back to
// Bucket over the store.
func (bs *BlobSet) Blobs(grid Grid, bucketSize int64) (*BlobStream, error) {
	ibs := int64(bs.cache.InternalBucketSize())
	if bucketSize < 1 || bucketSize%ibs != 0 {
		return nil, fmt.Errorf("bucket size %d is not a multiple of %d: %w",
			bucketSize, ibs, splaterrors.ErrFastPathMiss)
	}
	if grid.Spacing != bs.cache.Spacing() {
		return nil, fmt.Errorf("grid spacing %v, cache spacing %v: %w",
			grid.Spacing, bs.cache.Spacing(), splaterrors.ErrFastPathMiss)
	}
	if grid.Reference != (r3.Vector{}) {
		return nil, fmt.Errorf("grid reference %v is not the origin: %w",
			grid.Reference, splaterrors.ErrFastPathMiss)
	}
	var offset [3]int64
	for i := range 3 {
		if grid.Extents[i][0]%ibs != 0 {
			return nil, fmt.Errorf("grid extent %d is not aligned to %d cells: %w",
				grid.Extents[i][0], ibs, splaterrors.ErrFastPathMiss)
		}
		offset[i] = grid.Extents[i][0] / ibs
	}
	return bs.cache.stream(bucketSize/ibs, offset)
}

// scanRun is a run of consecutive splats within one scan, produced by
// splitting a flat id interval at scan boundaries.
type scanRun struct {
	scan  uint32
	start uint64
	count uint64
}

// flatRuns converts the flat id interval [first, last) into per-scan runs.
func flatRuns(offsets []uint64, first, last uint64, out []scanRun) []scanRun {
	out = out[:0]
	scan := sort.Search(len(offsets)-1, func(i int) bool { return offsets[i+1] > first })
	for pos := first; pos < last; scan++ {
		end := min(offsets[scan+1], last)
		if end > pos {
			out = append(out, scanRun{scan: uint32(scan), start: pos - offsets[scan], count: end - pos})
		}
		pos = end
	}
	return out
}

// forEachBlobBucket replays a blob stream, visiting every (bucket, run)
// pair: for each bucket the blob's box overlaps within shape, fn receives
// the bucket's dense index and the blob's splat runs.
func (bs *BlobSet) forEachBlobBucket(stream *BlobStream, shape [3]int64, fn func(bucket int64, r scanRun)) error {
	var runs []scanRun
	for {
		blob, ok := stream.Next()
		if !ok {
			return stream.Err()
		}
		var lo, hi [3]int64
		skip := false
		for i := range 3 {
			lo[i] = max(blob.Lower[i], 0)
			hi[i] = min(blob.Upper[i], shape[i]-1)
			if lo[i] > hi[i] {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		runs = flatRuns(bs.offsets, blob.FirstSplat, blob.LastSplat, runs)
		for z := lo[2]; z <= hi[2]; z++ {
			for y := lo[1]; y <= hi[1]; y++ {
				for x := lo[0]; x <= hi[0]; x++ {
					idx := (z*shape[1]+y)*shape[0] + x
					for _, r := range runs {
						fn(idx, r)
					}
				}
			}
		}
	}
}

// Partition splits the grid into buckets bucketSize cells across and calls
// process once per non-empty bucket with the ranges of splats whose
// bounding boxes touch it. Bucket membership comes entirely from the cache:
// the store is consulted only by process itself. Two replay passes are
// made, one to size the range lists and one to fill them.
func (bs *BlobSet) Partition(grid Grid, bucketSize int64, process Processor) error {
	dims := grid.Dims()
	var shape [3]int64
	numBuckets := uint64(1)
	for i := range 3 {
		shape[i] = divUp(dims[i], bucketSize)
		numBuckets = mulSat(numBuckets, uint64(shape[i]))
	}
	if numBuckets > uint64(math.MaxInt64) {
		return fmt.Errorf("partition shape %v: %w", shape, splaterrors.ErrInvalidConfig)
	}

	counters := make([]RangeCounter, numBuckets)
	stream, err := bs.Blobs(grid, bucketSize)
	if err != nil {
		return err
	}
	err = bs.forEachBlobBucket(stream, shape, func(bucket int64, r scanRun) {
		counters[bucket].AppendRun(r.scan, r.start, r.count)
	})
	if err != nil {
		return err
	}

	starts := make([]uint64, numBuckets+1)
	for i := range counters {
		starts[i+1] = starts[i] + counters[i].Ranges()
	}
	out := make([]SplatRange, starts[numBuckets])
	collectors := make([]RangeCollector, numBuckets)
	for i := range collectors {
		collectors[i] = NewRangeCollector(out[starts[i]:starts[i+1]])
	}

	stream, err = bs.Blobs(grid, bucketSize)
	if err != nil {
		return err
	}
	err = bs.forEachBlobBucket(stream, shape, func(bucket int64, r scanRun) {
		collectors[bucket].AppendRun(r.scan, r.start, r.count)
	})
	if err != nil {
		return err
	}
	for i := range collectors {
		collectors[i].Flush()
	}

	for z := int64(0); z < shape[2]; z++ {
		for y := int64(0); y < shape[1]; y++ {
			for x := int64(0); x < shape[0]; x++ {
				idx := (z*shape[1]+y)*shape[0] + x
				if counters[idx].Splats() == 0 {
					continue
				}
				lo := [3]int64{x * bucketSize, y * bucketSize, z * bucketSize}
				hi := [3]int64{lo[0] + bucketSize, lo[1] + bucketSize, lo[2] + bucketSize}
				sub := grid.SubGrid(lo, hi)
				if err := process(bs.store, counters[idx].Splats(), out[starts[idx]:starts[idx+1]], sub); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
