// Package splatbucket partitions out-of-core point cloud datasets into
// spatial buckets with bounded memory use.
//
// Splats (oriented points with a radius) are streamed from a Store in
// bounded chunks and recursively subdivided over a grid until every bucket
// satisfies both a splat-count budget and a spatial-extent budget. Bucket
// membership can be memoized into a differentially encoded blob cache, so
// later passes replay compact records instead of re-reading splat data.
//
// # Basic Usage
//
// Bucketing a dataset:
//
//	grid, err := splatbucket.MakeGrid(store, spacing)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = splatbucket.Bucket(store, grid, func(store splatbucket.Store, n uint64, ranges []splatbucket.SplatRange, sub splatbucket.Grid) error {
//	    // consume one bucket
//	    return nil
//	}, splatbucket.WithMaxSplats(100_000))
//
// Memoizing bucket membership:
//
//	_, err := splatbucket.ComputeBlobs(ctx, store, spacing, 16, "splats.spbc")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	bs, err := splatbucket.OpenBlobSet(store, "splats.spbc")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer bs.Close()
//
//	grid, err := splatbucket.MakeBoundingGrid(store, spacing, 16)
//	err = bs.Partition(grid, 64, process)
//
// # Package Structure
//
// The implementation is organized as follows:
//
//   - bucket.go, bucket_state.go: the recursive bucketing engine
//   - blob.go, header.go, blob_writer.go, blob_reader.go, blobset.go: the
//     blob cache format, its writer and its memory-mapped reader
//   - pool.go, worker.go, device.go, copy.go, pipeline.go: the staged
//     processing pipeline with byte-budgeted backpressure
//   - store.go, range.go, grid.go, splat.go: dataset access primitives
package splatbucket
