// Bench is a benchmarking tool for measuring bucketing throughput, blob
// cache build and replay performance, and memory usage.
//
// Usage:
//
//	go run ./cmd/bench -splats 10000000 -maxsplats 100000 -cached
//
// Flags:
//
//	-splats     Number of synthetic splats to generate (default: 10,000,000)
//	-scans      Number of scans to split them across (default: 4)
//	-spacing    Grid spacing (default: 0.01)
//	-internal   Internal bucket size of the blob cache, in cells (default: 16)
//	-coarse     Coarse partition bucket size, in cells (default: 128)
//	-maxsplats  Splat budget per bucket (default: 100,000)
//	-maxcells   Spatial budget per bucket, in cells (default: 256)
//	-workers    Device workers (default: GOMAXPROCS)
//	-cached     Also build a blob cache and run the replay path
package main

import (
	"context"
	"flag"
	"fmt"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang/geo/r3"

	"github.com/sverber/splatbucket"
)

// getMaxRSS returns the maximum resident set size in bytes.
// Uses getrusage(RUSAGE_SELF) which tracks peak RSS since process start.
func getMaxRSS() uint64 {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0
	}
	// On macOS, MaxRss is in bytes. On Linux, it's in kilobytes.
	maxRSS := uint64(rusage.Maxrss)
	if runtime.GOOS == "linux" {
		maxRSS *= 1024 // Convert KB to bytes on Linux
	}
	return maxRSS
}

// makeStore generates a clustered synthetic point cloud: splats are grouped
// around cluster centers so the bucketing recursion sees realistic density
// variation rather than uniform noise.
func makeStore(numSplats, numScans int, spacing float64, rng *mrand.Rand) *splatbucket.MemoryStore {
	const clusters = 64
	centers := make([]r3.Vector, clusters)
	for i := range centers {
		centers[i] = r3.Vector{X: rng.Float64() * 10, Y: rng.Float64() * 10, Z: rng.Float64() * 10}
	}

	store := splatbucket.NewMemoryStore()
	perScan := numSplats / numScans
	for scan := 0; scan < numScans; scan++ {
		n := perScan
		if scan == numScans-1 {
			n = numSplats - perScan*(numScans-1)
		}
		splats := make([]splatbucket.Splat, n)
		for i := range splats {
			c := centers[rng.IntN(clusters)]
			splats[i] = splatbucket.Splat{
				Position: r3.Vector{
					X: c.X + rng.NormFloat64()*0.2,
					Y: c.Y + rng.NormFloat64()*0.2,
					Z: c.Z + rng.NormFloat64()*0.2,
				},
				Radius: spacing * (1 + rng.Float64()),
				Normal: r3.Vector{Z: 1},
			}
		}
		store.AddScan(splats)
	}
	return store
}

func runPipeline(ctx context.Context, label string, store *splatbucket.MemoryStore, run func(*splatbucket.Pipeline) error, opts ...splatbucket.PipelineOption) {
	var buckets, splats atomic.Uint64
	var stats splatbucket.BucketStats
	opts = append(opts, splatbucket.WithPipelineBucketStats(&stats))

	pipe, err := splatbucket.NewPipeline(store, func(_ context.Context, item *splatbucket.DeviceItem) error {
		buckets.Add(uint64(len(item.SubItems)))
		splats.Add(uint64(len(item.Splats)))
		return nil
	}, opts...)
	if err != nil {
		fmt.Printf("NewPipeline failed: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	if err := run(pipe); err != nil {
		fmt.Printf("%s failed: %v\n", label, err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	pool := pipe.Pool().Stats()
	fmt.Printf("%s: %v (%.1fM splats/s)\n", label, elapsed.Round(time.Millisecond),
		float64(splats.Load())/elapsed.Seconds()/1e6)
	fmt.Printf("  buckets=%d batched-splats=%d depth=%d pool-waited=%v\n",
		buckets.Load(), splats.Load(), stats.MaxDepth, pool.Waited.Round(time.Millisecond))
}

func main() {
	splatsFlag := flag.Int("splats", 10_000_000, "number of synthetic splats")
	scansFlag := flag.Int("scans", 4, "number of scans")
	spacingFlag := flag.Float64("spacing", 0.01, "grid spacing")
	internalFlag := flag.Int64("internal", 16, "blob cache internal bucket size in cells")
	coarseFlag := flag.Int64("coarse", 128, "coarse partition bucket size in cells")
	maxSplatsFlag := flag.Uint64("maxsplats", 100_000, "splat budget per bucket")
	maxCellsFlag := flag.Int64("maxcells", 256, "spatial budget per bucket in cells")
	workersFlag := flag.Int("workers", runtime.GOMAXPROCS(0), "device workers")
	cachedFlag := flag.Bool("cached", false, "also build a blob cache and run the replay path")
	flag.Parse()

	ctx := context.Background()
	rng := mrand.New(mrand.NewPCG(0x5eed, 0xfeed))

	fmt.Println("Generating splats...")
	store := makeStore(*splatsFlag, *scansFlag, *spacingFlag, rng)

	pipeOpts := []splatbucket.PipelineOption{
		splatbucket.WithPipelineMaxSplats(*maxSplatsFlag),
		splatbucket.WithPipelineMaxCells(*maxCellsFlag),
		splatbucket.WithDeviceWorkers(*workersFlag, *workersFlag),
	}

	fmt.Println("Bucketing (direct)...")
	grid, err := splatbucket.MakeBoundingGrid(store, *spacingFlag, *internalFlag)
	if err != nil {
		fmt.Printf("MakeBoundingGrid failed: %v\n", err)
		os.Exit(1)
	}
	dims := grid.Dims()
	fmt.Printf("  grid %dx%dx%d cells\n", dims[0], dims[1], dims[2])
	runPipeline(ctx, "direct", store, func(p *splatbucket.Pipeline) error {
		return p.Run(ctx, grid)
	}, pipeOpts...)

	if *cachedFlag {
		tmpDir, err := os.MkdirTemp("", "splatbench-")
		if err != nil {
			fmt.Printf("Failed to create temp dir: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = os.RemoveAll(tmpDir) }()
		cachePath := filepath.Join(tmpDir, "splats.spbc")

		fmt.Println("Building blob cache...")
		start := time.Now()
		cstats, err := splatbucket.ComputeBlobs(ctx, store, *spacingFlag, *internalFlag, cachePath)
		if err != nil {
			fmt.Printf("ComputeBlobs failed: %v\n", err)
			os.Exit(1)
		}
		info, _ := os.Stat(cachePath)
		fmt.Printf("  %v: %d blobs for %d splats, %.2f bytes/splat\n",
			time.Since(start).Round(time.Millisecond), cstats.Blobs, cstats.Splats,
			float64(info.Size())/float64(cstats.Splats))

		bs, err := splatbucket.OpenBlobSet(store, cachePath)
		if err != nil {
			fmt.Printf("OpenBlobSet failed: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = bs.Close() }()

		fmt.Println("Bucketing (cached replay)...")
		runPipeline(ctx, "cached", store, func(p *splatbucket.Pipeline) error {
			return p.RunBlobSet(ctx, bs, grid, *coarseFlag)
		}, pipeOpts...)
	}

	fmt.Printf("Peak RSS: %.1f MiB\n", float64(getMaxRSS())/(1<<20))
}
