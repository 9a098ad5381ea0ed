package splatbucket

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"

	splaterrors "github.com/sverber/splatbucket/errors"
)

func TestBucketUniform(t *testing.T) {
	rng := newTestRNG(t)
	const numSplats = 10_000
	splats := randomSplats(rng, numSplats, 10.0, 0.05)
	store := NewMemoryStore(splats)

	grid, err := MakeGrid(store, 0.05)
	if err != nil {
		t.Fatal(err)
	}

	var buckets []capturedBucket
	var stats BucketStats
	err = Bucket(store, grid, captureBuckets(&buckets),
		WithMaxSplats(500), WithMaxCells(16), WithMaxSplit(64), WithBucketStats(&stats))
	if err != nil {
		t.Fatal(err)
	}
	if len(buckets) == 0 {
		t.Fatal("no buckets emitted")
	}

	covered := make(map[splatKey]bool)
	var total uint64
	for i, b := range buckets {
		if b.numSplats == 0 || len(b.ranges) == 0 {
			t.Fatalf("bucket %d is empty", i)
		}
		if b.numSplats > 500 {
			t.Fatalf("bucket %d has %d splats, budget 500", i, b.numSplats)
		}
		if b.grid.MaxDim() > 16 {
			t.Fatalf("bucket %d spans %d cells, budget 16", i, b.grid.MaxDim())
		}
		keys := expandRanges(b.ranges)
		if uint64(len(keys)) != b.numSplats {
			t.Fatalf("bucket %d: ranges cover %d splats, reported %d", i, len(keys), b.numSplats)
		}
		for _, k := range keys {
			if !splatInGrid(&splats[k.id], &b.grid) {
				t.Fatalf("bucket %d contains splat %d outside its region", i, k.id)
			}
			covered[k] = true
		}
		total += b.numSplats
	}
	if len(covered) != numSplats {
		t.Fatalf("%d of %d splats delivered", len(covered), numSplats)
	}
	if stats.Buckets != uint64(len(buckets)) || stats.Splats != total {
		t.Fatalf("stats %+v, want %d buckets / %d splats", stats, len(buckets), total)
	}
	if stats.MaxDepth == 0 {
		t.Fatal("budgets this tight must force recursion")
	}
}

func TestBucketDensityError(t *testing.T) {
	// Two coincident splats can never be separated by subdivision.
	p := r3.Vector{X: 1, Y: 1, Z: 1}
	store := NewMemoryStore([]Splat{
		{Position: p, Radius: 0.01},
		{Position: p, Radius: 0.01},
	})
	grid, err := MakeGrid(store, 0.05)
	if err != nil {
		t.Fatal(err)
	}
	err = Bucket(store, grid, captureBuckets(new([]capturedBucket)), WithMaxSplats(1))
	var dense *DensityError
	if !errors.As(err, &dense) {
		t.Fatalf("got %v, want DensityError", err)
	}
	if dense.CellSplats != 2 {
		t.Fatalf("CellSplats %d, want 2", dense.CellSplats)
	}
}

func TestBucketSingleSplatMinBudget(t *testing.T) {
	// One splat with maxSplats=1 fits the budget and is not a density
	// violation.
	store := NewMemoryStore([]Splat{{Position: r3.Vector{X: 1, Y: 1, Z: 1}, Radius: 0.01}})
	grid, err := MakeGrid(store, 0.05)
	if err != nil {
		t.Fatal(err)
	}
	var buckets []capturedBucket
	if err := Bucket(store, grid, captureBuckets(&buckets), WithMaxSplats(1)); err != nil {
		t.Fatal(err)
	}
	if len(buckets) != 1 || buckets[0].numSplats != 1 {
		t.Fatalf("got %d buckets, want one bucket with one splat", len(buckets))
	}
}

func TestBucketInvalidConfig(t *testing.T) {
	store := NewMemoryStore([]Splat{{Position: r3.Vector{X: 1, Y: 1, Z: 1}}})
	grid, err := MakeGrid(store, 1)
	if err != nil {
		t.Fatal(err)
	}
	for name, opt := range map[string]BucketOption{
		"maxSplats": WithMaxSplats(0),
		"maxCells":  WithMaxCells(0),
		"maxSplit":  WithMaxSplit(7),
	} {
		err := Bucket(store, grid, captureBuckets(new([]capturedBucket)), opt)
		if !errors.Is(err, splaterrors.ErrInvalidConfig) {
			t.Errorf("%s: got %v, want ErrInvalidConfig", name, err)
		}
	}
}

func TestBucketEmptyStore(t *testing.T) {
	grid := NewGrid(r3.Vector{}, 1, [3][2]int64{{0, 1}, {0, 1}, {0, 1}})
	err := Bucket(NewMemoryStore(), grid, captureBuckets(new([]capturedBucket)))
	if !errors.Is(err, splaterrors.ErrNoSplats) {
		t.Fatalf("got %v, want ErrNoSplats", err)
	}
}

func TestBucketSkipsNonFinite(t *testing.T) {
	rng := newTestRNG(t)
	splats := randomSplats(rng, 2000, 4.0, 0.02)
	splats = append(splats, Splat{Position: r3.Vector{X: math.NaN(), Y: 0, Z: 0}, Radius: 1})
	store := NewMemoryStore(splats)

	grid, err := MakeGrid(store, 0.02)
	if err != nil {
		t.Fatal(err)
	}
	var buckets []capturedBucket
	// Budgets tight enough to force at least one subdivision, so the
	// non-finite splat gets filtered by the counting pass.
	err = Bucket(store, grid, captureBuckets(&buckets), WithMaxSplats(200), WithMaxCells(32))
	if err != nil {
		t.Fatal(err)
	}
	nanID := uint64(len(splats) - 1)
	for _, b := range buckets {
		for _, k := range expandRanges(b.ranges) {
			if k.id == nanID {
				t.Fatal("non-finite splat delivered to a bucket")
			}
		}
	}
}

func TestBucketMultiScan(t *testing.T) {
	rng := newTestRNG(t)
	store := NewMemoryStore(
		randomSplats(rng, 1500, 6.0, 0.03),
		randomSplats(rng, 700, 6.0, 0.03),
		randomSplats(rng, 900, 6.0, 0.03),
	)
	grid, err := MakeGrid(store, 0.03)
	if err != nil {
		t.Fatal(err)
	}
	var buckets []capturedBucket
	err = Bucket(store, grid, captureBuckets(&buckets), WithMaxSplats(300), WithMaxCells(64))
	if err != nil {
		t.Fatal(err)
	}
	covered := make(map[splatKey]bool)
	for _, b := range buckets {
		for _, k := range expandRanges(b.ranges) {
			covered[k] = true
		}
	}
	for scan := range store.NumScans() {
		for id := range store.NumSplats(scan) {
			if !covered[splatKey{scan: uint32(scan), id: id}] {
				t.Fatalf("scan %d splat %d never delivered", scan, id)
			}
		}
	}
}
