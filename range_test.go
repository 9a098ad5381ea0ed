package splatbucket

import (
	"errors"
	"math"
	"testing"

	splaterrors "github.com/sverber/splatbucket/errors"
)

func TestNewSplatRangeOverflow(t *testing.T) {
	if _, err := NewSplatRange(0, math.MaxUint64-5, 10); !errors.Is(err, splaterrors.ErrRangeOverflow) {
		t.Fatalf("got %v, want ErrRangeOverflow", err)
	}
	r, err := NewSplatRange(3, math.MaxUint64-9, 10)
	if err != nil {
		t.Fatal(err)
	}
	if r.Scan != 3 || r.Start != math.MaxUint64-9 || r.Size != 10 {
		t.Fatalf("unexpected range %+v", r)
	}
}

func TestSplatRangeAppend(t *testing.T) {
	var r SplatRange
	if !r.Append(2, 100) {
		t.Fatal("empty range must accept any splat")
	}
	if !r.Append(2, 101) || r.Size != 2 {
		t.Fatalf("contiguous append failed, range %+v", r)
	}
	// An already covered id is absorbed without growing.
	if !r.Append(2, 100) || r.Size != 2 {
		t.Fatalf("covered append failed, range %+v", r)
	}
	if r.Append(2, 103) {
		t.Fatal("gap must be rejected")
	}
	if r.Append(1, 102) {
		t.Fatal("different scan must be rejected")
	}
	full := SplatRange{Scan: 0, Start: 0, Size: MaxRangeSize}
	if full.Append(0, uint64(MaxRangeSize)) {
		t.Fatal("full range must reject extension")
	}
}

func TestRangeCounterCollectorAgree(t *testing.T) {
	rng := newTestRNG(t)

	type app struct {
		scan uint32
		id   uint64
	}
	var seq []app
	id := uint64(0)
	scan := uint32(0)
	for range 5000 {
		if rng.IntN(100) == 0 {
			scan++
			id = 0
		} else if rng.IntN(10) == 0 {
			id += uint64(rng.IntN(50)) + 2 // gap
		} else {
			id++
		}
		seq = append(seq, app{scan: scan, id: id})
	}

	var counter RangeCounter
	for _, a := range seq {
		counter.Append(a.scan, a.id)
	}
	if counter.Splats() != uint64(len(seq)) {
		t.Fatalf("counter splats %d, want %d", counter.Splats(), len(seq))
	}

	out := make([]SplatRange, counter.Ranges())
	collector := NewRangeCollector(out)
	for _, a := range seq {
		collector.Append(a.scan, a.id)
	}
	collector.Flush()

	keys := expandRanges(out)
	if uint64(len(keys)) != counter.Splats() {
		t.Fatalf("collector covers %d splats, counter %d", len(keys), counter.Splats())
	}
	for i, a := range seq {
		if keys[i] != (splatKey{scan: a.scan, id: a.id}) {
			t.Fatalf("splat %d: got %+v, want %+v", i, keys[i], a)
		}
	}
}

func TestAppendRunSplitsLargeRuns(t *testing.T) {
	const count = uint64(MaxRangeSize) + 5

	var counter RangeCounter
	counter.AppendRun(7, 10, count)
	if counter.Ranges() != 2 {
		t.Fatalf("ranges %d, want 2", counter.Ranges())
	}
	if counter.Splats() != count {
		t.Fatalf("splats %d, want %d", counter.Splats(), count)
	}

	out := make([]SplatRange, counter.Ranges())
	collector := NewRangeCollector(out)
	collector.AppendRun(7, 10, count)
	collector.Flush()

	var total uint64
	for _, r := range out {
		if r.Scan != 7 {
			t.Fatalf("scan %d, want 7", r.Scan)
		}
		total += uint64(r.Size)
	}
	if total != count {
		t.Fatalf("covered %d splats, want %d", total, count)
	}
	if out[0].Start != 10 || out[1].Start != 10+uint64(out[0].Size) {
		t.Fatalf("pieces not contiguous: %+v", out)
	}
}

func TestRangeCounterMergesRuns(t *testing.T) {
	var counter RangeCounter
	counter.AppendRun(0, 0, 10)
	counter.AppendRun(0, 10, 5) // contiguous, merges
	counter.AppendRun(0, 20, 5) // gap, new range
	counter.AppendRun(1, 25, 5) // scan change, new range
	if counter.Ranges() != 3 {
		t.Fatalf("ranges %d, want 3", counter.Ranges())
	}
	if counter.Splats() != 25 {
		t.Fatalf("splats %d, want 25", counter.Splats())
	}
}
