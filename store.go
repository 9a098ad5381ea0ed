package splatbucket

import (
	"fmt"

	splaterrors "github.com/sverber/splatbucket/errors"
)

// Store supplies random-access range reads over one or more scans of
// splats. It is the boundary to the external file reader: implementations
// are expected to support sequential reads of arbitrary index ranges and
// to report the total record count per scan.
type Store interface {
	// NumScans returns the number of scans in the store.
	NumScans() int

	// NumSplats returns the number of splat records in the given scan.
	NumSplats(scan int) uint64

	// ReadSplats fills out with len(out) consecutive splats from the scan,
	// starting at index start.
	ReadSplats(scan int, start uint64, out []Splat) error
}

// MemoryStore is an in-memory Store backed by slices, used by tests and
// benchmarks, and convenient for datasets that do fit in memory.
type MemoryStore struct {
	scans [][]Splat
}

// NewMemoryStore creates a store holding the given scans. The slices are
// retained, not copied.
func NewMemoryStore(scans ...[]Splat) *MemoryStore {
	return &MemoryStore{scans: scans}
}

// AddScan appends a scan to the store and returns its index.
func (m *MemoryStore) AddScan(splats []Splat) int {
	m.scans = append(m.scans, splats)
	return len(m.scans) - 1
}

// NumScans returns the number of scans in the store.
func (m *MemoryStore) NumScans() int {
	return len(m.scans)
}

// NumSplats returns the number of splats in the given scan.
func (m *MemoryStore) NumSplats(scan int) uint64 {
	return uint64(len(m.scans[scan]))
}

// ReadSplats copies len(out) splats starting at start from the scan.
func (m *MemoryStore) ReadSplats(scan int, start uint64, out []Splat) error {
	s := m.scans[scan]
	if start+uint64(len(out)) > uint64(len(s)) {
		return fmt.Errorf("read scan %d [%d, %d): %w",
			scan, start, start+uint64(len(out)), splaterrors.ErrRangeOverflow)
	}
	copy(out, s[start:])
	return nil
}

// splatChunkSize is the number of splats read from the store at a time
// while streaming. Bounds the working memory of every streaming pass.
const splatChunkSize = 8192

// forEachSplat streams every splat covered by ranges through fn, in range
// order. The *Splat passed to fn aliases an internal buffer and must not be
// retained across calls.
func forEachSplat(store Store, ranges []SplatRange, fn func(scan uint32, id uint64, s *Splat) error) error {
	buf := make([]Splat, splatChunkSize)
	for _, r := range ranges {
		start := r.Start
		size := uint64(r.Size)
		for size > 0 {
			chunk := size
			if chunk > splatChunkSize {
				chunk = splatChunkSize
			}
			if err := store.ReadSplats(int(r.Scan), start, buf[:chunk]); err != nil {
				return err
			}
			for j := range buf[:chunk] {
				if err := fn(r.Scan, start+uint64(j), &buf[j]); err != nil {
					return err
				}
			}
			start += chunk
			size -= chunk
		}
	}
	return nil
}

// makeRoot builds the flat range list covering every splat in the store,
// splitting scans larger than MaxRangeSize into multiple ranges. It fails
// with ErrNoSplats when the store is empty.
func makeRoot(store Store) ([]SplatRange, uint64, error) {
	var root []SplatRange
	var total uint64
	for scan := range store.NumScans() {
		n := store.NumSplats(scan)
		total += n
		var start uint64
		for start < n {
			size := uint64(MaxRangeSize)
			if start+size > n {
				size = n - start
			}
			root = append(root, SplatRange{Scan: uint32(scan), Start: start, Size: uint32(size)})
			start += size
		}
	}
	if total == 0 {
		return nil, 0, splaterrors.ErrNoSplats
	}
	return root, total, nil
}

// scanOffsets returns the cumulative splat count before each scan, plus a
// final total entry. Flat splat ids used by the blob cache are positions in
// this concatenated id space.
func scanOffsets(store Store) []uint64 {
	offsets := make([]uint64, store.NumScans()+1)
	for scan := range store.NumScans() {
		offsets[scan+1] = offsets[scan] + store.NumSplats(scan)
	}
	return offsets
}
