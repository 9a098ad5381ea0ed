package splatbucket

import (
	"encoding/binary"
	"math"

	splaterrors "github.com/sverber/splatbucket/errors"
)

const (
	// magic number for blob cache files: "SPBC" in little-endian
	cacheMagic = uint32(0x53504243)

	// cacheVersion is the current cache format version. The cache is a
	// private memoization file, not a cross-version interchange format;
	// any mismatch simply disables the fast path.
	cacheVersion = uint16(0x0001)

	// cacheHeaderSize is the exact size of the serialized header.
	cacheHeaderSize = 128

	// cacheFooterSize is the exact size of the serialized footer.
	cacheFooterSize = 24
)

// cacheHeader is the 128-byte blob cache file header.
//
// Layout:
//
//	Offset  Size  Field               Type
//	0       4     Magic               0x53504243 ("SPBC")
//	4       2     Version             0x0001
//	6       2     Reserved            zero
//	8       8     InternalBucketSize  uint64_le (cells per bucket)
//	16      8     Spacing             float64_le bits
//	24      8     NumBlobs            uint64_le
//	32      8     NumSplats           uint64_le (finite splats encoded)
//	40      8     Signature           uint64_le (xxh3 of per-scan sizes)
//	48      24    Reference           3 × float64_le bits
//	72      48    Extents             3 × (lo, hi) int64_le
//	120     8     Reserved            zero
type cacheHeader struct {
	InternalBucketSize uint64
	Spacing            float64
	NumBlobs           uint64
	NumSplats          uint64
	Signature          uint64
	Grid               Grid
}

func (h *cacheHeader) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], cacheMagic)
	binary.LittleEndian.PutUint16(buf[4:6], cacheVersion)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], h.InternalBucketSize)
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(h.Spacing))
	binary.LittleEndian.PutUint64(buf[24:32], h.NumBlobs)
	binary.LittleEndian.PutUint64(buf[32:40], h.NumSplats)
	binary.LittleEndian.PutUint64(buf[40:48], h.Signature)
	ref := [3]float64{h.Grid.Reference.X, h.Grid.Reference.Y, h.Grid.Reference.Z}
	for i := range 3 {
		binary.LittleEndian.PutUint64(buf[48+8*i:], math.Float64bits(ref[i]))
	}
	for i := range 3 {
		binary.LittleEndian.PutUint64(buf[72+16*i:], uint64(h.Grid.Extents[i][0]))
		binary.LittleEndian.PutUint64(buf[80+16*i:], uint64(h.Grid.Extents[i][1]))
	}
	binary.LittleEndian.PutUint64(buf[120:128], 0)
}

func decodeCacheHeader(buf []byte) (*cacheHeader, error) {
	if len(buf) < cacheHeaderSize {
		return nil, splaterrors.ErrTruncatedCache
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != cacheMagic {
		return nil, splaterrors.ErrInvalidMagic
	}
	if binary.LittleEndian.Uint16(buf[4:6]) != cacheVersion {
		return nil, splaterrors.ErrInvalidVersion
	}

	h := &cacheHeader{
		InternalBucketSize: binary.LittleEndian.Uint64(buf[8:16]),
		Spacing:            math.Float64frombits(binary.LittleEndian.Uint64(buf[16:24])),
		NumBlobs:           binary.LittleEndian.Uint64(buf[24:32]),
		NumSplats:          binary.LittleEndian.Uint64(buf[32:40]),
		Signature:          binary.LittleEndian.Uint64(buf[40:48]),
	}
	h.Grid.Spacing = h.Spacing
	h.Grid.Reference.X = math.Float64frombits(binary.LittleEndian.Uint64(buf[48:56]))
	h.Grid.Reference.Y = math.Float64frombits(binary.LittleEndian.Uint64(buf[56:64]))
	h.Grid.Reference.Z = math.Float64frombits(binary.LittleEndian.Uint64(buf[64:72]))
	for i := range 3 {
		h.Grid.Extents[i][0] = int64(binary.LittleEndian.Uint64(buf[72+16*i:]))
		h.Grid.Extents[i][1] = int64(binary.LittleEndian.Uint64(buf[80+16*i:]))
	}

	if h.InternalBucketSize == 0 {
		return nil, splaterrors.ErrCorruptedCache
	}
	if !isFinite(h.Spacing) || h.Spacing <= 0 {
		return nil, splaterrors.ErrCorruptedCache
	}
	for i := range 3 {
		if h.Grid.Extents[i][1] < h.Grid.Extents[i][0] {
			return nil, splaterrors.ErrCorruptedCache
		}
	}
	return h, nil
}

// cacheFooter is the 24-byte blob cache trailer: an xxhash64 checksum over
// the record region, the record count echoed from the header, and the magic
// echoed to detect truncation.
type cacheFooter struct {
	Checksum uint64
	NumBlobs uint64
}

func (f *cacheFooter) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], f.Checksum)
	binary.LittleEndian.PutUint64(buf[8:16], f.NumBlobs)
	binary.LittleEndian.PutUint32(buf[16:20], cacheMagic)
	binary.LittleEndian.PutUint32(buf[20:24], 0)
}

func decodeCacheFooter(buf []byte) (*cacheFooter, error) {
	if len(buf) < cacheFooterSize {
		return nil, splaterrors.ErrTruncatedCache
	}
	if binary.LittleEndian.Uint32(buf[16:20]) != cacheMagic {
		return nil, splaterrors.ErrTruncatedCache
	}
	return &cacheFooter{
		Checksum: binary.LittleEndian.Uint64(buf[0:8]),
		NumBlobs: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}
