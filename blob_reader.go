package splatbucket

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"

	splaterrors "github.com/sverber/splatbucket/errors"
)

// BlobCache is a memory-mapped, read-only view of a blob cache file written
// by ComputeBlobs. It validates the header, footer and record checksum at
// open time; after that, iterating records is a pure in-memory walk.
type BlobCache struct {
	path   string
	file   *os.File
	data   mmap.MMap
	hdr    *cacheHeader
	words  []uint32
	closed bool
}

// OpenBlobCache maps path and validates its structure. The record region
// checksum is verified eagerly so a corrupt file fails at open, not halfway
// through a replay.
func OpenBlobCache(path string) (*BlobCache, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blob cache %s: %w", path, err)
	}
	c, err := newBlobCache(path, file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("open blob cache %s: %w", path, err)
	}
	return c, nil
}

func newBlobCache(path string, file *os.File) (*BlobCache, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < cacheHeaderSize+cacheFooterSize {
		return nil, splaterrors.ErrTruncatedCache
	}

	fadviseSequential(int(file.Fd()), 0, size)

	data, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	c := &BlobCache{path: path, file: file, data: data}
	if err := c.validate(); err != nil {
		_ = data.Unmap()
		return nil, err
	}
	return c, nil
}

func (c *BlobCache) validate() error {
	hdr, err := decodeCacheHeader(c.data[:cacheHeaderSize])
	if err != nil {
		return err
	}
	footer, err := decodeCacheFooter(c.data[len(c.data)-cacheFooterSize:])
	if err != nil {
		return err
	}
	if footer.NumBlobs != hdr.NumBlobs {
		return splaterrors.ErrCorruptedCache
	}

	records := c.data[cacheHeaderSize : len(c.data)-cacheFooterSize]
	if len(records)%4 != 0 {
		return splaterrors.ErrTruncatedCache
	}
	if xxhash.Sum64(records) != footer.Checksum {
		return splaterrors.ErrCacheChecksum
	}

	c.hdr = hdr
	c.words = wordsView(records)
	return nil
}

// wordsView reinterprets the record region as 32-bit words. Records are
// little-endian on disk; on big-endian hosts each word is swapped into a
// fresh slice instead of aliasing the mapping.
func wordsView(records []byte) []uint32 {
	if len(records) == 0 {
		return nil
	}
	n := len(records) / 4
	if littleEndianHost() {
		return unsafe.Slice((*uint32)(unsafe.Pointer(&records[0])), n)
	}
	words := make([]uint32, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(records[4*i:])
	}
	return words
}

func littleEndianHost() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}

// Header accessors. The grid and spacing are those the cache was computed
// against; bucket coordinates in the records are in units of
// InternalBucketSize cells from the grid origin.

func (c *BlobCache) NumBlobs() uint64           { return c.hdr.NumBlobs }
func (c *BlobCache) NumSplats() uint64          { return c.hdr.NumSplats }
func (c *BlobCache) InternalBucketSize() uint64 { return c.hdr.InternalBucketSize }
func (c *BlobCache) Spacing() float64           { return c.hdr.Spacing }
func (c *BlobCache) Grid() Grid                 { return c.hdr.Grid }
func (c *BlobCache) Signature() uint64          { return c.hdr.Signature }

// Close unmaps the cache. Streams obtained before Close must not be used
// afterwards.
func (c *BlobCache) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.data.Unmap()
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("close blob cache %s: %w", c.path, err)
	}
	return nil
}

// stream replays the records with bucket coordinates rescaled: each raw
// coordinate x becomes floorDiv(x-offset[i], divider). divider must be >= 1.
func (c *BlobCache) stream(divider int64, offset [3]int64) (*BlobStream, error) {
	if c.closed {
		return nil, splaterrors.ErrCacheClosed
	}
	return &BlobStream{
		words:   c.words,
		total:   c.hdr.NumBlobs,
		divider: divider,
		offset:  offset,
	}, nil
}

// BlobStream iterates the records of a BlobCache in file order, resolving
// differential records against the previously decoded one.
type BlobStream struct {
	words   []uint32
	pos     int
	decoded uint64
	total   uint64
	cur     BlobInfo
	divider int64
	offset  [3]int64
	err     error
}

// Next returns the next blob, or ok=false when the stream is exhausted or
// corrupt. Check Err after the final Next.
func (s *BlobStream) Next() (BlobInfo, bool) {
	if s.err != nil || s.decoded == s.total {
		return BlobInfo{}, false
	}
	n := decodeBlobWords(s.words[s.pos:], &s.cur)
	if n == 0 {
		s.err = splaterrors.ErrTruncatedCache
		return BlobInfo{}, false
	}
	s.pos += n
	s.decoded++

	out := s.cur
	for i := range 3 {
		out.Lower[i] = floorDiv(out.Lower[i]-s.offset[i], s.divider)
		out.Upper[i] = floorDiv(out.Upper[i]-s.offset[i], s.divider)
	}
	return out, true
}

// Err reports a decoding failure encountered by Next.
func (s *BlobStream) Err() error { return s.err }
