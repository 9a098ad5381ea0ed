package splatbucket

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
)

// allocExtent is the granularity at which disk space is reserved ahead of
// the write position while streaming records.
const allocExtent = int64(1) << 20

// cacheWriter streams a blob cache file: a zero header placeholder, the
// record words, the footer, then the real header once the record count is
// known. The record-region checksum is folded while the data is still hot.
type cacheWriter struct {
	path      string
	file      *os.File
	w         *bufio.Writer
	sum       *xxhash.Digest
	numBlobs  uint64
	written   int64 // record-region bytes written
	allocated int64
	scratch   []byte
	closed    bool
}

func newCacheWriter(path string) (*cacheWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create blob cache %s: %w", path, err)
	}
	cw := &cacheWriter{
		path:    path,
		file:    file,
		w:       bufio.NewWriterSize(file, 1<<16),
		sum:     xxhash.New(),
		scratch: make([]byte, 0, 4*1024),
	}
	var zero [cacheHeaderSize]byte
	if _, err := cw.w.Write(zero[:]); err != nil {
		cw.abort()
		return nil, fmt.Errorf("write blob cache %s: %w", path, err)
	}
	return cw, nil
}

// writeWords appends an encoded record segment holding nBlobs records.
func (cw *cacheWriter) writeWords(words []uint32, nBlobs uint64) error {
	cw.scratch = cw.scratch[:0]
	for _, w := range words {
		cw.scratch = binary.LittleEndian.AppendUint32(cw.scratch, w)
	}
	// Reserve disk space ahead of the write position so a full disk fails
	// the fallocate, not a partially flushed stream.
	if need := cacheHeaderSize + cw.written + int64(len(cw.scratch)); need > cw.allocated {
		cw.allocated = need + allocExtent
		if err := fallocateFile(cw.file, cw.allocated); err != nil {
			return fmt.Errorf("allocate blob cache %s: %w", cw.path, err)
		}
	}
	if _, err := cw.w.Write(cw.scratch); err != nil {
		return fmt.Errorf("write blob cache %s: %w", cw.path, err)
	}
	_, _ = cw.sum.Write(cw.scratch) // never fails
	cw.written += int64(len(cw.scratch))
	cw.numBlobs += nBlobs
	return nil
}

// finish writes the footer, rewrites the header with the final counts, and
// syncs. hdr's NumBlobs is filled in from the records written.
func (cw *cacheWriter) finish(hdr *cacheHeader) error {
	hdr.NumBlobs = cw.numBlobs

	footer := cacheFooter{Checksum: cw.sum.Sum64(), NumBlobs: cw.numBlobs}
	var fbuf [cacheFooterSize]byte
	footer.encodeTo(fbuf[:])
	if _, err := cw.w.Write(fbuf[:]); err != nil {
		return fmt.Errorf("write blob cache %s: %w", cw.path, err)
	}
	if err := cw.w.Flush(); err != nil {
		return fmt.Errorf("flush blob cache %s: %w", cw.path, err)
	}

	size := cacheHeaderSize + cw.written + cacheFooterSize
	if err := cw.file.Truncate(size); err != nil {
		return fmt.Errorf("truncate blob cache %s: %w", cw.path, err)
	}

	var hbuf [cacheHeaderSize]byte
	hdr.encodeTo(hbuf[:])
	if _, err := cw.file.WriteAt(hbuf[:], 0); err != nil {
		return fmt.Errorf("write blob cache header %s: %w", cw.path, err)
	}
	if err := cw.file.Sync(); err != nil {
		return fmt.Errorf("sync blob cache %s: %w", cw.path, err)
	}
	cw.closed = true
	return cw.file.Close()
}

// abort closes and removes a partially written cache file. Safe to call
// after finish, where it does nothing.
func (cw *cacheWriter) abort() {
	if cw.closed {
		return
	}
	cw.closed = true
	_ = cw.file.Close()
	_ = os.Remove(cw.path)
}
