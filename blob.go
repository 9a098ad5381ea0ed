package splatbucket

import (
	"github.com/sverber/splatbucket/internal/bitfield"
)

// BlobInfo describes a contiguous run of splats sharing a bucket-space
// bounding box: splat ids [FirstSplat, LastSplat) in the flat id space over
// all scans, and inclusive bucket coordinates [Lower, Upper] on each axis.
//
// Invariants: LastSplat >= FirstSplat and Upper[i] >= Lower[i].
type BlobInfo struct {
	FirstSplat uint64
	LastSplat  uint64
	Lower      [3]int64
	Upper      [3]int64
}

// Blob records are sequences of little-endian 32-bit words in one of two
// forms, distinguished by the top bit of the leading word:
//
// Full record (10 words): word 0 holds the high 32 bits of FirstSplat (top
// bit clear), followed by low32(FirstSplat), high32(LastSplat),
// low32(LastSplat), then Lower[i], Upper[i] for each axis as raw 32-bit
// magnitudes.
//
// Differential record (1 word): top bit set. Bits [0,12) pack, per axis, a
// 3-bit two's-complement delta of Lower[i] from the previous record's
// Upper[i] and a 1-bit width Upper[i]-Lower[i]. Bits [12,31) hold
// LastSplat-FirstSplat; FirstSplat is implicitly the previous record's
// LastSplat.
const (
	differentialFlag = uint32(0x80000000)

	fullRecordWords = 10

	// maxDiffCount is the exclusive bound on LastSplat-FirstSplat for a
	// differential record (19-bit field).
	maxDiffCount = uint64(1) << 19
)

// differentialEligible reports whether cur can be encoded as a differential
// record relative to prev.
func differentialEligible(prev, cur *BlobInfo) bool {
	if prev.LastSplat != cur.FirstSplat {
		return false
	}
	if cur.LastSplat-cur.FirstSplat >= maxDiffCount {
		return false
	}
	for i := range 3 {
		if cur.Upper[i]-cur.Lower[i] > 1 ||
			cur.Lower[i] < prev.Upper[i]-4 ||
			cur.Lower[i] > prev.Upper[i]+3 {
			return false
		}
	}
	return true
}

// appendBlobWords encodes cur as words appended to dst, differentially when
// eligible against prev (nil for the first record of a segment).
func appendBlobWords(dst []uint32, prev, cur *BlobInfo) []uint32 {
	if prev != nil && differentialEligible(prev, cur) {
		payload := differentialFlag
		for i := range 3 {
			d := int32(cur.Lower[i] - prev.Upper[i])
			payload = bitfield.InsertSigned(payload, d, i*4, i*4+3)
			w := uint32(cur.Upper[i] - cur.Lower[i])
			payload = bitfield.InsertUnsigned(payload, w, i*4+3, i*4+4)
		}
		payload = bitfield.InsertUnsigned(payload, uint32(cur.LastSplat-cur.FirstSplat), 12, 31)
		return append(dst, payload)
	}
	dst = append(dst,
		uint32(cur.FirstSplat>>32),
		uint32(cur.FirstSplat),
		uint32(cur.LastSplat>>32),
		uint32(cur.LastSplat),
	)
	for i := range 3 {
		dst = append(dst, uint32(cur.Lower[i]), uint32(cur.Upper[i]))
	}
	return dst
}

// decodeBlobWords decodes the next record from words into cur, using the
// previous decoded record's state already present in cur. It returns the
// number of words consumed, or 0 if words is too short to hold the record.
func decodeBlobWords(words []uint32, cur *BlobInfo) int {
	if len(words) == 0 {
		return 0
	}
	w0 := words[0]
	if w0&differentialFlag != 0 {
		for i := range 3 {
			cur.Lower[i] = cur.Upper[i] + int64(bitfield.ExtractSigned(w0, i*4, i*4+3))
			cur.Upper[i] = cur.Lower[i] + int64(bitfield.ExtractUnsigned(w0, i*4+3, i*4+4))
		}
		cur.FirstSplat = cur.LastSplat
		cur.LastSplat = cur.FirstSplat + uint64(bitfield.ExtractUnsigned(w0, 12, 31))
		return 1
	}
	if len(words) < fullRecordWords {
		return 0
	}
	cur.FirstSplat = uint64(w0)<<32 | uint64(words[1])
	cur.LastSplat = uint64(words[2])<<32 | uint64(words[3])
	for i := range 3 {
		cur.Lower[i] = int64(int32(words[4+2*i]))
		cur.Upper[i] = int64(int32(words[5+2*i]))
	}
	return fullRecordWords
}
