// Package errors defines all exported error sentinels for the splatbucket library.
//
// This is the single source of truth for error values. Both the top-level
// splatbucket package and its internal packages import from here, ensuring
// errors.Is checks work across package boundaries.
package errors

import "errors"

// Input errors
var (
	ErrNoSplats      = errors.New("splatbucket: input contains no splats")
	ErrRangeOverflow = errors.New("splatbucket: splat range end would overflow the index type")
	ErrInvalidConfig = errors.New("splatbucket: invalid bucketing parameters")
)

// Blob cache errors
var (
	ErrInvalidMagic   = errors.New("splatbucket: invalid blob cache magic number")
	ErrInvalidVersion = errors.New("splatbucket: unsupported blob cache version")
	ErrTruncatedCache = errors.New("splatbucket: blob cache file is truncated")
	ErrCacheChecksum  = errors.New("splatbucket: blob cache checksum verification failed")
	ErrCorruptedCache = errors.New("splatbucket: blob cache data is corrupted")
	ErrCacheClosed    = errors.New("splatbucket: blob cache is closed")
	ErrFastPathMiss   = errors.New("splatbucket: blob cache is incompatible with the requested grid")
	ErrStaleCache     = errors.New("splatbucket: blob cache was computed from a different dataset")
)

// Pipeline errors
var (
	ErrAllocTooLarge  = errors.New("splatbucket: allocation exceeds the pool's total budget")
	ErrGroupStopped   = errors.New("splatbucket: worker group is stopped")
	ErrBucketTooLarge = errors.New("splatbucket: bucket exceeds the staging item capacity")
)
