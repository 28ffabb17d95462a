package wal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL marks a record that cannot be parsed.
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch marks a record whose contents do not match its checksum.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrWALClosed is returned by operations on a closed WAL.
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSyncFailed wraps an fsync failure.
	ErrSyncFailed = errors.New("wal: sync to disk failed")
)

// ChecksumError reports which record failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError reports an unparsable record and where it starts.
type CorruptionError struct {
	Line   int
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record at line %d (offset %d): %v", e.Line, e.Offset, e.Cause)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedWAL
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
