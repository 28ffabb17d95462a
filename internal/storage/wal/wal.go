package wal

// ============================================================================
// Write-ahead log of job transitions
//
// One JSON record per line. Every transition is appended (and optionally
// fsynced) before the job manager applies it, so a restart can rebuild the
// queue from the latest snapshot plus the records after its LastSeq.
//
// Sequence numbers never go backwards: Rotate keeps the counter and Resume
// lifts it to a snapshot's LastSeq when the log file itself is empty.
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// logger reads slog.Default on every call.
func logger() *slog.Logger { return slog.Default().With("component", "wal") }

type WAL struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
	now          func() time.Time
}

// Open opens or creates the log at path. An existing file is scanned for the
// last sequence number; a torn final record left by a crash is truncated.
func Open(path string, syncOnAppend bool) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	lastSeq, goodEnd, err := scan(file, nil)
	if err != nil {
		file.Close()
		return nil, err
	}
	if info, statErr := file.Stat(); statErr == nil && info.Size() > goodEnd {
		logger().Warn("truncating torn wal tail", "path", path, "from", info.Size(), "to", goodEnd)
		if err := file.Truncate(goodEnd); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: seek end: %w", err)
	}

	return &WAL{
		file:         file,
		path:         path,
		seq:          lastSeq,
		syncOnAppend: syncOnAppend,
		now:          time.Now,
	}, nil
}

// Append assigns the next sequence number, checksums and writes e. It
// returns the assigned sequence number.
func (w *WAL) Append(e Event) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	e.Seq = w.seq + 1
	e.Timestamp = w.now().UnixMilli()
	e.Checksum = CalculateChecksum(e)

	line, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("wal: encode seq=%d: %w", e.Seq, err)
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		return 0, fmt.Errorf("wal: write seq=%d: %w", e.Seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}
	w.seq = e.Seq
	return e.Seq, nil
}

// Replay calls handler for every record with Seq > afterSeq, in file order.
// It stops at the first checksum or parse error; an unterminated final
// record is ignored. It returns how many records were applied.
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	f, err := os.Open(w.path)
	if err != nil {
		return 0, fmt.Errorf("wal: open for replay: %w", err)
	}
	defer f.Close()

	applied := 0
	_, _, err = scan(f, func(e Event) error {
		if e.Seq <= afterSeq {
			return nil
		}
		if err := handler(e); err != nil {
			return fmt.Errorf("wal: apply seq=%d %s %s: %w", e.Seq, e.Type, e.JobID, err)
		}
		applied++
		return nil
	})
	return applied, err
}

// Resume raises the sequence counter to at least seq.
func (w *WAL) Resume(seq uint64) {
	w.mu.Lock()
	if seq > w.seq {
		w.seq = seq
	}
	w.mu.Unlock()
}

// Rotate moves the current file to path+".1" and starts an empty one. Call
// it only after a snapshot covering LastSeq has been written.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close before rotate: %w", err)
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil {
		return fmt.Errorf("wal: rotate: %w", err)
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		w.closed = true
		return fmt.Errorf("wal: reopen after rotate: %w", err)
	}
	w.file = file
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return w.file.Close()
}

// LastSeq returns the sequence number of the last appended record.
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

func (w *WAL) Path() string { return w.path }

// scan reads r from the start, verifying every record. It returns the last
// good sequence number and the byte offset just past the last good record.
// visit may be nil.
func scan(r io.ReadSeeker, visit EventHandler) (lastSeq uint64, goodEnd int64, err error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, 0, fmt.Errorf("wal: seek start: %w", err)
	}
	br := bufio.NewReader(r)

	var offset int64
	for lineNo := 1; ; lineNo++ {
		line, readErr := br.ReadBytes('\n')
		if len(line) == 0 && errors.Is(readErr, io.EOF) {
			return lastSeq, offset, nil
		}
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return lastSeq, offset, fmt.Errorf("wal: read: %w", readErr)
		}
		// Append writes the record and its newline in one call, so an
		// unterminated final line is an interrupted write.
		if errors.Is(readErr, io.EOF) {
			return lastSeq, offset, nil
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			offset += int64(len(line))
			continue
		}

		var e Event
		if err := json.Unmarshal(trimmed, &e); err != nil {
			return lastSeq, offset, &CorruptionError{Line: lineNo, Offset: offset, Cause: err}
		}
		if !VerifyChecksum(e) {
			return lastSeq, offset, &ChecksumError{Seq: e.Seq, Expected: CalculateChecksum(e), Actual: e.Checksum}
		}
		if visit != nil {
			if err := visit(e); err != nil {
				return lastSeq, offset, err
			}
		}
		lastSeq = e.Seq
		offset += int64(len(line))
	}
}
