package snapshot

// ============================================================================
// Queue snapshots
//
// A snapshot is the gzip-compressed JSON image of every job plus the WAL
// sequence number it covers. Writes go to a temp file which is fsynced and
// renamed over the previous snapshot, so a crash leaves either the old or the
// new image on disk, never a partial one.
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/ChuLiYu/statuscast/pkg/types"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot: file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot: schema version is incompatible")
)

// Manager reads and writes the snapshot at one path.
type Manager struct {
	path  string
	level int
	mu    sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path, level: gzip.DefaultCompression}
}

// WithLevel sets the gzip compression level.
func (m *Manager) WithLevel(level int) *Manager {
	m.level = level
	return m
}

// Write atomically replaces the snapshot with data.
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if data.SchemaVer == 0 {
		data.SchemaVer = types.SnapshotSchemaVersion
	}
	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("snapshot: create dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	zw, err := gzip.NewWriterLevel(tmp, m.level)
	if err != nil {
		cleanup()
		return fmt.Errorf("snapshot: gzip writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(data); err != nil {
		cleanup()
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return fmt.Errorf("snapshot: flush gzip: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file is a first boot and yields an
// empty image with LastSeq 0.
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	empty := types.SnapshotData{
		Jobs:      make(map[types.JobID]*types.Job),
		SchemaVer: types.SnapshotSchemaVersion,
	}

	f, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return empty, nil
		}
		return empty, fmt.Errorf("snapshot: open: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return empty, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	defer zr.Close()

	var data types.SnapshotData
	if err := json.NewDecoder(zr).Decode(&data); err != nil {
		return empty, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != types.SnapshotSchemaVersion {
		return empty, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, types.SnapshotSchemaVersion)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	return data, nil
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *Manager) Path() string {
	return m.path
}
