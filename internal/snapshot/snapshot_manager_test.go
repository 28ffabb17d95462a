package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/statuscast/pkg/types"
)

func sampleData() types.SnapshotData {
	return types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{
			"job-001": {
				ID: "job-001", SubjectID: "photo-1", State: types.JobWaiting,
				Payload: map[string]interface{}{"key": "value1"}, MaxAttempts: 5,
				Backoff: types.BackoffPolicy{Type: "exponential", Delay: time.Second},
			},
			"job-002": {
				ID: "job-002", SubjectID: "photo-2", State: types.JobDelayed,
				AttemptsMade: 2, MaxAttempts: 5, RunAt: 1_700_000_004_000, FailedReason: "timeout",
			},
			"job-003": {
				ID: "job-003", SubjectID: "photo-3", State: types.JobDead,
				AttemptsMade: 5, MaxAttempts: 5, FailedPublished: true,
			},
		},
		SchemaVer: types.SnapshotSchemaVersion,
		LastSeq:   100,
	}
}

func TestWriteAndLoad(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nested", "queue.snapshot.gz"))

	original := sampleData()
	require.NoError(t, m.Write(original))
	assert.True(t, m.Exists())

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, original.LastSeq, loaded.LastSeq)
	require.Len(t, loaded.Jobs, 3)
	assert.Equal(t, *original.Jobs["job-002"], *loaded.Jobs["job-002"])
	assert.Equal(t, *original.Jobs["job-003"], *loaded.Jobs["job-003"])
	assert.Equal(t, "value1", loaded.Jobs["job-001"].Payload["key"])
}

func TestFileIsGzipCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.snapshot.gz")
	m := NewManager(path)
	require.NoError(t, m.Write(sampleData()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)

	var data types.SnapshotData
	require.NoError(t, json.NewDecoder(zr).Decode(&data))
	assert.Equal(t, uint64(100), data.LastSeq)
}

func TestFirstBoot(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing.gz"))
	assert.False(t, m.Exists())

	data, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, data.Jobs)
	assert.NotNil(t, data.Jobs)
	assert.Zero(t, data.LastSeq)
}

func TestAtomicReplaceLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "queue.snapshot.gz"))

	require.NoError(t, m.Write(sampleData()))
	next := sampleData()
	next.LastSeq = 200
	delete(next.Jobs, "job-001")
	require.NoError(t, m.Write(next))

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(200), loaded.LastSeq)
	assert.Len(t, loaded.Jobs, 2)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "queue.snapshot.gz", entries[0].Name())
}

func TestVersionMismatch(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "queue.snapshot.gz"))
	data := sampleData()
	data.SchemaVer = 1
	require.NoError(t, m.Write(data))

	_, err := m.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.snapshot.gz")
	require.NoError(t, os.WriteFile(path, []byte("{not gzip"), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	// The parent "directory" is a regular file.
	err := NewManager(filepath.Join(blocker, "queue.snapshot.gz")).Write(sampleData())
	assert.Error(t, err)
}

func TestConcurrentWrites(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "queue.snapshot.gz")).WithLevel(gzip.BestSpeed)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := sampleData()
			data.LastSeq = uint64(i)
			assert.NoError(t, m.Write(data))
		}(i)
	}
	wg.Wait()

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Less(t, loaded.LastSeq, uint64(10))
}

func BenchmarkWrite(b *testing.B) {
	m := NewManager(filepath.Join(b.TempDir(), "queue.snapshot.gz"))
	data := types.SnapshotData{Jobs: make(map[types.JobID]*types.Job), LastSeq: 1}
	for i := 0; i < 10000; i++ {
		id := types.JobID(fmt.Sprintf("job-%05d", i))
		data.Jobs[id] = &types.Job{ID: id, SubjectID: "photo", State: types.JobCompleted}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.Write(data)
	}
}
