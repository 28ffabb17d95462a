package subjects

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/statuscast/internal/broker"
	"github.com/ChuLiYu/statuscast/pkg/types"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "subjects.db"))
	s, err := Open(context.Background(), Config{Driver: "sqlite3", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func stateOf(t *testing.T, s *SQLStore, id string) types.SubjectState {
	t.Helper()
	sub, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return sub.State
}

func TestStateMachine(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "photo-1", "u1"))
	assert.Equal(t, types.SubjectQueued, stateOf(t, s, "photo-1"))

	require.NoError(t, s.MarkProcessing(ctx, "photo-1"))
	assert.Equal(t, types.SubjectProcessing, stateOf(t, s, "photo-1"))

	require.NoError(t, s.MarkFailed(ctx, "photo-1", "inference timeout"))
	sub, err := s.Get(ctx, "photo-1")
	require.NoError(t, err)
	assert.Equal(t, types.SubjectFailed, sub.State)
	assert.Equal(t, "inference timeout", sub.LastError)

	changed, err := s.FinalizeSuccess(ctx, "photo-1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.SubjectFinished, stateOf(t, s, "photo-1"))
}

func TestFinalizeSuccessIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "photo-1", "u1"))

	first, err := s.FinalizeSuccess(ctx, "photo-1")
	require.NoError(t, err)
	second, err := s.FinalizeSuccess(ctx, "photo-1")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, types.SubjectFinished, stateOf(t, s, "photo-1"))
}

func TestTerminalStatesHoldAgainstAutomaticTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "photo-1", "u1"))
	require.NoError(t, s.FallbackMarkError(ctx, "photo-1", "exhausted"))

	require.NoError(t, s.MarkProcessing(ctx, "photo-1"))
	require.NoError(t, s.MarkFailed(ctx, "photo-1", "late"))
	sub, err := s.Get(ctx, "photo-1")
	require.NoError(t, err)
	assert.Equal(t, types.SubjectError, sub.State)
	assert.Equal(t, "exhausted", sub.LastError)

	// An explicit enqueue reprocesses it.
	require.NoError(t, s.MarkQueued(ctx, "photo-1"))
	assert.Equal(t, types.SubjectQueued, stateOf(t, s, "photo-1"))
}

func TestFallbackMarkErrorKeepsFinished(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "photo-1", "u1"))
	_, err := s.FinalizeSuccess(ctx, "photo-1")
	require.NoError(t, err)

	require.NoError(t, s.FallbackMarkError(ctx, "photo-1", "late failure"))
	assert.Equal(t, types.SubjectFinished, stateOf(t, s, "photo-1"))
}

func TestMissingSubject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.MarkProcessing(ctx, "nope"), ErrNotFound)
	_, err := s.FinalizeSuccess(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.OwnerOf(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	assert.Error(t, err)
	_, err = Open(context.Background(), Config{Driver: "mysql"})
	assert.Error(t, err)
}

type countingLookup struct {
	owners map[string]string
	err    error
	calls  atomic.Int32
}

func (c *countingLookup) OwnerOf(ctx context.Context, id string) (string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	owner, ok := c.owners[id]
	if !ok {
		return "", ErrNotFound
	}
	return owner, nil
}

func TestOwnerResolverCachesLayers(t *testing.T) {
	mem := broker.NewMemory()
	lookup := &countingLookup{owners: map[string]string{"photo-1": "u1"}}
	r := NewOwnerResolver(lookup, mem, ResolverOptions{})
	ctx := context.Background()

	owner, ok := r.Resolve(ctx, "photo-1")
	require.True(t, ok)
	assert.Equal(t, "u1", owner)
	assert.EqualValues(t, 1, lookup.calls.Load())

	cached, err := mem.Get(ctx, "statuscast:owner:photo-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", string(cached))

	_, ok = r.Resolve(ctx, "photo-1")
	require.True(t, ok)
	assert.EqualValues(t, 1, lookup.calls.Load(), "served from the in-process cache")

	// A second process only shares the broker cache.
	other := NewOwnerResolver(lookup, mem, ResolverOptions{})
	owner, ok = other.Resolve(ctx, "photo-1")
	require.True(t, ok)
	assert.Equal(t, "u1", owner)
	assert.EqualValues(t, 1, lookup.calls.Load(), "served from the broker cache")
}

func TestOwnerResolverNotFound(t *testing.T) {
	r := NewOwnerResolver(&countingLookup{owners: map[string]string{}}, nil, ResolverOptions{})
	_, ok := r.Resolve(context.Background(), "photo-9")
	assert.False(t, ok)
}

func TestOwnerResolverSurvivesBrokerOutage(t *testing.T) {
	mem := broker.NewMemory()
	mem.SetError(broker.ErrUnavailable)
	lookup := &countingLookup{owners: map[string]string{"photo-1": "u1"}}
	r := NewOwnerResolver(lookup, mem, ResolverOptions{})

	owner, ok := r.Resolve(context.Background(), "photo-1")
	require.True(t, ok)
	assert.Equal(t, "u1", owner)
}

func TestOwnerResolverStoreError(t *testing.T) {
	r := NewOwnerResolver(&countingLookup{err: errors.New("db down")}, nil, ResolverOptions{})
	_, ok := r.Resolve(context.Background(), "photo-1")
	assert.False(t, ok)
}

func TestOwnerResolverOverSQLStore(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create(context.Background(), "photo-7", "u7"))
	r := NewOwnerResolver(s, nil, ResolverOptions{CacheSize: 2})

	owner, ok := r.Resolve(context.Background(), "photo-7")
	require.True(t, ok)
	assert.Equal(t, "u7", owner)
}
