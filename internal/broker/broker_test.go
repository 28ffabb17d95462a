package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clients returns every implementation under a common name so the contract
// tests run against both.
func clients(t *testing.T) map[string]Client {
	t.Helper()
	mr := miniredis.RunT(t)
	r := NewRedis(Config{Addr: mr.Addr()})
	t.Cleanup(func() { _ = r.Close() })
	return map[string]Client{
		"memory": NewMemory(),
		"redis":  r,
	}
}

func TestClient_ListOperations(t *testing.T) {
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, c.ListPush(ctx, "l", []byte("a")))
			require.NoError(t, c.ListPush(ctx, "l", []byte("b")))
			require.NoError(t, c.ListPush(ctx, "l", []byte("c")))

			got, err := c.ListRange(ctx, "l", 0, -1)
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("c"), []byte("b"), []byte("a")}, got)

			require.NoError(t, c.ListTrim(ctx, "l", 0, 1))
			got, err = c.ListRange(ctx, "l", 0, 10)
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("c"), []byte("b")}, got)

			empty, err := c.ListRange(ctx, "missing", 0, -1)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestClient_GetSetWithTTL(t *testing.T) {
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := c.Get(ctx, "k")
			assert.True(t, errors.Is(err, ErrNil))

			require.NoError(t, c.SetWithTTL(ctx, "k", []byte("v"), time.Minute))
			v, err := c.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v", string(v))
		})
	}
}

func TestClient_PublishSubscribe(t *testing.T) {
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			sub, err := c.Subscribe(ctx, "events")
			require.NoError(t, err)
			defer sub.Close()

			require.NoError(t, c.Publish(ctx, "events", []byte(`{"n":1}`)))
			require.NoError(t, c.Publish(ctx, "events", []byte(`{"n":2}`)))

			for _, want := range []string{`{"n":1}`, `{"n":2}`} {
				select {
				case got := <-sub.Messages():
					assert.Equal(t, want, string(got))
				case <-ctx.Done():
					t.Fatalf("timed out waiting for %s", want)
				}
			}
		})
	}
}

func TestMemory_ExpireDropsKey(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.ListPush(ctx, "l", []byte("a")))
	require.NoError(t, m.Expire(ctx, "l", time.Second))

	now = now.Add(2 * time.Second)
	got, err := m.ListRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemory_SetError(t *testing.T) {
	m := NewMemory()
	m.SetError(ErrUnavailable)
	assert.ErrorIs(t, m.Ping(context.Background()), ErrUnavailable)
	assert.ErrorIs(t, PingWithin(context.Background(), m, 10*time.Millisecond), ErrUnavailable)

	m.SetError(nil)
	assert.NoError(t, PingWithin(context.Background(), m, 10*time.Millisecond))
}

func TestRedis_PingUnreachable(t *testing.T) {
	r := NewRedis(Config{Addr: "127.0.0.1:1"})
	defer r.Close()
	err := PingWithin(context.Background(), r, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpen(t *testing.T) {
	c, err := Open(Config{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, c)

	_, err = Open(Config{Driver: "kafka"})
	assert.Error(t, err)
}
