package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/statuscast/internal/broker"
	"github.com/ChuLiYu/statuscast/internal/history"
	"github.com/ChuLiYu/statuscast/pkg/types"
)

// journal records appends and publishes in the order they happen.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type recordingAppender struct {
	j     *journal
	delay time.Duration
	fail  bool
}

func (a *recordingAppender) Append(ctx context.Context, e types.StatusEvent) history.Result {
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	a.j.add("append:" + e.EventID)
	if a.fail {
		return history.Result{Reason: history.ReasonStoreError}
	}
	return history.Result{OK: true}
}

type recordingPublisher struct {
	name string
	j    *journal

	mu     sync.Mutex
	events []types.StatusEvent
}

func (p *recordingPublisher) PublishToUser(userID, event string, payload any) types.Delivery {
	e := payload.(types.StatusEvent)
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	if p.j != nil {
		p.j.add(p.name + ":" + e.EventID)
	}
	return types.Delivery{Delivered: 1, EventID: e.EventID}
}

func (p *recordingPublisher) received() []types.StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.StatusEvent(nil), p.events...)
}

func rawEvent(t *testing.T, user, id string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"userId":       user,
		"eventId":      id,
		"jobSubjectId": "photo-1",
		"status":       "finished",
		"updatedAt":    "2026-03-01T12:00:00Z",
		"extra":        "ignored",
	})
	require.NoError(t, err)
	return raw
}

func TestHandle_ForwardsValidEventToEveryTarget(t *testing.T) {
	j := &journal{}
	socketPub := &recordingPublisher{name: "socket", j: j}
	streamPub := &recordingPublisher{name: "stream", j: j}
	b := New(broker.NewMemory(), &recordingAppender{j: j}, []Publisher{socketPub, streamPub}, Options{})

	require.True(t, b.Handle(context.Background(), rawEvent(t, "u1", "e1")))

	assert.Equal(t, []string{"append:e1", "socket:e1", "stream:e1"}, j.snapshot())
	require.Len(t, socketPub.received(), 1)
	assert.Equal(t, "u1", socketPub.received()[0].UserID)
	assert.Equal(t, types.StatusFinished, streamPub.received()[0].Status)
}

func TestHandle_DiscardsInvalidMessages(t *testing.T) {
	j := &journal{}
	pub := &recordingPublisher{name: "socket", j: j}
	b := New(broker.NewMemory(), &recordingAppender{j: j}, []Publisher{pub}, Options{})
	ctx := context.Background()

	assert.False(t, b.Handle(ctx, []byte("not json")))
	assert.False(t, b.Handle(ctx, []byte(`{"userId":"u1","eventId":"e1"}`)))
	assert.False(t, b.Handle(ctx, []byte(`{"userId":"u1","eventId":"e1","jobSubjectId":"p","status":"done","updatedAt":"1"}`)))
	assert.Empty(t, j.snapshot())
}

func TestHandle_AppendTimeoutDoesNotBlockForwarding(t *testing.T) {
	j := &journal{}
	pub := &recordingPublisher{name: "socket", j: j}
	slow := &recordingAppender{j: j, delay: 500 * time.Millisecond}
	b := New(broker.NewMemory(), slow, []Publisher{pub}, Options{AppendTimeout: 20 * time.Millisecond})

	start := time.Now()
	require.True(t, b.Handle(context.Background(), rawEvent(t, "u1", "e1")))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Len(t, pub.received(), 1)
}

func TestHandle_AppendFailureStillForwards(t *testing.T) {
	pub := &recordingPublisher{name: "socket"}
	b := New(broker.NewMemory(), &recordingAppender{j: &journal{}, fail: true}, []Publisher{pub}, Options{})
	require.True(t, b.Handle(context.Background(), rawEvent(t, "u1", "e1")))
	assert.Len(t, pub.received(), 1)
}

func TestHandle_WritesRealHistory(t *testing.T) {
	mem := broker.NewMemory()
	hist := history.New(mem, history.Options{})
	b := New(mem, hist, nil, Options{})

	require.True(t, b.Handle(context.Background(), rawEvent(t, "u1", "e1")))
	res := hist.Catchup(context.Background(), history.CatchupRequest{UserID: "u1"})
	require.True(t, res.OK)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "e1", res.Events[0].EventID)
}

func TestRun_PreservesOrderAndAppendBeforeForward(t *testing.T) {
	mem := broker.NewMemory()
	j := &journal{}
	pub := &recordingPublisher{name: "socket", j: j}
	b := New(mem, &recordingAppender{j: j}, []Publisher{pub}, Options{Channel: "test:status"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return mem.SubscriberCount("test:status") == 1 }, time.Second, 5*time.Millisecond)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, mem.Publish(context.Background(), "test:status", rawEvent(t, "u1", fmt.Sprintf("e%02d", i))))
	}
	require.Eventually(t, func() bool { return len(pub.received()) == n }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	var want []string
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("e%02d", i)
		want = append(want, "append:"+id, "socket:"+id)
	}
	assert.Equal(t, want, j.snapshot())
}

func TestRun_BrokerDownAtStartIsRetried(t *testing.T) {
	mem := broker.NewMemory()
	mem.SetError(broker.ErrUnavailable)
	b := New(mem, nil, nil, Options{Channel: "c", ResubscribeGap: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Run returned while the broker was down: %v", err)
	default:
	}
	assert.Zero(t, mem.SubscriberCount("c"))

	mem.SetError(nil)
	require.Eventually(t, func() bool { return mem.SubscriberCount("c") == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_CancelWhileBrokerDown(t *testing.T) {
	mem := broker.NewMemory()
	mem.SetError(broker.ErrUnavailable)
	b := New(mem, nil, nil, Options{ResubscribeGap: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.NoError(t, b.Run(ctx))
}
