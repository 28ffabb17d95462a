// ============================================================================
// statuscast end-to-end test environment
// ============================================================================
//
// Package: test/integration
// File: env_test.go
// Function: wires one process worth of statuscast on an in-memory broker so
// tests can follow a job from Enqueue to a user's socket or stream:
//
//   queue -> broker channel -> bridge -> history + socket/stream gateways
//
// Everything runs in-process: broker.Memory for pub/sub and history,
// SQLite in a temp dir for subjects, httptest for the HTTP surface.
//
// ============================================================================

package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/statuscast/internal/auth"
	"github.com/ChuLiYu/statuscast/internal/bridge"
	"github.com/ChuLiYu/statuscast/internal/broker"
	"github.com/ChuLiYu/statuscast/internal/history"
	"github.com/ChuLiYu/statuscast/internal/httpapi"
	"github.com/ChuLiYu/statuscast/internal/queue"
	"github.com/ChuLiYu/statuscast/internal/socket"
	"github.com/ChuLiYu/statuscast/internal/stream"
	"github.com/ChuLiYu/statuscast/internal/subjects"
	"github.com/ChuLiYu/statuscast/internal/worker"
	"github.com/ChuLiYu/statuscast/pkg/types"
)

const channel = "it:status"

func init() {
	gin.SetMode(gin.TestMode)
}

type env struct {
	dir     string
	broker  *broker.Memory
	history *history.Buffer
	jwt     *auth.JWT
	socket  *socket.Gateway
	stream  *stream.Gateway
	store   *subjects.SQLStore
	server  *httptest.Server
}

func newEnv(t testing.TB) *env {
	t.Helper()
	e := &env{
		dir:    t.TempDir(),
		broker: broker.NewMemory(),
		jwt:    auth.NewJWT("it-secret", "", ""),
	}
	e.history = history.New(e.broker, history.Options{})
	e.socket = socket.New(socket.Options{}, socket.Deps{History: e.history, Auth: e.jwt})
	e.stream = stream.New(stream.Options{}, stream.Deps{History: e.history})

	ctx, cancel := context.WithCancel(context.Background())
	b := bridge.New(e.broker, e.history, []bridge.Publisher{e.socket, e.stream}, bridge.Options{Channel: channel})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	require.Eventually(t, func() bool { return e.broker.SubscriberCount(channel) == 1 }, time.Second, 5*time.Millisecond)

	store, err := subjects.Open(ctx, subjects.Config{
		Driver: "sqlite3",
		DSN:    "file:" + filepath.Join(e.dir, "subjects.db") + "?_busy_timeout=5000",
	})
	require.NoError(t, err)
	e.store = store

	e.server = httptest.NewServer(httpapi.NewRouter(httpapi.Deps{
		Broker: e.broker,
		Socket: e.socket,
		Stream: e.stream,
		Auth:   e.jwt,
	}, httpapi.Options{}))

	t.Cleanup(func() {
		e.socket.CloseAll(socket.ReasonShutdown)
		e.stream.CloseAll(stream.ReasonShutdown)
		e.server.Close()
		cancel()
		<-done
		store.Close()
	})
	return e
}

func (e *env) queueConfig() queue.Config {
	return queue.Config{
		Concurrency:  4,
		MaxAttempts:  3,
		BackoffDelay: 2 * time.Millisecond,
		JobTimeout:   2 * time.Second,
		PollInterval: 5 * time.Millisecond,
		Channel:      channel,
		WALPath:      filepath.Join(e.dir, "queue.wal"),
		SnapshotPath: filepath.Join(e.dir, "queue.snapshot.gz"),
	}
}

func (e *env) startQueue(t *testing.T, exec worker.Executor) *queue.Queue {
	t.Helper()
	q, err := queue.New(e.queueConfig(), queue.Deps{
		Broker:   e.broker,
		Subjects: e.store,
		Pipeline: exec,
	})
	require.NoError(t, err)
	require.NoError(t, q.Start())
	return q
}

func (e *env) subject(t *testing.T, id, owner string) {
	t.Helper()
	require.NoError(t, e.store.Create(context.Background(), id, owner))
}

func (e *env) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.jwt.Issue(userID, time.Minute)
	require.NoError(t, err)
	return tok
}

// dialSocket connects userID and consumes the greeting.
func (e *env) dialSocket(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?token=" + e.token(t, userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	frame := readFrame(t, conn)
	require.Equal(t, socket.TypeConnected, frame.Type)
	return conn
}

type statusFrame struct {
	Type    string            `json:"type"`
	EventID string            `json:"eventId"`
	Payload types.StatusEvent `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) statusFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f statusFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readStreamEvents reads SSE frames from /events until n status events have
// arrived or the deadline passes.
func (e *env) readStreamEvents(t *testing.T, userID, since string, n int) []types.StatusEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.server.URL+"/events?token="+e.token(t, userID), nil)
	require.NoError(t, err)
	if since != "" {
		req.Header.Set("Last-Event-ID", since)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var events []types.StatusEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(events) < n {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev types.StatusEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func (e *env) catchup(userID string) []types.HistoryEntry {
	return e.history.Catchup(context.Background(), history.CatchupRequest{UserID: userID}).Events
}
