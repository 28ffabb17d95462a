package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/statuscast/internal/auth"
	"github.com/ChuLiYu/statuscast/internal/broker"
	"github.com/ChuLiYu/statuscast/internal/socket"
	"github.com/ChuLiYu/statuscast/internal/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	mem    *broker.Memory
	jwt    *auth.JWT
	socket *socket.Gateway
	stream *stream.Gateway
	server *httptest.Server
}

func newEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		mem: broker.NewMemory(),
		jwt: auth.NewJWT("test-secret", "", ""),
	}
	env.socket = socket.New(socket.Options{}, socket.Deps{Auth: env.jwt})
	env.stream = stream.New(stream.Options{}, stream.Deps{})
	router := NewRouter(Deps{
		Broker: env.mem,
		Socket: env.socket,
		Stream: env.stream,
		Auth:   env.jwt,
	}, opts)
	env.server = httptest.NewServer(router)
	t.Cleanup(func() {
		env.socket.CloseAll(socket.ReasonShutdown)
		env.stream.CloseAll(stream.ReasonShutdown)
		env.server.Close()
	})
	return env
}

func getHealth(t *testing.T, url string) (int, Health) {
	t.Helper()
	resp, err := http.Get(url + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealthReportsBrokerAndClients(t *testing.T) {
	env := newEnv(t, Options{PingTimeout: 50 * time.Millisecond})

	code, body := getHealth(t, env.server.URL)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Clients["socket"])
	assert.Equal(t, 0, body.Clients["stream"])

	env.mem.SetError(broker.ErrUnavailable)
	code, body = getHealth(t, env.server.URL)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body.Status)
	assert.NotEqual(t, "ok", body.Broker)
}

func TestSocketRouteRequiresToken(t *testing.T) {
	env := newEnv(t, Options{})

	resp, err := http.Get(env.server.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSocketRouteUpgrades(t *testing.T) {
	env := newEnv(t, Options{})
	token, err := env.jwt.Issue("user-1", time.Minute)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return env.socket.ConnectionCount("user-1") == 1 }, time.Second, 10*time.Millisecond)
	_, body := getHealth(t, env.server.URL)
	assert.Equal(t, 1, body.Clients["socket"])
}

func TestStreamRouteRequiresToken(t *testing.T) {
	env := newEnv(t, Options{})

	resp, err := http.Get(env.server.URL + "/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMetricsRouteIsOptional(t *testing.T) {
	off := newEnv(t, Options{})
	resp, err := http.Get(off.server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	on := newEnv(t, Options{ServeMetrics: true})
	resp, err = http.Get(on.server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	rec := httptest.NewRecorder()
	MetricsRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkerOnlyRouterHasNoGateways(t *testing.T) {
	router := NewRouter(Deps{}, Options{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
