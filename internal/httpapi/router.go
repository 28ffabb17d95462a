// Package httpapi mounts the realtime gateways and the operational endpoints
// on a gin router.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/statuscast/internal/auth"
	"github.com/ChuLiYu/statuscast/internal/broker"
	"github.com/ChuLiYu/statuscast/internal/metrics"
)

// logger reads slog.Default on every call.
func logger() *slog.Logger { return slog.Default().With("component", "http") }

// Gateway is the part of a gateway the health endpoint reads.
type Gateway interface {
	TotalConnections() int
}

// SocketGateway upgrades /ws requests.
type SocketGateway interface {
	Gateway
	http.Handler
}

// StreamGateway serves /events.
type StreamGateway interface {
	Gateway
	Handler(authn auth.Authenticator) http.Handler
}

// Deps are the router collaborators. Socket and Stream are optional; a
// worker-only process mounts neither.
type Deps struct {
	Broker broker.Client
	Socket SocketGateway
	Stream StreamGateway
	Auth   auth.Authenticator
}

type Options struct {
	PingTimeout  time.Duration
	ServeMetrics bool
}

// Health is the /healthz body.
type Health struct {
	Status  string         `json:"status"`
	Broker  string         `json:"broker"`
	Clients map[string]int `json:"clients"`
}

// NewRouter builds the public router.
func NewRouter(deps Deps, opts Options) *gin.Engine {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 500 * time.Millisecond
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", healthHandler(deps, opts.PingTimeout))
	if deps.Socket != nil {
		router.GET("/ws", gin.WrapH(deps.Socket))
	}
	if deps.Stream != nil {
		router.GET("/events", gin.WrapH(deps.Stream.Handler(deps.Auth)))
	}
	if opts.ServeMetrics {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return router
}

// MetricsRouter serves /metrics alone, for a dedicated metrics listener.
func MetricsRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	return router
}

func healthHandler(deps Deps, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := Health{Status: "ok", Broker: "ok", Clients: map[string]int{}}
		code := http.StatusOK
		if deps.Broker != nil {
			if err := broker.PingWithin(c.Request.Context(), deps.Broker, timeout); err != nil {
				body.Status = "degraded"
				body.Broker = err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		if deps.Socket != nil {
			body.Clients["socket"] = deps.Socket.TotalConnections()
		}
		if deps.Stream != nil {
			body.Clients["stream"] = deps.Stream.TotalConnections()
		}
		c.JSON(code, body)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger().Debug("request", "method", c.Request.Method, "path", path, "status", strconv.Itoa(c.Writer.Status()), "duration", time.Since(start))
	}
}

// Serve runs srv until ctx is done, then shuts it down within grace.
func Serve(ctx context.Context, srv *http.Server, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		logger().Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
