package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/statuscast/internal/auth"
	"github.com/ChuLiYu/statuscast/internal/bridge"
	"github.com/ChuLiYu/statuscast/internal/broker"
	"github.com/ChuLiYu/statuscast/internal/config"
	"github.com/ChuLiYu/statuscast/internal/history"
	"github.com/ChuLiYu/statuscast/internal/httpapi"
	"github.com/ChuLiYu/statuscast/internal/metrics"
	"github.com/ChuLiYu/statuscast/internal/pipeline"
	"github.com/ChuLiYu/statuscast/internal/queue"
	"github.com/ChuLiYu/statuscast/internal/server"
	"github.com/ChuLiYu/statuscast/internal/socket"
	"github.com/ChuLiYu/statuscast/internal/stream"
	"github.com/ChuLiYu/statuscast/internal/subjects"
)

type mode string

const (
	modeAll     mode = "all"
	modeGateway mode = "gateway"
	modeWorker  mode = "worker"
)

const shutdownGrace = 10 * time.Second

func parseMode(s string) (mode, error) {
	switch m := mode(s); m {
	case modeAll, modeGateway, modeWorker:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want all, gateway or worker)", s)
	}
}

func (m mode) gateways() bool { return m == modeAll || m == modeGateway }
func (m mode) worker() bool   { return m == modeAll || m == modeWorker }

// system is everything one process runs. Fields are nil when the mode does
// not include them.
type system struct {
	cfg     *config.Config
	mode    mode
	broker  broker.Client
	sink    metrics.Sink
	history *history.Buffer
	socket  *socket.Gateway
	stream  *stream.Gateway
	bridge  *bridge.Bridge
	store   *subjects.SQLStore
	queue   *queue.Queue
	grpc    *server.Server
	http    *http.Server
	metrics *http.Server
}

// buildSystem wires the components for m without starting anything.
func buildSystem(ctx context.Context, cfg *config.Config, m mode) (_ *system, err error) {
	s := &system{cfg: cfg, mode: m, sink: metrics.Nop{}}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if cfg.Metrics.Enabled {
		s.sink = metrics.NewCollector()
	}
	if s.broker, err = broker.Open(cfg.Broker.Config); err != nil {
		return nil, err
	}

	deps := httpapi.Deps{Broker: s.broker}
	if m.gateways() {
		authn := auth.NewJWT(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Scope)
		s.history = history.New(s.broker, cfg.HistoryOptions())
		s.socket = socket.New(cfg.SocketOptions(), socket.Deps{
			History: s.history,
			Auth:    authn,
			Origins: auth.NewAllowList(cfg.HTTP.AllowedOrigins),
			Metrics: s.sink,
		})
		s.stream = stream.New(cfg.StreamOptions(), stream.Deps{History: s.history, Metrics: s.sink})
		s.bridge = bridge.New(s.broker, s.history, []bridge.Publisher{s.socket, s.stream}, cfg.BridgeOptions())
		deps.Socket, deps.Stream, deps.Auth = s.socket, s.stream, authn
	}

	if m.worker() {
		if s.store, err = subjects.Open(ctx, cfg.Subjects.Config); err != nil {
			return nil, err
		}
		pipe, err := pipeline.FromConfig(cfg.Pipeline.Stages, &http.Client{})
		if err != nil {
			return nil, err
		}
		if len(pipe.Stages()) == 0 {
			slog.Warn("no pipeline stages configured, jobs succeed immediately")
		}
		s.queue, err = queue.New(cfg.QueueConfig(), queue.Deps{
			Broker:   s.broker,
			Subjects: s.store,
			Owners:   subjects.NewOwnerResolver(s.store, s.broker, cfg.ResolverOptions()),
			Pipeline: pipe,
			Metrics:  s.sink,
		})
		if err != nil {
			return nil, err
		}
		s.grpc = server.New(s.queue, s.broker, server.Options{PingTimeout: cfg.Broker.PingTimeout})
	}

	sameListener := cfg.Metrics.Addr == "" || cfg.Metrics.Addr == cfg.HTTP.Addr
	s.http = &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(deps, httpapi.Options{
			PingTimeout:  cfg.Broker.PingTimeout,
			ServeMetrics: cfg.Metrics.Enabled && sameListener,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Metrics.Enabled && !sameListener {
		s.metrics = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           httpapi.MetricsRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// run starts every component and blocks until ctx is done or one of them
// fails, then shuts down in reverse order.
func (s *system) run(ctx context.Context) error {
	defer s.close()

	var lis net.Listener
	if s.grpc != nil {
		var err error
		if lis, err = net.Listen("tcp", s.cfg.GRPC.Addr); err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.GRPC.Addr, err)
		}
	}
	if s.queue != nil {
		if err := s.queue.Start(); err != nil {
			if lis != nil {
				lis.Close()
			}
			return fmt.Errorf("start queue: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.bridge != nil {
		g.Go(func() error { return s.bridge.Run(gctx) })
		g.Go(func() error { s.socket.Run(gctx); return nil })
		g.Go(func() error { s.stream.Run(gctx); return nil })
	}
	if s.grpc != nil {
		g.Go(func() error { return s.grpc.Serve(lis) })
		g.Go(func() error { s.grpc.WatchHealth(gctx); return nil })
		g.Go(func() error {
			<-gctx.Done()
			s.grpc.Stop()
			return nil
		})
	}
	g.Go(func() error { return httpapi.Serve(gctx, s.http, shutdownGrace) })
	if s.metrics != nil {
		g.Go(func() error { return httpapi.Serve(gctx, s.metrics, shutdownGrace) })
	}

	slog.Info("statuscast started", "mode", s.mode, "http", s.cfg.HTTP.Addr, "grpc", s.cfg.GRPC.Addr)
	<-gctx.Done()
	slog.Info("shutting down")

	if s.socket != nil {
		s.socket.CloseAll(socket.ReasonShutdown)
		s.stream.CloseAll(stream.ReasonShutdown)
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (s *system) close() {
	if s.queue != nil {
		s.queue.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Error("subject store close", "error", err)
		}
	}
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			slog.Error("broker close", "error", err)
		}
	}
}

func runSystem(ctx context.Context, cfg *config.Config, m mode) error {
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := buildSystem(ctx, cfg, m)
	if err != nil {
		return err
	}
	return s.run(ctx)
}
