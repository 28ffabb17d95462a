// Package server exposes the job queue over gRPC: the statuscast.v1.JobService
// (Enqueue, Stats) and the standard health service, which reports SERVING
// only while the broker answers pings.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/statuscast/internal/broker"
	"github.com/ChuLiYu/statuscast/internal/jobmanager"
	"github.com/ChuLiYu/statuscast/internal/queue"
	"github.com/ChuLiYu/statuscast/pkg/types"
)

// logger reads slog.Default on every call.
func logger() *slog.Logger { return slog.Default().With("component", "grpc") }

// Queue is what the job service needs from the queue.
type Queue interface {
	Enqueue(ctx context.Context, subjectID string, opts queue.EnqueueOptions) (types.Job, error)
	Stats() queue.Stats
}

type Options struct {
	PingTimeout    time.Duration
	HealthInterval time.Duration
}

// Server implements JobServiceServer.
type Server struct {
	queue  Queue
	broker broker.Client
	opts   Options
	health *health.Server
	grpc   *grpc.Server
}

// New builds the server and registers both services. b may be nil, in which
// case health always reports SERVING.
func New(q Queue, b broker.Client, opts Options) *Server {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 500 * time.Millisecond
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}
	s := &Server{
		queue:  q,
		broker: b,
		opts:   opts,
		health: health.NewServer(),
		grpc:   grpc.NewServer(grpc.UnaryInterceptor(logUnary)),
	}
	RegisterJobServiceServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Serve blocks serving lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	logger().Info("grpc listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Stop drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// WatchHealth updates the health status from broker pings until ctx ends.
func (s *Server) WatchHealth(ctx context.Context) {
	s.CheckHealth(ctx)
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckHealth(ctx)
		}
	}
}

// CheckHealth pings the broker once and records the result.
func (s *Server) CheckHealth(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if s.broker != nil {
		if err := broker.PingWithin(ctx, s.broker, s.opts.PingTimeout); err != nil {
			logger().Warn("broker unreachable, reporting NOT_SERVING", "error", err)
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	return st
}

// Enqueue accepts {subjectId, jobId?, payload?, maxAttempts?, backoffDelayMs?, delayMs?}.
func (s *Server) Enqueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	subjectID := fields["subjectId"].GetStringValue()
	if subjectID == "" {
		return nil, status.Error(codes.InvalidArgument, "subjectId is required")
	}

	opts := queue.EnqueueOptions{
		JobID:        fields["jobId"].GetStringValue(),
		MaxAttempts:  int(fields["maxAttempts"].GetNumberValue()),
		BackoffDelay: millis(fields["backoffDelayMs"]),
		Delay:        millis(fields["delayMs"]),
	}
	if p := fields["payload"].GetStructValue(); p != nil {
		opts.Payload = p.AsMap()
	}

	job, err := s.queue.Enqueue(ctx, subjectID, opts)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := structpb.NewStruct(map[string]any{
		"id":          string(job.ID),
		"subjectId":   job.SubjectID,
		"state":       string(job.State),
		"maxAttempts": job.MaxAttempts,
		"createdAt":   job.CreatedAt,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func (s *Server) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.queue.Stats()
	out, err := structpb.NewStruct(map[string]any{
		"total":         st.Total,
		"waiting":       st.Waiting,
		"delayed":       st.Delayed,
		"active":        st.Active,
		"completed":     st.Completed,
		"dead":          st.Dead,
		"workers":       st.Workers,
		"lastSeq":       float64(st.LastSeq),
		"uptimeSeconds": math.Round(st.Uptime.Seconds()),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func millis(v *structpb.Value) time.Duration {
	n := v.GetNumberValue()
	if n <= 0 {
		return 0
	}
	return time.Duration(n * float64(time.Millisecond))
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, queue.ErrMissingSubject):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, jobmanager.ErrDuplicateJob):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, queue.ErrBrokerUnavailable),
		errors.Is(err, queue.ErrNotStarted),
		errors.Is(err, queue.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		logger().Warn("rpc failed", "method", info.FullMethod, "code", status.Code(err), "duration", time.Since(start), "error", err)
	} else {
		logger().Debug("rpc", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

var _ JobServiceServer = (*Server)(nil)
