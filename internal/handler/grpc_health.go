package handler

import (
	"context"
	stderrors "errors"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-group-carts/internal/platform/errors"
)

// GRPCServer exposes the standard health service and reflection.
type GRPCServer struct {
	server  *grpc.Server
	health  *health.Server
	service string
	logger  zerolog.Logger
}

// NewGRPCServer creates a gRPC server reporting health for serviceName.
func NewGRPCServer(serviceName string, logger zerolog.Logger) *GRPCServer {
	logger = logger.With().Str("handler", "grpc").Logger()

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(unaryLoggingInterceptor(logger)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return &GRPCServer{
		server:  srv,
		health:  hs,
		service: serviceName,
		logger:  logger,
	}
}

// SetServing flips the reported status of both the overall server and the
// named service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(s.service, st)
}

// Serve marks the server healthy and blocks serving lis.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.SetServing(true)
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Starting gRPC server")
	if err := s.server.Serve(lis); err != nil && !stderrors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// GracefulStop reports NOT_SERVING and drains in-flight calls.
func (s *GRPCServer) GracefulStop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

func unaryLoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		err = toStatusError(err)

		ev := logger.Debug()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}

// toStatusError converts platform errors into gRPC status errors. Errors that
// already carry a status pass through.
func toStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(errors.CodeOf(err).GRPCCode(), err.Error())
}
