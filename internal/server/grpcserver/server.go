// Package grpcserver exposes the standard gRPC health service for the chat server.
package grpcserver

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Service is the name reported next to the overall server status.
const Service = "chiffer.Chat"

// Options configure the health listener.
type Options struct {
	// Creds enables TLS when set.
	Creds credentials.TransportCredentials
	// Reflection registers server reflection (dev only).
	Reflection bool
}

// Health wraps a gRPC server carrying only grpc.health.v1.Health.
type Health struct {
	srv    *grpc.Server
	health *health.Server
	log    *zap.Logger
}

// New builds the server. Status starts NOT_SERVING until SetServing(true).
func New(log *zap.Logger, opts Options) *Health {
	if log == nil {
		log = zap.NewNop()
	}
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log)),
	}
	if opts.Creds != nil {
		serverOpts = append(serverOpts, grpc.Creds(opts.Creds))
	}
	s := grpc.NewServer(serverOpts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if opts.Reflection {
		reflection.Register(s)
	}
	h := &Health{srv: s, health: hs, log: log}
	h.SetServing(false)
	return h
}

// SetServing flips both the overall and the named service status.
func (h *Health) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(Service, st)
}

// Serve blocks serving lis.
func (h *Health) Serve(lis net.Listener) error {
	h.log.Info("health listening", zap.String("addr", lis.Addr().String()))
	return h.srv.Serve(lis)
}

// Stop drains in-flight calls, forcing a stop when ctx ends first.
func (h *Health) Stop(ctx context.Context) {
	h.health.Shutdown()
	done := make(chan struct{})
	go func() {
		h.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.srv.Stop()
	}
}
