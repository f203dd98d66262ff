// Package api exposes the riskdesk engine over gRPC: unary calls for sizing,
// risk, bracket entries and exits, and a server stream of monitor alarms.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc"

	"riskdesk/internal/config"
)

// Server hosts the RiskDesk gRPC service.
type Server struct {
	grpc *grpc.Server
	addr string
	log  *slog.Logger
}

// NewServer creates a Server listening on the configured host and port.
func NewServer(cfg config.Server, svc *Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(recoverInterceptor(log)))
	svc.RegisterGRPC(gs)
	return &Server{
		grpc: gs,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.GRPCPort)),
		log:  log.With("component", "grpc"),
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled, then stops gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = s.Shutdown(shutdownCtx)
		case <-done:
		}
	}()

	s.log.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown stops accepting new calls and waits for in-flight calls. If ctx
// expires first, remaining calls and streams are cut off.
func (s *Server) Shutdown(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		s.log.Info("gRPC server stopped")
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		s.log.Warn("gRPC server forced to stop", "error", ctx.Err())
		return ctx.Err()
	}
}

func recoverInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in rpc", "method", info.FullMethod, "panic", r)
				err = toStatus(fmt.Errorf("internal error in %s", info.FullMethod))
			}
		}()
		return handler(ctx, req)
	}
}
