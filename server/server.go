// Package server implements the fabricmon gRPC server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/api"
	"github.com/frobware/go-fabricmon/logging"
	"github.com/frobware/go-fabricmon/monitor"
)

// Monitor is the part of monitor.Monitor the server drives.
type Monitor interface {
	Start(ctx context.Context) (monitor.SessionInfo, error)
	Stop(ctx context.Context) error
	Session() (monitor.SessionInfo, error)
	Snapshot() ([]fabricmon.PortSnapshot, error)
	PortSnapshot(port fabricmon.PortID) (fabricmon.PortSnapshot, error)
	UnknownPortCount() uint64
}

// History answers questions about finished sessions.
type History interface {
	GetSession(ctx context.Context, id string) (fabricmon.Session, error)
	ListSessions(ctx context.Context, limit int) ([]fabricmon.Session, error)
	GetSessionStats(ctx context.Context, id string) ([]fabricmon.PortSnapshot, error)
}

// Server implements the FabricLinkMonitor gRPC service.
type Server struct {
	monitor   Monitor
	history   History
	logger    *slog.Logger
	opCounter atomic.Uint64
}

var _ api.FabricLinkMonitorServer = (*Server)(nil)

// New creates a server. A nil history makes the session history
// methods return Unavailable.
func New(mon Monitor, history History, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		monitor: mon,
		history: history,
		logger:  logger.With("component", "server"),
	}
}

// Register adds the service to r.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	api.RegisterFabricLinkMonitorServer(r, s)
}

// Start implements api.FabricLinkMonitorServer.
func (s *Server) Start(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	info, err := s.monitor.Start(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	reply := api.SessionReply{
		Session:       info.Session,
		Groups:        info.Membership.GroupToPorts,
		LinkSwitchIDs: info.LinkSwitchIDs,
	}
	return encode(reply)
}

// Stop implements api.FabricLinkMonitorServer.
func (s *Server) Stop(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.monitor.Stop(ctx); err != nil {
		return nil, grpcError(err)
	}
	return &emptypb.Empty{}, nil
}

// Status implements api.FabricLinkMonitorServer.
func (s *Server) Status(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	reply := api.StatusReply{UnknownPortFrames: s.monitor.UnknownPortCount()}
	info, err := s.monitor.Session()
	switch {
	case errors.Is(err, fabricmon.ErrNotRunning):
		return encode(reply)
	case err != nil:
		return nil, grpcError(err)
	}
	reply.Running = true
	reply.Session = &info.Session
	ports, err := s.monitor.Snapshot()
	if err != nil {
		// Stopped between the two calls.
		if errors.Is(err, fabricmon.ErrNotRunning) {
			return encode(api.StatusReply{UnknownPortFrames: reply.UnknownPortFrames})
		}
		return nil, grpcError(err)
	}
	for _, p := range ports {
		reply.Totals = reply.Totals.Add(p.Stats)
	}
	return encode(reply)
}

// GetPortStats implements api.FabricLinkMonitorServer.
func (s *Server) GetPortStats(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.PortStatsRequest
	if err := api.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Port != nil {
		snap, err := s.monitor.PortSnapshot(*req.Port)
		if err != nil {
			return nil, grpcError(err)
		}
		return encode(api.PortStatsReply{Ports: []fabricmon.PortSnapshot{snap}})
	}
	ports, err := s.monitor.Snapshot()
	if err != nil {
		return nil, grpcError(err)
	}
	return encode(api.PortStatsReply{Ports: ports})
}

// ListSessions implements api.FabricLinkMonitorServer.
func (s *Server) ListSessions(ctx context.Context, in *wrapperspb.Int32Value) (*structpb.Struct, error) {
	if s.history == nil {
		return nil, status.Error(codes.Unavailable, "session history is not enabled")
	}
	if in.GetValue() < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "limit must not be negative: %d", in.GetValue())
	}
	sessions, err := s.history.ListSessions(ctx, int(in.GetValue()))
	if err != nil {
		return nil, grpcError(err)
	}
	return encode(api.SessionsReply{Sessions: sessions})
}

// GetSessionStats implements api.FabricLinkMonitorServer.
func (s *Server) GetSessionStats(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if s.history == nil {
		return nil, status.Error(codes.Unavailable, "session history is not enabled")
	}
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "session id is required")
	}
	sess, err := s.history.GetSession(ctx, in.GetValue())
	if err != nil {
		return nil, grpcError(err)
	}
	ports, err := s.history.GetSessionStats(ctx, sess.ID)
	if err != nil {
		return nil, grpcError(err)
	}
	return encode(api.SessionStatsReply{Session: sess, Ports: ports})
}

func encode(v any) (*structpb.Struct, error) {
	st, err := api.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// grpcError maps domain errors onto gRPC status codes.
func grpcError(err error) error {
	var (
		portErr    fabricmon.ErrPortNotMonitored
		sessionErr fabricmon.ErrSessionNotFound
	)
	switch {
	case errors.Is(err, fabricmon.ErrNotRunning):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &portErr), errors.As(err, &sessionErr):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Interceptor returns a gRPC unary interceptor that assigns a
// monotonic operation ID to each request and logs its outcome.
func (s *Server) Interceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		opID := s.opCounter.Add(1)
		ctx = logging.WithOpID(ctx, strconv.FormatUint(opID, 10))
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			s.logger.ErrorContext(ctx, "grpc error", "method", info.FullMethod, "error", err)
		} else {
			s.logger.DebugContext(ctx, "grpc request", "method", info.FullMethod, "duration", time.Since(start))
		}
		return resp, err
	}
}

// Serve runs the gRPC service on the unix socket and, when tcpAddr is
// set, on TCP until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, socketPath, tcpAddr string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	unixListener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	defer unixListener.Close()

	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(s.Interceptor()))
	s.Register(grpcServer)

	errChan := make(chan error, 2)

	go func() {
		s.logger.InfoContext(ctx, "fabricmon gRPC server listening", "socket", socketPath)
		if err := grpcServer.Serve(unixListener); err != nil {
			errChan <- fmt.Errorf("unix socket server: %w", err)
		}
	}()

	if tcpAddr != "" {
		tcpListener, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			grpcServer.GracefulStop()
			return fmt.Errorf("failed to listen on TCP %s: %w", tcpAddr, err)
		}
		go func() {
			s.logger.InfoContext(ctx, "fabricmon gRPC server listening", "tcp", tcpListener.Addr().String())
			if err := grpcServer.Serve(tcpListener); err != nil {
				errChan <- fmt.Errorf("tcp server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gRPC server")
		grpcServer.GracefulStop()
		return nil
	case err := <-errChan:
		grpcServer.Stop()
		return err
	}
}
