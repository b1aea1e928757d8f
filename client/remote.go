package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/api"
	"github.com/frobware/go-fabricmon/logging"
)

// Client is a connection to a fabricmon daemon.
type Client struct {
	cc     grpc.ClientConnInterface
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// Dial creates a Client for the daemon at address. Addresses starting
// with "/" or "unix://" are unix sockets; anything else is host:port.
// The connection is established lazily on the first call.
func Dial(address string, opts ...Option) (*Client, error) {
	var o dialOptions
	for _, opt := range opts {
		opt(&o)
	}
	target := parseAddress(address)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	c := NewFromConn(conn, o.logger)
	c.conn = conn
	return c, nil
}

// NewFromConn wraps an existing connection. Close does not close cc.
func NewFromConn(cc grpc.ClientConnInterface, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cc: cc, logger: logger.With("component", "client")}
}

// parseAddress normalises an address for gRPC.
// Handles Unix socket paths (unix:// prefix or absolute paths starting with /)
// and TCP addresses (host:port).
func parseAddress(address string) string {
	if strings.HasPrefix(address, "unix://") {
		return address
	}
	if strings.HasPrefix(address, "/") {
		return "unix://" + address
	}
	return address
}

// Close releases the gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Start starts, or restarts, monitoring.
func (c *Client) Start(ctx context.Context) (api.SessionReply, error) {
	var reply api.SessionReply
	err := c.call(ctx, api.StartMethod, &emptypb.Empty{}, &reply)
	return reply, err
}

// Stop stops monitoring.
func (c *Client) Stop(ctx context.Context) error {
	return c.invoke(ctx, api.StopMethod, &emptypb.Empty{}, &emptypb.Empty{})
}

// Status reports whether monitoring is running and the summed counters.
func (c *Client) Status(ctx context.Context) (api.StatusReply, error) {
	var reply api.StatusReply
	err := c.call(ctx, api.StatusMethod, &emptypb.Empty{}, &reply)
	return reply, err
}

// PortStats returns the counters of every monitored port.
func (c *Client) PortStats(ctx context.Context) ([]fabricmon.PortSnapshot, error) {
	return c.portStats(ctx, api.PortStatsRequest{})
}

// Port returns the counters of one monitored port.
func (c *Client) Port(ctx context.Context, port fabricmon.PortID) (fabricmon.PortSnapshot, error) {
	ports, err := c.portStats(ctx, api.PortStatsRequest{Port: &port})
	if err != nil {
		return fabricmon.PortSnapshot{}, err
	}
	if len(ports) != 1 {
		return fabricmon.PortSnapshot{}, fmt.Errorf("port %d: expected one port in reply, got %d", port, len(ports))
	}
	return ports[0], nil
}

func (c *Client) portStats(ctx context.Context, req api.PortStatsRequest) ([]fabricmon.PortSnapshot, error) {
	in, err := api.Encode(req)
	if err != nil {
		return nil, err
	}
	var reply api.PortStatsReply
	if err := c.call(ctx, api.GetPortStatsMethod, in, &reply); err != nil {
		return nil, err
	}
	return reply.Ports, nil
}

// Sessions lists recorded sessions, newest first. A limit of zero
// lists all of them.
func (c *Client) Sessions(ctx context.Context, limit int) ([]fabricmon.Session, error) {
	var reply api.SessionsReply
	if err := c.call(ctx, api.ListSessionsMethod, wrapperspb.Int32(int32(limit)), &reply); err != nil {
		return nil, err
	}
	return reply.Sessions, nil
}

// SessionStats returns a recorded session and its final port counters.
func (c *Client) SessionStats(ctx context.Context, id string) (api.SessionStatsReply, error) {
	var reply api.SessionStatsReply
	err := c.call(ctx, api.GetSessionStatsMethod, wrapperspb.String(id), &reply)
	return reply, err
}

// call invokes a method whose reply is a Struct and decodes it into out.
func (c *Client) call(ctx context.Context, method string, in proto.Message, out any) error {
	var st structpb.Struct
	if err := c.invoke(ctx, method, in, &st); err != nil {
		return err
	}
	return api.Decode(&st, out)
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	c.logger.Log(ctx, logging.LevelTrace.ToSlog(), "invoke", "method", method)
	return translateGRPCError(c.cc.Invoke(ctx, method, in, out))
}

// translateGRPCError converts gRPC status errors into errors that
// callers can match with errors.Is.
func translateGRPCError(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.Unimplemented:
		return fmt.Errorf("%s: %w", st.Message(), ErrNotSupported)
	case codes.NotFound:
		return fmt.Errorf("%s: %w", st.Message(), ErrNotFound)
	case codes.FailedPrecondition:
		if st.Message() == fabricmon.ErrNotRunning.Error() {
			return fabricmon.ErrNotRunning
		}
		return errors.New(st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("invalid argument: %s", st.Message())
	default:
		return err
	}
}
