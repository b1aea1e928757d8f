// Package api defines the fabricmon.v1.FabricLinkMonitor gRPC service.
//
// Requests and replies travel as protobuf well-known types. Structured
// replies are google.protobuf.Struct values carrying the JSON form of
// the Go types in this package; Encode and Decode convert between the
// two.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fabricmon.v1.FabricLinkMonitor"

// Full method names.
const (
	StartMethod           = "/" + ServiceName + "/Start"
	StopMethod            = "/" + ServiceName + "/Stop"
	StatusMethod          = "/" + ServiceName + "/Status"
	GetPortStatsMethod    = "/" + ServiceName + "/GetPortStats"
	ListSessionsMethod    = "/" + ServiceName + "/ListSessions"
	GetSessionStatsMethod = "/" + ServiceName + "/GetSessionStats"
)

// FabricLinkMonitorServer is the server side of the service.
type FabricLinkMonitorServer interface {
	// Start starts or restarts monitoring; the reply is a SessionReply.
	Start(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Stop stops monitoring. Stopping a stopped monitor succeeds.
	Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	// Status replies with a StatusReply.
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// GetPortStats takes a PortStatsRequest and replies with a
	// PortStatsReply.
	GetPortStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// ListSessions takes a limit (0 for all) and replies with a
	// SessionsReply.
	ListSessions(context.Context, *wrapperspb.Int32Value) (*structpb.Struct, error)
	// GetSessionStats takes a session id and replies with a
	// SessionStatsReply.
	GetSessionStats(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// RegisterFabricLinkMonitorServer registers srv with s.
func RegisterFabricLinkMonitorServer(s grpc.ServiceRegistrar, srv FabricLinkMonitorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FabricLinkMonitorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Start", Handler: unary(StartMethod, FabricLinkMonitorServer.Start)},
		{MethodName: "Stop", Handler: unary(StopMethod, FabricLinkMonitorServer.Stop)},
		{MethodName: "Status", Handler: unary(StatusMethod, FabricLinkMonitorServer.Status)},
		{MethodName: "GetPortStats", Handler: unary(GetPortStatsMethod, FabricLinkMonitorServer.GetPortStats)},
		{MethodName: "ListSessions", Handler: unary(ListSessionsMethod, FabricLinkMonitorServer.ListSessions)},
		{MethodName: "GetSessionStats", Handler: unary(GetSessionStatsMethod, FabricLinkMonitorServer.GetSessionStats)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fabricmon/v1/fabricmon.proto",
}

// unary adapts a typed server method to a grpc.MethodHandler.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](fullMethod string, call func(FabricLinkMonitorServer, context.Context, PReq) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(FabricLinkMonitorServer)
		if interceptor == nil {
			resp, err := call(s, ctx, in)
			return resp, err
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			resp, err := call(s, ctx, req.(PReq))
			return resp, err
		})
	}
}
