package gossippb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the gRPC service path grpcnet registers and dials.
// There is no protoc-gen-go-grpc run behind this file — this package
// hand-authors the same shapes that generator produces (ServiceDesc,
// client/server interfaces, stream wrappers) so grpc-go's real
// transport, codec, and stream machinery carries every byte.
const ServiceName = "qcored.totem.v1.TotemGossip"

// TotemGossipClient is the hand-authored equivalent of a protoc-gen-go-grpc
// client interface for the totem substrate's three RPCs.
type TotemGossipClient interface {
	Join(ctx context.Context, in *JoinRequest, opts ...grpc.CallOption) (*JoinResponse, error)
	Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
	Gossip(ctx context.Context, opts ...grpc.CallOption) (TotemGossip_GossipClient, error)
}

type totemGossipClient struct {
	cc grpc.ClientConnInterface
}

// NewTotemGossipClient builds a client bound to cc. cc must have been
// dialed with grpc.WithDefaultCallOptions(grpc.ForceCodec(...)) or the
// codec package must already be imported for its init() registration —
// grpcnet relies on the init() registration.
func NewTotemGossipClient(cc grpc.ClientConnInterface) TotemGossipClient {
	return &totemGossipClient{cc: cc}
}

func (c *totemGossipClient) Join(ctx context.Context, in *JoinRequest, opts ...grpc.CallOption) (*JoinResponse, error) {
	out := new(JoinResponse)
	if err := c.cc.Invoke(ctx, ServiceName+"/Join", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *totemGossipClient) Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	if err := c.cc.Invoke(ctx, ServiceName+"/Health", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *totemGossipClient) Gossip(ctx context.Context, opts ...grpc.CallOption) (TotemGossip_GossipClient, error) {
	stream, err := c.cc.NewStream(ctx, &totemGossipServiceDesc.Streams[0], ServiceName+"/Gossip", opts...)
	if err != nil {
		return nil, err
	}
	return &totemGossipGossipClient{stream}, nil
}

// TotemGossip_GossipClient is the bidi-streaming half of the Gossip RPC a
// caller holds: Send submits frames (sequenced or raw, depending on
// whether the remote peer is the ring's current sequencer), Recv
// delivers whatever the remote chooses to push back.
type TotemGossip_GossipClient interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ClientStream
}

type totemGossipGossipClient struct {
	grpc.ClientStream
}

func (s *totemGossipGossipClient) Send(f *Frame) error {
	return s.ClientStream.SendMsg(f)
}

func (s *totemGossipGossipClient) Recv() (*Frame, error) {
	m := new(Frame)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// TotemGossipServer is the server-side counterpart. Gossip is served one
// goroutine per inbound peer stream; the implementation is responsible
// for reading submissions from non-sequencer peers and, when this node is
// the sequencer, rebroadcasting ordered frames on every other open
// stream.
type TotemGossipServer interface {
	Join(context.Context, *JoinRequest) (*JoinResponse, error)
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
	Gossip(TotemGossip_GossipServer) error
}

// UnimplementedTotemGossipServer embeds into a real implementation for
// forward compatibility the way protoc-gen-go-grpc's own stub does.
type UnimplementedTotemGossipServer struct{}

func (UnimplementedTotemGossipServer) Join(context.Context, *JoinRequest) (*JoinResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Join not implemented")
}

func (UnimplementedTotemGossipServer) Health(context.Context, *HealthRequest) (*HealthResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Health not implemented")
}

func (UnimplementedTotemGossipServer) Gossip(TotemGossip_GossipServer) error {
	return status.Error(codes.Unimplemented, "method Gossip not implemented")
}

// TotemGossip_GossipServer is the server-side stream handle.
type TotemGossip_GossipServer interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ServerStream
}

type totemGossipGossipServer struct {
	grpc.ServerStream
}

func (s *totemGossipGossipServer) Send(f *Frame) error {
	return s.ServerStream.SendMsg(f)
}

func (s *totemGossipGossipServer) Recv() (*Frame, error) {
	m := new(Frame)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterTotemGossipServer wires srv into s under the hand-authored
// ServiceDesc below.
func RegisterTotemGossipServer(s grpc.ServiceRegistrar, srv TotemGossipServer) {
	s.RegisterService(&totemGossipServiceDesc, srv)
}

func totemGossipJoinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(JoinRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TotemGossipServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Join"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TotemGossipServer).Join(ctx, req.(*JoinRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func totemGossipHealthHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TotemGossipServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Health"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TotemGossipServer).Health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func totemGossipGossipHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TotemGossipServer).Gossip(&totemGossipGossipServer{stream})
}

var totemGossipServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TotemGossipServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: totemGossipJoinHandler},
		{MethodName: "Health", Handler: totemGossipHealthHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Gossip",
			Handler:       totemGossipGossipHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "internal/totem/grpcnet/gossippb/service.go",
}
