// ABOUTME: AgentRemote gRPC service: one bidirectional stream per agent using the binary codec.
// ABOUTME: Hand-written service descriptor plus a registered encoding.Codec, no generated stubs.

package transport

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/2389/gantry/internal/protocol"
)

// CodecName is the gRPC content-subtype of the agent stream.
const CodecName = "gantry"

const (
	serviceName = "gantry.AgentRemote"
	methodName  = "Stream"
	// StreamMethod is the full method name of the agent stream.
	StreamMethod = "/" + serviceName + "/" + methodName
)

// frame is a raw message body. Receiving into a frame keeps decode errors
// in our hands instead of grpc's status wrapping.
type frame struct {
	data []byte
}

// grpcCodec marshals *protocol.Message with the binary codec and passes
// frames through untouched.
type grpcCodec struct{}

func (grpcCodec) Marshal(v any) ([]byte, error) {
	switch v := v.(type) {
	case *protocol.Message:
		return protocol.BinaryCodec{}.Encode(v)
	case *frame:
		return v.data, nil
	default:
		return nil, fmt.Errorf("gantry codec cannot marshal %T", v)
	}
}

func (grpcCodec) Unmarshal(data []byte, v any) error {
	switch v := v.(type) {
	case *frame:
		v.data = append(v.data[:0], data...)
		return nil
	case *protocol.Message:
		m, err := protocol.BinaryCodec{}.Decode(data)
		if err != nil {
			return err
		}
		*v = *m
		return nil
	default:
		return fmt.Errorf("gantry codec cannot unmarshal into %T", v)
	}
}

func (grpcCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(grpcCodec{})
}

// AgentRemoteServer is the service implementation type.
type AgentRemoteServer interface {
	Stream(stream grpc.ServerStream) error
}

// ServiceDesc describes the AgentRemote service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AgentRemoteServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodName,
			Handler:       agentStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "gantry/agent_remote",
}

func agentStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentRemoteServer).Stream(stream)
}

// RegisterGRPC registers the agent stream service backed by h.
func RegisterGRPC(s *grpc.Server, h *Handler) {
	s.RegisterService(&ServiceDesc, &agentRemoteServer{handler: h})
}

type agentRemoteServer struct {
	handler *Handler
}

// Stream runs one agent session for the life of the RPC.
func (s *agentRemoteServer) Stream(stream grpc.ServerStream) error {
	err := s.handler.Serve(stream.Context(), newGRPCStream(stream, nil), "grpc")
	if err == nil || stream.Context().Err() != nil {
		return nil
	}
	if status.Code(err) != codes.Unknown {
		return err
	}
	return status.Errorf(codes.Internal, "agent session: %v", err)
}

// msgStream is what grpc.ServerStream and grpc.ClientStream share.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type grpcStream struct {
	stream  msgStream
	closeFn func() error
}

func newGRPCStream(stream msgStream, closeFn func() error) *grpcStream {
	return &grpcStream{stream: stream, closeFn: closeFn}
}

func (g *grpcStream) Send(msg *protocol.Message) error {
	return g.stream.SendMsg(msg)
}

func (g *grpcStream) Recv() (*protocol.Message, error) {
	var f frame
	if err := g.stream.RecvMsg(&f); err != nil {
		return nil, err
	}
	return protocol.BinaryCodec{}.Decode(f.data)
}

func (g *grpcStream) Close() error {
	if g.closeFn == nil {
		return nil
	}
	return g.closeFn()
}

// ServerOptions are the keepalive settings the server uses for agents.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
}

// DialGRPC opens the agent stream to addr. Closing the returned Stream
// ends the RPC and the underlying connection. The connection is plaintext
// unless opts carry transport credentials, which replace the default.
func DialGRPC(ctx context.Context, addr string, opts ...grpc.DialOption) (Stream, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                15 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating grpc client: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	cs, err := conn.NewStream(streamCtx, &ServiceDesc.Streams[0], StreamMethod)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("opening agent stream: %w", err)
	}
	return newGRPCStream(cs, func() error {
		_ = cs.CloseSend()
		cancel()
		return conn.Close()
	}), nil
}
