package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service names.
const (
	SessionService  = "heartline.v1.Session"
	MessagesService = "heartline.v1.Messages"
	CallsService    = "heartline.v1.Calls"
	PresenceService = "heartline.v1.Presence"
)

// Unary handles one request.
type Unary func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// ServerStream handles a server-streaming request; send delivers one message.
type ServerStream func(ctx context.Context, in *structpb.Struct, send func(*structpb.Struct) error) error

// Service is one gRPC service assembled from handler funcs.
type Service struct {
	Name    string
	Unary   map[string]Unary
	Streams map[string]ServerStream
}

// Desc builds the service descriptor grpc.Server.RegisterService expects.
func (s Service) Desc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: s.Name,
		HandlerType: (*any)(nil),
		Metadata:    "heartline/v1",
	}
	for name, h := range s.Unary {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    unaryHandler(s.Name, name, h),
		})
	}
	for name, h := range s.Streams {
		desc.Streams = append(desc.Streams, grpc.StreamDesc{
			StreamName:    name,
			ServerStreams: true,
			Handler:       streamHandler(h),
		})
	}
	return desc
}

// Register adds every service to srv.
func Register(srv *grpc.Server, services ...Service) {
	for _, s := range services {
		srv.RegisterService(s.Desc(), s)
	}
}

func unaryHandler(service, method string, h Unary) grpc.MethodHandler {
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return h(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: nil, FullMethod: "/" + service + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return h(ctx, req.(*structpb.Struct))
		})
	}
}

func streamHandler(h ServerStream) grpc.StreamHandler {
	return func(_ any, stream grpc.ServerStream) error {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return h(stream.Context(), in, func(out *structpb.Struct) error {
			return stream.SendMsg(out)
		})
	}
}
