package platform

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// The platform API carries google.protobuf.Struct messages, so both sides can
// evolve payload shapes without regenerating code.
const (
	ServiceName = "fridge.platform.v1.Platform"

	MethodConnect         = "Connect"
	MethodHeartbeat       = "Heartbeat"
	MethodPushStatus      = "PushStatus"
	MethodPushBatch       = "PushBatch"
	MethodPullConfig      = "PullConfig"
	MethodPullOTAManifest = "PullOTAManifest"

	StatusSuccess = "success"
)

// PlatformServer is implemented by the remote side of the platform API.
type PlatformServer interface {
	Connect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PushStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PushBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PullConfig(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PullOTAManifest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(PlatformServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PlatformServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: FullMethod(method),
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(PlatformServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PlatformServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodConnect, Handler: unaryHandler(MethodConnect, PlatformServer.Connect)},
		{MethodName: MethodHeartbeat, Handler: unaryHandler(MethodHeartbeat, PlatformServer.Heartbeat)},
		{MethodName: MethodPushStatus, Handler: unaryHandler(MethodPushStatus, PlatformServer.PushStatus)},
		{MethodName: MethodPushBatch, Handler: unaryHandler(MethodPushBatch, PlatformServer.PushBatch)},
		{MethodName: MethodPullConfig, Handler: unaryHandler(MethodPullConfig, PlatformServer.PullConfig)},
		{MethodName: MethodPullOTAManifest, Handler: unaryHandler(MethodPullOTAManifest, PlatformServer.PullOTAManifest)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fridge/platform/v1/platform.proto",
}

func RegisterPlatformServer(s grpc.ServiceRegistrar, srv PlatformServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// EncodeStruct converts any JSON-encodable value to a Struct.
func EncodeStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return s, nil
}

// DecodeStruct fills v from a Struct through its JSON form.
func DecodeStruct(s *structpb.Struct, v interface{}) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
