package uploadrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "xdao.w3car.upload.v1.Uploader"

// UploaderServer is the server API for the Uploader gRPC service.
//
// Requests carry the raw payload as a BytesValue; replies are Structs with
// the fields listed on Summary. Well-known types keep this package free of a
// protoc toolchain.
type UploaderServer interface {
	Pack(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
	Upload(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
}

// UnimplementedUploaderServer can be embedded to have forward compatible implementations.
type UnimplementedUploaderServer struct{}

func (UnimplementedUploaderServer) Pack(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Pack not implemented")
}
func (UnimplementedUploaderServer) Upload(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Upload not implemented")
}

// RegisterUploaderServer registers the Uploader service on a gRPC server.
func RegisterUploaderServer(s grpc.ServiceRegistrar, srv UploaderServer) {
	s.RegisterService(&Uploader_ServiceDesc, srv)
}

// UploaderClient is the client API for the Uploader gRPC service.
type UploaderClient interface {
	Pack(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*structpb.Struct, error)
	Upload(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type uploaderClient struct{ cc grpc.ClientConnInterface }

func NewUploaderClient(cc grpc.ClientConnInterface) UploaderClient { return &uploaderClient{cc: cc} }

func (c *uploaderClient) Pack(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Pack", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *uploaderClient) Upload(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Upload", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _Uploader_Pack_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(UploaderServer).Pack(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Pack"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(UploaderServer).Pack(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Uploader_Upload_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(UploaderServer).Upload(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Upload"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(UploaderServer).Upload(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Uploader_ServiceDesc is the grpc.ServiceDesc for the Uploader service.
var Uploader_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*UploaderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Pack", Handler: _Uploader_Pack_Handler},
		{MethodName: "Upload", Handler: _Uploader_Upload_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "upload.proto",
}
