package storagepb

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName = "strata.StorageService"

	writeMethod = "/" + ServiceName + "/Write"
	readMethod  = "/" + ServiceName + "/Read"
)

type StorageServiceServer interface {
	Write(context.Context, *WriteRequest) (*WriteResponse, error)
	Read(*ReadRequest, ReadServer) error
}

type ReadServer interface {
	Send(*ReadResponse) error
	grpc.ServerStream
}

type readServer struct {
	grpc.ServerStream
}

func (x *readServer) Send(m *ReadResponse) error {
	return x.ServerStream.SendMsg(m)
}

func writeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(WriteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StorageServiceServer).Write(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: writeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StorageServiceServer).Write(ctx, req.(*WriteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func readHandler(srv any, stream grpc.ServerStream) error {
	in := new(ReadRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(StorageServiceServer).Read(in, &readServer{stream})
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StorageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Write", Handler: writeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Read", Handler: readHandler, ServerStreams: true},
	},
	Metadata: "strata/storage.proto",
}

func RegisterStorageServiceServer(s grpc.ServiceRegistrar, srv StorageServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ---------- Client ----------

type StorageServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewStorageServiceClient(cc grpc.ClientConnInterface) *StorageServiceClient {
	return &StorageServiceClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *StorageServiceClient) Write(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*WriteResponse, error) {
	out := new(WriteResponse)
	if err := c.cc.Invoke(ctx, writeMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

type ReadClient interface {
	Recv() (*ReadResponse, error)
	grpc.ClientStream
}

type readClient struct {
	grpc.ClientStream
}

func (x *readClient) Recv() (*ReadResponse, error) {
	m := new(ReadResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *StorageServiceClient) Read(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (ReadClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], readMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &readClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
