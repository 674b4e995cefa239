package nodev1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified NodeService name.
const ServiceName = "fleetd.node.v1.NodeService"

const (
	SubscribeMethod             = "/" + ServiceName + "/Subscribe"
	ReportTaskExecutionMethod   = "/" + ServiceName + "/ReportTaskExecution"
	ReportFileWatchEventsMethod = "/" + ServiceName + "/ReportFileWatchEvents"
)

// NodeServiceClient is the client API for NodeService.
type NodeServiceClient interface {
	Subscribe(ctx context.Context, opts ...grpc.CallOption) (NodeService_SubscribeClient, error)
	ReportTaskExecution(ctx context.Context, opts ...grpc.CallOption) (NodeService_ReportTaskExecutionClient, error)
	ReportFileWatchEvents(ctx context.Context, opts ...grpc.CallOption) (NodeService_ReportFileWatchEventsClient, error)
}

type nodeServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewNodeServiceClient returns a NodeService client over cc.
func NewNodeServiceClient(cc grpc.ClientConnInterface) NodeServiceClient {
	return &nodeServiceClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *nodeServiceClient) Subscribe(ctx context.Context, opts ...grpc.CallOption) (NodeService_SubscribeClient, error) {
	stream, err := c.cc.NewStream(ctx, &NodeService_ServiceDesc.Streams[0], SubscribeMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &nodeServiceSubscribeClient{stream}, nil
}

func (c *nodeServiceClient) ReportTaskExecution(ctx context.Context, opts ...grpc.CallOption) (NodeService_ReportTaskExecutionClient, error) {
	stream, err := c.cc.NewStream(ctx, &NodeService_ServiceDesc.Streams[1], ReportTaskExecutionMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &nodeServiceReportTaskExecutionClient{stream}, nil
}

func (c *nodeServiceClient) ReportFileWatchEvents(ctx context.Context, opts ...grpc.CallOption) (NodeService_ReportFileWatchEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &NodeService_ServiceDesc.Streams[2], ReportFileWatchEventsMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &nodeServiceReportFileWatchEventsClient{stream}, nil
}

// NodeService_SubscribeClient is the agent side of the Subscribe stream.
type NodeService_SubscribeClient interface {
	Send(*AgentMessage) error
	Recv() (*InboundEvent, error)
	grpc.ClientStream
}

type nodeServiceSubscribeClient struct {
	grpc.ClientStream
}

func (x *nodeServiceSubscribeClient) Send(m *AgentMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *nodeServiceSubscribeClient) Recv() (*InboundEvent, error) {
	m := new(InboundEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NodeService_ReportTaskExecutionClient is the agent side of the task report stream.
type NodeService_ReportTaskExecutionClient interface {
	Send(*TaskExecutionReport) error
	CloseAndRecv() (*ReportAck, error)
	grpc.ClientStream
}

type nodeServiceReportTaskExecutionClient struct {
	grpc.ClientStream
}

func (x *nodeServiceReportTaskExecutionClient) Send(m *TaskExecutionReport) error {
	return x.ClientStream.SendMsg(m)
}

func (x *nodeServiceReportTaskExecutionClient) CloseAndRecv() (*ReportAck, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(ReportAck)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NodeService_ReportFileWatchEventsClient is the agent side of the file-watch stream.
type NodeService_ReportFileWatchEventsClient interface {
	Send(*FileWatchEvent) error
	CloseAndRecv() (*ReportAck, error)
	grpc.ClientStream
}

type nodeServiceReportFileWatchEventsClient struct {
	grpc.ClientStream
}

func (x *nodeServiceReportFileWatchEventsClient) Send(m *FileWatchEvent) error {
	return x.ClientStream.SendMsg(m)
}

func (x *nodeServiceReportFileWatchEventsClient) CloseAndRecv() (*ReportAck, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(ReportAck)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NodeServiceServer is the server API for NodeService. The agent never
// serves it; it exists for test doubles and control-plane implementations.
type NodeServiceServer interface {
	Subscribe(NodeService_SubscribeServer) error
	ReportTaskExecution(NodeService_ReportTaskExecutionServer) error
	ReportFileWatchEvents(NodeService_ReportFileWatchEventsServer) error
}

// UnimplementedNodeServiceServer can be embedded for forward compatibility.
type UnimplementedNodeServiceServer struct{}

func (UnimplementedNodeServiceServer) Subscribe(NodeService_SubscribeServer) error {
	return status.Error(codes.Unimplemented, "method Subscribe not implemented")
}

func (UnimplementedNodeServiceServer) ReportTaskExecution(NodeService_ReportTaskExecutionServer) error {
	return status.Error(codes.Unimplemented, "method ReportTaskExecution not implemented")
}

func (UnimplementedNodeServiceServer) ReportFileWatchEvents(NodeService_ReportFileWatchEventsServer) error {
	return status.Error(codes.Unimplemented, "method ReportFileWatchEvents not implemented")
}

// RegisterNodeServiceServer registers srv on s.
func RegisterNodeServiceServer(s grpc.ServiceRegistrar, srv NodeServiceServer) {
	s.RegisterService(&NodeService_ServiceDesc, srv)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(NodeServiceServer).Subscribe(&nodeServiceSubscribeServer{stream})
}

func reportTaskExecutionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(NodeServiceServer).ReportTaskExecution(&nodeServiceReportTaskExecutionServer{stream})
}

func reportFileWatchEventsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(NodeServiceServer).ReportFileWatchEvents(&nodeServiceReportFileWatchEventsServer{stream})
}

// NodeService_SubscribeServer is the control-plane side of the Subscribe stream.
type NodeService_SubscribeServer interface {
	Send(*InboundEvent) error
	Recv() (*AgentMessage, error)
	grpc.ServerStream
}

type nodeServiceSubscribeServer struct {
	grpc.ServerStream
}

func (x *nodeServiceSubscribeServer) Send(m *InboundEvent) error {
	return x.ServerStream.SendMsg(m)
}

func (x *nodeServiceSubscribeServer) Recv() (*AgentMessage, error) {
	m := new(AgentMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NodeService_ReportTaskExecutionServer is the control-plane side of the task report stream.
type NodeService_ReportTaskExecutionServer interface {
	SendAndClose(*ReportAck) error
	Recv() (*TaskExecutionReport, error)
	grpc.ServerStream
}

type nodeServiceReportTaskExecutionServer struct {
	grpc.ServerStream
}

func (x *nodeServiceReportTaskExecutionServer) SendAndClose(m *ReportAck) error {
	return x.ServerStream.SendMsg(m)
}

func (x *nodeServiceReportTaskExecutionServer) Recv() (*TaskExecutionReport, error) {
	m := new(TaskExecutionReport)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NodeService_ReportFileWatchEventsServer is the control-plane side of the file-watch stream.
type NodeService_ReportFileWatchEventsServer interface {
	SendAndClose(*ReportAck) error
	Recv() (*FileWatchEvent, error)
	grpc.ServerStream
}

type nodeServiceReportFileWatchEventsServer struct {
	grpc.ServerStream
}

func (x *nodeServiceReportFileWatchEventsServer) SendAndClose(m *ReportAck) error {
	return x.ServerStream.SendMsg(m)
}

func (x *nodeServiceReportFileWatchEventsServer) Recv() (*FileWatchEvent, error) {
	m := new(FileWatchEvent)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NodeService_ServiceDesc is the grpc.ServiceDesc for NodeService.
var NodeService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "ReportTaskExecution",
			Handler:       reportTaskExecutionHandler,
			ClientStreams: true,
		},
		{
			StreamName:    "ReportFileWatchEvents",
			Handler:       reportFileWatchEventsHandler,
			ClientStreams: true,
		},
	},
	Metadata: "fleetd/node/v1/node.proto",
}
