package adminservice

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/niczy/gitsubmit/internal/events"
	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/services/wire"
)

const (
	serviceName                 = "gitsubmit.v1.AdminService"
	createChangeMethod          = "/" + serviceName + "/CreateChange"
	listChangesMethod           = "/" + serviceName + "/ListChanges"
	validateSubscriptionsMethod = "/" + serviceName + "/ValidateSubscriptions"
	rebuildIndexesMethod        = "/" + serviceName + "/RebuildIndexes"
	autoMergeDiffMethod         = "/" + serviceName + "/AutoMergeDiff"
	watchSubmissionsMethod      = "/" + serviceName + "/WatchSubmissions"
)

// CreateChangeRequest registers a change whose first patch set is Commit.
type CreateChangeRequest struct {
	ID      string              `json:"id,omitempty"`
	Project string              `json:"project"`
	Branch  string              `json:"branch"`
	Topic   string              `json:"topic,omitempty"`
	Owner   string              `json:"owner"`
	Commit  string              `json:"commit"`
	Record  models.SubmitRecord `json:"submit_record"`
}

type CreateChangeResponse struct {
	Change *models.Change `json:"change"`
}

type ListChangesRequest struct {
	Project string `json:"project,omitempty"`
	Branch  string `json:"branch,omitempty"`
	Topic   string `json:"topic,omitempty"`
	// Status is NEW, MERGED or ABANDONED; empty lists every status.
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ListChangesResponse struct {
	Changes []*models.Change `json:"changes"`
}

type ValidateSubscriptionsRequest struct{}

type ValidateSubscriptionsResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type RebuildIndexesRequest struct{}

type RebuildIndexesResponse struct {
	Rebuilt bool `json:"rebuilt"`
}

type AutoMergeDiffRequest struct {
	Project string `json:"project"`
	Commit  string `json:"commit"`
}

type AutoMergeDiffResponse struct {
	Commit string   `json:"commit"`
	Base   string   `json:"base,omitempty"`
	Paths  []string `json:"paths"`
}

// WatchSubmissionsRequest filters the event stream. Empty fields match everything.
type WatchSubmissionsRequest struct {
	Project  string `json:"project,omitempty"`
	ChangeID string `json:"change_id,omitempty"`
}

// AdminServiceServer is the server API of the admin service.
type AdminServiceServer interface {
	CreateChange(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListChanges(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ValidateSubscriptions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RebuildIndexes(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	AutoMergeDiff(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	WatchSubmissions(req *structpb.Struct, stream grpc.ServerStream) error
}

// RegisterAdminServiceServer registers srv on s.
func RegisterAdminServiceServer(s grpc.ServiceRegistrar, srv AdminServiceServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

// methodHandler matches grpc.MethodDesc.Handler.
type methodHandler = func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error)

func unaryHandler(method string, call func(AdminServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) methodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AdminServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(AdminServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchSubmissionsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AdminServiceServer).WatchSubmissions(in, stream)
}

// AdminServiceDesc describes the admin service for grpc.ServiceRegistrar.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateChange", Handler: unaryHandler(createChangeMethod, AdminServiceServer.CreateChange)},
		{MethodName: "ListChanges", Handler: unaryHandler(listChangesMethod, AdminServiceServer.ListChanges)},
		{MethodName: "ValidateSubscriptions", Handler: unaryHandler(validateSubscriptionsMethod, AdminServiceServer.ValidateSubscriptions)},
		{MethodName: "RebuildIndexes", Handler: unaryHandler(rebuildIndexesMethod, AdminServiceServer.RebuildIndexes)},
		{MethodName: "AutoMergeDiff", Handler: unaryHandler(autoMergeDiffMethod, AdminServiceServer.AutoMergeDiff)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchSubmissions",
			Handler:       watchSubmissionsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "gitsubmit/v1/admin",
}

// Client is a typed client of the admin service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := wire.Encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return err
	}
	return wire.Decode(out, resp)
}

func (c *Client) CreateChange(ctx context.Context, req *CreateChangeRequest, opts ...grpc.CallOption) (*CreateChangeResponse, error) {
	resp := &CreateChangeResponse{}
	return resp, c.invoke(ctx, createChangeMethod, req, resp, opts...)
}

func (c *Client) ListChanges(ctx context.Context, req *ListChangesRequest, opts ...grpc.CallOption) (*ListChangesResponse, error) {
	resp := &ListChangesResponse{}
	return resp, c.invoke(ctx, listChangesMethod, req, resp, opts...)
}

func (c *Client) ValidateSubscriptions(ctx context.Context, opts ...grpc.CallOption) (*ValidateSubscriptionsResponse, error) {
	resp := &ValidateSubscriptionsResponse{}
	return resp, c.invoke(ctx, validateSubscriptionsMethod, &ValidateSubscriptionsRequest{}, resp, opts...)
}

func (c *Client) RebuildIndexes(ctx context.Context, opts ...grpc.CallOption) (*RebuildIndexesResponse, error) {
	resp := &RebuildIndexesResponse{}
	return resp, c.invoke(ctx, rebuildIndexesMethod, &RebuildIndexesRequest{}, resp, opts...)
}

func (c *Client) AutoMergeDiff(ctx context.Context, req *AutoMergeDiffRequest, opts ...grpc.CallOption) (*AutoMergeDiffResponse, error) {
	resp := &AutoMergeDiffResponse{}
	return resp, c.invoke(ctx, autoMergeDiffMethod, req, resp, opts...)
}

// EventStream receives submission events.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event. It returns io.EOF when the server ends the stream.
func (s *EventStream) Recv() (*events.Event, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	evt := &events.Event{}
	if err := wire.Decode(out, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// WatchSubmissions streams merge and rejection events until ctx is done.
func (c *Client) WatchSubmissions(ctx context.Context, req *WatchSubmissionsRequest, opts ...grpc.CallOption) (*EventStream, error) {
	stream, err := c.cc.NewStream(ctx, &AdminServiceDesc.Streams[0], watchSubmissionsMethod, opts...)
	if err != nil {
		return nil, err
	}
	in, err := wire.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
