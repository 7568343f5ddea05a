package submitservice

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/services/wire"
)

const (
	serviceName         = "gitsubmit.v1.SubmitService"
	submitMethod        = "/" + serviceName + "/Submit"
	getChangeMethod     = "/" + serviceName + "/GetChange"
	submitServiceSource = "gitsubmit/v1/submit"
)

// SubmitRequest asks for a change to be submitted with its dependencies.
type SubmitRequest struct {
	ChangeID  string `json:"change_id"`
	Submitter string `json:"submitter,omitempty"`
	// AllowLockFailureInjection is honored only by servers started with an injector.
	AllowLockFailureInjection bool `json:"allow_lock_failure_injection,omitempty"`
}

// SubmitResponse carries the per-change outcomes. Error holds the aggregated rejection text when
// some change did not merge.
type SubmitResponse struct {
	Result    *models.SubmitResult `json:"result"`
	Error     string               `json:"error,omitempty"`
	Retryable bool                 `json:"retryable,omitempty"`
}

// GetChangeRequest names the change to load.
type GetChangeRequest struct {
	ChangeID string `json:"change_id"`
}

// GetChangeResponse is a change with its messages in creation order.
type GetChangeResponse struct {
	Change   *models.Change          `json:"change"`
	Messages []*models.ChangeMessage `json:"messages"`
}

// SubmitServiceServer is the server API of the submit service.
type SubmitServiceServer interface {
	Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetChange(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterSubmitServiceServer registers srv on s.
func RegisterSubmitServiceServer(s grpc.ServiceRegistrar, srv SubmitServiceServer) {
	s.RegisterService(&SubmitServiceDesc, srv)
}

// methodHandler matches grpc.MethodDesc.Handler.
type methodHandler = func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error)

func unaryHandler(method string, call func(SubmitServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) methodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SubmitServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(SubmitServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// SubmitServiceDesc describes the submit service for grpc.ServiceRegistrar.
var SubmitServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SubmitServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Submit",
			Handler:    unaryHandler(submitMethod, SubmitServiceServer.Submit),
		},
		{
			MethodName: "GetChange",
			Handler:    unaryHandler(getChangeMethod, SubmitServiceServer.GetChange),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: submitServiceSource,
}

// Client is a typed client of the submit service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection to the submit service.
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

// Submit submits a change.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	resp := &SubmitResponse{}
	if err := c.invoke(ctx, submitMethod, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetChange returns a change with its messages.
func (c *Client) GetChange(ctx context.Context, req *GetChangeRequest, opts ...grpc.CallOption) (*GetChangeResponse, error) {
	resp := &GetChangeResponse{}
	if err := c.invoke(ctx, getChangeMethod, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}
