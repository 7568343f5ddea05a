package submitservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/niczy/gitsubmit/internal/server"
	"github.com/niczy/gitsubmit/internal/services/wire"
	"github.com/niczy/gitsubmit/internal/storage"
	"github.com/niczy/gitsubmit/internal/submit"
)

type submitServiceServer struct {
	stack *server.Stack
}

func newSubmitServiceServer(stack *server.Stack) *submitServiceServer {
	return &submitServiceServer{stack: stack}
}

// NewGRPCServer constructs a gRPC server for the submit service backed by stack.
func NewGRPCServer(stack *server.Stack, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	RegisterSubmitServiceServer(srv, newSubmitServiceServer(stack))
	return srv
}

// NewService constructs the submit service implementation for use without gRPC.
func NewService(stack *server.Stack) SubmitServiceServer {
	return newSubmitServiceServer(stack)
}

func (s *submitServiceServer) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRequest
	if err := wire.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	log.Info().Str("change", req.ChangeID).Str("submitter", req.Submitter).Msg("Submit called")

	if req.ChangeID == "" {
		return nil, status.Error(codes.InvalidArgument, "change_id is required")
	}

	result, err := s.stack.Pool.Submit(ctx, req.ChangeID, req.Submitter,
		submit.Options{AllowLockFailureInjection: req.AllowLockFailureInjection})
	resp := &SubmitResponse{Result: result}
	var se *submit.SubmitError
	switch {
	case err == nil:
	case errors.As(err, &se):
		resp.Error = se.Error()
		resp.Retryable = submit.IsRetryable(err)
	default:
		return nil, statusFor(err, "submit failed")
	}
	return encode(resp)
}

func (s *submitServiceServer) GetChange(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req GetChangeRequest
	if err := wire.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	log.Info().Str("change", req.ChangeID).Msg("GetChange called")

	change, err := s.stack.Storage.GetChange(ctx, req.ChangeID)
	if err != nil {
		return nil, statusFor(err, "failed to load change")
	}
	msgs, err := s.stack.Storage.ListChangeMessages(ctx, req.ChangeID)
	if err != nil {
		return nil, statusFor(err, "failed to load change messages")
	}
	return encode(&GetChangeResponse{Change: change, Messages: msgs})
}

func encode(v any) (*structpb.Struct, error) {
	out, err := wire.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func statusFor(err error, what string) error {
	switch {
	case errors.Is(err, storage.ErrChangeNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, fmt.Sprintf("%s: %v", what, err))
}
