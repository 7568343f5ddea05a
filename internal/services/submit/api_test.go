package submitservice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/niczy/gitsubmit/internal/services/wire"
)

type echoServer struct{}

func (echoServer) Submit(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return req, nil
}

func (echoServer) GetChange(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return req, nil
}

func decodeInto(t *testing.T, v any) func(interface{}) error {
	encoded, err := wire.Encode(v)
	require.NoError(t, err)
	return func(dst interface{}) error {
		raw, err := encoded.MarshalJSON()
		if err != nil {
			return err
		}
		return dst.(*structpb.Struct).UnmarshalJSON(raw)
	}
}

func TestServiceDescHandlers(t *testing.T) {
	require.Len(t, SubmitServiceDesc.Methods, 2)
	var handler methodHandler
	for _, m := range SubmitServiceDesc.Methods {
		if m.MethodName == "Submit" {
			handler = m.Handler
		}
	}
	require.NotNil(t, handler)

	out, err := handler(echoServer{}, context.Background(), decodeInto(t, &SubmitRequest{ChangeID: "7"}), nil)
	require.NoError(t, err)
	var req SubmitRequest
	require.NoError(t, wire.Decode(out.(*structpb.Struct), &req))
	assert.Equal(t, "7", req.ChangeID)

	var seen string
	interceptor := func(ctx context.Context, in interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (interface{}, error) {
		seen = info.FullMethod
		return next(ctx, in)
	}
	out, err = handler(echoServer{}, context.Background(), decodeInto(t, &SubmitRequest{ChangeID: "8"}), interceptor)
	require.NoError(t, err)
	require.NoError(t, wire.Decode(out.(*structpb.Struct), &req))
	assert.Equal(t, "8", req.ChangeID)
	assert.Equal(t, "/gitsubmit.v1.SubmitService/Submit", seen)
}
