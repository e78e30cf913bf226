package interceptors

import (
	"context"
	"testing"

	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryPassesThroughResult(t *testing.T) {
	i := NewLoggingInterceptor(logger.NewNop())
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	resp, err := i.Unary()(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "ok", resp)

	want := status.Error(codes.NotFound, "unknown service")
	_, err = i.Unary()(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, want
	})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestUnaryRecoversPanic(t *testing.T) {
	i := NewLoggingInterceptor(logger.NewNop())
	info := &grpc.UnaryServerInfo{FullMethod: "/svc/Boom"}

	_, err := i.Unary()(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		panic("boom")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
}
