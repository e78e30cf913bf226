package interceptors

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type LoggingInterceptor struct {
	log *logger.Logger
}

func NewLoggingInterceptor(log *logger.Logger) *LoggingInterceptor {
	return &LoggingInterceptor{log: log}
}

// Unary логирует каждый вызов и превращает панику обработчика в codes.Internal.
func (i *LoggingInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				i.log.Errorw("gRPC handler panicked", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
				err = status.Errorf(codes.Internal, "internal error")
			}
			i.logCall(info.FullMethod, start, err)
		}()
		return handler(ctx, req)
	}
}

// Stream нужен для Watch сервиса здоровья и reflection
func (i *LoggingInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				i.log.Errorw("gRPC stream handler panicked", "method", info.FullMethod, "panic", r)
				err = status.Errorf(codes.Internal, "internal error")
			}
			i.logCall(info.FullMethod, start, err)
		}()
		return handler(srv, ss)
	}
}

func (i *LoggingInterceptor) logCall(method string, start time.Time, err error) {
	code := status.Code(err)
	fields := []interface{}{
		"method", method,
		"code", code.String(),
		"latency_ms", time.Since(start).Milliseconds(),
	}
	switch code {
	case codes.OK:
		i.log.Debugw("gRPC call handled", fields...)
	case codes.Internal, codes.Unknown, codes.DataLoss:
		i.log.Errorw("gRPC call handled", append(fields, "error", err)...)
	default:
		i.log.Warnw("gRPC call handled", append(fields, "error", err)...)
	}
}
