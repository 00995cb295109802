package observability

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/simenv/internal/logging"
)

type recordingLogger struct {
	fields []logging.Field
	debugs *int
}

func (r recordingLogger) With(fields ...logging.Field) logging.Logger {
	return recordingLogger{fields: append(append([]logging.Field(nil), r.fields...), fields...), debugs: r.debugs}
}
func (r recordingLogger) Debug(context.Context, string, ...logging.Field) { *r.debugs++ }
func (r recordingLogger) Info(context.Context, string, ...logging.Field)  {}
func (r recordingLogger) Warn(context.Context, string, ...logging.Field)  {}
func (r recordingLogger) Error(context.Context, string, ...logging.Field) {}

func fieldValue(l logging.Logger, key string) any {
	rl, ok := l.(recordingLogger)
	if !ok {
		return nil
	}
	for _, f := range rl.fields {
		if f.Key == key {
			return f.Value
		}
	}
	return nil
}

func TestRequestLoggingUsesInboundRequestID(t *testing.T) {
	debugs := 0
	base := recordingLogger{debugs: &debugs}
	interceptor := RequestLoggingUnaryServerInterceptor(base)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDMetadataKey, "req-42"))
	var got logging.Logger
	_, err := interceptor(ctx, struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		got = logging.LoggerFromContext(ctx, nil)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor returned error: %v", err)
	}
	if v := fieldValue(got, "request_id"); v != "req-42" {
		t.Fatalf("request_id = %v, want req-42", v)
	}
	if v := fieldValue(got, "method"); v != info.FullMethod {
		t.Fatalf("method = %v, want %s", v, info.FullMethod)
	}
	if debugs != 1 {
		t.Fatalf("debug lines = %d, want 1", debugs)
	}
}

func TestRequestLoggingGeneratesRequestID(t *testing.T) {
	debugs := 0
	interceptor := RequestLoggingUnaryServerInterceptor(recordingLogger{debugs: &debugs})
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	var got logging.Logger
	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		got = logging.LoggerFromContext(ctx, nil)
		return nil, nil
	})
	id, _ := fieldValue(got, "request_id").(string)
	if len(id) != 36 {
		t.Fatalf("generated request_id = %q, want a uuid", id)
	}
}
