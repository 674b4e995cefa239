package log

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// GRPCStreamClientInterceptor returns a gRPC stream client interceptor that
// logs stream opens and propagates the correlation ID as x-correlation-id.
func GRPCStreamClientInterceptor(logger zerolog.Logger) grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		start := time.Now()

		if id := CorrelationIDFromContext(ctx); id != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, "x-correlation-id", id)
		}

		stream, err := streamer(ctx, desc, cc, method, opts...)

		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.
			Str("method", method).
			Str("status", status.Code(err).String()).
			Bool("client_stream", desc.ClientStreams).
			Bool("server_stream", desc.ServerStreams).
			Dur("duration", time.Since(start)).
			Msg("gRPC stream opened")

		return stream, err
	}
}
