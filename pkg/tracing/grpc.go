package tracing

import (
	"context"
	"errors"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// StreamClientInterceptor returns a gRPC stream client interceptor that opens
// a client span per stream and injects the trace context into metadata. The
// span ends when the stream's send side is closed or a receive fails.
func StreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		ctx, span := otel.Tracer(InstrumentationName+"/grpc").Start(ctx, method,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("rpc.system", "grpc"),
				attribute.String("rpc.method", method),
				attribute.String("rpc.service", serviceName(method)),
				attribute.String("net.peer.name", cc.Target()),
				attribute.Bool("rpc.stream.client", desc.ClientStreams),
				attribute.Bool("rpc.stream.server", desc.ServerStreams),
			),
		)

		ctx = injectTraceContext(ctx)

		stream, err := streamer(ctx, desc, cc, method, opts...)
		if err != nil {
			recordGRPCError(span, err)
			span.End()
			return nil, err
		}

		return &tracedClientStream{ClientStream: stream, span: span}, nil
	}
}

// tracedClientStream wraps grpc.ClientStream with tracing.
type tracedClientStream struct {
	grpc.ClientStream
	span trace.Span
}

func (s *tracedClientStream) SendMsg(m any) error {
	err := s.ClientStream.SendMsg(m)
	if err != nil {
		s.span.AddEvent("message.sent.error", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
	}
	return err
}

func (s *tracedClientStream) RecvMsg(m any) error {
	err := s.ClientStream.RecvMsg(m)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.span.SetStatus(codes.Ok, "")
		s.span.End()
	default:
		recordGRPCError(s.span, err)
		s.span.End()
	}
	return err
}

func (s *tracedClientStream) CloseSend() error {
	err := s.ClientStream.CloseSend()
	s.span.AddEvent("close_send")
	return err
}

// injectTraceContext injects trace context into outgoing gRPC metadata.
func injectTraceContext(ctx context.Context) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.New(nil)
	} else {
		md = md.Copy()
	}

	otel.GetTextMapPropagator().Inject(ctx, &metadataCarrier{md: md})

	return metadata.NewOutgoingContext(ctx, md)
}

// metadataCarrier adapts gRPC metadata to an OTel TextMapCarrier.
type metadataCarrier struct {
	md metadata.MD
}

func (c *metadataCarrier) Get(key string) string {
	values := c.md.Get(key)
	if len(values) > 0 {
		return values[0]
	}
	return ""
}

func (c *metadataCarrier) Set(key, value string) {
	c.md.Set(key, value)
}

func (c *metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c.md))
	for k := range c.md {
		keys = append(keys, k)
	}
	return keys
}

func recordGRPCError(span trace.Span, err error) {
	st, _ := status.FromError(err)
	span.SetAttributes(attribute.String("rpc.grpc.status_code", st.Code().String()))
	if st.Code() != grpccodes.OK {
		span.RecordError(err)
		span.SetStatus(codes.Error, st.Message())
	}
}

// serviceName extracts the service from a full gRPC method name.
func serviceName(fullMethod string) string {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	if i := strings.IndexByte(fullMethod, '/'); i >= 0 {
		return fullMethod[:i]
	}
	return fullMethod
}
