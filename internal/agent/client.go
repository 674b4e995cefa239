package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	nodev1 "github.com/fleetd/fleetd/api/node/v1"
	"github.com/fleetd/fleetd/internal/report"
	"github.com/fleetd/fleetd/pkg/log"
	"github.com/fleetd/fleetd/pkg/tracing"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

// Session is one live duplex session with the control plane.
type Session interface {
	// Recv blocks for the next inbound event.
	Recv() (*nodev1.InboundEvent, error)
	// Send writes one agent message. It is safe for concurrent use.
	Send(msg *nodev1.AgentMessage) error
	// Openers returns the outbound report stream openers for this session.
	Openers() report.Openers
	Close() error
}

// Transport opens sessions. The session must end when ctx is cancelled.
type Transport interface {
	Open(ctx context.Context) (Session, error)
}

// Identity is the metadata attached to every outbound call.
type Identity struct {
	NodeID   string
	HostName string
	Mode     string
	Token    string
}

func (id Identity) metadata() metadata.MD {
	md := metadata.New(map[string]string{
		"node-id":   id.NodeID,
		"host-name": id.HostName,
		"mode":      id.Mode,
	})
	if id.Token != "" {
		md.Set("authorization", "Bearer "+id.Token)
	}
	return md
}

// Client manages the gRPC connection to the control plane.
type Client struct {
	config   *Config
	identity Identity
	logger   zerolog.Logger
	extra    []grpc.DialOption

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewClient creates a control plane client. extra dial options are appended
// after the defaults, which lets tests dial over bufconn.
func NewClient(cfg *Config, identity Identity, logger zerolog.Logger, extra ...grpc.DialOption) *Client {
	return &Client{
		config:   cfg,
		identity: identity,
		logger:   logger.With().Str("component", "client").Logger(),
		extra:    extra,
	}
}

// Connect establishes a fresh gRPC connection, closing any previous one.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	creds, err := c.transportCredentials()
	if err != nil {
		return err
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(16*1024*1024),
			grpc.MaxCallSendMsgSize(16*1024*1024),
		),
		grpc.WithChainStreamInterceptor(
			tracing.StreamClientInterceptor(),
			log.GRPCStreamClientInterceptor(c.logger),
		),
	}
	opts = append(opts, c.extra...)

	c.logger.Debug().
		Str("url", c.config.ControlPlaneURL).
		Bool("tls", c.config.TLSEnabled).
		Msg("Connecting to control plane")

	conn, err := grpc.NewClient(c.config.ControlPlaneURL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.conn = conn
	return nil
}

func (c *Client) transportCredentials() (credentials.TransportCredentials, error) {
	if !c.config.TLSEnabled {
		return insecure.NewCredentials(), nil
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.config.TLSInsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if c.config.TLSCAFile != "" {
		pem, err := os.ReadFile(c.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.config.TLSCAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if c.config.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.config.TLSCertFile, c.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return credentials.NewTLS(tlsConfig), nil
}

// Open connects and subscribes, returning a session bound to ctx.
func (c *Client) Open(ctx context.Context) (Session, error) {
	if err := c.Connect(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	client := nodev1.NewNodeServiceClient(c.conn)
	c.mu.Unlock()

	stream, err := client.Subscribe(c.outgoing(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	c.logger.Info().
		Str("node_id", c.identity.NodeID).
		Msg("Subscribed to control plane")

	return &grpcSession{client: client, stream: stream, outgoing: c.outgoing}, nil
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	return metadata.NewOutgoingContext(ctx, c.identity.metadata())
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// grpcSession wraps the Subscribe stream. Sends are serialized because
// handlers answer from several dispatcher workers.
type grpcSession struct {
	client   nodev1.NodeServiceClient
	stream   nodev1.NodeService_SubscribeClient
	outgoing func(context.Context) context.Context

	mu sync.Mutex
}

func (s *grpcSession) Recv() (*nodev1.InboundEvent, error) {
	ev, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("stream closed by server: %w", err)
		}
		return nil, err
	}
	return ev, nil
}

func (s *grpcSession) Send(msg *nodev1.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.Send(msg)
}

func (s *grpcSession) Openers() report.Openers {
	return report.Openers{
		TaskReports: func(ctx context.Context) (report.Sink[*nodev1.TaskExecutionReport], error) {
			stream, err := s.client.ReportTaskExecution(s.outgoing(ctx))
			if err != nil {
				return nil, fmt.Errorf("failed to open task report stream: %w", err)
			}
			return reportSink[*nodev1.TaskExecutionReport]{stream: stream}, nil
		},
		FileWatchEvents: func(ctx context.Context) (report.Sink[*nodev1.FileWatchEvent], error) {
			stream, err := s.client.ReportFileWatchEvents(s.outgoing(ctx))
			if err != nil {
				return nil, fmt.Errorf("failed to open file watch stream: %w", err)
			}
			return reportSink[*nodev1.FileWatchEvent]{stream: stream}, nil
		},
	}
}

func (s *grpcSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.CloseSend()
}

type reportStream[T any] interface {
	Send(T) error
	CloseAndRecv() (*nodev1.ReportAck, error)
}

// reportSink adapts a client-streaming report call to report.Sink.
type reportSink[T any] struct {
	stream reportStream[T]
}

func (s reportSink[T]) Send(v T) error { return s.stream.Send(v) }

func (s reportSink[T]) Close() (int64, error) {
	ack, err := s.stream.CloseAndRecv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, errors.New("report stream closed without ack")
		}
		return 0, err
	}
	return ack.Accepted, nil
}
