package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	nodev1 "github.com/fleetd/fleetd/api/node/v1"
	"github.com/fleetd/fleetd/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
)

// controlPlane is an in-process NodeService pushing events from a channel.
type controlPlane struct {
	nodev1.UnimplementedNodeServiceServer

	events  chan *nodev1.InboundEvent
	replies chan *nodev1.AgentMessage
	reports chan *nodev1.TaskExecutionReport
	watches chan *nodev1.FileWatchEvent
	md      chan metadata.MD
}

func newControlPlane() *controlPlane {
	return &controlPlane{
		events:  make(chan *nodev1.InboundEvent, 16),
		replies: make(chan *nodev1.AgentMessage, 64),
		reports: make(chan *nodev1.TaskExecutionReport, 256),
		watches: make(chan *nodev1.FileWatchEvent, 64),
		md:      make(chan metadata.MD, 4),
	}
}

func (cp *controlPlane) Subscribe(stream nodev1.NodeService_SubscribeServer) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	select {
	case cp.md <- md:
	default:
	}

	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				return
			}
			cp.replies <- msg
		}
	}()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case ev := <-cp.events:
			if err := stream.Send(ev); err != nil {
				return err
			}
		}
	}
}

func (cp *controlPlane) ReportTaskExecution(stream nodev1.NodeService_ReportTaskExecutionServer) error {
	var n int64
	for {
		r, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&nodev1.ReportAck{Accepted: n})
		}
		if err != nil {
			return err
		}
		n++
		cp.reports <- r
	}
}

func (cp *controlPlane) ReportFileWatchEvents(stream nodev1.NodeService_ReportFileWatchEventsServer) error {
	var n int64
	for {
		e, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&nodev1.ReportAck{Accepted: n})
		}
		if err != nil {
			return err
		}
		n++
		cp.watches <- e
	}
}

// serveBufconn starts cp and returns the dial option reaching it.
func serveBufconn(t *testing.T, cp *controlPlane) grpc.DialOption {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	nodev1.RegisterNodeServiceServer(server, cp)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func bufconnConfig(t *testing.T) *Config {
	cfg := validConfig()
	cfg.ControlPlaneURL = "passthrough:///bufnet"
	cfg.StateDir = t.TempDir()
	cfg.WorkDir = filepath.Join(cfg.StateDir, "work")
	cfg.HostName = "node-a.example"
	return &cfg
}

func TestClient_SessionRoundTrip(t *testing.T) {
	cp := newControlPlane()
	dialer := serveBufconn(t, cp)

	cfg := bufconnConfig(t)
	client := NewClient(cfg, Identity{
		NodeID:   "node-1",
		HostName: cfg.HostName,
		Mode:     ModeService,
		Token:    "secret",
	}, testLogger, dialer)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := client.Open(ctx)
	require.NoError(t, err)

	md := <-cp.md
	assert.Equal(t, []string{"node-1"}, md.Get("node-id"))
	assert.Equal(t, []string{"node-a.example"}, md.Get("host-name"))
	assert.Equal(t, []string{ModeService}, md.Get("mode"))
	assert.Equal(t, []string{"Bearer secret"}, md.Get("authorization"))

	cp.events <- heartbeat("hb-1")
	ev, err := session.Recv()
	require.NoError(t, err)
	assert.Equal(t, nodev1.KindHeartbeat, ev.Kind())
	assert.Equal(t, "hb-1", ev.CorrelationID)

	require.NoError(t, session.Send(&nodev1.AgentMessage{
		CorrelationID: "hb-1",
		HeartbeatAck:  &nodev1.HeartbeatAck{Telemetry: &nodev1.Telemetry{HostName: "node-a"}},
	}))
	select {
	case reply := <-cp.replies:
		assert.Equal(t, "hb-1", reply.CorrelationID)
		require.NotNil(t, reply.HeartbeatAck)
		assert.Equal(t, "node-a", reply.HeartbeatAck.Telemetry.HostName)
	case <-time.After(5 * time.Second):
		t.Fatal("reply not received")
	}

	sink, err := session.Openers().TaskReports(ctx)
	require.NoError(t, err)
	require.NoError(t, sink.Send(&nodev1.TaskExecutionReport{TaskID: "t1", Kind: nodev1.ReportStatus, Status: "Started"}))
	accepted, err := sink.Close()
	require.NoError(t, err)
	assert.Equal(t, int64(1), accepted)

	select {
	case r := <-cp.reports:
		assert.Equal(t, "t1", r.TaskID)
		assert.Equal(t, "Started", r.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("report not received")
	}

	require.NoError(t, session.Close())
}

func TestClient_SessionEndsWithContext(t *testing.T) {
	cp := newControlPlane()
	dialer := serveBufconn(t, cp)

	client := NewClient(bufconnConfig(t), Identity{NodeID: "node-1"}, testLogger, dialer)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	session, err := client.Open(ctx)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := session.Recv()
		errs <- err
	}()

	cancel()
	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Recv did not return after cancellation")
	}
}

// slowReader is a control plane that holds task report calls open without
// reading until release is closed.
type slowReader struct {
	*controlPlane
	release chan struct{}
}

func (s *slowReader) ReportTaskExecution(stream nodev1.NodeService_ReportTaskExecutionServer) error {
	select {
	case <-s.release:
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
	return s.controlPlane.ReportTaskExecution(stream)
}

func TestClient_UnacknowledgedReportsSurviveSessionEnd(t *testing.T) {
	cp := &slowReader{controlPlane: newControlPlane(), release: make(chan struct{})}

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	nodev1.RegisterNodeServiceServer(server, cp)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)
	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})

	client := NewClient(bufconnConfig(t), Identity{NodeID: "node-1"}, testLogger, dialer)
	t.Cleanup(func() { _ = client.Close() })

	streamer := report.NewStreamer(testLogger, nil, time.Hour)
	const total = 20
	for i := 0; i < total; i++ {
		streamer.EnqueueTaskReport(&nodev1.TaskExecutionReport{TaskID: fmt.Sprintf("t%02d", i), Kind: nodev1.ReportStatus})
	}

	// First session: the server never reads before the session is torn down.
	ctx, cancel := context.WithCancel(context.Background())
	session, err := client.Open(ctx)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- streamer.Run(ctx, session.Openers()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	pending, _ := streamer.Pending()
	require.Equal(t, total, pending, "reports without an ack must stay queued")

	// Second session: the server reads and acks everything.
	close(cp.release)
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	session, err = client.Open(ctx)
	require.NoError(t, err)
	go func() { done <- streamer.Run(ctx, session.Openers()) }()

	var got []string
	deadline := time.After(5 * time.Second)
	for len(got) < total {
		select {
		case r := <-cp.reports:
			got = append(got, r.TaskID)
		case <-deadline:
			t.Fatalf("received %d of %d reports", len(got), total)
		}
	}
	assert.Equal(t, "t00", got[0])
	assert.Equal(t, "t19", got[total-1])

	require.Eventually(t, func() bool {
		pending, _ := streamer.Pending()
		return pending == 0
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestClient_TLSConfigErrors(t *testing.T) {
	cfg := bufconnConfig(t)
	cfg.TLSEnabled = true
	cfg.TLSCAFile = filepath.Join(t.TempDir(), "missing-ca.pem")

	client := NewClient(cfg, Identity{NodeID: "node-1"}, testLogger)
	err := client.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read CA file")

	cfg.TLSCAFile = ""
	cfg.TLSCertFile = filepath.Join(t.TempDir(), "cert.pem")
	cfg.TLSKeyFile = filepath.Join(t.TempDir(), "key.pem")
	err = client.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load client certificate")
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 400*time.Millisecond)

	within := func(d, want time.Duration) {
		t.Helper()
		assert.GreaterOrEqual(t, d, want*9/10)
		assert.LessOrEqual(t, d, want*11/10)
	}

	within(b.NextReconnectInterval(), 100*time.Millisecond)
	within(b.NextReconnectInterval(), 200*time.Millisecond)
	within(b.NextReconnectInterval(), 400*time.Millisecond)
	within(b.NextReconnectInterval(), 400*time.Millisecond)
	assert.Equal(t, 4, b.Attempt())

	b.ResetReconnectInterval()
	assert.Equal(t, 0, b.Attempt())
	within(b.NextReconnectInterval(), 100*time.Millisecond)
}

func TestBackoff_FixedInterval(t *testing.T) {
	b := NewBackoff(30*time.Second, 30*time.Second)
	for i := 0; i < 5; i++ {
		d := b.NextReconnectInterval()
		assert.GreaterOrEqual(t, d, 27*time.Second)
		assert.LessOrEqual(t, d, 33*time.Second)
	}
}
