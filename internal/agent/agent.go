package agent

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docker/docker/client"
	nodev1 "github.com/fleetd/fleetd/api/node/v1"
	"github.com/fleetd/fleetd/internal/fswatch"
	"github.com/fleetd/fleetd/internal/report"
	"github.com/fleetd/fleetd/internal/task"
	"github.com/fleetd/fleetd/internal/task/builtin"
	"github.com/fleetd/fleetd/internal/transfer"
	"github.com/fleetd/fleetd/pkg/health"
	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Version is the agent software version.
const Version = "0.1.0"

// RestartedMessage is the failure message reported for task instances that
// were running when the agent last stopped.
const RestartedMessage = "agent restarted during execution"

// Agent connects to the control plane, dispatches inbound events and hosts
// the tasks they trigger.
type Agent struct {
	config *Config
	logger zerolog.Logger
	nodeID string

	metrics    *metrics.Metrics
	state      *State
	client     *Client
	streamer   *report.Streamer
	host       *task.Host
	dispatcher *Dispatcher
	supervisor *Supervisor
	monitor    *Monitor
	settings   *Settings
	watcher    *fswatch.Watcher
	transfers  *transfer.Manager
	storage    *transfer.Storage
	docker     *client.Client

	done chan struct{}
}

type options struct {
	dialOptions []grpc.DialOption
	transport   Transport
	registry    *task.Registry
}

// Option customizes an Agent.
type Option func(*options)

// WithDialOptions appends gRPC dial options to the control plane client.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOptions = append(o.dialOptions, opts...) }
}

// WithTransport replaces the gRPC transport.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithRegistry starts from reg instead of an empty registry. Built-in task
// types are added to it.
func WithRegistry(reg *task.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// New creates an Agent from cfg.
func New(cfg *Config, logger zerolog.Logger, opts ...Option) (*Agent, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	nodeID, err := ResolveNodeID(cfg.NodeID, cfg.StateDir)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("node_id", nodeID).Logger()

	a := &Agent{
		config:  cfg,
		logger:  logger,
		nodeID:  nodeID,
		metrics: metrics.New(),
		done:    make(chan struct{}),
	}
	a.metrics.SetBuildInfo(Version, nodeID)
	m := a.metrics.Agent

	a.state, err = NewState(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create state manager: %w", err)
	}

	a.streamer = report.NewStreamer(logger, m, cfg.ThroughputLogInterval)

	registry := o.registry
	if registry == nil {
		registry = task.NewRegistry()
	}
	deps := builtin.Deps{WorkDir: cfg.WorkDir}
	if cfg.DockerEnabled {
		docker, err := builtin.NewDockerRuntime(cfg.DockerHost)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to connect to Docker, container tasks disabled")
		} else {
			a.docker = docker
			deps.Docker = docker
		}
	}
	if err := builtin.Register(registry, deps); err != nil {
		a.close()
		return nil, err
	}

	a.watcher, err = fswatch.New(a.streamer, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := a.watcher.SetPaths(cfg.WatchPaths); err != nil {
		logger.Warn().Err(err).Msg("Some watch paths could not be watched")
	}

	a.settings = NewSettings(a.watcher, logger)

	a.host = task.NewHost(registry, a.streamer, logger,
		task.HostConfig{
			FlushSize:     cfg.FlushSize,
			FlushInterval: cfg.FlushInterval,
			ShutdownGrace: cfg.ShutdownGrace,
		},
		task.WithJournal(a.state),
		task.WithAPIClients(a.settings.APIClients()),
		task.WithMetrics(m),
	)

	var store transfer.ObjectStore
	if cfg.StorageEndpoint != "" {
		storage, err := transfer.NewStorage(transfer.StorageConfig{
			Endpoint:        cfg.StorageEndpoint,
			Bucket:          cfg.StorageBucket,
			Region:          cfg.StorageRegion,
			AccessKeyID:     cfg.StorageAccessKey,
			SecretAccessKey: cfg.StorageSecretKey,
			UseSSL:          cfg.StorageUseSSL,
			Prefix:          nodeID,
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to configure object storage, bulk transfers disabled")
		} else {
			a.storage = storage
			store = storage
		}
	}
	// Transfer status outlives the session that opened the transfer, so it
	// is posted rather than answered on the request's session.
	a.transfers = transfer.NewManager(store, postReplier{a}, m, logger)

	a.monitor = NewMonitor(cfg.HostName, cfg.WorkDir, a.host.Table().Len, m, logger)

	a.dispatcher = NewDispatcher(Handlers{
		Tasks:     a.host,
		Transfers: a.transfers,
		Settings:  a.settings,
		Telemetry: a.monitor,
		Replier:   ReplierFunc(a.replyOn),
	}, cfg.Workers(), cfg.EventQueueSize, m, logger)

	a.client = NewClient(cfg, Identity{
		NodeID:   nodeID,
		HostName: cfg.HostName,
		Mode:     cfg.Mode,
		Token:    cfg.Token,
	}, logger, o.dialOptions...)

	var transport Transport = a.client
	if o.transport != nil {
		transport = o.transport
	}

	a.supervisor = NewSupervisor(transport, a.dispatcher, a.streamer, SupervisorConfig{
		WatchdogInterval:     cfg.WatchdogInterval,
		CancelDelay:          cfg.CancelDelay,
		ReconnectMinInterval: cfg.ReconnectMinInterval,
		ReconnectMaxInterval: cfg.ReconnectMaxInterval,
	}, m, logger)

	return a, nil
}

// NodeID returns the resolved node identity.
func (a *Agent) NodeID() string { return a.nodeID }

// Metrics returns the agent's metrics registry.
func (a *Agent) Metrics() *metrics.Metrics { return a.metrics }

// Host returns the task host.
func (a *Agent) Host() *task.Host { return a.host }

// Supervisor returns the connection supervisor.
func (a *Agent) Supervisor() *Supervisor { return a.supervisor }

// HealthChecks returns the checks served on /healthz.
func (a *Agent) HealthChecks() []health.Check {
	checks := []health.Check{health.NewSessionCheck(a.supervisor)}
	if a.storage != nil {
		checks = append(checks, health.NewPingCheck("object_storage", a.storage))
	}
	return checks
}

func (a *Agent) replyOn(session int64, msg *nodev1.AgentMessage) error {
	return a.supervisor.ReplyOn(session, msg)
}

// postReplier queues messages until a session can carry them.
type postReplier struct{ a *Agent }

func (p postReplier) Reply(msg *nodev1.AgentMessage) error {
	p.a.supervisor.Post(msg)
	return nil
}

// Run starts every component and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)

	a.logger.Info().
		Str("version", Version).
		Str("mode", a.config.Mode).
		Str("control_plane", a.config.ControlPlaneURL).
		Int("event_workers", a.config.Workers()).
		Strs("watch_paths", a.watcher.Paths()).
		Msg("Starting agent")

	if err := os.MkdirAll(a.config.WorkDir, 0755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}

	if a.storage != nil {
		bucketCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := a.storage.EnsureBucket(bucketCtx); err != nil {
			a.logger.Warn().Err(err).Msg("Object storage bucket is not available")
		}
		cancel()
	}

	if err := a.recoverPendingTasks(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to recover pending tasks")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.host.Run(gctx) })
	g.Go(func() error { return a.dispatcher.Run(gctx) })
	g.Go(func() error { return a.supervisor.Run(gctx) })
	g.Go(func() error { return a.watcher.Run(gctx) })
	g.Go(func() error { return a.monitor.Run(gctx, a.config.ResourceCheckInterval) })

	return g.Wait()
}

// recoverPendingTasks reports every journaled instance as failed. Their
// bodies died with the previous process.
func (a *Agent) recoverPendingTasks() error {
	pending, err := a.state.PendingTasks()
	if err != nil {
		return err
	}

	for _, p := range pending {
		a.logger.Warn().
			Str("task_id", p.TaskID).
			Str("task_type", p.TaskType).
			Str("instance_id", p.InstanceID).
			Time("started_at", p.StartedAt).
			Msg("Reporting task interrupted by agent restart")

		a.streamer.EnqueueTaskReport(task.NewStatusReport(p.TaskID, task.StatusFailed, RestartedMessage))
		if err := a.state.DeleteTask(p.InstanceID); err != nil {
			a.logger.Warn().Err(err).Str("instance_id", p.InstanceID).Msg("Failed to remove recovered task")
		}
	}
	return nil
}

// Stop waits for Run to return, bounded by ctx, and releases resources.
// The caller cancels the context given to Run first.
func (a *Agent) Stop(ctx context.Context) error {
	a.logger.Info().Msg("Stopping agent")

	select {
	case <-a.done:
		a.logger.Info().Msg("All components stopped")
	case <-ctx.Done():
		a.logger.Warn().Msg("Shutdown timeout, forcing exit")
	}

	if err := a.transfers.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Int("active", a.transfers.Active()).Msg("Transfers still running at shutdown")
	}

	a.close()
	return nil
}

func (a *Agent) close() {
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Error closing state")
		}
	}
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Error closing client")
		}
	}
	if a.docker != nil {
		if err := a.docker.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Error closing Docker client")
		}
	}
}
