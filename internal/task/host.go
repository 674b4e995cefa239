package task

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/fleetd/fleetd/internal/report"
	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/fleetd/fleetd/pkg/tracing"
	"github.com/rs/zerolog"
)

// DefaultShutdownGrace bounds how long Run waits for bodies after shutdown.
const DefaultShutdownGrace = 10 * time.Second

// Journal persists running task instances so an agent restart can report
// them as failed.
type Journal interface {
	SaveTask(instanceID string, desc *Descriptor) error
	DeleteTask(instanceID string) error
}

// HostConfig tunes a Host. Zero values select defaults.
type HostConfig struct {
	FlushSize     int
	FlushInterval time.Duration
	ShutdownGrace time.Duration
}

// Host turns triggered descriptors into running task bodies. Every body
// runs on its own goroutine, outside of the event dispatcher's pool.
type Host struct {
	registry   *Registry
	table      *Table
	sink       ReportSink
	journal    Journal
	apiClients APIClientFactory
	metrics    *metrics.AgentMetrics
	logger     zerolog.Logger
	cfg        HostConfig

	// base is the parent of every task context. It is cancelled only on
	// process shutdown, never by session churn.
	base       context.Context
	baseCancel context.CancelFunc

	pending *report.Queue[*ExecutionContext]
	wg      sync.WaitGroup
}

// HostOption configures optional Host collaborators.
type HostOption func(*Host)

// WithJournal persists running instances to j.
func WithJournal(j Journal) HostOption {
	return func(h *Host) { h.journal = j }
}

// WithAPIClients sets the per-task APIClient factory.
func WithAPIClients(f APIClientFactory) HostOption {
	return func(h *Host) { h.apiClients = f }
}

// WithMetrics records task metrics to m.
func WithMetrics(m *metrics.AgentMetrics) HostOption {
	return func(h *Host) { h.metrics = m }
}

// NewHost creates a Host resolving task types from registry and sending
// reports to sink.
func NewHost(registry *Registry, sink ReportSink, logger zerolog.Logger, cfg HostConfig, opts ...HostOption) *Host {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	base, cancel := context.WithCancel(context.Background())
	h := &Host{
		registry:   registry,
		table:      NewTable(),
		sink:       sink,
		apiClients: NewEnvironmentClient,
		logger:     logger.With().Str("component", "task_host").Logger(),
		cfg:        cfg,
		base:       base,
		baseCancel: cancel,
		pending:    report.NewQueue[*ExecutionContext](),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Table returns the live context table.
func (h *Host) Table() *Table { return h.table }

// Trigger creates a context for desc and enqueues it for execution. A second
// trigger for an id that is still live returns the existing context and
// created=false.
func (h *Host) Trigger(desc *Descriptor) (c *ExecutionContext, created bool) {
	c, created = h.table.GetOrCreate(desc.ID, func() *ExecutionContext {
		return newExecutionContext(h.base, desc, h.sink, h.table, h.logger, h.cfg.FlushSize, h.cfg.FlushInterval)
	})
	if !created {
		h.logger.Debug().Str("task_id", desc.ID).Msg("Ignoring duplicate trigger for live task")
		return c, false
	}

	h.pending.Push(c)
	return c, true
}

// TriggerParameters parses a trigger parameter bag and triggers it.
func (h *Host) TriggerParameters(params map[string]string) (*ExecutionContext, bool, error) {
	desc, err := DescriptorFromParameters(params)
	if err != nil {
		return nil, false, err
	}
	c, created := h.Trigger(desc)
	return c, created, nil
}

// Cancel cancels the live context for id.
func (h *Host) Cancel(id string) error {
	c, ok := h.table.Get(id)
	if !ok {
		return fmt.Errorf("cancel %q: %w", id, ErrInvalidInstanceID)
	}
	c.Cancel()
	return nil
}

// Reinvoke cancels the live context for id, if any, and triggers it again.
// Empty params reuse the cancelled instance's parameters.
func (h *Host) Reinvoke(id string, params map[string]string) (*ExecutionContext, error) {
	var previous map[string]string
	if c, ok := h.table.Get(id); ok {
		previous = c.Descriptor().RawParameters()
		c.Cancel()
	}

	if len(params) == 0 {
		params = previous
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("reinvoke %q: %w", id, ErrInvalidInstanceID)
	}

	params = maps.Clone(params)
	if params[ParamTaskID] == "" {
		params[ParamTaskID] = id
	}

	c, _, err := h.TriggerParameters(params)
	if err != nil {
		return nil, fmt.Errorf("reinvoke %q: %w", id, err)
	}
	return c, nil
}

// Run starts queued contexts until ctx is done, then cancels every live
// task and waits up to the shutdown grace period for bodies to return.
func (h *Host) Run(ctx context.Context) error {
	h.logger.Info().Strs("task_types", h.registry.Names()).Msg("Task host started")

	for {
		batch, err := h.pending.Wait(ctx)
		if err != nil {
			break
		}
		for _, c := range batch {
			h.start(c)
		}
	}

	h.baseCancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("All task bodies stopped")
	case <-time.After(h.cfg.ShutdownGrace):
		h.logger.Warn().Int("live_tasks", h.table.Len()).Msg("Shutdown grace elapsed with task bodies still running")
	}
	return nil
}

func (h *Host) start(c *ExecutionContext) {
	desc := c.Descriptor()
	logger := h.logger.With().Str("task_id", desc.ID).Str("task_type", desc.TypeName).Logger()

	if c.Disposed() {
		logger.Info().Msg("Task cancelled before start")
		c.UpdateStatus(StatusCancelled, "cancelled before start", nil, nil)
		c.markDone()
		return
	}

	factory, ok := h.registry.Resolve(desc.TypeName)
	if !ok {
		err := fmt.Errorf("%w %q", ErrUnknownTaskType, desc.TypeName)
		logger.Warn().Err(err).Msg("Failing task with unresolved type")
		c.UpdateStatus(StatusFailed, err.Error(), nil, nil)
		c.Dispose()
		c.markDone()
		h.metrics.RecordTaskComplete(StatusFailed.String(), desc.TypeName, 0)
		return
	}

	h.wg.Add(1)
	go h.execute(c, factory, logger)
}

func (h *Host) execute(c *ExecutionContext, factory Factory, logger zerolog.Logger) {
	defer h.wg.Done()

	desc := c.Descriptor()
	started := time.Now()

	h.metrics.TaskStarted()
	defer h.metrics.TaskStopped()

	if h.journal != nil {
		if err := h.journal.SaveTask(c.InstanceID(), desc); err != nil {
			logger.Warn().Err(err).Msg("Failed to journal task")
		}
	}

	c.UpdateStatus(StatusStarted, "", nil, nil)

	ctx, span := tracing.StartSpan(c.Context(), "task.execute",
		tracing.AttrTaskID.String(desc.ID),
		tracing.AttrTaskType.String(desc.TypeName),
	)

	scope := &Scope{
		Descriptor: desc,
		Logs:       c,
		API:        h.apiClients(desc),
		Logger:     logger,
	}

	err := h.runBody(ctx, c, factory, scope)
	status, message := classify(c, err)
	tracing.EndSpan(span, err)

	event := logger.Info()
	if status == StatusFailed {
		event = logger.Warn().Err(err)
	}
	event.Str("status", status.String()).Dur("duration", time.Since(started)).Msg("Task completed")

	c.FlushLogs()
	c.UpdateStatus(status, message, nil, nil)
	c.Dispose()

	if h.journal != nil {
		if err := h.journal.DeleteTask(c.InstanceID()); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove task from journal")
		}
	}

	c.markDone()
	h.metrics.RecordTaskComplete(status.String(), desc.TypeName, time.Since(started).Seconds())
}

// runBody builds the task and executes it, converting panics into errors.
func (h *Host) runBody(ctx context.Context, c *ExecutionContext, factory Factory, scope *Scope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	t, err := factory(scope)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	if timeout := scope.Descriptor.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c.UpdateStatus(StatusRunning, "", nil, nil)
	return t.Execute(ctx)
}

// classify maps a body's outcome to its terminal status.
func classify(c *ExecutionContext, err error) (Status, string) {
	switch {
	case c.CancelledManually():
		return StatusCancelled, "cancelled"
	case err == nil:
		return StatusFinished, ""
	case errors.Is(err, context.DeadlineExceeded) && c.Context().Err() == nil:
		return StatusFailed, "task timed out"
	case errors.Is(err, context.Canceled) && c.Context().Err() != nil:
		return StatusCancelled, "cancelled"
	default:
		return StatusFailed, err.Error()
	}
}
