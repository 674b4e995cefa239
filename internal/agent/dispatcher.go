package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	nodev1 "github.com/fleetd/fleetd/api/node/v1"
	"github.com/fleetd/fleetd/internal/fsbrowse"
	"github.com/fleetd/fleetd/internal/task"
	"github.com/fleetd/fleetd/pkg/log"
	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/fleetd/fleetd/pkg/tracing"
	"github.com/rs/zerolog"
)

// DefaultEventQueueSize is the inbound queue capacity used when none is set.
const DefaultEventQueueSize = 1024

// Error codes sent in ErrorReply for requests outside fsbrowse.
const (
	CodeTransferFailed    = "transfer_failed"
	CodeUnavailable       = "unavailable"
	CodeInvalidInstanceID = "invalid_instance_id"
)

var errUnknownEvent = errors.New("unknown event kind")

// Replier answers an event on the session it arrived on. It returns
// ErrSessionEnded once that session is gone.
type Replier interface {
	ReplyOn(session int64, msg *nodev1.AgentMessage) error
}

// ReplierFunc adapts a function to Replier.
type ReplierFunc func(session int64, msg *nodev1.AgentMessage) error

func (f ReplierFunc) ReplyOn(session int64, msg *nodev1.AgentMessage) error { return f(session, msg) }

// TaskController receives task-control events. Its methods must not block
// on task execution.
type TaskController interface {
	TriggerParameters(params map[string]string) (*task.ExecutionContext, bool, error)
	Cancel(id string) error
	Reinvoke(id string, params map[string]string) (*task.ExecutionContext, error)
}

// TransferHandler opens and closes bulk transfers.
type TransferHandler interface {
	Handle(correlationID string, req *nodev1.BulkFileOp) (string, error)
}

// SettingsApplier applies runtime configuration pushed by the control plane.
type SettingsApplier interface {
	Apply(values map[string]string) error
}

// TelemetryCollector snapshots host resource usage.
type TelemetryCollector interface {
	Snapshot(ctx context.Context) (*nodev1.Telemetry, error)
}

// Handlers are the collaborators events are routed to. Nil collaborators
// answer their events with an unavailable error.
type Handlers struct {
	Tasks     TaskController
	Transfers TransferHandler
	Settings  SettingsApplier
	Telemetry TelemetryCollector
	Replier   Replier
}

// Dispatcher runs inbound event handlers on a fixed worker pool. Handlers
// start in arrival order; their completion order is not constrained.
type Dispatcher struct {
	handlers Handlers
	workers  int
	queue    chan queued
	metrics  *metrics.AgentMetrics
	logger   zerolog.Logger
}

type queued struct {
	session int64
	ev      *nodev1.InboundEvent
}

type job struct {
	queued
	started chan struct{}
}

// NewDispatcher creates a Dispatcher with the given pool and queue sizes.
// Non-positive values select runtime.NumCPU() workers and
// DefaultEventQueueSize.
func NewDispatcher(h Handlers, workers, queueSize int, m *metrics.AgentMetrics, logger zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = DefaultEventQueueSize
	}
	return &Dispatcher{
		handlers: h,
		workers:  workers,
		queue:    make(chan queued, queueSize),
		metrics:  m,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Submit enqueues ev received on session, blocking while the queue is full.
// Replies to ev are only sent while session is still current.
func (d *Dispatcher) Submit(ctx context.Context, session int64, ev *nodev1.InboundEvent) error {
	select {
	case d.queue <- queued{session: session, ev: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run hands queued events to the worker pool until ctx is done, then waits
// for in-flight handlers to return.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Int("workers", d.workers).Msg("Event dispatcher started")

	jobs := make(chan job)
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				d.handle(ctx, j)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
		d.logger.Info().Msg("Event dispatcher stopped")
	}()

	for {
		var q queued
		select {
		case <-ctx.Done():
			return nil
		case q = <-d.queue:
		}

		j := job{queued: q, started: make(chan struct{})}
		select {
		case jobs <- j:
		case <-ctx.Done():
			return nil
		}

		// The next event is not handed out until this one has started.
		select {
		case <-j.started:
		case <-ctx.Done():
			return nil
		}
	}
}

// isTaskControl reports whether kind mutates the task table. Such handlers
// signal started only after they return, so a trigger's insert
// happens-before a following cancel's lookup.
func isTaskControl(kind nodev1.EventKind) bool {
	switch kind {
	case nodev1.KindTaskTrigger, nodev1.KindTaskCancel, nodev1.KindTaskReinvoke:
		return true
	}
	return false
}

func (d *Dispatcher) handle(ctx context.Context, j job) {
	signal := sync.OnceFunc(func() { close(j.started) })
	defer signal()

	kind := j.ev.Kind()
	if !isTaskControl(kind) {
		signal()
	}

	logger := d.logger.With().
		Str("correlation_id", j.ev.CorrelationID).
		Str("event_kind", string(kind)).
		Logger()

	ctx = log.ContextWithCorrelationID(ctx, j.ev.CorrelationID)
	ctx, span := tracing.StartSpan(ctx, "event."+string(kind),
		tracing.AttrEventKind.String(string(kind)),
		tracing.AttrCorrelationID.String(j.ev.CorrelationID),
	)

	start := time.Now()
	err := d.safeRoute(ctx, j.queued, logger)
	tracing.EndSpan(span, err)

	result := "ok"
	switch {
	case errors.Is(err, errUnknownEvent):
		result = "skipped"
		logger.Warn().Msg("Skipping event with unknown kind")
	case errors.Is(err, ErrSessionEnded):
		result = "dropped"
		logger.Debug().Int64("session", j.session).Msg("Dropping reply for an ended session")
	case err != nil:
		result = "error"
		logger.Error().Err(err).Msg("Event handler failed")
	default:
		logger.Debug().Dur("duration", time.Since(start)).Msg("Event handled")
	}
	d.metrics.RecordEvent(string(kind), result, time.Since(start).Seconds())
}

func (d *Dispatcher) safeRoute(ctx context.Context, q queued, logger zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return d.route(ctx, q, logger)
}

func (d *Dispatcher) route(ctx context.Context, q queued, logger zerolog.Logger) error {
	ev := q.ev
	switch ev.Kind() {
	case nodev1.KindHeartbeat:
		return d.onHeartbeat(ctx, q, logger)
	case nodev1.KindListDirectory:
		return d.onListDirectory(q)
	case nodev1.KindListDrives:
		return d.onListDrives(ctx, q)
	case nodev1.KindBulkFileOp:
		return d.onBulkFileOp(q, logger)
	case nodev1.KindTaskTrigger:
		return d.onTaskTrigger(ev, logger)
	case nodev1.KindTaskCancel:
		return d.onTaskCancel(q, logger)
	case nodev1.KindTaskReinvoke:
		return d.onTaskReinvoke(ev, logger)
	case nodev1.KindConfigChanged:
		return d.onConfigChanged(ev, logger)
	default:
		return errUnknownEvent
	}
}

func (d *Dispatcher) reply(session int64, msg *nodev1.AgentMessage) error {
	if d.handlers.Replier == nil {
		return ErrNoSession
	}
	if err := d.handlers.Replier.ReplyOn(session, msg); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}

func (d *Dispatcher) replyError(q queued, code string, cause error) error {
	msg := &nodev1.AgentMessage{
		CorrelationID: q.ev.CorrelationID,
		Error:         &nodev1.ErrorReply{ErrorCode: code, Message: cause.Error()},
	}
	if err := d.reply(q.session, msg); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (d *Dispatcher) onHeartbeat(ctx context.Context, q queued, logger zerolog.Logger) error {
	ev := q.ev
	if d.handlers.Telemetry == nil {
		return d.reply(q.session, &nodev1.AgentMessage{
			CorrelationID: ev.CorrelationID,
			HeartbeatAck:  &nodev1.HeartbeatAck{},
		})
	}

	snapshot, err := d.handlers.Telemetry.Snapshot(ctx)
	if err != nil {
		// A partial snapshot is still a valid answer.
		logger.Debug().Err(err).Msg("Telemetry snapshot incomplete")
	}
	return d.reply(q.session, &nodev1.AgentMessage{
		CorrelationID: ev.CorrelationID,
		HeartbeatAck:  &nodev1.HeartbeatAck{Telemetry: snapshot},
	})
}

func (d *Dispatcher) onListDirectory(q queued) error {
	ev := q.ev
	dir := ev.ListDirectory.Directory
	objects, err := fsbrowse.ListDirectory(dir)
	if err != nil {
		msg := &nodev1.AgentMessage{CorrelationID: ev.CorrelationID, Error: fsbrowse.Reply(err)}
		if rerr := d.reply(q.session, msg); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return d.reply(q.session, &nodev1.AgentMessage{
		CorrelationID:    ev.CorrelationID,
		DirectoryListing: &nodev1.DirectoryListing{Directory: dir, Objects: objects},
	})
}

func (d *Dispatcher) onListDrives(ctx context.Context, q queued) error {
	ev := q.ev
	drives, err := fsbrowse.ListDrives(ctx)
	if err != nil {
		msg := &nodev1.AgentMessage{CorrelationID: ev.CorrelationID, Error: fsbrowse.Reply(err)}
		if rerr := d.reply(q.session, msg); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return d.reply(q.session, &nodev1.AgentMessage{
		CorrelationID: ev.CorrelationID,
		DriveListing:  &nodev1.DriveListing{Drives: drives},
	})
}

func (d *Dispatcher) onBulkFileOp(q queued, logger zerolog.Logger) error {
	if d.handlers.Transfers == nil {
		return d.replyError(q, CodeUnavailable, errors.New("bulk transfers are not enabled"))
	}

	op := q.ev.BulkFileOp
	id, err := d.handlers.Transfers.Handle(q.ev.CorrelationID, op)
	if err != nil {
		return d.replyError(q, CodeTransferFailed, err)
	}
	logger.Info().
		Str("operation_id", id).
		Str("op", string(op.Op)).
		Msg("Bulk file operation accepted")
	return nil
}

func (d *Dispatcher) onTaskTrigger(ev *nodev1.InboundEvent, logger zerolog.Logger) error {
	if d.handlers.Tasks == nil {
		return errors.New("task host is not available")
	}

	c, created, err := d.handlers.Tasks.TriggerParameters(ev.TaskTrigger.Parameters)
	if err != nil {
		return fmt.Errorf("trigger task: %w", err)
	}
	logger.Info().
		Str("task_id", c.ID()).
		Str("instance_id", c.InstanceID()).
		Bool("created", created).
		Msg("Task triggered")
	return nil
}

// onTaskCancel cancels a live task. Cancelling an id with no live context
// is a no-op answered with an invalid_instance_id error reply.
func (d *Dispatcher) onTaskCancel(q queued, logger zerolog.Logger) error {
	if d.handlers.Tasks == nil {
		return errors.New("task host is not available")
	}

	id := q.ev.TaskCancel.TaskID
	if err := d.handlers.Tasks.Cancel(id); err != nil {
		if errors.Is(err, task.ErrInvalidInstanceID) {
			logger.Info().Str("task_id", id).Msg("Cancel ignored: invalid instance id")
			return d.reply(q.session, &nodev1.AgentMessage{
				CorrelationID: q.ev.CorrelationID,
				Error:         &nodev1.ErrorReply{ErrorCode: CodeInvalidInstanceID, Message: err.Error()},
			})
		}
		return fmt.Errorf("cancel task: %w", err)
	}
	logger.Info().Str("task_id", id).Msg("Task cancelled")
	return nil
}

func (d *Dispatcher) onTaskReinvoke(ev *nodev1.InboundEvent, logger zerolog.Logger) error {
	if d.handlers.Tasks == nil {
		return errors.New("task host is not available")
	}

	c, err := d.handlers.Tasks.Reinvoke(ev.TaskReinvoke.TaskID, ev.TaskReinvoke.Parameters)
	if err != nil {
		return fmt.Errorf("reinvoke task: %w", err)
	}
	logger.Info().
		Str("task_id", c.ID()).
		Str("instance_id", c.InstanceID()).
		Msg("Task reinvoked")
	return nil
}

func (d *Dispatcher) onConfigChanged(ev *nodev1.InboundEvent, logger zerolog.Logger) error {
	if d.handlers.Settings == nil {
		return errors.New("settings applier is not available")
	}
	if err := d.handlers.Settings.Apply(ev.ConfigChanged.Values); err != nil {
		return fmt.Errorf("apply settings: %w", err)
	}
	logger.Info().Int("keys", len(ev.ConfigChanged.Values)).Msg("Configuration applied")
	return nil
}
