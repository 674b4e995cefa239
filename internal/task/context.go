package task

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	nodev1 "github.com/fleetd/fleetd/api/node/v1"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReportSink accepts task reports for delivery. Enqueue must not block.
type ReportSink interface {
	EnqueueTaskReport(*nodev1.TaskExecutionReport)
}

// ExecutionContext is the sole authority over one task instance's status
// and log stream.
type ExecutionContext struct {
	instanceID string
	desc       *Descriptor
	sink       ReportSink
	table      *Table
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards status and terminalSent, and orders status reports.
	mu           sync.Mutex
	status       Status
	terminalSent bool

	logs *logBuffer

	disposed          atomic.Bool
	cancelledManually atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
}

// newExecutionContext derives the task's cancellation scope from base.
func newExecutionContext(base context.Context, desc *Descriptor, sink ReportSink, table *Table, logger zerolog.Logger, flushSize int, flushInterval time.Duration) *ExecutionContext {
	ctx, cancel := context.WithCancel(base)
	c := &ExecutionContext{
		instanceID: uuid.NewString(),
		desc:       desc,
		sink:       sink,
		table:      table,
		logger: logger.With().
			Str("task_id", desc.ID).
			Str("task_type", desc.TypeName).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		status: StatusCreated,
		done:   make(chan struct{}),
	}
	c.logs = newLogBuffer(flushSize, flushInterval, c.emitLogs)
	return c
}

// ID returns the task id.
func (c *ExecutionContext) ID() string { return c.desc.ID }

// InstanceID returns the id unique to this instance of the task.
func (c *ExecutionContext) InstanceID() string { return c.instanceID }

// Descriptor returns the descriptor the context was created from.
func (c *ExecutionContext) Descriptor() *Descriptor { return c.desc }

// Context returns the task's own cancellation scope.
func (c *ExecutionContext) Context() context.Context { return c.ctx }

// Done is closed once the terminal report for this instance has been emitted.
func (c *ExecutionContext) Done() <-chan struct{} { return c.done }

// Status returns the current status.
func (c *ExecutionContext) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// CancelledManually reports whether Cancel was called.
func (c *ExecutionContext) CancelledManually() bool { return c.cancelledManually.Load() }

// Disposed reports whether Dispose has run.
func (c *ExecutionContext) Disposed() bool { return c.disposed.Load() }

// UpdateStatus sets the status and enqueues a status report. Only the first
// terminal status is reported; later updates are dropped. It remains usable
// after Dispose so a terminal report is never lost.
func (c *ExecutionContext) UpdateStatus(status Status, message string, entries []LogEntry, props map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminalSent {
		c.logger.Debug().
			Str("status", status.String()).
			Str("current", c.status.String()).
			Msg("Ignoring status update after terminal status")
		return
	}
	if status.IsTerminal() {
		c.terminalSent = true
	}
	c.status = status

	report := NewStatusReport(c.desc.ID, status, message)
	report.LogEntries = toWireEntries(entries)
	report.Properties = maps.Clone(props)
	c.sink.EnqueueTaskReport(report)
}

// Log records one line of output tagged with the current status.
func (c *ExecutionContext) Log(level, text string) error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	return c.logs.add(LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Text:      text,
		Status:    c.Status(),
	})
}

// Logf formats and records one line of output.
func (c *ExecutionContext) Logf(level, format string, args ...any) error {
	return c.Log(level, fmt.Sprintf(format, args...))
}

// FlushLogs emits buffered log entries now.
func (c *ExecutionContext) FlushLogs() {
	c.logs.flush()
}

// Cancel marks the task as cancelled on request and disposes it.
func (c *ExecutionContext) Cancel() {
	c.cancelledManually.Store(true)
	c.Dispose()
}

// Dispose cancels the task's context, flushes and closes the log buffer and
// removes the entry from the table. Only the first call has any effect, and
// a fault in one step never prevents the next.
func (c *ExecutionContext) Dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}

	c.safely("cancel", c.cancel)
	c.safely("flush logs", c.logs.close)
	c.safely("remove from table", func() {
		if c.table != nil {
			c.table.Remove(c.desc.ID, c)
		}
	})
}

func (c *ExecutionContext) safely(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("step", step).
				Interface("panic", r).
				Msg("Dispose step failed")
		}
	}()
	fn()
}

func (c *ExecutionContext) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// emitLogs turns one flushed batch into log reports, one per run of
// entries sharing a status.
func (c *ExecutionContext) emitLogs(entries []LogEntry) {
	for _, group := range groupByStatus(entries) {
		c.sink.EnqueueTaskReport(&nodev1.TaskExecutionReport{
			TaskID:     c.desc.ID,
			Kind:       nodev1.ReportLog,
			Status:     group[0].Status.String(),
			LogEntries: toWireEntries(group),
			Timestamp:  time.Now().UTC(),
		})
	}
}

// NewStatusReport builds a status report outside of any live context, as
// done when recovering tasks interrupted by an agent restart.
func NewStatusReport(taskID string, status Status, message string) *nodev1.TaskExecutionReport {
	return &nodev1.TaskExecutionReport{
		TaskID:    taskID,
		Kind:      nodev1.ReportStatus,
		Status:    status.String(),
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

func toWireEntries(entries []LogEntry) []*nodev1.LogEntry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]*nodev1.LogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, &nodev1.LogEntry{
			Timestamp: e.Timestamp,
			Level:     e.Level,
			Text:      e.Text,
			Status:    e.Status.String(),
		})
	}
	return out
}
