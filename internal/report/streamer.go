package report

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	nodev1 "github.com/fleetd/fleetd/api/node/v1"
	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Report kinds used for metrics and logging.
const (
	KindTask      = "task"
	KindFileWatch = "file_watch"
)

// DefaultThroughputLogInterval is how often sent counts are logged.
const DefaultThroughputLogInterval = time.Minute

// Sink is an open client-streaming call.
type Sink[T any] interface {
	Send(T) error
	// Close half-closes the stream and waits for the server's ack. It
	// returns how many of the sent items the server accepted, in order.
	Close() (accepted int64, err error)
}

// Opener opens a Sink bound to ctx.
type Opener[T any] func(ctx context.Context) (Sink[T], error)

// Openers supplies the per-session stream openers for each report kind.
type Openers struct {
	TaskReports     Opener[*nodev1.TaskExecutionReport]
	FileWatchEvents Opener[*nodev1.FileWatchEvent]
}

// Streamer buffers reports across sessions and drains them onto the
// session's outbound streams. Delivery is at-least-once: an item leaves the
// queue only when the server acknowledges it. Everything else is requeued
// at the front and retried on the next session.
type Streamer struct {
	tasks  *Queue[*nodev1.TaskExecutionReport]
	events *Queue[*nodev1.FileWatchEvent]

	logger             zerolog.Logger
	metrics            *metrics.AgentMetrics
	throughputInterval time.Duration

	sentTasks  atomic.Int64
	sentEvents atomic.Int64
}

// NewStreamer creates a Streamer. A non-positive throughputInterval selects
// DefaultThroughputLogInterval.
func NewStreamer(logger zerolog.Logger, m *metrics.AgentMetrics, throughputInterval time.Duration) *Streamer {
	if throughputInterval <= 0 {
		throughputInterval = DefaultThroughputLogInterval
	}
	return &Streamer{
		tasks:              NewQueue[*nodev1.TaskExecutionReport](),
		events:             NewQueue[*nodev1.FileWatchEvent](),
		logger:             logger.With().Str("component", "report_streamer").Logger(),
		metrics:            m,
		throughputInterval: throughputInterval,
	}
}

// EnqueueTaskReport queues a task report. It never blocks.
func (s *Streamer) EnqueueTaskReport(r *nodev1.TaskExecutionReport) {
	s.tasks.Push(r)
	s.metrics.SetReportQueueDepth(KindTask, s.tasks.Len())
}

// EnqueueFileWatchEvent queues a file-watch event. It never blocks.
func (s *Streamer) EnqueueFileWatchEvent(e *nodev1.FileWatchEvent) {
	s.events.Push(e)
	s.metrics.SetReportQueueDepth(KindFileWatch, s.events.Len())
}

// Pending returns the number of queued task reports and file-watch events.
func (s *Streamer) Pending() (tasks, events int) {
	return s.tasks.Len(), s.events.Len()
}

// Run drains both queues until ctx is done or a send fails. It returns nil
// on cancellation and the first send or open error otherwise.
func (s *Streamer) Run(ctx context.Context, o Openers) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return drain(gctx, KindTask, s.tasks, o.TaskReports, s.onSent(&s.sentTasks, KindTask, s.tasks.Len), s.logger)
	})
	g.Go(func() error {
		return drain(gctx, KindFileWatch, s.events, o.FileWatchEvents, s.onSent(&s.sentEvents, KindFileWatch, s.events.Len), s.logger)
	})
	g.Go(func() error {
		s.logThroughput(gctx)
		return nil
	})

	return g.Wait()
}

func (s *Streamer) onSent(counter *atomic.Int64, kind string, depth func() int) func(int) {
	return func(n int) {
		counter.Add(int64(n))
		s.metrics.RecordReportsSent(kind, n)
		s.metrics.SetReportQueueDepth(kind, depth())
	}
}

func (s *Streamer) logThroughput(ctx context.Context) {
	ticker := time.NewTicker(s.throughputInterval)
	defer ticker.Stop()

	var lastTasks, lastEvents int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tasks, events := s.sentTasks.Load(), s.sentEvents.Load()
			pendingTasks, pendingEvents := s.Pending()
			s.logger.Info().
				Int64("task_reports_sent", tasks-lastTasks).
				Int64("file_watch_events_sent", events-lastEvents).
				Int("task_reports_pending", pendingTasks).
				Int("file_watch_events_pending", pendingEvents).
				Dur("interval", s.throughputInterval).
				Msg("Report throughput")
			lastTasks, lastEvents = tasks, events
		}
	}
}

// drain runs one report loop. Each batch is delivered on its own call so
// the server's ack covers exactly that batch.
func drain[T any](ctx context.Context, kind string, q *Queue[T], open Opener[T], onSent func(int), logger zerolog.Logger) error {
	logger = logger.With().Str("kind", kind).Logger()

	if open == nil {
		<-ctx.Done()
		return nil
	}

	for {
		batch, err := q.Wait(ctx)
		if err != nil {
			return nil
		}

		accepted, err := deliver(ctx, open, batch)
		if accepted < len(batch) {
			q.PushFront(batch[accepted:]...)
		}
		onSent(accepted)

		if err != nil {
			if ctx.Err() != nil {
				logger.Debug().Int("requeued", len(batch)-accepted).Msg("Session ended with reports in flight")
				return nil
			}
			return fmt.Errorf("deliver %s reports: %w", kind, err)
		}
		logger.Debug().Int("count", accepted).Msg("Report batch acknowledged")
	}
}

// deliver sends batch on a fresh call and returns how many leading items
// the server acknowledged. Sent but unacknowledged items count as undelivered.
func deliver[T any](ctx context.Context, open Opener[T], batch []T) (int, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sink, err := open(callCtx)
	if err != nil {
		return 0, fmt.Errorf("open stream: %w", err)
	}

	for _, item := range batch {
		if err := sink.Send(item); err != nil {
			return 0, fmt.Errorf("send: %w", err)
		}
	}

	accepted, err := sink.Close()
	if err != nil {
		return 0, fmt.Errorf("await ack: %w", err)
	}
	switch {
	case accepted < 0:
		accepted = 0
	case accepted > int64(len(batch)):
		accepted = int64(len(batch))
	}
	if int(accepted) < len(batch) {
		return int(accepted), fmt.Errorf("server accepted %d of %d", accepted, len(batch))
	}
	return len(batch), nil
}
