package agent

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	nodev1 "github.com/fleetd/fleetd/api/node/v1"
	"github.com/fleetd/fleetd/internal/report"
	"github.com/rs/zerolog"
)

var testLogger = zerolog.New(io.Discard)

// fakeSession feeds scripted events and records replies and reports.
type fakeSession struct {
	ctx     context.Context
	events  chan *nodev1.InboundEvent
	reports *reportRecorder
	closed  atomic.Bool

	mu   sync.Mutex
	sent []*nodev1.AgentMessage
}

func newFakeSession(ctx context.Context, reports *reportRecorder) *fakeSession {
	return &fakeSession{
		ctx:     ctx,
		events:  make(chan *nodev1.InboundEvent, 64),
		reports: reports,
	}
}

func (s *fakeSession) Recv() (*nodev1.InboundEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *fakeSession) Send(msg *nodev1.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSession) replies() []*nodev1.AgentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*nodev1.AgentMessage(nil), s.sent...)
}

func (s *fakeSession) Openers() report.Openers {
	if s.reports == nil {
		return report.Openers{}
	}
	return report.Openers{
		TaskReports: func(context.Context) (report.Sink[*nodev1.TaskExecutionReport], error) {
			return s.reports, nil
		},
	}
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeTransport hands out sessions built by open. The n-th call to Open
// (starting at 1) is passed to open.
type fakeTransport struct {
	open func(ctx context.Context, n int) (Session, error)

	mu       sync.Mutex
	opens    int
	sessions []Session
}

func (t *fakeTransport) Open(ctx context.Context) (Session, error) {
	t.mu.Lock()
	t.opens++
	n := t.opens
	t.mu.Unlock()

	s, err := t.open(ctx, n)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.sessions = append(t.sessions, s)
	t.mu.Unlock()
	return s, nil
}

func (t *fakeTransport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

// reportRecorder is a report.Sink collecting task reports.
type reportRecorder struct {
	mu      sync.Mutex
	reports []*nodev1.TaskExecutionReport
	unacked int64
}

func (r *reportRecorder) Send(rep *nodev1.TaskExecutionReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	r.unacked++
	return nil
}

func (r *reportRecorder) Close() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.unacked
	r.unacked = 0
	return n, nil
}

func (r *reportRecorder) statuses(taskID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rep := range r.reports {
		if rep.TaskID == taskID && rep.Kind == nodev1.ReportStatus {
			out = append(out, rep.Status)
		}
	}
	return out
}

// idleReports is a ReportRunner that does nothing until ctx ends.
type idleReports struct{}

func (idleReports) Run(ctx context.Context, _ report.Openers) error {
	<-ctx.Done()
	return nil
}

// eventLog is an EventSink recording submitted events.
type eventLog struct {
	mu     sync.Mutex
	events []*nodev1.InboundEvent
}

func (l *eventLog) Submit(_ context.Context, _ int64, ev *nodev1.InboundEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func heartbeat(id string) *nodev1.InboundEvent {
	return &nodev1.InboundEvent{CorrelationID: id, Heartbeat: &nodev1.Heartbeat{}}
}
