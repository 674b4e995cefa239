package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	nodev1 "github.com/fleetd/fleetd/api/node/v1"
	"github.com/fleetd/fleetd/internal/report"
	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrNoSession is returned by Reply while no session is open.
var ErrNoSession = errors.New("no control plane session")

// ErrSessionEnded is returned by ReplyOn when the session an event arrived
// on is no longer the current one.
var ErrSessionEnded = errors.New("control plane session has ended")

// EventSink accepts inbound events tagged with the session they arrived
// on. Submit blocks on backpressure.
type EventSink interface {
	Submit(ctx context.Context, session int64, ev *nodev1.InboundEvent) error
}

// ReportRunner drains queued reports onto a session's outbound streams.
type ReportRunner interface {
	Run(ctx context.Context, o report.Openers) error
}

// SupervisorConfig tunes the reconnect loop.
type SupervisorConfig struct {
	WatchdogInterval     time.Duration
	CancelDelay          time.Duration
	ReconnectMinInterval time.Duration
	ReconnectMaxInterval time.Duration
}

// Supervisor maintains exactly one live session with the control plane and
// retries forever until its context is cancelled.
type Supervisor struct {
	transport Transport
	events    EventSink
	reports   ReportRunner
	cfg       SupervisorConfig
	backoff   *Backoff
	metrics   *metrics.AgentMetrics
	logger    zerolog.Logger

	heartbeats atomic.Int64
	sessions   atomic.Int64

	// outbox holds messages that must reach the control plane on whichever
	// session is open next.
	outbox *report.Queue[*nodev1.AgentMessage]

	mu        sync.RWMutex
	session   Session
	sessionID int64
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(transport Transport, events EventSink, reports ReportRunner, cfg SupervisorConfig, m *metrics.AgentMetrics, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		transport: transport,
		events:    events,
		reports:   reports,
		cfg:       cfg,
		backoff:   NewBackoff(cfg.ReconnectMinInterval, cfg.ReconnectMaxInterval),
		outbox:    report.NewQueue[*nodev1.AgentMessage](),
		metrics:   m,
		logger:    logger.With().Str("component", "supervisor").Logger(),
	}
}

// Heartbeats returns the number of heartbeats received so far.
func (s *Supervisor) Heartbeats() int64 { return s.heartbeats.Load() }

// Sessions returns the number of sessions opened so far.
func (s *Supervisor) Sessions() int64 { return s.sessions.Load() }

// Connected reports whether a session is currently open.
func (s *Supervisor) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session != nil
}

// Reply sends msg on the current session.
func (s *Supervisor) Reply(msg *nodev1.AgentMessage) error {
	s.mu.RLock()
	session := s.session
	s.mu.RUnlock()

	if session == nil {
		return ErrNoSession
	}
	return session.Send(msg)
}

// ReplyOn sends msg only if session is still the current session. Answers
// to requests from an ended session are refused with ErrSessionEnded.
func (s *Supervisor) ReplyOn(session int64, msg *nodev1.AgentMessage) error {
	s.mu.RLock()
	current, id := s.session, s.sessionID
	s.mu.RUnlock()

	if current == nil || id != session {
		return ErrSessionEnded
	}
	return current.Send(msg)
}

// Post queues msg for the current session, or the next one if none is
// open. It never blocks.
func (s *Supervisor) Post(msg *nodev1.AgentMessage) {
	s.outbox.Push(msg)
}

// Posted returns the number of posted messages not yet sent.
func (s *Supervisor) Posted() int { return s.outbox.Len() }

func (s *Supervisor) setSession(session Session, id int64) {
	s.mu.Lock()
	s.session = session
	s.sessionID = id
	s.mu.Unlock()
}

// Run opens sessions until ctx is cancelled. Session failures are logged
// and retried; Run returns nil on shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("watchdog_interval", s.cfg.WatchdogInterval).
		Msg("Connection supervisor started")

	for {
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			s.logger.Info().Msg("Connection supervisor stopped")
			return nil
		}

		var delay time.Duration
		reason := "transport_error"
		if errors.Is(err, ErrSessionStale) {
			reason = "stale"
			delay = s.cfg.CancelDelay
			s.logger.Warn().Err(err).Dur("delay", delay).Msg("Session cancelled, reconnecting")
		} else {
			delay = s.backoff.NextReconnectInterval()
			s.logger.Error().Err(err).
				Int("attempt", s.backoff.Attempt()).
				Dur("delay", delay).
				Msg("Session failed, reconnecting")
		}
		s.metrics.RecordReconnect(reason)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("Connection supervisor stopped")
			return nil
		case <-timer.C:
		}
	}
}

// runSession runs one session to completion. The returned error is
// ErrSessionStale when the watchdog ended the session.
func (s *Supervisor) runSession(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panicked: %v", r)
		}
	}()

	sessionCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	session, err := s.transport.Open(sessionCtx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			s.logger.Debug().Err(cerr).Msg("Error closing session")
		}
	}()

	id := s.sessions.Add(1)
	s.backoff.ResetReconnectInterval()
	s.setSession(session, id)
	s.metrics.SetConnected()
	defer func() {
		s.setSession(nil, 0)
		s.metrics.SetDisconnected()
	}()

	watchdog := NewWatchdog(s.cfg.WatchdogInterval, s.heartbeats.Load, s.metrics, s.logger)

	g, gctx := errgroup.WithContext(sessionCtx)
	g.Go(func() error { return s.pump(gctx, id, session) })
	g.Go(func() error { return watchdog.Run(gctx, cancel) })
	g.Go(func() error { return s.reports.Run(gctx, session.Openers()) })
	g.Go(func() error { return s.sendPosted(gctx, session) })

	err = g.Wait()
	if cause := context.Cause(sessionCtx); errors.Is(cause, ErrSessionStale) {
		return ErrSessionStale
	}
	if err == nil {
		err = errors.New("session ended")
	}
	return err
}

// pump moves inbound events to the dispatcher. Heartbeats are counted on
// receipt, before dispatch.
func (s *Supervisor) pump(ctx context.Context, id int64, session Session) error {
	for {
		ev, err := session.Recv()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		if ev.Kind() == nodev1.KindHeartbeat {
			s.heartbeats.Add(1)
			s.metrics.RecordHeartbeat()
		}

		if err := s.events.Submit(ctx, id, ev); err != nil {
			return fmt.Errorf("submit event: %w", err)
		}
	}
}

// sendPosted writes posted messages to session until ctx is done. A message
// whose send failed is put back at the head of the outbox.
func (s *Supervisor) sendPosted(ctx context.Context, session Session) error {
	for {
		msgs, err := s.outbox.Wait(ctx)
		if err != nil {
			return nil
		}
		for i, msg := range msgs {
			if ctx.Err() != nil {
				s.outbox.PushFront(msgs[i:]...)
				return nil
			}
			if err := session.Send(msg); err != nil {
				s.outbox.PushFront(msgs[i:]...)
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("send posted message: %w", err)
			}
		}
	}
}
