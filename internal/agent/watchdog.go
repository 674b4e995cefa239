package agent

import (
	"context"
	"errors"
	"time"

	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/rs/zerolog"
)

// ErrSessionStale is the cancellation cause set by the watchdog when no
// heartbeat arrived during a full interval.
var ErrSessionStale = errors.New("session stale: no heartbeat received")

// Watchdog detects a silently stalled session by sampling the received
// heartbeat counter.
type Watchdog struct {
	interval time.Duration
	counter  func() int64
	metrics  *metrics.AgentMetrics
	logger   zerolog.Logger
}

// NewWatchdog creates a Watchdog sampling counter every interval.
func NewWatchdog(interval time.Duration, counter func() int64, m *metrics.AgentMetrics, logger zerolog.Logger) *Watchdog {
	return &Watchdog{
		interval: interval,
		counter:  counter,
		metrics:  m,
		logger:   logger.With().Str("component", "watchdog").Logger(),
	}
}

// Run samples the counter until ctx is done. When two consecutive samples
// are equal it cancels the session with ErrSessionStale and returns, so a
// session is cancelled at most once.
func (w *Watchdog) Run(ctx context.Context, cancelSession context.CancelCauseFunc) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	last := w.counter()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current := w.counter()
			if current == last {
				w.logger.Warn().
					Int64("heartbeats", current).
					Dur("interval", w.interval).
					Msg("No heartbeat received during watchdog interval, forcing reconnect")
				w.metrics.RecordWatchdogStale()
				cancelSession(ErrSessionStale)
				return nil
			}
			last = current
		}
	}
}
