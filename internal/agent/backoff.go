package agent

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff computes reconnect delays after transport errors.
type Backoff struct {
	min, max time.Duration

	mu      sync.Mutex
	attempt int
}

// NewBackoff creates a Backoff growing from min to max.
func NewBackoff(min, max time.Duration) *Backoff {
	if max < min {
		max = min
	}
	return &Backoff{min: min, max: max}
}

// NextReconnectInterval returns the next interval using exponential backoff
// with +/-10% jitter, capped at max.
func (b *Backoff) NextReconnectInterval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempt++

	interval := float64(b.min) * math.Pow(2, float64(b.attempt-1))
	if interval > float64(b.max) {
		interval = float64(b.max)
	}

	jitter := interval * 0.1
	interval = interval - jitter + jitter*2*rand.Float64()

	return time.Duration(interval)
}

// ResetReconnectInterval resets the attempt counter.
func (b *Backoff) ResetReconnectInterval() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempt returns the number of intervals handed out since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
