// Package fswatch turns filesystem notifications for configured paths into
// file-watch reports.
package fswatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	nodev1 "github.com/fleetd/fleetd/api/node/v1"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Sink accepts file-watch events for delivery. Enqueue must not block.
type Sink interface {
	EnqueueFileWatchEvent(*nodev1.FileWatchEvent)
}

// Watcher forwards every create, write, remove, rename and chmod under its
// watched paths. Paths are watched non-recursively.
type Watcher struct {
	sink   Sink
	logger zerolog.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	watched []string
}

// New creates a Watcher. Call Run to start delivering events.
func New(sink Sink, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new watcher: %w", err)
	}
	return &Watcher{
		sink:   sink,
		logger: logger.With().Str("component", "fswatch").Logger(),
		fsw:    fsw,
	}, nil
}

// SetPaths replaces the watched set. Paths that cannot be watched are
// skipped and reported in the joined error; the rest stay in effect.
func (w *Watcher) SetPaths(paths []string) error {
	want := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		if !slices.Contains(want, abs) {
			want = append(want, abs)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range w.watched {
		if !slices.Contains(want, p) {
			_ = w.fsw.Remove(p)
		}
	}

	var errs []error
	watched := make([]string, 0, len(want))
	for _, p := range want {
		if slices.Contains(w.watched, p) {
			watched = append(watched, p)
			continue
		}
		if err := w.fsw.Add(p); err != nil {
			errs = append(errs, fmt.Errorf("watch %s: %w", p, err))
			continue
		}
		watched = append(watched, p)
	}
	w.watched = watched

	w.logger.Info().Strs("paths", watched).Msg("Watch paths updated")
	return errors.Join(errs...)
}

// Paths returns the currently watched paths.
func (w *Watcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.watched)
}

// Run forwards events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.sink.EnqueueFileWatchEvent(&nodev1.FileWatchEvent{
				Path:      ev.Name,
				Op:        opName(ev.Op),
				Timestamp: time.Now().UTC(),
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Filesystem watch error")
		}
	}
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return strings.ToLower(op.String())
	}
}
