package agent

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/fleetd/fleetd/internal/task"
	"github.com/fleetd/fleetd/pkg/log"
	"github.com/rs/zerolog"
)

// Runtime setting keys handled by Settings. Any other key becomes an
// environment override visible to tasks.
const (
	SettingLogLevel   = "log_level"
	SettingWatchPaths = "watch_paths"
)

// PathWatcher replaces the set of watched paths.
type PathWatcher interface {
	SetPaths(paths []string) error
}

// Settings applies ConfigChanged values pushed by the control plane.
type Settings struct {
	watcher PathWatcher
	logger  zerolog.Logger

	mu        sync.RWMutex
	overrides map[string]string
}

// NewSettings creates a Settings. watcher may be nil when file watching is
// disabled.
func NewSettings(watcher PathWatcher, logger zerolog.Logger) *Settings {
	return &Settings{
		watcher:   watcher,
		logger:    logger.With().Str("component", "settings").Logger(),
		overrides: make(map[string]string),
	}
}

// Apply applies every value. A bad value does not stop the others from
// being applied; all failures are returned joined.
func (s *Settings) Apply(values map[string]string) error {
	var errs []error
	overrides := make(map[string]string)

	for key, value := range values {
		switch key {
		case SettingLogLevel:
			if err := log.SetGlobalLevel(value); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			s.logger.Info().Str("level", value).Msg("Log level changed")
		case SettingWatchPaths:
			if s.watcher == nil {
				errs = append(errs, fmt.Errorf("%s: file watching is disabled", key))
				continue
			}
			if err := s.watcher.SetPaths(splitList(value)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		default:
			overrides[key] = value
		}
	}

	if len(overrides) > 0 {
		s.mu.Lock()
		maps.Copy(s.overrides, overrides)
		s.mu.Unlock()
	}

	return errors.Join(errs...)
}

// Lookup returns an environment override.
func (s *Settings) Lookup(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.overrides[key]
	return v, ok
}

// APIClients returns a task.APIClientFactory whose clients see the
// overrides after the descriptor's own environment.
func (s *Settings) APIClients() task.APIClientFactory {
	return func(desc *task.Descriptor) task.APIClient {
		return &task.EnvironmentClient{
			Environment: desc.Environment,
			Overrides:   s.Lookup,
		}
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
