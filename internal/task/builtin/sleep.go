package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetd/fleetd/internal/task"
)

const defaultSleep = time.Hour

// SleepTask waits for its "duration" parameter or until it is cancelled.
type SleepTask struct {
	duration time.Duration
	logs     task.LogSink
}

// NewSleepTask is the SleepTask factory.
func NewSleepTask(scope *task.Scope) (task.Task, error) {
	d := defaultSleep
	if v := scope.Descriptor.Param("duration", ""); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d = parsed
	}
	return &SleepTask{duration: d, logs: scope.Logs}, nil
}

func (t *SleepTask) Execute(ctx context.Context) error {
	_ = t.logs.Logf(task.LevelDebug, "sleeping for %s", t.duration)

	timer := time.NewTimer(t.duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}
}
