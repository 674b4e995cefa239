// Package task runs control-plane requested tasks in isolated, independently
// cancellable execution contexts and reports their status and logs.
package task

import "errors"

// Status is the lifecycle state of one task instance.
type Status int

const (
	StatusCreated Status = iota
	StatusStarted
	StatusRunning
	StatusFinished
	StatusFailed
	StatusCancelled
)

var statusNames = [...]string{
	StatusCreated:   "Created",
	StatusStarted:   "Started",
	StatusRunning:   "Running",
	StatusFinished:  "Finished",
	StatusFailed:    "Failed",
	StatusCancelled: "Cancelled",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown"
	}
	return statusNames[s]
}

// IsTerminal reports whether no further transitions follow s.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCancelled
}

// Log levels accepted by ExecutionContext.Log.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

var (
	// ErrInvalidInstanceID is returned when no live context exists for a task id.
	ErrInvalidInstanceID = errors.New("invalid instance id")

	// ErrDisposed is returned by Log once the context has been disposed.
	ErrDisposed = errors.New("task execution context disposed")

	// ErrUnknownTaskType is returned when no factory is registered for a type name.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrDuplicateTaskType is returned when a type name is registered twice.
	ErrDuplicateTaskType = errors.New("task type already registered")

	// ErrInvalidDescriptor is returned for a trigger parameter bag missing required keys.
	ErrInvalidDescriptor = errors.New("invalid task descriptor")
)
