package task

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

// Task is one runnable task body. Execute returns nil on success; returning
// an error wrapping ctx.Err() after ctx is done signals cancellation.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Factory builds a Task instance from its scope.
type Factory func(scope *Scope) (Task, error)

// LogSink receives task output. *ExecutionContext implements it.
type LogSink interface {
	Log(level, text string) error
	Logf(level, format string, args ...any) error
}

// APIClient is the task's handle for control-plane callbacks.
type APIClient interface {
	// LookupEnvironment resolves a variable visible to the task.
	LookupEnvironment(key string) (string, bool)
}

// APIClientFactory builds a fresh APIClient for one task instance.
type APIClientFactory func(desc *Descriptor) APIClient

// Scope holds everything one task body is built from. Each body gets its
// own Scope; nothing in it is shared with other tasks.
type Scope struct {
	Descriptor *Descriptor
	Logs       LogSink
	API        APIClient
	Logger     zerolog.Logger
}

// EnvironmentClient resolves variables from the descriptor's environment,
// then overrides, then the agent process environment.
type EnvironmentClient struct {
	Environment map[string]string
	Overrides   func(key string) (string, bool)
}

// NewEnvironmentClient is the default APIClientFactory.
func NewEnvironmentClient(desc *Descriptor) APIClient {
	return &EnvironmentClient{Environment: desc.Environment}
}

func (c *EnvironmentClient) LookupEnvironment(key string) (string, bool) {
	if v, ok := c.Environment[key]; ok {
		return v, true
	}
	if c.Overrides != nil {
		if v, ok := c.Overrides(key); ok {
			return v, true
		}
	}
	return os.LookupEnv(key)
}
