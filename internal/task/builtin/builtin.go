// Package builtin provides the task bodies shipped with the agent.
package builtin

import (
	"fmt"

	"github.com/fleetd/fleetd/internal/task"
)

// Task type names.
const (
	TypeEcho      = "EchoTask"
	TypeSleep     = "SleepTask"
	TypeScript    = "ScriptTask"
	TypeContainer = "ContainerTask"
)

// Deps are the collaborators built-in tasks may need. A nil Docker leaves
// ContainerTask unregistered.
type Deps struct {
	WorkDir string
	Docker  ContainerRuntime
}

// Register adds every built-in task type to reg.
func Register(reg *task.Registry, deps Deps) error {
	factories := map[string]task.Factory{
		TypeEcho:   NewEchoTask,
		TypeSleep:  NewSleepTask,
		TypeScript: scriptFactory(deps.WorkDir),
	}
	if deps.Docker != nil {
		factories[TypeContainer] = containerFactory(deps.Docker)
	}

	for name, f := range factories {
		if err := reg.Register(name, f); err != nil {
			return fmt.Errorf("register builtin tasks: %w", err)
		}
	}
	return nil
}
