package builtin

import (
	"context"

	"github.com/fleetd/fleetd/internal/task"
)

// EchoTask writes its "msg" parameter to the task log.
type EchoTask struct {
	msg  string
	logs task.LogSink
}

// NewEchoTask is the EchoTask factory.
func NewEchoTask(scope *task.Scope) (task.Task, error) {
	return &EchoTask{
		msg:  scope.Descriptor.Param("msg", ""),
		logs: scope.Logs,
	}, nil
}

func (t *EchoTask) Execute(ctx context.Context) error {
	return t.logs.Log(task.LevelInfo, t.msg)
}
