package builtin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetd/fleetd/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := task.NewRegistry()
	require.NoError(t, Register(reg, Deps{}))
	assert.Equal(t, []string{TypeEcho, TypeScript, TypeSleep}, reg.Names())

	withDocker := task.NewRegistry()
	require.NoError(t, Register(withDocker, Deps{Docker: &mockRuntime{}}))
	_, ok := withDocker.Resolve(TypeContainer)
	assert.True(t, ok)

	err := Register(reg, Deps{})
	assert.ErrorIs(t, err, task.ErrDuplicateTaskType)
}

func TestEchoTask(t *testing.T) {
	scope, logs := newScope(t, map[string]string{
		task.ParamTaskID:   "t1",
		task.ParamTaskType: TypeEcho,
		"msg":              "hi",
	})

	body, err := NewEchoTask(scope)
	require.NoError(t, err)
	require.NoError(t, body.Execute(context.Background()))

	assert.Equal(t, []string{"hi"}, logs.texts(task.LevelInfo))
}

func TestSleepTaskCompletes(t *testing.T) {
	scope, _ := newScope(t, map[string]string{
		task.ParamTaskID:   "t1",
		task.ParamTaskType: TypeSleep,
		"duration":         "10ms",
	})

	body, err := NewSleepTask(scope)
	require.NoError(t, err)
	assert.NoError(t, body.Execute(context.Background()))
}

func TestSleepTaskCancelled(t *testing.T) {
	scope, _ := newScope(t, map[string]string{
		task.ParamTaskID:   "t1",
		task.ParamTaskType: TypeSleep,
	})

	body, err := NewSleepTask(scope)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err = body.Execute(ctx)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestSleepTaskInvalidDuration(t *testing.T) {
	scope, _ := newScope(t, map[string]string{
		task.ParamTaskID:   "t1",
		task.ParamTaskType: TypeSleep,
		"duration":         "soon",
	})

	_, err := NewSleepTask(scope)
	assert.Error(t, err)
}
