package builtin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fleetd/fleetd/internal/task"
	"github.com/rs/zerolog"
)

// ScriptTask runs the "command" parameter as a subprocess and streams its
// output into the task log. stdout lines are logged at info level, stderr
// lines at warn.
type ScriptTask struct {
	command string
	workDir string
	env     []string
	api     task.APIClient
	logs    task.LogSink
	logger  zerolog.Logger
}

func scriptFactory(baseDir string) task.Factory {
	return func(scope *task.Scope) (task.Task, error) {
		command := strings.TrimSpace(scope.Descriptor.Param("command", ""))
		if command == "" {
			return nil, errors.New("command parameter is required")
		}

		workDir := baseDir
		if dir := scope.Descriptor.Param("working_directory", ""); dir != "" {
			if filepath.IsAbs(dir) || baseDir == "" {
				workDir = dir
			} else {
				workDir = filepath.Join(baseDir, dir)
			}
		}

		return &ScriptTask{
			command: command,
			workDir: workDir,
			env:     buildEnvironment(scope.Descriptor),
			api:     scope.API,
			logs:    scope.Logs,
			logger:  scope.Logger.With().Str("task_body", TypeScript).Logger(),
		}, nil
	}
}

func (t *ScriptTask) Execute(ctx context.Context) error {
	if t.workDir != "" {
		if _, err := os.Stat(t.workDir); err != nil {
			return fmt.Errorf("working directory: %w", err)
		}
	}

	args := parseCommand(t.expand(t.command))
	if len(args) == 0 {
		return errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = t.workDir
	cmd.Env = t.env

	// Kill the whole process group so children do not outlive the task.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	t.logger.Debug().Strs("args", args).Int("pid", cmd.Process.Pid).Msg("Script started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.captureOutput(stdout, task.LevelInfo)
	}()
	go func() {
		defer wg.Done()
		t.captureOutput(stderr, task.LevelWarn)
	}()
	wg.Wait()

	err = cmd.Wait()
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("script interrupted: %w", ctx.Err())
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("exit code %d", exitErr.ExitCode())
		}
		return fmt.Errorf("command failed: %w", err)
	}
}

// captureOutput forwards r to the task log one line at a time.
func (t *ScriptTask) captureOutput(r io.Reader, level string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024) // 64KB buffer, 1MB max line

	// Keep draining after the context is disposed so the child never
	// blocks on a full pipe.
	for scanner.Scan() {
		_ = t.logs.Log(level, scanner.Text())
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		t.logger.Debug().Err(err).Msg("Scanner error")
	}
}

// expand substitutes variables the task's APIClient can resolve. Unknown
// variables are left for the shell.
func (t *ScriptTask) expand(command string) string {
	if t.api == nil {
		return command
	}
	return os.Expand(command, func(key string) string {
		if v, ok := t.api.LookupEnvironment(key); ok {
			return v
		}
		return "${" + key + "}"
	})
}

// buildEnvironment layers the descriptor's environment over the agent's.
func buildEnvironment(desc *task.Descriptor) []string {
	env := os.Environ()
	env = append(env,
		fmt.Sprintf("FLEETD_TASK_ID=%s", desc.ID),
		fmt.Sprintf("FLEETD_TASK_TYPE=%s", desc.TypeName),
	)
	for k, v := range desc.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// parseCommand splits a command string into arguments.
// Handles basic quoting.
func parseCommand(command string) []string {
	var args []string
	var current strings.Builder
	var inQuote bool
	var quoteChar rune

	for _, r := range command {
		switch {
		case inQuote:
			if r == quoteChar {
				inQuote = false
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			inQuote = true
			quoteChar = r
		case r == ' ' || r == '\t':
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		args = append(args, current.String())
	}

	return args
}
