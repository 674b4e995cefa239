package builtin

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/fleetd/fleetd/internal/task"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type logLine struct {
	level string
	text  string
}

type testLogs struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *testLogs) Log(level, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{level: level, text: text})
	return nil
}

func (l *testLogs) Logf(level, format string, args ...any) error {
	return l.Log(level, fmt.Sprintf(format, args...))
}

func (l *testLogs) texts(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, line := range l.lines {
		if level == "" || line.level == level {
			out = append(out, line.text)
		}
	}
	return out
}

func (l *testLogs) combined() string {
	return strings.Join(l.texts(""), "\n")
}

func newScope(t *testing.T, params map[string]string) (*task.Scope, *testLogs) {
	t.Helper()
	desc, err := task.DescriptorFromParameters(params)
	require.NoError(t, err)

	logs := &testLogs{}
	return &task.Scope{
		Descriptor: desc,
		Logs:       logs,
		API:        task.NewEnvironmentClient(desc),
		Logger:     zerolog.New(io.Discard),
	}, logs
}
