package task

import (
	"io"
	"sync"
	"testing"
	"time"

	nodev1 "github.com/fleetd/fleetd/api/node/v1"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	reports []*nodev1.TaskExecutionReport
}

func (s *recordingSink) EnqueueTaskReport(r *nodev1.TaskExecutionReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func (s *recordingSink) byKind(kind nodev1.ReportKind) []*nodev1.TaskExecutionReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*nodev1.TaskExecutionReport
	for _, r := range s.reports {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func (s *recordingSink) statuses() []string {
	var out []string
	for _, r := range s.byKind(nodev1.ReportStatus) {
		out = append(out, r.Status)
	}
	return out
}

func newTestContext(t *testing.T, id string, sink ReportSink, table *Table, flushSize int, flushInterval time.Duration) *ExecutionContext {
	t.Helper()
	desc := &Descriptor{ID: id, TypeName: "EchoTask"}
	c, created := table.GetOrCreate(id, func() *ExecutionContext {
		return newExecutionContext(t.Context(), desc, sink, table, zerolog.New(io.Discard), flushSize, flushInterval)
	})
	require.True(t, created)
	return c
}

func TestTableGetOrCreateIsUnique(t *testing.T) {
	table := NewTable()
	sink := &recordingSink{}

	var (
		mu      sync.Mutex
		creates int
		wg      sync.WaitGroup
	)
	results := make([]*ExecutionContext, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = table.GetOrCreate("t1", func() *ExecutionContext {
				mu.Lock()
				creates++
				mu.Unlock()
				return newExecutionContext(t.Context(), &Descriptor{ID: "t1"}, sink, table, zerolog.Nop(), 0, 0)
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, creates)
	for _, c := range results {
		assert.Same(t, results[0], c)
	}
	assert.Equal(t, 1, table.Len())
}

func TestTableRemoveComparesInstance(t *testing.T) {
	table := NewTable()
	sink := &recordingSink{}

	old := newTestContext(t, "t1", sink, table, 0, 0)
	old.Dispose()

	replacement := newTestContext(t, "t1", sink, table, 0, 0)
	assert.False(t, table.Remove("t1", old))

	got, ok := table.Get("t1")
	require.True(t, ok)
	assert.Same(t, replacement, got)
}

func TestDisposeIsIdempotent(t *testing.T) {
	table := NewTable()
	sink := &recordingSink{}
	c := newTestContext(t, "t1", sink, table, 0, time.Hour)

	require.NoError(t, c.Log(LevelInfo, "line"))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Dispose()
		}()
	}
	wg.Wait()

	assert.True(t, c.Disposed())
	assert.Len(t, sink.byKind(nodev1.ReportLog), 1)
	assert.Equal(t, 0, table.Len())
	assert.Error(t, c.Context().Err())
	assert.ErrorIs(t, c.Log(LevelInfo, "late"), ErrDisposed)
}

func TestTerminalStatusReportedOnce(t *testing.T) {
	sink := &recordingSink{}
	c := newTestContext(t, "t1", sink, NewTable(), 0, 0)

	c.UpdateStatus(StatusStarted, "", nil, nil)
	c.UpdateStatus(StatusFinished, "", nil, nil)
	c.UpdateStatus(StatusFailed, "late", nil, nil)
	c.Dispose()
	c.UpdateStatus(StatusCancelled, "after dispose", nil, nil)

	assert.Equal(t, []string{"Started", "Finished"}, sink.statuses())
	assert.Equal(t, StatusFinished, c.Status())
}

func TestStatusReportAfterDispose(t *testing.T) {
	sink := &recordingSink{}
	c := newTestContext(t, "t1", sink, NewTable(), 0, 0)

	c.UpdateStatus(StatusRunning, "", nil, nil)
	c.Cancel()
	c.UpdateStatus(StatusCancelled, "cancelled", nil, nil)

	assert.True(t, c.CancelledManually())
	assert.Equal(t, []string{"Running", "Cancelled"}, sink.statuses())
}

func TestLogEntriesCaptureStatusAtEmission(t *testing.T) {
	sink := &recordingSink{}
	c := newTestContext(t, "t1", sink, NewTable(), 0, time.Hour)

	c.UpdateStatus(StatusRunning, "", nil, nil)
	require.NoError(t, c.Log(LevelInfo, "a"))
	require.NoError(t, c.Log(LevelInfo, "b"))
	c.UpdateStatus(StatusFinished, "", nil, nil)
	require.NoError(t, c.Log(LevelWarn, "c"))
	c.FlushLogs()

	logs := sink.byKind(nodev1.ReportLog)
	require.Len(t, logs, 2)

	assert.Equal(t, "Running", logs[0].Status)
	require.Len(t, logs[0].LogEntries, 2)
	assert.Equal(t, "a", logs[0].LogEntries[0].Text)
	assert.Equal(t, "Running", logs[0].LogEntries[1].Status)

	assert.Equal(t, "Finished", logs[1].Status)
	require.Len(t, logs[1].LogEntries, 1)
	assert.Equal(t, LevelWarn, logs[1].LogEntries[0].Level)
}

func TestLogBufferFlushesAtSize(t *testing.T) {
	sink := &recordingSink{}
	c := newTestContext(t, "t1", sink, NewTable(), 3, time.Hour)

	for _, text := range []string{"1", "2", "3", "4"} {
		require.NoError(t, c.Log(LevelInfo, text))
	}

	logs := sink.byKind(nodev1.ReportLog)
	require.Len(t, logs, 1)
	assert.Len(t, logs[0].LogEntries, 3)
}

func TestLogBufferFlushesOnInterval(t *testing.T) {
	sink := &recordingSink{}
	c := newTestContext(t, "t1", sink, NewTable(), 0, 20*time.Millisecond)

	require.NoError(t, c.Log(LevelInfo, "tick"))

	assert.Eventually(t, func() bool {
		return len(sink.byKind(nodev1.ReportLog)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStatusUpdateCarriesEntriesAndProperties(t *testing.T) {
	sink := &recordingSink{}
	c := newTestContext(t, "t1", sink, NewTable(), 0, 0)

	props := map[string]string{"exit_code": "0"}
	c.UpdateStatus(StatusRunning, "working", []LogEntry{{Level: LevelInfo, Text: "x", Status: StatusRunning}}, props)
	props["exit_code"] = "1"

	reports := sink.byKind(nodev1.ReportStatus)
	require.Len(t, reports, 1)
	assert.Equal(t, "working", reports[0].Message)
	assert.Equal(t, "0", reports[0].Properties["exit_code"])
	require.Len(t, reports[0].LogEntries, 1)
	assert.Equal(t, "x", reports[0].LogEntries[0].Text)
}

func TestGroupByStatus(t *testing.T) {
	entries := []LogEntry{
		{Text: "a", Status: StatusStarted},
		{Text: "b", Status: StatusRunning},
		{Text: "c", Status: StatusRunning},
		{Text: "d", Status: StatusStarted},
	}

	groups := groupByStatus(entries)
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 1)
	assert.Len(t, groups[1], 2)
	assert.Equal(t, "d", groups[2][0].Text)

	assert.Empty(t, groupByStatus(nil))
}
