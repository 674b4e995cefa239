package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	nodev1 "github.com/fleetd/fleetd/api/node/v1"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	// block, when set, stalls uploads until the context ends.
	block bool
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *memStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type replies struct {
	mu   sync.Mutex
	msgs []*nodev1.AgentMessage
}

func (r *replies) Reply(msg *nodev1.AgentMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *replies) await(t *testing.T, n int) []*nodev1.AgentMessage {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.msgs) >= n
	}, 5*time.Second, 5*time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*nodev1.AgentMessage(nil), r.msgs...)
}

func newTestManager(store ObjectStore) (*Manager, *replies) {
	r := &replies{}
	return NewManager(store, r, nil, zerolog.New(io.Discard)), r
}

func TestUploadAndDownload(t *testing.T) {
	store := newMemStore()
	m, r := newTestManager(store)
	dir := t.TempDir()

	src := filepath.Join(dir, "in.log")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	id, err := m.Open("corr-1", &nodev1.BulkFileOp{
		Op:          nodev1.BulkFileOpOpen,
		OperationID: "up-1",
		Direction:   nodev1.TransferUpload,
		LocalPath:   src,
		ObjectKey:   "logs/in.log",
	})
	require.NoError(t, err)
	assert.Equal(t, "up-1", id)

	msgs := r.await(t, 1)
	assert.Equal(t, "corr-1", msgs[0].CorrelationID)
	assert.Equal(t, &nodev1.BulkFileOpStatus{
		OperationID: "up-1",
		State:       nodev1.TransferCompleted,
		Bytes:       7,
	}, msgs[0].BulkFileOpStatus)

	dst := filepath.Join(dir, "nested", "out.log")
	id, err = m.Handle("corr-2", &nodev1.BulkFileOp{
		Op:        nodev1.BulkFileOpOpen,
		Direction: nodev1.TransferDownload,
		LocalPath: dst,
		ObjectKey: "logs/in.log",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs = r.await(t, 2)
	assert.Equal(t, id, msgs[1].BulkFileOpStatus.OperationID)
	assert.Equal(t, nodev1.TransferCompleted, msgs[1].BulkFileOpStatus.State)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, 0, m.Active())
}

func TestCloseCancelsTransfer(t *testing.T) {
	store := newMemStore()
	store.block = true
	m, r := newTestManager(store)

	src := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	_, err := m.Open("corr", &nodev1.BulkFileOp{
		Op:          nodev1.BulkFileOpOpen,
		OperationID: "slow",
		Direction:   nodev1.TransferUpload,
		LocalPath:   src,
		ObjectKey:   "big.bin",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Active())

	_, err = m.Handle("corr", &nodev1.BulkFileOp{Op: nodev1.BulkFileOpClose, OperationID: "slow"})
	require.NoError(t, err)

	msgs := r.await(t, 1)
	assert.Equal(t, nodev1.TransferCancelled, msgs[0].BulkFileOpStatus.State)
	assert.ErrorIs(t, m.Close("slow"), ErrUnknownOperation)
}

func TestDuplicateOperationRejected(t *testing.T) {
	store := newMemStore()
	store.block = true
	m, _ := newTestManager(store)

	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, nil, 0o644))
	req := &nodev1.BulkFileOp{
		Op:          nodev1.BulkFileOpOpen,
		OperationID: "dup",
		Direction:   nodev1.TransferUpload,
		LocalPath:   src,
		ObjectKey:   "f",
	}

	_, err := m.Open("", req)
	require.NoError(t, err)
	_, err = m.Open("", req)
	assert.ErrorIs(t, err, ErrDuplicateOperation)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, 0, m.Active())
}

func TestFailedTransferReported(t *testing.T) {
	m, r := newTestManager(newMemStore())

	_, err := m.Open("corr", &nodev1.BulkFileOp{
		Op:        nodev1.BulkFileOpOpen,
		Direction: nodev1.TransferDownload,
		LocalPath: filepath.Join(t.TempDir(), "out"),
		ObjectKey: "missing",
	})
	require.NoError(t, err)

	msgs := r.await(t, 1)
	assert.Equal(t, nodev1.TransferFailed, msgs[0].BulkFileOpStatus.State)
	assert.Contains(t, msgs[0].BulkFileOpStatus.Message, "not found")
}

func TestOpenValidation(t *testing.T) {
	m, _ := newTestManager(newMemStore())

	tests := []struct {
		name string
		req  nodev1.BulkFileOp
	}{
		{"bad direction", nodev1.BulkFileOp{Direction: "sideways", LocalPath: "/tmp/x", ObjectKey: "k"}},
		{"relative path", nodev1.BulkFileOp{Direction: nodev1.TransferUpload, LocalPath: "x", ObjectKey: "k"}},
		{"missing key", nodev1.BulkFileOp{Direction: nodev1.TransferUpload, LocalPath: "/tmp/x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Open("", &tt.req)
			assert.Error(t, err)
		})
	}

	noStore, _ := newTestManager(nil)
	_, err := noStore.Open("", &nodev1.BulkFileOp{Direction: nodev1.TransferUpload, LocalPath: "/tmp/x", ObjectKey: "k"})
	assert.ErrorIs(t, err, ErrNoStore)

	_, err = m.Handle("", &nodev1.BulkFileOp{Op: "rename"})
	assert.Error(t, err)
}
