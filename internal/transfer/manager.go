// Package transfer runs bulk file transfers between the node and
// S3-compatible object storage.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	nodev1 "github.com/fleetd/fleetd/api/node/v1"
	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownOperation is returned when closing an operation that is not running.
	ErrUnknownOperation = errors.New("unknown transfer operation")

	// ErrDuplicateOperation is returned when opening an operation id that is already running.
	ErrDuplicateOperation = errors.New("transfer operation already running")

	// ErrNoStore is returned when no object store is configured.
	ErrNoStore = errors.New("object storage is not configured")
)

// Replier delivers transfer status to the control plane. Implementations
// should hold messages until a session can carry them.
type Replier interface {
	Reply(msg *nodev1.AgentMessage) error
}

// Manager owns the running bulk transfers. Transfers are bound to the
// manager's lifetime, not to a control-plane session.
type Manager struct {
	store   ObjectStore
	replier Replier
	metrics *metrics.AgentMetrics
	logger  zerolog.Logger

	base       context.Context
	baseCancel context.CancelFunc

	mu  sync.Mutex
	ops map[string]*operation
	wg  sync.WaitGroup
}

type operation struct {
	id            string
	correlationID string
	req           nodev1.BulkFileOp
	cancel        context.CancelFunc
	bytes         atomic.Int64
}

// NewManager creates a Manager. store may be nil, in which case every open
// is answered with a failed status.
func NewManager(store ObjectStore, replier Replier, m *metrics.AgentMetrics, logger zerolog.Logger) *Manager {
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		replier:    replier,
		metrics:    m,
		logger:     logger.With().Str("component", "transfer_manager").Logger(),
		base:       base,
		baseCancel: cancel,
		ops:        make(map[string]*operation),
	}
}

// Handle opens or closes a transfer. It returns the operation id.
func (m *Manager) Handle(correlationID string, req *nodev1.BulkFileOp) (string, error) {
	switch req.Op {
	case nodev1.BulkFileOpOpen:
		return m.Open(correlationID, req)
	case nodev1.BulkFileOpClose:
		return req.OperationID, m.Close(req.OperationID)
	default:
		return req.OperationID, fmt.Errorf("unsupported bulk file op %q", req.Op)
	}
}

// Open validates req and starts the transfer in the background. An empty
// OperationID is assigned a fresh one.
func (m *Manager) Open(correlationID string, req *nodev1.BulkFileOp) (string, error) {
	if m.store == nil {
		return req.OperationID, ErrNoStore
	}
	if req.Direction != nodev1.TransferUpload && req.Direction != nodev1.TransferDownload {
		return req.OperationID, fmt.Errorf("invalid transfer direction %q", req.Direction)
	}
	if req.LocalPath == "" || !filepath.IsAbs(req.LocalPath) {
		return req.OperationID, fmt.Errorf("local path %q must be absolute", req.LocalPath)
	}
	if req.ObjectKey == "" {
		return req.OperationID, errors.New("object key is required")
	}

	op := &operation{
		id:            req.OperationID,
		correlationID: correlationID,
		req:           *req,
	}
	if op.id == "" {
		op.id = uuid.NewString()
		op.req.OperationID = op.id
	}

	ctx, cancel := context.WithCancel(m.base)
	op.cancel = cancel

	m.mu.Lock()
	if _, exists := m.ops[op.id]; exists {
		m.mu.Unlock()
		cancel()
		return op.id, fmt.Errorf("%w: %s", ErrDuplicateOperation, op.id)
	}
	m.ops[op.id] = op
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, op)
	return op.id, nil
}

// Close cancels a running transfer. Its final status is reported as cancelled.
func (m *Manager) Close(operationID string) error {
	m.mu.Lock()
	op, ok := m.ops[operationID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, operationID)
	}
	op.cancel()
	return nil
}

// Active returns the number of running transfers.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

// Shutdown cancels every transfer and waits for them to stop or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.baseCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, op *operation) {
	defer m.wg.Done()
	defer op.cancel()

	logger := m.logger.With().
		Str("operation_id", op.id).
		Str("direction", string(op.req.Direction)).
		Str("object_key", op.req.ObjectKey).
		Logger()
	logger.Info().Str("local_path", op.req.LocalPath).Msg("Transfer started")
	started := time.Now()

	var err error
	if op.req.Direction == nodev1.TransferUpload {
		err = m.upload(ctx, op)
	} else {
		err = m.download(ctx, op)
	}

	m.mu.Lock()
	delete(m.ops, op.id)
	m.mu.Unlock()

	status := &nodev1.BulkFileOpStatus{
		OperationID: op.id,
		State:       nodev1.TransferCompleted,
		Bytes:       op.bytes.Load(),
	}
	switch {
	case err == nil:
		logger.Info().Int64("bytes", status.Bytes).Dur("duration", time.Since(started)).Msg("Transfer completed")
	case ctx.Err() != nil:
		status.State = nodev1.TransferCancelled
		status.Message = "transfer cancelled"
		logger.Info().Int64("bytes", status.Bytes).Msg("Transfer cancelled")
	default:
		status.State = nodev1.TransferFailed
		status.Message = err.Error()
		logger.Warn().Err(err).Msg("Transfer failed")
	}

	m.metrics.RecordTransfer(string(op.req.Direction), string(status.State), status.Bytes)

	msg := &nodev1.AgentMessage{CorrelationID: op.correlationID, BulkFileOpStatus: status}
	if err := m.replier.Reply(msg); err != nil {
		logger.Warn().Err(err).Msg("Failed to report transfer status")
	}
}

func (m *Manager) upload(ctx context.Context, op *operation) error {
	f, err := os.Open(op.req.LocalPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat local file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", op.req.LocalPath)
	}

	r := &countingReader{ctx: ctx, r: f, n: &op.bytes}
	if err := m.store.Upload(ctx, op.req.ObjectKey, r, info.Size()); err != nil {
		return err
	}
	return ctx.Err()
}

func (m *Manager) download(ctx context.Context, op *operation) error {
	body, err := m.store.Download(ctx, op.req.ObjectKey)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(op.req.LocalPath), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	// Write to a temp file so a cancelled download never leaves a partial target.
	tmp, err := os.CreateTemp(filepath.Dir(op.req.LocalPath), ".fleetd-transfer-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, copyErr := io.Copy(tmp, &countingReader{ctx: ctx, r: body, n: &op.bytes})
	closeErr := tmp.Close()
	if copyErr != nil {
		return fmt.Errorf("write local file: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("write local file: %w", closeErr)
	}

	if err := os.Rename(tmp.Name(), op.req.LocalPath); err != nil {
		return fmt.Errorf("move into place: %w", err)
	}
	return nil
}

// countingReader counts bytes read and stops once ctx is done.
type countingReader struct {
	ctx context.Context
	r   io.Reader
	n   *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
