package agent

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetd/fleetd/internal/task"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// State journals running task instances in SQLite so a restarted agent can
// report the ones it lost.
type State struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// PendingTask is a journaled instance that never reached a terminal status.
type PendingTask struct {
	InstanceID string
	TaskID     string
	TaskType   string
	Parameters map[string]string
	StartedAt  time.Time
}

// NewState opens or creates the journal in stateDir.
func NewState(stateDir string) (*State, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dbPath := filepath.Join(stateDir, "agent.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &State{
		db:     db,
		dbPath: dbPath,
	}, nil
}

func createTables(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			instance_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			parameters_json TEXT NOT NULL,
			started_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_started_at ON tasks(started_at);
	`

	_, err := db.Exec(schema)
	return err
}

// SaveTask records a running instance.
func (s *State) SaveTask(instanceID string, desc *task.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	params, err := json.Marshal(desc.RawParameters())
	if err != nil {
		return fmt.Errorf("failed to serialize parameters: %w", err)
	}

	query := `
		INSERT INTO tasks (instance_id, task_id, task_type, parameters_json, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			parameters_json = excluded.parameters_json
	`

	_, err = s.db.Exec(query, instanceID, desc.ID, desc.TypeName, string(params), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// DeleteTask removes an instance from the journal.
func (s *State) DeleteTask(instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM tasks WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// PendingTasks returns every journaled instance, oldest first.
func (s *State) PendingTasks() ([]*PendingTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT instance_id, task_id, task_type, parameters_json, started_at
		FROM tasks
		ORDER BY started_at ASC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tasks: %w", err)
	}
	defer rows.Close()

	var pending []*PendingTask
	for rows.Next() {
		var p PendingTask
		var params string
		if err := rows.Scan(&p.InstanceID, &p.TaskID, &p.TaskType, &params, &p.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending task: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &p.Parameters); err != nil {
			return nil, fmt.Errorf("failed to deserialize parameters: %w", err)
		}
		pending = append(pending, &p)
	}

	return pending, rows.Err()
}

// Close closes the database.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
