package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const nodeIDFile = "node-id"

// ResolveNodeID returns the configured node id, or the one persisted in
// stateDir. A new id is generated and persisted on first start.
func ResolveNodeID(configured, stateDir string) (string, error) {
	if id := strings.TrimSpace(configured); id != "" {
		return id, nil
	}

	path := filepath.Join(stateDir, nodeIDFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("failed to read node id: %w", err)
	}

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to persist node id: %w", err)
	}
	return id, nil
}
