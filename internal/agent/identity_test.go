package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveNodeID_Configured(t *testing.T) {
	dir := t.TempDir()
	id, err := ResolveNodeID("  node-7 ", dir)
	require.NoError(t, err)
	assert.Equal(t, "node-7", id)
	assert.NoFileExists(t, filepath.Join(dir, nodeIDFile))
}

func TestResolveNodeID_GeneratedOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	first, err := ResolveNodeID("", dir)
	require.NoError(t, err)
	_, err = uuid.Parse(first)
	assert.NoError(t, err)

	second, err := ResolveNodeID("", dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveNodeID_ReadsExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, nodeIDFile), []byte("persisted-id\n"), 0o644))

	id, err := ResolveNodeID("", dir)
	require.NoError(t, err)
	assert.Equal(t, "persisted-id", id)
}
