package task

import "sync"

// Table maps task ids to their live execution context. At most one live
// context exists per id.
type Table struct {
	mu       sync.Mutex
	contexts map[string]*ExecutionContext
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{contexts: make(map[string]*ExecutionContext)}
}

// GetOrCreate returns the live context for id, or stores and returns the one
// built by create. created reports whether create was used.
func (t *Table) GetOrCreate(id string, create func() *ExecutionContext) (c *ExecutionContext, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.contexts[id]; ok {
		return existing, false
	}
	c = create()
	t.contexts[id] = c
	return c, true
}

// Get returns the live context for id.
func (t *Table) Get(id string) (*ExecutionContext, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.contexts[id]
	return c, ok
}

// Remove deletes the entry for id only if it is still c.
func (t *Table) Remove(id string, c *ExecutionContext) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.contexts[id] != c {
		return false
	}
	delete(t.contexts, id)
	return true
}

// Snapshot returns the live contexts.
func (t *Table) Snapshot() []*ExecutionContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*ExecutionContext, 0, len(t.contexts))
	for _, c := range t.contexts {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live contexts.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.contexts)
}
