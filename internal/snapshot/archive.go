package snapshot

import (
	"sync"

	"netcoord/internal/message"
)

// Archive collects completed records from every node.
// It's thread-safe and returns copies to callers.
type Archive struct {
	mu      sync.RWMutex
	records map[message.ID]Record
}

// NewArchive creates an empty archive.
func NewArchive() *Archive {
	return &Archive{records: make(map[message.ID]Record)}
}

// Put stores a node's record, replacing any previous one.
func (a *Archive) Put(r Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[r.Node] = r.Copy()
}

// Get retrieves one node's record.
func (a *Archive) Get(id message.ID) (Record, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	r, ok := a.records[id]
	if !ok {
		return Record{}, false
	}
	return r.Copy(), true
}

// Len returns the number of stored records.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

// Global returns a copy of every stored record.
func (a *Archive) Global() Global {
	a.mu.RLock()
	defer a.mu.RUnlock()

	g := make(Global, len(a.records))
	for id, r := range a.records {
		g[id] = r.Copy()
	}
	return g
}
