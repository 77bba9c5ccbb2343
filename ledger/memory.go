package ledger

import (
	"context"
	"sync"

	"github.com/vinizap/lumi/mirror/domain"
)

// MemoryStore is an in-process Store. SetCurrent stands in for the on-disk
// state that CopyToArchive captures.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]domain.LedgerEntry
	current  map[string]*domain.Node
	archives map[string]map[string]*domain.Node
	Copies   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  map[string]domain.LedgerEntry{},
		current:  map[string]*domain.Node{},
		archives: map[string]map[string]*domain.Node{},
	}
}

func (m *MemoryStore) SetCurrent(id string, tree *domain.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[id] = tree
}

func (m *MemoryStore) LoadEntry(_ context.Context, id string) (*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	e.History = append([]domain.ArchivedVersion(nil), e.History...)
	return &e, nil
}

func (m *MemoryStore) SaveEntry(_ context.Context, entry *domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *entry
	e.History = append([]domain.ArchivedVersion(nil), entry.History...)
	m.entries[entry.ResourceID] = e
	return nil
}

func (m *MemoryStore) ArchiveExists(_ context.Context, id, folder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.archives[id][folder]
	return ok, nil
}

func (m *MemoryStore) CopyToArchive(_ context.Context, id, folder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.archives[id] == nil {
		m.archives[id] = map[string]*domain.Node{}
	}
	m.archives[id][folder] = m.current[id]
	m.Copies++
	return nil
}

func (m *MemoryStore) RemoveArchive(_ context.Context, id, folder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.archives[id], folder)
	return nil
}

func (m *MemoryStore) LoadArchivedTree(_ context.Context, id, folder string) (*domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.archives[id][folder], nil
}

// Folders lists the archive slots held for id.
func (m *MemoryStore) Folders(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.archives[id]))
	for f := range m.archives[id] {
		out = append(out, f)
	}
	return out
}
