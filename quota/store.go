package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Call is one outbound remote call.
type Call struct {
	TS       int64    `json:"ts"` // unix milliseconds
	Endpoint Endpoint `json:"endpoint"`
}

// DailyUsage holds the calls of one calendar day, per tier.
type DailyUsage struct {
	Tier1 []Call `json:"tier1"`
	Tier2 []Call `json:"tier2"`
}

func (d *DailyUsage) calls(t Tier) []Call {
	if t == Tier1 {
		return d.Tier1
	}
	return d.Tier2
}

// Ledger maps a "2006-01-02" date to that day's usage.
type Ledger map[string]*DailyUsage

// Store persists the quota ledger. Writes are read-modify-write with no
// concurrency check across processes.
type Store interface {
	Load(ctx context.Context) (Ledger, error)
	Save(ctx context.Context, l Ledger) error
}

// FileStore keeps the ledger in a single JSON file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns an empty ledger when the file is missing or unreadable.
func (s *FileStore) Load(_ context.Context) (Ledger, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Ledger{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read quota file: %w", err)
	}
	l := Ledger{}
	if err := json.Unmarshal(data, &l); err != nil {
		return Ledger{}, nil
	}
	return l, nil
}

func (s *FileStore) Save(_ context.Context, l Ledger) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create quota dir: %w", err)
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encode quota ledger: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write quota file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := Ledger{}
	if s.data == nil {
		return l, nil
	}
	if err := json.Unmarshal(s.data, &l); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *MemoryStore) Save(_ context.Context, l Ledger) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}
