package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vinizap/lumi/mirror/domain"
)

const FileName = "library-index.json"

type fileDoc struct {
	Items []*domain.Resource `json:"items"`
}

// File keeps the index in a single JSON document.
type File struct {
	path string
	mu   sync.Mutex
}

func NewFile(root string) *File {
	return &File{path: filepath.Join(root, FileName)}
}

func (f *File) Type() string { return "file" }

func (f *File) load() (map[string]*domain.Resource, error) {
	out := map[string]*domain.Resource{}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}
	for _, rec := range doc.Items {
		out[rec.ID] = rec
	}
	return out, nil
}

func (f *File) save(recs map[string]*domain.Resource) error {
	doc := fileDoc{Items: make([]*domain.Resource, 0, len(recs))}
	for _, rec := range recs {
		doc.Items = append(doc.Items, rec)
	}
	sortRecords(doc.Items)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *File) Create(_ context.Context, rec *domain.Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := recs[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	cp := *rec
	recs[rec.ID] = &cp
	return f.save(recs)
}

func (f *File) Update(_ context.Context, rec *domain.Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := recs[rec.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	cp := *rec
	recs[rec.ID] = &cp
	return f.save(recs)
}

func (f *File) Get(_ context.Context, id string) (*domain.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs, err := f.load()
	if err != nil {
		return nil, err
	}
	rec, ok := recs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (f *File) List(_ context.Context) ([]*domain.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Resource, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (f *File) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := recs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(recs, id)
	return f.save(recs)
}
