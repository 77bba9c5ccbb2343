// Package index keeps the library index: one record per mirrored resource.
// The index is derived data and can be rebuilt from the resource directories.
package index

import (
	"context"
	"errors"
	"sort"

	"github.com/vinizap/lumi/mirror/domain"
)

var (
	ErrExists   = errors.New("resource already indexed")
	ErrNotFound = errors.New("resource not found")
)

type Index interface {
	// Create fails with ErrExists when the id is already present.
	Create(ctx context.Context, rec *domain.Resource) error
	// Update fails with ErrNotFound when the id is absent.
	Update(ctx context.Context, rec *domain.Resource) error
	Get(ctx context.Context, id string) (*domain.Resource, error)
	// List returns records most recently updated first.
	List(ctx context.Context) ([]*domain.Resource, error)
	Remove(ctx context.Context, id string) error
	Type() string
}

// Source enumerates the resources found on disk.
type Source interface {
	ListResources() ([]*domain.Resource, error)
}

// Rebuild inserts every resource from src that idx does not know about yet.
// It returns the number of records added.
func Rebuild(ctx context.Context, idx Index, src Source) (int, error) {
	recs, err := src.ListResources()
	if err != nil {
		return 0, err
	}
	added := 0
	for _, rec := range recs {
		err := idx.Create(ctx, rec)
		if errors.Is(err, ErrExists) {
			continue
		}
		if err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func sortRecords(recs []*domain.Resource) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
