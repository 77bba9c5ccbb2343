// Package ledger records, per resource, which remote revision is on disk and
// which prior states were archived.
//
// The ordering contract is: ArchiveCurrent runs before new data is written,
// and UpdateCurrent runs last, after the new data is durable. A crash in
// between leaves the marker on the old revision, so the next refetch sees
// the resource as stale and retries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/vinizap/lumi/mirror/domain"
	"github.com/vinizap/lumi/mirror/metrics"
)

var (
	ErrNoEntry   = errors.New("no ledger entry")
	ErrNoVersion = errors.New("version not found")
)

const DefaultHistoryLimit = 10

// Store persists ledger entries and the history slots they point at.
type Store interface {
	// LoadEntry returns nil, nil when the resource has no entry.
	LoadEntry(ctx context.Context, id string) (*domain.LedgerEntry, error)
	SaveEntry(ctx context.Context, entry *domain.LedgerEntry) error
	ArchiveExists(ctx context.Context, id, folder string) (bool, error)
	// CopyToArchive copies the resource's current on-disk state into folder.
	CopyToArchive(ctx context.Context, id, folder string) error
	RemoveArchive(ctx context.Context, id, folder string) error
	LoadArchivedTree(ctx context.Context, id, folder string) (*domain.Node, error)
}

type Option func(*Ledger)

func WithHistoryLimit(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.limit = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

type Ledger struct {
	store Store
	limit int
	now   func() time.Time
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, limit: DefaultHistoryLimit, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Init creates the entry for id at revision. An existing entry is left
// untouched and returned with created == false.
func (l *Ledger) Init(ctx context.Context, id, revision string) (entry *domain.LedgerEntry, created bool, err error) {
	existing, err := l.store.LoadEntry(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("read ledger: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}
	entry = &domain.LedgerEntry{
		ResourceID:      id,
		CurrentRevision: revision,
		FetchedAt:       l.now().UTC(),
		History:         []domain.ArchivedVersion{},
	}
	if err := l.store.SaveEntry(ctx, entry); err != nil {
		return nil, false, fmt.Errorf("write ledger: %w", err)
	}
	return entry, true, nil
}

// Read returns the entry for id, or nil when there is none.
func (l *Ledger) Read(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	entry, err := l.store.LoadEntry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return entry, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
var fraction = regexp.MustCompile(`\.\d+Z?$`)

// FolderName derives the history slot name of a revision. The same revision
// always maps to the same slot.
func FolderName(revision string) string {
	if revision == "" {
		return "rev_unknown"
	}
	r := fraction.ReplaceAllString(revision, "")
	if len(r) > 0 && r[len(r)-1] == 'Z' {
		r = r[:len(r)-1]
	}
	return "rev_" + unsafeChars.ReplaceAllString(r, "-")
}

// ArchiveCurrent copies the current on-disk state of id into the history slot
// of revision. A slot that already exists for that revision is reused as is
// and reported with reused == true.
func (l *Ledger) ArchiveCurrent(ctx context.Context, id, revision string) (folder string, reused bool, err error) {
	entry, err := l.store.LoadEntry(ctx, id)
	if err != nil {
		return "", false, fmt.Errorf("read ledger: %w", err)
	}
	if entry == nil {
		return "", false, fmt.Errorf("%w: %s", ErrNoEntry, id)
	}

	folder = FolderName(revision)
	exists, err := l.store.ArchiveExists(ctx, id, folder)
	if err != nil {
		return "", false, fmt.Errorf("check archive: %w", err)
	}
	recorded := false
	for _, v := range entry.History {
		if v.Folder == folder {
			recorded = true
			break
		}
	}

	if exists && recorded {
		metrics.RecordArchive(true)
		return folder, true, nil
	}
	if !exists {
		if err := l.store.CopyToArchive(ctx, id, folder); err != nil {
			return "", false, fmt.Errorf("archive %s: %w", folder, err)
		}
	}
	if !recorded {
		entry.History = append(entry.History, domain.ArchivedVersion{
			ArchivedAt:       l.now().UTC(),
			RevisionArchived: revision,
			Folder:           folder,
		})
	}

	for len(entry.History) > l.limit {
		oldest := entry.History[0]
		if err := l.store.RemoveArchive(ctx, id, oldest.Folder); err != nil {
			return "", false, fmt.Errorf("trim history: %w", err)
		}
		entry.History = entry.History[1:]
	}

	if err := l.store.SaveEntry(ctx, entry); err != nil {
		return "", false, fmt.Errorf("write ledger: %w", err)
	}
	metrics.RecordArchive(exists)
	return folder, exists, nil
}

// UpdateCurrent advances the revision marker. Call it only after the new
// state is fully persisted.
func (l *Ledger) UpdateCurrent(ctx context.Context, id, revision string) error {
	entry, err := l.store.LoadEntry(ctx, id)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	if entry == nil {
		entry = &domain.LedgerEntry{ResourceID: id, History: []domain.ArchivedVersion{}}
	}
	entry.CurrentRevision = revision
	entry.FetchedAt = l.now().UTC()
	if err := l.store.SaveEntry(ctx, entry); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// List returns the archived versions of id, newest first.
func (l *Ledger) List(ctx context.Context, id string) ([]domain.ArchivedVersion, error) {
	entry, err := l.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoEntry, id)
	}
	out := make([]domain.ArchivedVersion, 0, len(entry.History))
	for i := len(entry.History) - 1; i >= 0; i-- {
		out = append(out, entry.History[i])
	}
	return out, nil
}

// LoadVersion returns the tree archived in folder.
func (l *Ledger) LoadVersion(ctx context.Context, id, folder string) (*domain.Node, error) {
	entry, err := l.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoEntry, id)
	}
	known := false
	for _, v := range entry.History {
		if v.Folder == folder {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrNoVersion, folder)
	}
	tree, err := l.store.LoadArchivedTree(ctx, id, folder)
	if err != nil {
		return nil, fmt.Errorf("load version %s: %w", folder, err)
	}
	if tree == nil {
		return nil, fmt.Errorf("%w: %s has no tree", ErrNoVersion, folder)
	}
	return tree, nil
}
