// mirror/filesystem/ledger.go
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vinizap/lumi/mirror/domain"
)

func (s *Store) historyPath(id, folder string) (string, error) {
	dir, err := s.ResourceDir(id)
	if err != nil {
		return "", err
	}
	if folder == "" || folder != filepath.Base(folder) || folder[0] == '.' {
		return "", fmt.Errorf("invalid history folder %q", folder)
	}
	return filepath.Join(dir, historyDir, folder), nil
}

// LoadEntry reads versions.json, returning nil when the resource has no ledger.
func (s *Store) LoadEntry(_ context.Context, id string) (*domain.LedgerEntry, error) {
	path, err := s.file(id, ledgerFile)
	if err != nil {
		return nil, err
	}
	var entry domain.LedgerEntry
	ok, err := readJSON(path, &entry)
	if err != nil || !ok {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) SaveEntry(_ context.Context, entry *domain.LedgerEntry) error {
	path, err := s.file(entry.ResourceID, ledgerFile)
	if err != nil {
		return err
	}
	return writeJSON(path, entry)
}

func (s *Store) ArchiveExists(_ context.Context, id, folder string) (bool, error) {
	path, err := s.historyPath(id, folder)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// CopyToArchive copies the current on-disk state into history/<folder>. The
// slot is assembled under a hidden name and renamed, so a slot that exists
// is always complete.
func (s *Store) CopyToArchive(_ context.Context, id, folder string) error {
	dest, err := s.historyPath(id, folder)
	if err != nil {
		return err
	}
	staging := filepath.Join(filepath.Dir(dest), ".staging-"+folder)
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	if err := os.MkdirAll(staging, 0755); err != nil {
		return fmt.Errorf("create history slot: %w", err)
	}

	dir, _ := s.ResourceDir(id)
	for _, name := range archivedFiles {
		err := copyFile(filepath.Join(dir, name), filepath.Join(staging, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			os.RemoveAll(staging)
			return fmt.Errorf("copy %s to history: %w", name, err)
		}
	}

	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	return os.Rename(staging, dest)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (s *Store) RemoveArchive(_ context.Context, id, folder string) error {
	path, err := s.historyPath(id, folder)
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// LoadArchivedTree reads the tree stored in a history slot.
func (s *Store) LoadArchivedTree(_ context.Context, id, folder string) (*domain.Node, error) {
	path, err := s.historyPath(id, folder)
	if err != nil {
		return nil, err
	}
	var tree domain.Node
	ok, err := readJSON(filepath.Join(path, treeFile), &tree)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &tree, nil
}
