// mirror/filesystem/store.go
package filesystem

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vinizap/lumi/mirror/blob"
	"github.com/vinizap/lumi/mirror/domain"
)

const (
	resourcesDir  = "resources"
	historyDir    = "history"
	treeFile      = "data.json"
	metadataFile  = "metadata.yaml"
	variablesFile = "variables.json"
	previewFile   = "preview.png"
	ledgerFile    = "versions.json"
)

// archivedFiles are copied into a history slot when the current state is
// archived. Missing files are skipped.
var archivedFiles = []string{treeFile, metadataFile, variablesFile, previewFile}

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store keeps each resource in its own directory under root/resources and
// its rendered assets in a blob store.
type Store struct {
	root  string
	blobs blob.Store
}

func New(root string, blobs blob.Store) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, resourcesDir), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{root: root, blobs: blobs}, nil
}

// ResourceDir returns the directory of a resource.
func (s *Store) ResourceDir(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", fmt.Errorf("invalid resource id %q", id)
	}
	return filepath.Join(s.root, resourcesDir, id), nil
}

func (s *Store) file(id, name string) (string, error) {
	dir, err := s.ResourceDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// writeFile replaces path atomically.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".write-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeFile(path, data)
}

// readJSON reports false when the file does not exist.
func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func encodeResource(rec *domain.Resource) ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(rec); err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	encoder.Close()
	return buf.Bytes(), nil
}

// LoadTree returns the cached tree, or nil when none was saved yet.
func (s *Store) LoadTree(_ context.Context, id string) (*domain.Node, error) {
	path, err := s.file(id, treeFile)
	if err != nil {
		return nil, err
	}
	var tree domain.Node
	ok, err := readJSON(path, &tree)
	if err != nil || !ok {
		return nil, err
	}
	return &tree, nil
}

// SaveTree overwrites the resource metadata and then the tree. The tree is
// the diff baseline of the next refetch, so it is written last.
func (s *Store) SaveTree(_ context.Context, rec *domain.Resource, tree *domain.Node) error {
	metaPath, err := s.file(rec.ID, metadataFile)
	if err != nil {
		return err
	}
	meta, err := encodeResource(rec)
	if err != nil {
		return err
	}
	if err := writeFile(metaPath, meta); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	treePath, _ := s.file(rec.ID, treeFile)
	if err := writeJSON(treePath, tree); err != nil {
		return fmt.Errorf("save tree: %w", err)
	}
	return nil
}

// ReadResource reads the metadata file of a resource.
func (s *Store) ReadResource(id string) (*domain.Resource, error) {
	path, err := s.file(id, metadataFile)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rec := &domain.Resource{}
	if err := yaml.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return rec, nil
}

// ListResources reads every resource directory with valid metadata.
func (s *Store) ListResources() ([]*domain.Resource, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, resourcesDir))
	if err != nil {
		return nil, err
	}

	var out []*domain.Resource
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		rec, err := s.ReadResource(entry.Name())
		if err != nil {
			continue // Skip incomplete resources
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) SavePreview(_ context.Context, id string, png []byte) error {
	path, err := s.file(id, previewFile)
	if err != nil {
		return err
	}
	return writeFile(path, png)
}

func (s *Store) LoadPreview(_ context.Context, id string) ([]byte, error) {
	path, err := s.file(id, previewFile)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (s *Store) SaveVariables(_ context.Context, id string, vars map[string]any) error {
	path, err := s.file(id, variablesFile)
	if err != nil {
		return err
	}
	return writeJSON(path, vars)
}

func (s *Store) removeFile(id, name string) error {
	path, err := s.file(id, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// DeletePreview removes the stored screenshot, if any.
func (s *Store) DeletePreview(_ context.Context, id string) error {
	return s.removeFile(id, previewFile)
}

// DeleteVariables removes the stored variables, if any.
func (s *Store) DeleteVariables(_ context.Context, id string) error {
	return s.removeFile(id, variablesFile)
}

func vectorKey(id, name string) string {
	return id + "/svg/" + name + ".svg"
}

func rasterKey(id string, ref domain.AssetRef) string {
	return id + "/images/" + string(ref) + ".png"
}

func (s *Store) SaveVectorAssets(ctx context.Context, id string, svgs map[string]string) error {
	for name, markup := range svgs {
		if err := s.blobs.Put(ctx, vectorKey(id, name), []byte(markup)); err != nil {
			return fmt.Errorf("save svg %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) SaveRasterAssets(ctx context.Context, id string, images map[domain.AssetRef][]byte) error {
	for ref, data := range images {
		if err := s.blobs.Put(ctx, rasterKey(id, ref), data); err != nil {
			return fmt.Errorf("save image %s: %w", ref, err)
		}
	}
	return nil
}

func (s *Store) DeleteVectorAssets(ctx context.Context, id string, names []string) error {
	for _, name := range names {
		if err := s.blobs.Delete(ctx, vectorKey(id, name)); err != nil {
			return fmt.Errorf("delete svg %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) DeleteRasterAssets(ctx context.Context, id string, refs []domain.AssetRef) error {
	for _, ref := range refs {
		if err := s.blobs.Delete(ctx, rasterKey(id, ref)); err != nil {
			return fmt.Errorf("delete image %s: %w", ref, err)
		}
	}
	return nil
}

func (s *Store) HasRasterAsset(ctx context.Context, id string, ref domain.AssetRef) (bool, error) {
	return s.blobs.Exists(ctx, rasterKey(id, ref))
}

func (s *Store) LoadVectorAsset(ctx context.Context, id, name string) ([]byte, error) {
	return s.blobs.Get(ctx, vectorKey(id, name))
}

func (s *Store) LoadRasterAsset(ctx context.Context, id string, ref domain.AssetRef) ([]byte, error) {
	return s.blobs.Get(ctx, rasterKey(id, ref))
}

// DeleteResource removes the resource directory, its history and its blobs.
func (s *Store) DeleteResource(ctx context.Context, id string) error {
	dir, err := s.ResourceDir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove resource dir: %w", err)
	}
	return s.blobs.DeletePrefix(ctx, id)
}
