// Package diff compares two design trees by stable node identifier.
//
// Every function here is pure: the same pair of trees always yields the same
// result, in traversal order, and neither tree is modified.
package diff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/vinizap/lumi/mirror/domain"
)

// ignored properties never count as a modification.
var ignored = map[string]bool{
	"id":             true,
	"children":       true,
	"boundVariables": true,
}

type snapshot struct {
	node        *domain.Node
	fingerprint [32]byte
	props       map[string]json.RawMessage
}

type indexed struct {
	order []string
	nodes map[string]*snapshot
}

func index(root *domain.Node) (*indexed, error) {
	idx := &indexed{nodes: make(map[string]*snapshot)}
	var err error
	root.Walk(func(n *domain.Node) bool {
		if err != nil {
			return false
		}
		var snap *snapshot
		snap, err = capture(n)
		if err != nil {
			return false
		}
		if _, seen := idx.nodes[n.ID]; !seen {
			idx.order = append(idx.order, n.ID)
		}
		idx.nodes[n.ID] = snap
		return true
	})
	return idx, err
}

// capture serializes the node's own properties, without its subtree.
func capture(n *domain.Node) (*snapshot, error) {
	shallow := *n
	shallow.ID = ""
	shallow.Children = nil
	shallow.BoundVariables = nil

	raw, err := json.Marshal(shallow)
	if err != nil {
		return nil, fmt.Errorf("serialize node %s: %w", n.ID, err)
	}
	props := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("decode node %s: %w", n.ID, err)
	}
	for key := range ignored {
		delete(props, key)
	}
	return &snapshot{node: n, fingerprint: blake3.Sum256(raw), props: props}, nil
}

func ref(n *domain.Node) domain.NodeRef {
	return domain.NodeRef{ID: n.ID, Name: n.Name, Type: n.Type}
}

// Diff compares oldTree and newTree. Nodes present only in the old tree are
// removed, nodes present only in the new tree are added, and nodes present in
// both whose serialized properties differ are modified.
func Diff(oldTree, newTree *domain.Node) (domain.DiffResult, error) {
	result := domain.DiffResult{
		Added:    []domain.NodeRef{},
		Removed:  []domain.NodeRef{},
		Modified: []domain.NodeRef{},
	}

	before, err := index(oldTree)
	if err != nil {
		return result, err
	}
	after, err := index(newTree)
	if err != nil {
		return result, err
	}

	for _, id := range before.order {
		if _, ok := after.nodes[id]; !ok {
			result.Removed = append(result.Removed, ref(before.nodes[id].node))
		}
	}

	for _, id := range after.order {
		cur := after.nodes[id]
		prev, ok := before.nodes[id]
		if !ok {
			result.Added = append(result.Added, ref(cur.node))
			continue
		}
		if prev.fingerprint == cur.fingerprint {
			continue
		}
		modified := ref(cur.node)
		modified.Changes = changes(prev.props, cur.props)
		result.Modified = append(result.Modified, modified)
	}

	result.NewAssetRefs = DetectNewAssets(oldTree, newTree)
	return result, nil
}

func changes(before, after map[string]json.RawMessage) []domain.PropertyChange {
	keys := make(map[string]bool, len(before)+len(after))
	for k := range before {
		keys[k] = true
	}
	for k := range after {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var out []domain.PropertyChange
	for _, k := range sorted {
		if bytes.Equal(before[k], after[k]) {
			continue
		}
		out = append(out, domain.PropertyChange{
			Property: k,
			Old:      decode(before[k]),
			New:      decode(after[k]),
		})
	}
	return out
}

func decode(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// DetectNewAssets returns the raster references reachable from newTree that
// oldTree does not reference, compared by reference rather than by node.
func DetectNewAssets(oldTree, newTree *domain.Node) []domain.AssetRef {
	known := make(map[domain.AssetRef]bool)
	for _, r := range oldTree.ImageRefs() {
		known[r] = true
	}
	fresh := []domain.AssetRef{}
	for _, r := range newTree.ImageRefs() {
		if !known[r] {
			fresh = append(fresh, r)
		}
	}
	return fresh
}

// HasChanges reports structural changes only. New asset references are not
// considered; callers that care combine both.
func HasChanges(r domain.DiffResult) bool {
	return len(r.Added) > 0 || len(r.Removed) > 0 || len(r.Modified) > 0
}

// Summarize counts the entries of r.
func Summarize(r domain.DiffResult) domain.DiffSummary {
	s := domain.DiffSummary{
		NodesAdded:    len(r.Added),
		NodesRemoved:  len(r.Removed),
		NodesModified: len(r.Modified),
		NewAssets:     len(r.NewAssetRefs),
	}
	s.TotalChanges = s.NodesAdded + s.NodesRemoved
	for _, m := range r.Modified {
		s.TotalChanges += len(m.Changes)
	}
	return s
}

// Format renders r for display, listing at most three property changes per
// modified node.
func Format(r domain.DiffResult) string {
	if !HasChanges(r) && len(r.NewAssetRefs) == 0 {
		return "No changes detected."
	}

	var b strings.Builder
	section := func(title string, refs []domain.NodeRef) {
		if len(refs) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s (%d):\n", title, len(refs))
		for _, n := range refs {
			fmt.Fprintf(&b, "  - %q (%s)\n", n.Name, n.Type)
			for i, c := range n.Changes {
				if i == 3 {
					fmt.Fprintf(&b, "    ... and %d more\n", len(n.Changes)-3)
					break
				}
				fmt.Fprintf(&b, "    %s: %s -> %s\n", c.Property, formatValue(c.Old), formatValue(c.New))
			}
		}
	}
	section("Added", r.Added)
	section("Removed", r.Removed)
	section("Modified", r.Modified)
	if len(r.NewAssetRefs) > 0 {
		fmt.Fprintf(&b, "New images (%d)\n", len(r.NewAssetRefs))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", val)
	case map[string]any, []any:
		raw, _ := json.Marshal(val)
		s := string(raw)
		if len(s) > 50 {
			s = s[:50]
		}
		return s
	default:
		return fmt.Sprint(val)
	}
}
