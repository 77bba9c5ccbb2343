// Package assets decides which parts of a design tree need their rendered
// assets fetched: vector exports and raster image fills.
package assets

import (
	"regexp"
	"strings"

	"github.com/vinizap/lumi/mirror/domain"
)

// VectorContainer is a node exported as a single SVG.
type VectorContainer struct {
	NodeID string
	Name   string
	Bounds domain.Rect
}

// Plan lists every asset a tree references.
type Plan struct {
	Vectors []VectorContainer
	Rasters []domain.AssetRef
}

// Extract builds the asset plan for root.
func Extract(root *domain.Node) Plan {
	return Plan{
		Vectors: VectorContainers(root),
		Rasters: root.ImageRefs(),
	}
}

// VectorContainers picks the nodes to export as SVG. A VECTOR is exported as
// is. A container holding two or more vectors and nothing else is exported
// as one composite. A container holding exactly one vector exports that
// vector. Invisible subtrees are ignored.
func VectorContainers(root *domain.Node) []VectorContainer {
	var out []VectorContainer
	processed := make(map[string]bool)

	var traverse func(n *domain.Node)
	traverse = func(n *domain.Node) {
		if n == nil || !n.IsVisible() || processed[n.ID] {
			return
		}

		if n.Type == "VECTOR" {
			processed[n.ID] = true
			out = append(out, container(n, "vector"))
			return
		}

		vectors := countVectors(n)
		if vectors >= 2 && !hasOtherContent(n) {
			n.Walk(func(d *domain.Node) bool {
				processed[d.ID] = true
				return true
			})
			out = append(out, container(n, "svg"))
			return
		}

		if vectors == 1 && !hasOtherContent(n) {
			if v := singleVector(n); v != nil && !processed[v.ID] {
				processed[v.ID] = true
				out = append(out, container(v, "vector"))
			}
		}

		for _, child := range n.Children {
			traverse(child)
		}
	}
	traverse(root)
	return out
}

func container(n *domain.Node, fallback string) VectorContainer {
	name := n.Name
	if name == "" {
		name = fallback
	}
	vc := VectorContainer{NodeID: n.ID, Name: name}
	if n.Box != nil {
		vc.Bounds = *n.Box
	}
	return vc
}

func countVectors(n *domain.Node) int {
	count := 0
	n.Walk(func(d *domain.Node) bool {
		if d.Type == "VECTOR" {
			count++
		}
		return true
	})
	return count
}

// hasOtherContent reports content that must not be flattened into an SVG:
// text, image fills, auto-layout instances, and solid backgrounds without
// vectors beneath them.
func hasOtherContent(n *domain.Node) bool {
	found := false
	n.Walk(func(d *domain.Node) bool {
		if found {
			return false
		}
		switch {
		case d.Type == "TEXT":
			found = true
		case hasFill(d, "IMAGE", false):
			found = true
		case d.Type == "INSTANCE" && d.LayoutMode != "":
			found = true
		case (d.Type == "FRAME" || d.Type == "GROUP") && hasFill(d, "SOLID", true) && countVectors(d) == 0:
			found = true
		}
		return !found
	})
	return found
}

func hasFill(n *domain.Node, kind string, visibleOnly bool) bool {
	for _, p := range n.Fills {
		if p.Type == kind && (!visibleOnly || p.IsVisible()) {
			return true
		}
	}
	return false
}

func singleVector(n *domain.Node) *domain.Node {
	if n.Type == "VECTOR" {
		return n
	}
	if len(n.Children) == 1 {
		return singleVector(n.Children[0])
	}
	return nil
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

// SVGName returns the asset name for a vector container, unique per node.
// "Arrow Left" on node "12:34" becomes "arrow-left-12-34".
func SVGName(name, nodeID string) string {
	base := nonAlnum.ReplaceAllString(strings.ToLower(name), "-")
	id := strings.NewReplacer(":", "-", ";", "-").Replace(nodeID)
	return base + "-" + id
}
