// mirror/domain/node.go
package domain

// Node is one element of a design document subtree as returned by the remote
// API. A tree is replaced wholesale on every sync and never mutated in place.
type Node struct {
	ID                  string            `json:"id"`
	Type                string            `json:"type"`
	Name                string            `json:"name"`
	Visible             *bool             `json:"visible,omitempty"`
	Box                 *Rect             `json:"absoluteBoundingBox,omitempty"`
	Fills               []Paint           `json:"fills,omitempty"`
	Strokes             []Paint           `json:"strokes,omitempty"`
	StrokeWeight        *float64          `json:"strokeWeight,omitempty"`
	CornerRadius        *float64          `json:"cornerRadius,omitempty"`
	Opacity             *float64          `json:"opacity,omitempty"`
	LayoutMode          string            `json:"layoutMode,omitempty"`
	ItemSpacing         *float64          `json:"itemSpacing,omitempty"`
	PaddingTop          *float64          `json:"paddingTop,omitempty"`
	PaddingRight        *float64          `json:"paddingRight,omitempty"`
	PaddingBottom       *float64          `json:"paddingBottom,omitempty"`
	PaddingLeft         *float64          `json:"paddingLeft,omitempty"`
	Characters          string            `json:"characters,omitempty"`
	Style               *TypeStyle        `json:"style,omitempty"`
	Styles              map[string]string `json:"styles,omitempty"`
	ComponentProperties map[string]any    `json:"componentProperties,omitempty"`
	BoundVariables      map[string]any    `json:"boundVariables,omitempty"`
	Children            []*Node           `json:"children,omitempty"`
}

type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Color struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

// Paint is a fill or stroke layer. IMAGE paints carry the raster reference
// the asset store is keyed by.
type Paint struct {
	Type     string   `json:"type"`
	Visible  *bool    `json:"visible,omitempty"`
	Opacity  *float64 `json:"opacity,omitempty"`
	Color    *Color   `json:"color,omitempty"`
	ImageRef string   `json:"imageRef,omitempty"`
}

type TypeStyle struct {
	FontFamily          string  `json:"fontFamily,omitempty"`
	FontWeight          float64 `json:"fontWeight,omitempty"`
	FontSize            float64 `json:"fontSize,omitempty"`
	LineHeightPx        float64 `json:"lineHeightPx,omitempty"`
	LetterSpacing       float64 `json:"letterSpacing,omitempty"`
	TextAlignHorizontal string  `json:"textAlignHorizontal,omitempty"`
}

// IsVisible treats an absent visibility flag as visible.
func (n *Node) IsVisible() bool {
	return n.Visible == nil || *n.Visible
}

// IsVisible treats an absent visibility flag as visible.
func (p Paint) IsVisible() bool {
	return p.Visible == nil || *p.Visible
}

// Walk visits n and its descendants depth-first in child order. Returning
// false from fn prunes the subtree below the visited node.
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, child := range n.Children {
		child.Walk(fn)
	}
}

// Count returns the number of nodes in the tree rooted at n.
func (n *Node) Count() int {
	count := 0
	n.Walk(func(*Node) bool {
		count++
		return true
	})
	return count
}

// ImageRefs returns the distinct raster references reachable from n, in
// traversal order.
func (n *Node) ImageRefs() []AssetRef {
	var refs []AssetRef
	seen := make(map[AssetRef]bool)
	n.Walk(func(node *Node) bool {
		for _, fill := range node.Fills {
			if fill.Type != "IMAGE" || fill.ImageRef == "" {
				continue
			}
			ref := AssetRef(fill.ImageRef)
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
		return true
	})
	return refs
}
