package assets

import (
	"regexp"
	"sort"
	"strings"

	"github.com/vinizap/lumi/mirror/domain"
)

// Variable is a design variable bound somewhere in a tree.
type Variable struct {
	Name       string `json:"name"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	Property   string `json:"property"`
	UsageCount int    `json:"usageCount"`
}

var shortID = regexp.MustCompile(`(\d+:\d+)$`)

func variableType(property string) string {
	p := strings.ToLower(property)
	switch {
	case strings.Contains(p, "color"), strings.Contains(p, "fill"), strings.Contains(p, "stroke"):
		return "color"
	case strings.Contains(p, "padding"), strings.Contains(p, "spacing"), strings.Contains(p, "gap"), strings.Contains(p, "margin"):
		return "spacing"
	case strings.Contains(p, "font"):
		return "fontSize"
	case strings.Contains(p, "corner"), strings.Contains(p, "radius"):
		return "borderRadius"
	case strings.Contains(p, "size"), strings.Contains(p, "width"), strings.Contains(p, "height"):
		return "size"
	}
	return "other"
}

// Variables collects the variable references bound on the nodes of root,
// keyed by generated CSS name.
func Variables(root *domain.Node) map[string]Variable {
	out := map[string]Variable{}
	var visit func(property string, ref any)
	visit = func(property string, ref any) {
		switch v := ref.(type) {
		case []any:
			for _, item := range v {
				visit(property, item)
			}
		case map[string]any:
			id, ok := v["id"].(string)
			if !ok {
				keys := make([]string, 0, len(v))
				for k := range v {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					visit(property+"."+k, v[k])
				}
				return
			}
			short := id
			if m := shortID.FindStringSubmatch(id); m != nil {
				short = m[1]
			}
			kind := variableType(property)
			name := "var-" + strings.ReplaceAll(short, ":", "-") + "-" + kind
			entry, seen := out[name]
			if !seen {
				entry = Variable{Name: name, ID: id, Type: kind, Property: property}
			}
			entry.UsageCount++
			out[name] = entry
		}
	}

	root.Walk(func(n *domain.Node) bool {
		props := make([]string, 0, len(n.BoundVariables))
		for p := range n.BoundVariables {
			props = append(props, p)
		}
		sort.Strings(props)
		for _, p := range props {
			visit(p, n.BoundVariables[p])
		}
		return true
	})
	return out
}
