package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinizap/lumi/mirror/domain"
)

func f(v float64) *float64 { return &v }

func tree() *domain.Node {
	return &domain.Node{
		ID: "1:1", Type: "FRAME", Name: "Card",
		Box: &domain.Rect{Width: 320, Height: 200},
		Children: []*domain.Node{
			{ID: "1:2", Type: "TEXT", Name: "Title", Characters: "Hello"},
			{
				ID: "1:3", Type: "RECTANGLE", Name: "Hero",
				Fills: []domain.Paint{{Type: "IMAGE", ImageRef: "img-a"}},
			},
		},
	}
}

func TestDiff_IdenticalTrees(t *testing.T) {
	result, err := Diff(tree(), tree())
	require.NoError(t, err)

	assert.Empty(t, result.Added)
	assert.Empty(t, result.Removed)
	assert.Empty(t, result.Modified)
	assert.Empty(t, result.NewAssetRefs)
	assert.False(t, HasChanges(result))
	assert.Equal(t, "No changes detected.", Format(result))
}

func TestDiff_OneAddedNode(t *testing.T) {
	next := tree()
	next.Children = append(next.Children, &domain.Node{ID: "1:4", Type: "TEXT", Name: "Footer"})

	result, err := Diff(tree(), next)
	require.NoError(t, err)

	require.Len(t, result.Added, 1)
	assert.Equal(t, "1:4", result.Added[0].ID)
	assert.Empty(t, result.Removed)
	assert.Empty(t, result.Modified)
	assert.True(t, HasChanges(result))
}

func TestDiff_RemovedNode(t *testing.T) {
	next := tree()
	next.Children = next.Children[:1]

	result, err := Diff(tree(), next)
	require.NoError(t, err)

	require.Len(t, result.Removed, 1)
	assert.Equal(t, "1:3", result.Removed[0].ID)
	assert.Empty(t, result.Added)
	assert.Empty(t, result.Modified)
}

func TestDiff_ModifiedNode(t *testing.T) {
	next := tree()
	next.Children[0].Characters = "Hello, world"
	next.Children[0].Opacity = f(0.5)

	result, err := Diff(tree(), next)
	require.NoError(t, err)

	require.Len(t, result.Modified, 1)
	mod := result.Modified[0]
	assert.Equal(t, "1:2", mod.ID)
	require.Len(t, mod.Changes, 2)
	assert.Equal(t, "characters", mod.Changes[0].Property)
	assert.Equal(t, "Hello", mod.Changes[0].Old)
	assert.Equal(t, "Hello, world", mod.Changes[0].New)
	assert.Equal(t, "opacity", mod.Changes[1].Property)
	assert.Nil(t, mod.Changes[1].Old)

	summary := Summarize(result)
	assert.Equal(t, 1, summary.NodesModified)
	assert.Equal(t, 2, summary.TotalChanges)
}

func TestDiff_ChildOrderChangeIsNotAModification(t *testing.T) {
	next := tree()
	next.Children[0], next.Children[1] = next.Children[1], next.Children[0]

	result, err := Diff(tree(), next)
	require.NoError(t, err)
	assert.False(t, HasChanges(result))
}

func TestDiff_BoundVariablesIgnored(t *testing.T) {
	next := tree()
	next.Children[0].BoundVariables = map[string]any{"fills": "VariableID:1"}

	result, err := Diff(tree(), next)
	require.NoError(t, err)
	assert.False(t, HasChanges(result))
}

func TestDetectNewAssets(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Node)
		want   []domain.AssetRef
	}{
		{
			name:   "no new refs",
			mutate: func(*domain.Node) {},
			want:   []domain.AssetRef{},
		},
		{
			name: "new ref on a new node",
			mutate: func(n *domain.Node) {
				n.Children = append(n.Children, &domain.Node{
					ID: "1:9", Type: "RECTANGLE",
					Fills: []domain.Paint{{Type: "IMAGE", ImageRef: "img-b"}},
				})
			},
			want: []domain.AssetRef{"img-b"},
		},
		{
			name: "known ref moved to another node",
			mutate: func(n *domain.Node) {
				n.Children[0].Fills = []domain.Paint{{Type: "IMAGE", ImageRef: "img-a"}}
				n.Children[1].Fills = nil
			},
			want: []domain.AssetRef{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := tree()
			tt.mutate(next)
			assert.Equal(t, tt.want, DetectNewAssets(tree(), next))
		})
	}
}

func TestHasChanges_ExcludesNewAssets(t *testing.T) {
	result := domain.DiffResult{NewAssetRefs: []domain.AssetRef{"img-z"}}
	assert.False(t, HasChanges(result))
	assert.Contains(t, Format(result), "New images (1)")
}

func TestDiff_Deterministic(t *testing.T) {
	next := tree()
	next.Children[0].Name = "Heading"
	next.Children = append(next.Children, &domain.Node{ID: "2:1", Type: "TEXT"}, &domain.Node{ID: "2:2", Type: "TEXT"})

	first, err := Diff(tree(), next)
	require.NoError(t, err)
	second, err := Diff(tree(), next)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "2:1", first.Added[0].ID)
	assert.Equal(t, "2:2", first.Added[1].ID)
}
