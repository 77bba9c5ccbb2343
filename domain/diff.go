// mirror/domain/diff.go
package domain

// NodeRef names a node reported by a diff.
type NodeRef struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Type    string           `json:"type"`
	Changes []PropertyChange `json:"changes,omitempty"`
}

type PropertyChange struct {
	Property string `json:"property"`
	Old      any    `json:"old"`
	New      any    `json:"new"`
}

// DiffResult is the structural difference between two trees.
type DiffResult struct {
	Added        []NodeRef  `json:"added"`
	Removed      []NodeRef  `json:"removed"`
	Modified     []NodeRef  `json:"modified"`
	NewAssetRefs []AssetRef `json:"new_asset_refs"`
}

type DiffSummary struct {
	NodesAdded    int `json:"nodes_added"`
	NodesRemoved  int `json:"nodes_removed"`
	NodesModified int `json:"nodes_modified"`
	NewAssets     int `json:"new_assets"`
	TotalChanges  int `json:"total_changes"`
}
