// mirror/domain/resource.go
package domain

import "time"

// AssetRef identifies a raster asset by the reference the remote document
// uses for it, independent of which node carries the fill.
type AssetRef string

// Resource is the locally cached record of one synchronized subtree. The tree
// itself lives next to it on disk and is loaded separately.
type Resource struct {
	ID                 string        `json:"id" yaml:"id"`
	FileKey            string        `json:"file_key" yaml:"file_key"`
	NodeID             string        `json:"node_id" yaml:"node_id"`
	Name               string        `json:"name" yaml:"name"`
	FileName           string        `json:"file_name" yaml:"file_name"`
	URL                string        `json:"url" yaml:"url"`
	LastSyncedRevision string        `json:"last_synced_revision" yaml:"last_synced_revision"`
	Assets             AssetManifest `json:"assets" yaml:"assets"`
	AddedAt            time.Time     `json:"added_at" yaml:"added_at"`
	UpdatedAt          time.Time     `json:"updated_at" yaml:"updated_at"`
}

// AssetManifest lists the assets stored for a resource.
type AssetManifest struct {
	Vectors []string   `json:"vectors" yaml:"vectors"`
	Rasters []AssetRef `json:"rasters" yaml:"rasters"`
}

// LedgerEntry is the durable revision record of a resource. CurrentRevision
// always names the revision whose data is on disk.
type LedgerEntry struct {
	ResourceID      string            `json:"resource_id"`
	CurrentRevision string            `json:"current_revision"`
	FetchedAt       time.Time         `json:"fetched_at"`
	History         []ArchivedVersion `json:"history"`
}

// ArchivedVersion points at a history slot holding a prior on-disk state.
type ArchivedVersion struct {
	ArchivedAt       time.Time `json:"archived_at"`
	RevisionArchived string    `json:"revision_archived"`
	Folder           string    `json:"folder"`
}

// Outcome is the user-visible result of a sync operation.
type Outcome string

const (
	OutcomeImported         Outcome = "imported"
	OutcomeUpToDate         Outcome = "up_to_date"
	OutcomeUpdated          Outcome = "updated"
	OutcomeUpdatedNoChanges Outcome = "updated_no_changes"
	OutcomeError            Outcome = "error"
)
