package domain

// LibraryChange names a change to the set of mirrored resources, pushed to
// connected clients.
type LibraryChange string

const (
	ResourceImported LibraryChange = "resource_imported"
	ResourceUpdated  LibraryChange = "resource_updated"
	ResourceRemoved  LibraryChange = "resource_removed"
)
