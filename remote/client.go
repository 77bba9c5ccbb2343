// Package remote talks to the design document API.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/vinizap/lumi/mirror/domain"
)

var (
	ErrRateLimited  = errors.New("remote rate limit exceeded")
	ErrNotFound     = errors.New("remote document not found")
	ErrUnauthorized = errors.New("remote access token rejected")
)

// StatusError is an unexpected HTTP status from the remote.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote API error: %s", e.Status)
}

// Metadata describes a remote file. Revision changes whenever the file does.
type Metadata struct {
	Name         string `json:"name"`
	Revision     string `json:"revision"`
	LastModified string `json:"last_modified"`
	Version      string `json:"version"`
}

// Client is the set of remote calls a sync uses.
type Client interface {
	FetchMetadata(ctx context.Context, fileKey string) (Metadata, error)
	FetchNodeTree(ctx context.Context, fileKey, nodeID string) (*domain.Node, error)
	FetchPreviewImage(ctx context.Context, fileKey, nodeID string) ([]byte, error)
	FetchVariables(ctx context.Context, fileKey string) (map[string]any, error)
	// FetchVectorAssetsBatch renders the given nodes as SVG markup, keyed by node id.
	FetchVectorAssetsBatch(ctx context.Context, fileKey string, nodeIDs []string) (map[string]string, error)
	// FetchRasterAssets downloads image fills, keyed by reference.
	FetchRasterAssets(ctx context.Context, fileKey string, refs []domain.AssetRef) (map[domain.AssetRef][]byte, error)
}
