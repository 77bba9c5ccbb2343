package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vinizap/lumi/mirror/domain"
)

const DefaultBaseURL = "https://api.figma.com"

// HTTPClient is the REST implementation of Client.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *HTTPClient) get(ctx context.Context, rawURL string, authenticated bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if authenticated {
		if c.token == "" {
			return nil, fmt.Errorf("%w: no access token configured", ErrUnauthorized)
		}
		req.Header.Set("X-Figma-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 300:
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return io.ReadAll(resp.Body)
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	body, err := c.get(ctx, u, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) FetchMetadata(ctx context.Context, fileKey string) (Metadata, error) {
	var resp struct {
		Name         string `json:"name"`
		LastModified string `json:"lastModified"`
		Version      string `json:"version"`
	}
	q := url.Values{"depth": {"1"}}
	if err := c.getJSON(ctx, "/v1/files/"+url.PathEscape(fileKey), q, &resp); err != nil {
		return Metadata{}, err
	}
	rev := resp.LastModified
	if rev == "" {
		rev = resp.Version
	}
	return Metadata{Name: resp.Name, Revision: rev, LastModified: resp.LastModified, Version: resp.Version}, nil
}

func (c *HTTPClient) FetchNodeTree(ctx context.Context, fileKey, nodeID string) (*domain.Node, error) {
	var resp struct {
		Nodes map[string]*struct {
			Document *domain.Node `json:"document"`
		} `json:"nodes"`
	}
	q := url.Values{"ids": {nodeID}, "geometry": {"paths"}}
	if err := c.getJSON(ctx, "/v1/files/"+url.PathEscape(fileKey)+"/nodes", q, &resp); err != nil {
		return nil, err
	}
	entry, ok := resp.Nodes[nodeID]
	if !ok || entry == nil || entry.Document == nil {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
	}
	return entry.Document, nil
}

type imagesResponse struct {
	Err    string            `json:"err"`
	Images map[string]string `json:"images"`
}

func (c *HTTPClient) render(ctx context.Context, fileKey string, ids []string, format string) (map[string]string, error) {
	var resp imagesResponse
	q := url.Values{"ids": {strings.Join(ids, ",")}, "format": {format}}
	if format == "png" {
		q.Set("scale", "2")
	}
	if err := c.getJSON(ctx, "/v1/images/"+url.PathEscape(fileKey), q, &resp); err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("render %s: %s", format, resp.Err)
	}
	return resp.Images, nil
}

func (c *HTTPClient) FetchPreviewImage(ctx context.Context, fileKey, nodeID string) ([]byte, error) {
	images, err := c.render(ctx, fileKey, []string{nodeID}, "png")
	if err != nil {
		return nil, err
	}
	link := images[nodeID]
	if link == "" {
		return nil, fmt.Errorf("no preview rendered for %s", nodeID)
	}
	return c.get(ctx, link, false)
}

func (c *HTTPClient) FetchVariables(ctx context.Context, fileKey string) (map[string]any, error) {
	var resp struct {
		Meta struct {
			Variables map[string]any `json:"variables"`
		} `json:"meta"`
	}
	if err := c.getJSON(ctx, "/v1/files/"+url.PathEscape(fileKey)+"/variables/local", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Meta.Variables == nil {
		return map[string]any{}, nil
	}
	return resp.Meta.Variables, nil
}

func (c *HTTPClient) FetchVectorAssetsBatch(ctx context.Context, fileKey string, nodeIDs []string) (map[string]string, error) {
	if len(nodeIDs) == 0 {
		return map[string]string{}, nil
	}
	images, err := c.render(ctx, fileKey, nodeIDs, "svg")
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(images))
	for _, id := range nodeIDs {
		link := images[id]
		if link == "" {
			continue
		}
		body, err := c.get(ctx, link, false)
		if err != nil {
			return nil, fmt.Errorf("download svg %s: %w", id, err)
		}
		out[id] = string(body)
	}
	return out, nil
}

func (c *HTTPClient) FetchRasterAssets(ctx context.Context, fileKey string, refs []domain.AssetRef) (map[domain.AssetRef][]byte, error) {
	out := make(map[domain.AssetRef][]byte, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	var resp struct {
		Meta struct {
			Images map[string]string `json:"images"`
		} `json:"meta"`
	}
	if err := c.getJSON(ctx, "/v1/files/"+url.PathEscape(fileKey)+"/images", nil, &resp); err != nil {
		return nil, err
	}
	for _, ref := range refs {
		link := resp.Meta.Images[string(ref)]
		if link == "" {
			continue
		}
		body, err := c.get(ctx, link, false)
		if err != nil {
			return nil, fmt.Errorf("download image %s: %w", ref, err)
		}
		out[ref] = body
	}
	return out, nil
}
