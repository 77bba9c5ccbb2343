package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var ErrInvalidURL = errors.New("invalid document url")

// DocumentRef locates a subtree of a remote document.
type DocumentRef struct {
	FileKey string
	NodeID  string
}

var (
	docPath   = regexp.MustCompile(`/(file|design|proto)/([a-zA-Z0-9]+)`)
	nodeIDFmt = regexp.MustCompile(`^\d+:\d+$`)
)

// ParseDocumentURL extracts the file key and node id from a document URL such
// as https://www.figma.com/design/<key>/Name?node-id=12-34.
func ParseDocumentURL(raw string) (DocumentRef, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return DocumentRef{}, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	host := u.Hostname()
	if host != "figma.com" && !strings.HasSuffix(host, ".figma.com") {
		return DocumentRef{}, fmt.Errorf("%w: host must be figma.com", ErrInvalidURL)
	}
	m := docPath.FindStringSubmatch(u.Path)
	if m == nil {
		return DocumentRef{}, fmt.Errorf("%w: expected /file/<key>, /design/<key> or /proto/<key>", ErrInvalidURL)
	}
	nodeID := u.Query().Get("node-id")
	if nodeID == "" {
		return DocumentRef{}, fmt.Errorf("%w: missing node-id parameter", ErrInvalidURL)
	}
	nodeID = strings.ReplaceAll(nodeID, "-", ":")
	if !nodeIDFmt.MatchString(nodeID) {
		return DocumentRef{}, fmt.Errorf("%w: node-id %q, expected 123:456 or 123-456", ErrInvalidURL, nodeID)
	}
	return DocumentRef{FileKey: m[2], NodeID: nodeID}, nil
}

// ResourceID is the local id of the resource mirroring ref.
func (r DocumentRef) ResourceID() string {
	return r.FileKey + "_" + strings.ReplaceAll(r.NodeID, ":", "-")
}
