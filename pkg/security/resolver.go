package security

import (
	"fmt"
	"strings"
)

// Resolver dereferences signature reference URIs that point outside the
// signed document, such as cid: references to MIME attachments
type Resolver interface {
	// Resolve returns the bytes the URI designates. It never returns empty
	// bytes for an unknown URI; ErrUnresolvedReference is returned instead.
	Resolve(uri string) ([]byte, error)
}

// MapResolver resolves URIs from a fixed in-memory mapping
type MapResolver struct {
	entries map[string][]byte
}

// NewMapResolver creates a resolver over a copy of entries
func NewMapResolver(entries map[string][]byte) *MapResolver {
	r := &MapResolver{entries: make(map[string][]byte, len(entries))}
	for uri, data := range entries {
		r.entries[uri] = data
	}
	return r
}

// ResolveCID creates a resolver with a single cid: binding. The cid: scheme
// is added when contentID lacks it.
func ResolveCID(contentID string, payload []byte) *MapResolver {
	return NewMapResolver(map[string][]byte{CIDReference(contentID): payload})
}

// Resolve implements Resolver using exact string matching
func (r *MapResolver) Resolve(uri string) ([]byte, error) {
	data, ok := r.entries[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedReference, uri)
	}
	return data, nil
}

// CIDReference turns a Content-ID into a cid: URI
func CIDReference(contentID string) string {
	contentID = strings.TrimPrefix(contentID, "<")
	contentID = strings.TrimSuffix(contentID, ">")
	if strings.HasPrefix(contentID, "cid:") {
		return contentID
	}
	return "cid:" + contentID
}
