// Package attach resolves files to retrievable URLs before a file message is
// sent. The sync engine only ever consumes the resulting URL.
package attach

import "context"

// Upload result: a URL the recipients can fetch and its MIME type.
type Uploaded struct {
	URL  string
	Type string
}

// Provider uploads attachment bytes and returns where they ended up.
type Provider interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (Uploaded, error)
}
