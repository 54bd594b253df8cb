package article

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves raw upstream HTML for a URL. Implementations make a single
// bounded attempt and report failures as *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Parser turns raw HTML into an Article or fails with *ParseError.
type Parser interface {
	Parse(raw []byte, slug string, sourceURL string) (Article, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests for credentials and artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
