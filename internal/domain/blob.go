package domain

import (
	"context"
	"io"
)

// BlobWriter writes objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
