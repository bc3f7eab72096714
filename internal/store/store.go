package store

import "context"

// Backend is a durable key/value store holding opaque documents.
// Get returns ErrNotFound when the key has never been written.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// UploadStore defines the collector's storage operations
type UploadStore interface {
	// SaveUpload replaces the stored document for the upload's user key.
	SaveUpload(ctx context.Context, u *Upload) error
	GetUpload(ctx context.Context, userKey string) (*Upload, error)
	ListUploads(ctx context.Context) ([]*UploadSummary, error)
	CountUploads(ctx context.Context) (int, error)

	// Lifecycle
	Close() error
}
