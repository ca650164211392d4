package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo is metadata about a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads objects to long-term storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves and enumerates stored objects.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver exports the full event history of settled markets to cold
// storage, so the hot event journal can eventually be pruned.
type Archiver interface {
	// ArchiveMarket uploads the event log of a single settled market and
	// returns the number of events archived.
	ArchiveMarket(ctx context.Context, marketID uint64) (int64, error)

	// ArchiveSettled archives every resolved or cancelled market that has
	// not been archived yet, returning the number of markets processed.
	ArchiveSettled(ctx context.Context) (int, error)
}
