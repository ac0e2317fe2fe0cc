package crawler

import (
	"context"
	"io"
	"time"
)

// CheckpointStore persists one cursor per crawl group.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, group string) (Cursor, error)
	SaveCheckpoint(ctx context.Context, group string, cursor Cursor) error
	ResetCheckpoint(ctx context.Context, group string) error
}

// SeenStore persists the last fingerprint of every identity key per crawl group.
type SeenStore interface {
	// Classify compares fingerprint with the stored one for key and upserts it.
	// last_seen is set to at on every call.
	Classify(ctx context.Context, group, key, fingerprint string, at time.Time) (Classification, error)
	ResetSeen(ctx context.Context, group string) error
}

// StateStore is a persistence backend serving both checkpoints and seen-sets.
type StateStore interface {
	CheckpointStore
	SeenStore
	// Checkpoints lists every persisted checkpoint keyed by group.
	Checkpoints(ctx context.Context) (map[string]Cursor, error)
	Close() error
}

// Sink receives finalized batches.
type Sink interface {
	Send(ctx context.Context, batch []Record) (SendResult, error)
}

// Enqueuer accepts records for asynchronous delivery.
type Enqueuer interface {
	Enqueue(record Record) error
}

// Enricher adds contact details to accepted records.
type Enricher interface {
	Enrich(ctx context.Context, record Record) (Record, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Strategy turns a fetched page into raw field maps.
type Strategy interface {
	Extract(body []byte) ([]map[string]string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Fingerprinter computes the change-detection digest of a flat field map.
type Fingerprinter interface {
	Fingerprint(fields map[string]string) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
