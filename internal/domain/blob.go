package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader inspects object storage.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies historical rows to cold storage. Each call is idempotent:
// days already archived are skipped.
type Archiver interface {
	ArchiveEdges(ctx context.Context, before time.Time) (int64, error)
	ArchiveDeliveries(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is one operator-visible record of a maintenance action.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists the audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
