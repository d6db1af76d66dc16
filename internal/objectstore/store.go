// Package objectstore holds captured job output (spec.md §6's
// logs/<job_id>.log) behind a pluggable backend.
package objectstore

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"
)

// ErrNotFound is returned when a key has no backing object.
var ErrNotFound = errors.New("objectstore: not found")

// Store captures per-job output and locates it again for GET /jobs/:id/log.
type Store interface {
	Put(ctx context.Context, key string, data io.Reader) error
	// Locate returns a reference a client can use to fetch the object: an
	// absolute filesystem path for FilesystemStore, a pre-signed URL for
	// S3Store.
	Locate(ctx context.Context, key string) (string, error)
}

// JobLogKey is the storage key for a job's captured output, matching
// spec.md §6's `logs/<job_id>.log` layout.
func JobLogKey(jobID uint32) string {
	return "logs/" + strconv.FormatUint(uint64(jobID), 10) + ".log"
}

// presignTTL is how long an S3 pre-signed log URL remains valid.
const presignTTL = 15 * time.Minute
