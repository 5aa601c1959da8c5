package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backend errors. Adapters translate their native failure modes into these
// so the layer above never sees backend-specific error types.
var (
	// ErrNotFound indicates the key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrKeyExists indicates a first write raced with another first writer.
	ErrKeyExists = errors.New("key already exists")

	// ErrUnavailable indicates the underlying storage system is unreachable.
	// Adapters wrap the original cause for diagnostics.
	ErrUnavailable = errors.New("storage backend unavailable")
)

// VersionConflictError is returned by WriteIfVersion when the stored version
// does not match the expected one. Actual carries the version currently
// persisted so callers can retry without an extra read.
type VersionConflictError struct {
	Actual int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: stored version is %d", e.Actual)
}

// Backend is the minimal contract any key-value system must provide to host
// the task engine. Keys are the composite (owner, id) pair; no operation
// carries domain meaning beyond an expiry timestamp that backends with
// native TTL use to arm their own eviction.
type Backend interface {
	// Read fetches the current value and its version tag.
	Read(ctx context.Context, owner, id string) (value []byte, version int64, err error)

	// Write performs the very first write of a brand-new key at version 0.
	// It must be race-safe against concurrent first writers: exactly one
	// wins, the rest receive ErrKeyExists.
	Write(ctx context.Context, owner, id string, value []byte, expiresAt time.Time) error

	// WriteIfVersion atomically replaces the value if the stored version
	// equals expected, advancing the version by exactly 1. On mismatch it
	// returns a *VersionConflictError and changes nothing.
	WriteIfVersion(ctx context.Context, owner, id string, value []byte, expected int64, expiresAt time.Time) (newVersion int64, err error)

	// Delete removes a key unconditionally. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, owner, id string) error

	// ListOwner enumerates the ids stored under one owner. Ordering is not
	// guaranteed; callers sort and paginate above this layer.
	ListOwner(ctx context.Context, owner string) ([]string, error)

	// ReapExpired removes entries whose expiry has passed, returning how
	// many were removed. Backends with native TTL may implement this as a
	// no-op because eviction happens out-of-band.
	ReapExpired(ctx context.Context, now time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}

// IsConflict reports whether err is a version conflict and extracts the
// actual stored version if so.
func IsConflict(err error) (int64, bool) {
	var vc *VersionConflictError
	if errors.As(err, &vc) {
		return vc.Actual, true
	}
	return 0, false
}
