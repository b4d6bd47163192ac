// Package store persists the keep-alive document as one opaque JSON blob.
// Backends offer whole-document read/replace only; there is no partial
// update and no compare-and-swap. Callers classify failures through the
// sentinel error kinds below.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/foxy1402/keep-me-alive/internal/domain"
)

var (
	// ErrUnreachable marks transient network or server failure. Retry with backoff.
	ErrUnreachable = errors.New("store unreachable")
	// ErrAuth marks rejected credentials. Not retryable until fixed.
	ErrAuth = errors.New("store authentication failed")
	// ErrParse marks remote content that is not a valid document.
	ErrParse = errors.New("store content unparseable")
	// ErrConflict marks a write rejected by the backend.
	ErrConflict = errors.New("store write conflict")
)

// Version is an opaque revision marker for a stored document.
type Version string

// Store reads and replaces the whole document.
type Store interface {
	Load(ctx context.Context) (domain.Document, Version, error)
	Save(ctx context.Context, doc domain.Document) (Version, error)
}

// ContentVersion derives a version marker from the serialized document.
// Both backends use it so versions are comparable across them.
func ContentVersion(data []byte) Version {
	sum := sha256.Sum256(data)
	return Version(hex.EncodeToString(sum[:8]))
}
