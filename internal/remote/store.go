// Package remote abstracts the content-addressable blob store that mirrors
// annotation state: the live per-task snapshots, timestamped backups,
// uploaded recordings and reference audio.
package remote

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no object exists at the path. Callers
// treat it as empty state, not a failure.
var ErrNotFound = errors.New("remote: object not found")

// Store is a named-blob store. Paths are slash-separated, e.g.
// "annotations/w1/jeopardy.json" or "recordings/jeopardy/q3_1700000000.wav".
type Store interface {
	// Put writes data at path and returns a URL the object can be fetched
	// from later.
	Put(ctx context.Context, path string, data []byte) (string, error)

	// Get returns the object bytes, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// List returns the child names directly under prefix (one level deep,
	// no recursion), sorted. A prefix with no children yields an empty slice.
	List(ctx context.Context, prefix string) ([]string, error)
}
