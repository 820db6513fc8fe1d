// Package storage defines the node-store contract the sync engine runs on.
package storage

import (
	"context"
	"errors"

	"pkt.systems/syncd/internal/path"
)

var (
	// ErrNotFound indicates the requested path has never been written.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against a
	// concurrent writer.
	ErrCASMismatch = errors.New("storage: cas mismatch")
)

// Node is one stored record. Data is nil for tombstones; a tombstone keeps
// its path, creator, ACL, and timestamps so later writes observe the CTS.
type Node struct {
	Path          path.Path
	Data          *string
	Creator       string
	ACL           string
	CTS           int64
	VTS           int64
	Deleted       bool
	UpdatedAtUnix int64
}

// Clone returns an independent copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	clone := *n
	clone.Path = n.Path.Clone()
	if n.Data != nil {
		data := *n.Data
		clone.Data = &data
	}
	return &clone
}

// Backend is the storage contract expected by the engine. Implementations
// must be safe for concurrent use.
type Backend interface {
	// Get returns the record at p with its opaque ETag. Tombstones are
	// returned like live records; ErrNotFound means the path has never
	// been written.
	Get(ctx context.Context, p path.Path) (*Node, string, error)
	// Put atomically writes node if the stored ETag still matches
	// expectedETag. Empty expectedETag enforces create-only semantics:
	// an existing record fails with ErrCASMismatch.
	Put(ctx context.Context, node *Node, expectedETag string) (newETag string, err error)
	// FindMatching returns the live (non-deleted) records selected by
	// pattern in ascending path order.
	FindMatching(ctx context.Context, pattern path.Pattern) ([]*Node, error)
	// NextTick atomically advances the global version counter and returns
	// the new value. The first tick is 1; 0 never names a committed write.
	NextTick(ctx context.Context) (int64, error)
	// Close releases backend resources.
	Close() error
}

// NodeCounter is an optional backend capability used by the stats surface.
type NodeCounter interface {
	// CountNodes returns the number of live records and tombstones.
	CountNodes(ctx context.Context) (live, tombstones int64, err error)
}
