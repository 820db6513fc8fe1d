// Package memory provides the in-process storage backend used for tests
// and single-node development (mem:// URLs).
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"pkt.systems/syncd/internal/path"
	"pkt.systems/syncd/internal/storage"
)

type entry struct {
	node *storage.Node
	etag string
}

// Store keeps all records in process memory.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*entry
	tick  atomic.Int64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{nodes: make(map[string]*entry)}
}

// Get implements storage.Backend.
func (s *Store) Get(_ context.Context, p path.Path) (*storage.Node, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.nodes[p.String()]
	if !ok {
		return nil, "", storage.ErrNotFound
	}
	return e.node.Clone(), e.etag, nil
}

// Put implements storage.Backend.
func (s *Store) Put(_ context.Context, node *storage.Node, expectedETag string) (string, error) {
	key := node.Path.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.nodes[key]
	if expectedETag != "" {
		if !ok {
			return "", storage.ErrNotFound
		}
		if existing.etag != expectedETag {
			return "", storage.ErrCASMismatch
		}
	} else if ok {
		return "", storage.ErrCASMismatch
	}
	etag := uuid.Must(uuid.NewV7()).String()
	s.nodes[key] = &entry{node: node.Clone(), etag: etag}
	return etag, nil
}

// FindMatching implements storage.Backend.
func (s *Store) FindMatching(_ context.Context, pattern path.Pattern) ([]*storage.Node, error) {
	s.mu.RLock()
	matched := make([]*storage.Node, 0)
	for _, e := range s.nodes {
		if e.node.Deleted {
			continue
		}
		if pattern.Matches(e.node.Path) {
			matched = append(matched, e.node.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Path.String() < matched[j].Path.String()
	})
	return matched, nil
}

// NextTick implements storage.Backend.
func (s *Store) NextTick(_ context.Context) (int64, error) {
	return s.tick.Add(1), nil
}

// CountNodes implements storage.NodeCounter.
func (s *Store) CountNodes(_ context.Context) (live, tombstones int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.nodes {
		if e.node.Deleted {
			tombstones++
		} else {
			live++
		}
	}
	return live, tombstones, nil
}

// Close implements storage.Backend.
func (s *Store) Close() error { return nil }
