package core

import (
	"context"
	"errors"

	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/path"
	"pkt.systems/syncd/internal/storage"
)

// Get reads one node by literal path. Tombstones are returned with
// Deleted set; a path that has never been published yields a nil node.
// Reads consume no tick.
func (s *Service) Get(ctx context.Context, cmd GetCommand) (*GetResult, error) {
	p, err := path.Parse(cmd.Target)
	if err != nil {
		return nil, Failure{Code: api.CodeInvalidPathFormat, Detail: err.Error()}
	}

	node, _, err := s.store.Get(ctx, p)
	if errors.Is(err, storage.ErrNotFound) {
		return &GetResult{}, nil
	}
	if err != nil {
		return nil, internalFailure("load node", err)
	}
	return &GetResult{Node: node}, nil
}

// List returns the live nodes whose paths match the pattern, in
// ascending path order. Tombstones are excluded. Reads consume no tick.
func (s *Service) List(ctx context.Context, cmd ListCommand) (*ListResult, error) {
	pattern, err := path.ParsePattern(cmd.Pattern)
	if err != nil {
		return nil, Failure{Code: api.CodeInvalidPathFormat, Detail: err.Error()}
	}

	nodes, err := s.store.FindMatching(ctx, pattern)
	if err != nil {
		return nil, internalFailure("find matching nodes", err)
	}
	return &ListResult{Nodes: nodes}, nil
}
