package core

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/path"
	"pkt.systems/syncd/internal/storage"
)

// Publish applies a create, update, or delete under the caller's session
// identity. The target may be a pattern only when cmd.Delete is set;
// creates and updates require a literal path.
//
// The returned VTS is the highest tick allocated by the operation, or
// zero when no tick was consumed (eligible-candidate-free wildcard
// delete).
func (s *Service) Publish(ctx context.Context, cmd PublishCommand) (*PublishResult, error) {
	logger := s.requestLogger(ctx)
	start := time.Now()

	if cmd.Session == nil {
		return nil, internalFailure("resolve session", errors.New("publish without a session"))
	}
	target, err := path.ParsePattern(cmd.Target)
	if err != nil {
		s.metrics.recordPublish(ctx, "invalid", time.Since(start), err)
		return nil, Failure{Code: api.CodeInvalidPathFormat, Detail: err.Error()}
	}

	var (
		kind string
		res  *PublishResult
	)
	switch {
	case target.HasWildcard() && !cmd.Delete:
		kind = "invalid"
		err = Failure{Code: api.CodeInvalidPathFormat, Detail: "wildcard target is only valid for delete"}
	case target.HasWildcard():
		kind = "wildcard_delete"
		res, err = s.wildcardDelete(ctx, logger, target, cmd)
	case cmd.Delete:
		kind = "delete"
		res, err = s.literalDelete(ctx, logger, target.Literal(), cmd)
	default:
		kind = "write"
		res, err = s.createOrUpdate(ctx, logger, target.Literal(), cmd)
	}
	s.metrics.recordPublish(ctx, kind, time.Since(start), err)
	if err != nil {
		logger.Debug("pub.reject", "target", target.String(), "kind", kind, "cts", cmd.CTS, "error", err)
		return nil, err
	}
	if cmd.TTLSeconds != 0 {
		logger.Debug("pub.ttl_ignored", "target", target.String(), "ttl_seconds", cmd.TTLSeconds)
	}
	return res, nil
}

func (s *Service) createOrUpdate(ctx context.Context, logger pslog.Logger, p path.Path, cmd PublishCommand) (*PublishResult, error) {
	mu := s.pathMutex(p)
	mu.Lock()
	defer mu.Unlock()

	for {
		node, etag, err := s.store.Get(ctx, p)
		switch {
		case err == nil:
			res, err := s.updateNode(ctx, logger, node, etag, cmd)
			if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return res, err
		case errors.Is(err, storage.ErrNotFound):
			res, err := s.createNode(ctx, logger, p, cmd)
			if errors.Is(err, storage.ErrCASMismatch) {
				// Lost the create race to an external writer; the node
				// exists now, so re-evaluate as an update.
				continue
			}
			return res, err
		default:
			return nil, internalFailure("load node", err)
		}
	}
}

func (s *Service) createNode(ctx context.Context, logger pslog.Logger, p path.Path, cmd PublishCommand) (*PublishResult, error) {
	acl := s.effectiveACL(cmd)
	ticks := 1
	if s.aclTickOnCreate && cmd.ACL != "" && cmd.ACL != s.sessionDefaultACL(cmd.Session) {
		ticks = 2
	}
	vts, err := s.allocateTicks(ctx, ticks)
	if err != nil {
		return nil, err
	}

	node := &storage.Node{
		Path:          p.Clone(),
		Data:          cloneData(cmd.Data),
		Creator:       cmd.Session.Creator(),
		ACL:           acl,
		CTS:           cmd.CTS,
		VTS:           vts,
		UpdatedAtUnix: s.clock.Now().Unix(),
	}
	if _, err := s.store.Put(ctx, node, ""); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return nil, err
		}
		return nil, internalFailure("store node", err)
	}

	logger.Info("pub.create", "path", p.String(), "creator", node.Creator, "cts", node.CTS, "vts", node.VTS)
	s.publishEvent(node)
	return &PublishResult{CTS: cmd.CTS, VTS: vts}, nil
}

func (s *Service) updateNode(ctx context.Context, logger pslog.Logger, stored *storage.Node, etag string, cmd PublishCommand) (*PublishResult, error) {
	if stored.CTS > cmd.CTS {
		return nil, Failure{Code: api.CodePubCtsCheckFailed, Detail: "stored cts is newer than supplied cts"}
	}

	aclChanged := cmd.ACL != "" && cmd.ACL != stored.ACL
	ticks := 1
	if aclChanged {
		ticks = 2
	}
	vts, err := s.allocateTicks(ctx, ticks)
	if err != nil {
		return nil, err
	}

	node := stored.Clone()
	node.Data = cloneData(cmd.Data)
	node.CTS = cmd.CTS
	node.VTS = vts
	node.Deleted = false
	node.UpdatedAtUnix = s.clock.Now().Unix()
	if aclChanged {
		node.ACL = cmd.ACL
	}
	if _, err := s.store.Put(ctx, node, etag); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, internalFailure("store node", err)
	}

	logger.Info("pub.update", "path", node.Path.String(), "cts", node.CTS, "vts", node.VTS, "acl_changed", aclChanged, "revived", stored.Deleted)
	s.publishEvent(node)
	return &PublishResult{CTS: cmd.CTS, VTS: vts}, nil
}

func (s *Service) literalDelete(ctx context.Context, logger pslog.Logger, p path.Path, cmd PublishCommand) (*PublishResult, error) {
	mu := s.pathMutex(p)
	mu.Lock()
	defer mu.Unlock()

	for {
		stored, etag, err := s.store.Get(ctx, p)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, Failure{Code: api.CodeCannotDeleteNonExistingPath, Detail: "path has never been published"}
		}
		if err != nil {
			return nil, internalFailure("load node", err)
		}
		if stored.CTS > cmd.CTS {
			return nil, Failure{Code: api.CodePubCtsCheckFailed, Detail: "stored cts is newer than supplied cts"}
		}

		aclChanged := cmd.ACL != "" && cmd.ACL != stored.ACL
		ticks := 1
		if aclChanged {
			ticks = 2
		}
		vts, err := s.allocateTicks(ctx, ticks)
		if err != nil {
			return nil, err
		}

		node := stored.Clone()
		node.Data = nil
		node.CTS = cmd.CTS
		node.VTS = vts
		node.Deleted = true
		node.UpdatedAtUnix = s.clock.Now().Unix()
		if aclChanged {
			node.ACL = cmd.ACL
		}
		if _, err := s.store.Put(ctx, node, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, internalFailure("store node", err)
		}

		logger.Info("pub.delete", "path", node.Path.String(), "cts", node.CTS, "vts", node.VTS)
		s.publishEvent(node)
		return &PublishResult{CTS: cmd.CTS, VTS: vts}, nil
	}
}

func (s *Service) wildcardDelete(ctx context.Context, logger pslog.Logger, pattern path.Pattern, cmd PublishCommand) (*PublishResult, error) {
	candidates, err := s.store.FindMatching(ctx, pattern)
	if err != nil {
		return nil, internalFailure("find matching nodes", err)
	}

	var (
		lastVTS int64
		deleted int
		skipped int
	)
	for _, candidate := range candidates {
		vts, err := s.deleteCandidate(ctx, candidate.Path, cmd)
		if err != nil {
			// Partial results stay committed; the caller learns which
			// tick range was reached before the fault.
			return nil, err
		}
		if vts == 0 {
			skipped++
			continue
		}
		deleted++
		lastVTS = vts
	}

	logger.Info("pub.wildcard_delete", "pattern", pattern.String(), "cts", cmd.CTS, "vts", lastVTS, "deleted", deleted, "skipped", skipped)
	return &PublishResult{CTS: cmd.CTS, VTS: lastVTS}, nil
}

// deleteCandidate tombstones one wildcard-delete candidate. It returns
// zero when the node was skipped: already gone, or written since the
// candidate scan with a newer cts.
func (s *Service) deleteCandidate(ctx context.Context, p path.Path, cmd PublishCommand) (int64, error) {
	mu := s.pathMutex(p)
	mu.Lock()
	defer mu.Unlock()

	for {
		stored, etag, err := s.store.Get(ctx, p)
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, internalFailure("load node", err)
		}
		if stored.Deleted || stored.CTS > cmd.CTS {
			return 0, nil
		}

		vts, err := s.allocateTicks(ctx, 1)
		if err != nil {
			return 0, err
		}

		node := stored.Clone()
		node.Data = nil
		node.CTS = cmd.CTS
		node.VTS = vts
		node.Deleted = true
		node.UpdatedAtUnix = s.clock.Now().Unix()
		if _, err := s.store.Put(ctx, node, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return 0, internalFailure("store node", err)
		}

		s.publishEvent(node)
		return vts, nil
	}
}

// allocateTicks draws n consecutive calls on the global counter and
// returns the last value. The node records the final tick, so an
// ACL-amplified write lands two ticks past its predecessor.
func (s *Service) allocateTicks(ctx context.Context, n int) (int64, error) {
	var last int64
	for i := 0; i < n; i++ {
		tick, err := s.store.NextTick(ctx)
		if err != nil {
			return 0, internalFailure("allocate tick", err)
		}
		last = tick
	}
	s.metrics.recordTicks(ctx, int64(n))
	return last, nil
}

func (s *Service) publishEvent(node *storage.Node) {
	s.dispatcher.Enqueue(WireNode(node))
}

func (s *Service) effectiveACL(cmd PublishCommand) string {
	if cmd.ACL != "" {
		return cmd.ACL
	}
	return s.sessionDefaultACL(cmd.Session)
}

func (s *Service) sessionDefaultACL(sess *Session) string {
	if sess != nil && sess.DefaultACL() != "" {
		return sess.DefaultACL()
	}
	return s.defaultACL
}

// WireNode converts a stored node to its wire representation. Data is
// copied so later store mutations cannot reach frames already queued
// for delivery.
func WireNode(node *storage.Node) *api.Node {
	if node == nil {
		return nil
	}
	return &api.Node{
		Path:          append([]string(nil), node.Path...),
		Data:          cloneData(node.Data),
		Creator:       node.Creator,
		ACL:           node.ACL,
		CTS:           node.CTS,
		VTS:           node.VTS,
		Deleted:       node.Deleted,
		UpdatedAtUnix: node.UpdatedAtUnix,
	}
}

func cloneData(data *string) *string {
	if data == nil {
		return nil
	}
	v := *data
	return &v
}
