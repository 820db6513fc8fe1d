package core

import (
	"context"
	"errors"

	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/path"
)

// Subscribe registers a pattern for the session. A first-time
// registration consumes one global tick so the session can order later
// Data events against the moment it subscribed; re-subscribing to the
// same pattern is a no-op and reports VTS zero.
func (s *Service) Subscribe(ctx context.Context, cmd SubscribeCommand) (*SubscribeResult, error) {
	logger := s.requestLogger(ctx)
	if cmd.Session == nil {
		return nil, internalFailure("resolve session", errors.New("subscribe without a session"))
	}
	pattern, err := path.ParsePattern(cmd.Pattern)
	if err != nil {
		return nil, Failure{Code: api.CodeInvalidPathFormat, Detail: err.Error()}
	}

	if !s.registry.Subscribe(cmd.Session, pattern) {
		logger.Debug("sub.duplicate", "session", cmd.Session.ID(), "pattern", pattern.String())
		return &SubscribeResult{VTS: 0}, nil
	}
	vts, err := s.allocateTicks(ctx, 1)
	if err != nil {
		s.registry.Unsubscribe(cmd.Session.ID(), pattern)
		return nil, err
	}

	logger.Info("sub.register", "session", cmd.Session.ID(), "pattern", pattern.String(), "vts", vts)
	return &SubscribeResult{VTS: vts}, nil
}

// Unsubscribe removes an exact-match registration. Removing a pattern
// that was never registered is not an error and consumes no tick.
func (s *Service) Unsubscribe(ctx context.Context, cmd UnsubscribeCommand) (*UnsubscribeResult, error) {
	logger := s.requestLogger(ctx)
	if cmd.Session == nil {
		return nil, internalFailure("resolve session", errors.New("unsubscribe without a session"))
	}
	pattern, err := path.ParsePattern(cmd.Pattern)
	if err != nil {
		return nil, Failure{Code: api.CodeInvalidPathFormat, Detail: err.Error()}
	}

	removed := s.registry.Unsubscribe(cmd.Session.ID(), pattern)
	logger.Debug("sub.remove", "session", cmd.Session.ID(), "pattern", pattern.String(), "removed", removed)
	return &UnsubscribeResult{Removed: removed}, nil
}
