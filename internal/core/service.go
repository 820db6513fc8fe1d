package core

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/syncd/internal/clock"
	"pkt.systems/syncd/internal/loggingutil"
	"pkt.systems/syncd/internal/path"
	"pkt.systems/syncd/internal/storage"
)

// Service aggregates the transport-agnostic synchronization engine: the
// versioned node store, the subscription registry, and the event
// dispatcher.
type Service struct {
	store           storage.Backend
	registry        *Registry
	dispatcher      *Dispatcher
	logger          pslog.Logger
	clock           clock.Clock
	metrics         *engineMetrics
	defaultACL      string
	aclTickOnCreate bool

	// pathLocks serializes the check-tick-write sequence per path so a
	// rejected publish never consumes a tick.
	pathLocks *sync.Map
}

// New constructs the engine. cfg.Store is required.
func New(cfg Config) *Service {
	logger := loggingutil.EnsureLogger(cfg.Logger)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	queueSize := cfg.DispatchQueue
	if queueSize <= 0 {
		queueSize = DefaultDispatchQueue
	}

	registry := NewRegistry()
	metrics := newEngineMetrics(logger)
	dispatcher := newDispatcher(registry, logger, metrics, queueSize)
	metrics.registerObservables(logger, registry, dispatcher)

	return &Service{
		store:           cfg.Store,
		registry:        registry,
		dispatcher:      dispatcher,
		logger:          logger,
		clock:           clk,
		metrics:         metrics,
		defaultACL:      cfg.DefaultACL,
		aclTickOnCreate: cfg.ACLTickOnCreate,
		pathLocks:       &sync.Map{},
	}
}

// RegisterSession makes a session known to the engine so Data events can
// reach it once it subscribes.
func (s *Service) RegisterSession(sess *Session) {
	if sess == nil {
		return
	}
	s.metrics.addSessions(1)
	s.logger.Debug("session.register", "session", sess.ID(), "creator", sess.Creator())
}

// ReleaseSession drops every subscription held by the session. Safe to
// call for sessions that never subscribed.
func (s *Service) ReleaseSession(sess *Session) {
	if sess == nil {
		return
	}
	removed := s.registry.DropSession(sess.ID())
	s.metrics.addSessions(-1)
	s.logger.Debug("session.release", "session", sess.ID(), "subscriptions", removed)
}

// Stats reports a point-in-time snapshot of engine state.
func (s *Service) Stats(ctx context.Context) (*StatsResult, error) {
	res := &StatsResult{
		Sessions:           s.metrics.sessions.Load(),
		SubscribedSessions: s.registry.SubscribedSessions(),
		Subscriptions:      s.registry.Subscriptions(),
		DispatchQueueDepth: s.dispatcher.Depth(),
	}
	if counter, ok := s.store.(storage.NodeCounter); ok {
		live, tombstones, err := counter.CountNodes(ctx)
		if err != nil {
			return nil, internalFailure("count nodes", err)
		}
		res.HasNodeCounts = true
		res.LiveNodes = live
		res.Tombstones = tombstones
	}
	return res, nil
}

// Close stops the dispatcher after draining queued events. The backend is
// owned by the caller and is not closed here.
func (s *Service) Close() {
	s.dispatcher.Stop()
}

func (s *Service) requestLogger(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return s.logger
}

// pathMutex returns the mutex guarding writes to one literal path.
func (s *Service) pathMutex(p path.Path) *sync.Mutex {
	mu, _ := s.pathLocks.LoadOrStore(p.String(), &sync.Mutex{})
	return mu.(*sync.Mutex)
}
