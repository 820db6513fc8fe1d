package core

import (
	"sync"

	"pkt.systems/syncd/internal/path"
)

type registration struct {
	session  *Session
	patterns []path.Pattern
}

// Registry tracks which sessions subscribed to which patterns. All methods
// are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*registration
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*registration)}
}

// Subscribe registers pattern for sess and reports whether the
// registration is new. An exact duplicate leaves the registry unchanged.
func (r *Registry) Subscribe(sess *Session, pattern path.Pattern) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.sessions[sess.ID()]
	if !ok {
		reg = &registration{session: sess}
		r.sessions[sess.ID()] = reg
	}
	for _, existing := range reg.patterns {
		if existing.Equal(pattern) {
			return false
		}
	}
	reg.patterns = append(reg.patterns, pattern)
	return true
}

// Unsubscribe removes the exact pattern from the session and reports
// whether a registration was removed.
func (r *Registry) Unsubscribe(sessionID string, pattern path.Pattern) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	for i, existing := range reg.patterns {
		if existing.Equal(pattern) {
			reg.patterns = append(reg.patterns[:i], reg.patterns[i+1:]...)
			if len(reg.patterns) == 0 {
				delete(r.sessions, sessionID)
			}
			return true
		}
	}
	return false
}

// SessionsMatching returns each session holding at least one pattern that
// selects p. A session appears once no matter how many of its patterns
// match.
func (r *Registry) SessionsMatching(p path.Path) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matched := make([]*Session, 0, len(r.sessions))
	for _, reg := range r.sessions {
		for _, pattern := range reg.patterns {
			if pattern.Matches(p) {
				matched = append(matched, reg.session)
				break
			}
		}
	}
	return matched
}

// DropSession removes every registration held by the session and returns
// the number of patterns removed.
func (r *Registry) DropSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.sessions[sessionID]
	if !ok {
		return 0
	}
	delete(r.sessions, sessionID)
	return len(reg.patterns)
}

// SubscribedSessions counts sessions holding at least one pattern.
func (r *Registry) SubscribedSessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Subscriptions counts registered patterns across all sessions.
func (r *Registry) Subscriptions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, reg := range r.sessions {
		total += len(reg.patterns)
	}
	return total
}
