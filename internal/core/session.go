package core

import (
	"pkt.systems/syncd/api"
)

// DeliverFunc hands one Data event to a session's transport. It must not
// block; a transport that cannot accept the event returns an error and the
// dispatcher drops it for that session.
type DeliverFunc func(*api.Node) error

// Session is one connected client as seen by the engine. The transport
// owns its lifecycle; engine and dispatcher only borrow references.
type Session struct {
	id         string
	creator    string
	defaultACL string
	deliver    DeliverFunc
}

// NewSession constructs a session handle. id must be unique among live
// sessions; creator is stamped on nodes the session writes.
func NewSession(id, creator, defaultACL string, deliver DeliverFunc) *Session {
	return &Session{id: id, creator: creator, defaultACL: defaultACL, deliver: deliver}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Creator returns the identity stamped on nodes written by this session.
func (s *Session) Creator() string { return s.creator }

// DefaultACL returns the tag applied to creations that omit one.
func (s *Session) DefaultACL() string { return s.defaultACL }

// Deliver forwards one Data event to the session's transport.
func (s *Session) Deliver(node *api.Node) error {
	if s == nil || s.deliver == nil {
		return nil
	}
	return s.deliver(node)
}
