package core

import (
	"pkt.systems/syncd/internal/storage"
)

// PublishCommand creates, updates, or deletes nodes.
type PublishCommand struct {
	// Session is the originating session; its creator identity is stamped
	// on written nodes and its default ACL applies to creations that omit
	// one.
	Session *Session
	// Target holds raw path segments. Wildcards are accepted only when
	// Delete is set.
	Target []string
	// Data is the value to store; nil publishes a node without a value.
	Data *string
	// Delete tombstones the addressed nodes instead of writing data.
	Delete bool
	// ACL optionally replaces the access tag on the written node. Empty
	// inherits the stored tag, or the session default on creation.
	ACL string
	// CTS is the client timestamp checked against the stored record.
	CTS int64
	// TTLSeconds is accepted and ignored; reserved for record expiry.
	TTLSeconds int64
}

// PublishResult reports the outcome of an accepted publish.
type PublishResult struct {
	// CTS echoes the command's client timestamp.
	CTS int64
	// VTS is the highest version tick the operation consumed, or 0 when a
	// wildcard delete tombstoned nothing.
	VTS int64
}

// SubscribeCommand registers a pattern for Data events on a session.
type SubscribeCommand struct {
	Session *Session
	Pattern []string
}

// SubscribeResult reports the registration outcome.
type SubscribeResult struct {
	// VTS is the tick consumed by a new registration; 0 for duplicates.
	VTS int64
}

// UnsubscribeCommand removes a previously registered pattern.
type UnsubscribeCommand struct {
	Session *Session
	Pattern []string
}

// UnsubscribeResult reports whether a registration was removed.
type UnsubscribeResult struct {
	Removed bool
}

// GetCommand reads one node by literal path.
type GetCommand struct {
	Target []string
}

// GetResult carries the record, tombstones included. Node is nil when the
// path has never been written.
type GetResult struct {
	Node *storage.Node
}

// ListCommand reads the live nodes selected by a pattern.
type ListCommand struct {
	Pattern []string
}

// ListResult carries the matched records in ascending path order.
type ListResult struct {
	Nodes []*storage.Node
}

// StatsResult is a point-in-time snapshot of engine state.
type StatsResult struct {
	// Sessions counts registered sessions.
	Sessions int64
	// SubscribedSessions counts sessions holding at least one pattern.
	SubscribedSessions int
	// Subscriptions counts registered patterns across all sessions.
	Subscriptions int
	// DispatchQueueDepth is the number of events awaiting fan-out.
	DispatchQueueDepth int
	// HasNodeCounts reports whether the backend exposes node counts.
	HasNodeCounts bool
	// LiveNodes and Tombstones are populated when HasNodeCounts is true.
	LiveNodes  int64
	Tombstones int64
}
