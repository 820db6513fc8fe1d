// Package api defines the wire-level types of the syncd protocol: response
// codes, node records, and the JSON frames exchanged over a sync session.
package api

import "strconv"

// Code classifies the outcome of an operation.
type Code int32

const (
	// CodeOK reports success.
	CodeOK Code = 0
	// CodeInvalidPathFormat reports a malformed path or pattern, or a
	// wildcard used where only a literal path is allowed.
	CodeInvalidPathFormat Code = 1
	// CodeCannotDeleteNonExistingPath reports a literal delete addressing a
	// path that has never been written.
	CodeCannotDeleteNonExistingPath Code = 2
	// CodePubCtsCheckFailed reports a publish rejected because its client
	// timestamp is older than the stored record's.
	CodePubCtsCheckFailed Code = 3
	// CodeInternalError reports a storage or version-counter failure.
	CodeInternalError Code = 4
)

// String returns the snake_case name used in logs and error details.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInvalidPathFormat:
		return "invalid_path_format"
	case CodeCannotDeleteNonExistingPath:
		return "cannot_delete_non_existing_path"
	case CodePubCtsCheckFailed:
		return "pub_cts_check_failed"
	case CodeInternalError:
		return "internal_error"
	default:
		return "code_" + strconv.FormatInt(int64(c), 10)
	}
}

// StatsResponse is the payload served by /v1/stats.
type StatsResponse struct {
	// Sessions counts open sync sessions.
	Sessions int64 `json:"sessions"`
	// SubscribedSessions counts sessions holding at least one pattern.
	SubscribedSessions int `json:"subscribed_sessions"`
	// Subscriptions counts registered patterns across all sessions.
	Subscriptions int `json:"subscriptions"`
	// DispatchQueueDepth is the number of events awaiting fan-out.
	DispatchQueueDepth int `json:"dispatch_queue_depth"`
	// LiveNodes and Tombstones are present when the backend can count
	// its records.
	LiveNodes  *int64 `json:"live_nodes,omitempty"`
	Tombstones *int64 `json:"tombstones,omitempty"`
	// Version is the server build version.
	Version string `json:"version,omitempty"`
}

// Node is the wire representation of one stored record.
type Node struct {
	// Path is the node's address as ordered literal segments.
	Path []string `json:"path"`
	// Data is the stored value. It is absent for tombstones.
	Data *string `json:"data,omitempty"`
	// Creator identifies the session that last wrote the node.
	Creator string `json:"creator,omitempty"`
	// ACL is the node's access tag, inherited across updates that omit it.
	ACL string `json:"acl,omitempty"`
	// CTS is the client timestamp of the last accepted write.
	CTS int64 `json:"cts"`
	// VTS is the server version tick of the last accepted write.
	VTS int64 `json:"vts"`
	// Deleted marks a tombstone.
	Deleted bool `json:"deleted,omitempty"`
	// UpdatedAtUnix is the server wall-clock second of the last accepted write.
	UpdatedAtUnix int64 `json:"updated_at_unix,omitempty"`
}
