package api

// Operations accepted in a ClientFrame.
const (
	// OpPublish creates, updates, or deletes nodes.
	OpPublish = "pub"
	// OpSubscribe registers a pattern for Data events.
	OpSubscribe = "sub"
	// OpUnsubscribe removes a previously registered pattern.
	OpUnsubscribe = "unsub"
	// OpGet reads a single node by literal path, tombstones included.
	OpGet = "get"
	// OpList reads all live nodes selected by a pattern.
	OpList = "list"
)

// Kinds carried by a ServerFrame.
const (
	// KindResponse answers one ClientFrame, matched by ID.
	KindResponse = "resp"
	// KindData delivers an asynchronous node event to a subscriber.
	KindData = "data"
)

// ClientFrame is one request sent by a client over a sync session.
type ClientFrame struct {
	// Op selects the operation; one of the Op* constants.
	Op string `json:"op"`
	// ID correlates the eventual response frame with this request.
	ID string `json:"id,omitempty"`
	// CTS is the client timestamp for publish operations.
	CTS int64 `json:"cts,omitempty"`
	// Path addresses publish and get targets. Wildcards are allowed only
	// for publishes with Delete set.
	Path []string `json:"path,omitempty"`
	// Data is the value to store. Absent means delete-or-no-data.
	Data *string `json:"data,omitempty"`
	// Delete marks a publish as a deletion of the addressed nodes.
	Delete bool `json:"delete,omitempty"`
	// ACL optionally replaces the access tag on the written node.
	ACL string `json:"acl,omitempty"`
	// TTLSeconds is accepted for publishes and currently ignored; the
	// field is reserved for record expiry.
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
	// Pattern addresses subscribe, unsubscribe, and list targets.
	Pattern []string `json:"pattern,omitempty"`
	// CorrelationID optionally links this request across client and
	// server logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ServerFrame is one message sent by the server over a sync session:
// either the response to a ClientFrame or an asynchronous Data event.
type ServerFrame struct {
	// Kind is KindResponse or KindData.
	Kind string `json:"kind"`
	// ID echoes the request ID on response frames.
	ID string `json:"id,omitempty"`
	// Code classifies the outcome of the answered request.
	Code Code `json:"code"`
	// Error carries human-readable detail for non-OK codes.
	Error string `json:"error,omitempty"`
	// CTS echoes the request's client timestamp on publish responses.
	CTS int64 `json:"cts,omitempty"`
	// VTS is the highest version tick the operation consumed, or 0 when
	// the operation consumed none.
	VTS int64 `json:"vts,omitempty"`
	// Node carries the record for get responses and Data events.
	Node *Node `json:"node,omitempty"`
	// Nodes carries the records for list responses.
	Nodes []Node `json:"nodes,omitempty"`
	// CorrelationID links the response to server-side logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}
