package core

import (
	"pkt.systems/pslog"
	"pkt.systems/syncd/internal/clock"
	"pkt.systems/syncd/internal/storage"
)

// Config captures the dependencies and behavioural knobs required by the core
// engine. It mirrors the server wiring but is transport agnostic.
type Config struct {
	Store  storage.Backend
	Logger pslog.Logger
	Clock  clock.Clock

	// DefaultACL is applied to nodes created by a publish that carries no
	// ACL of its own and whose session has no default either.
	DefaultACL string

	// ACLTickOnCreate applies the ACL amplification tick to newly created
	// nodes too, not only to updates that change an existing ACL.
	ACLTickOnCreate bool

	// DispatchQueue bounds the number of committed events awaiting
	// fan-out. Zero selects DefaultDispatchQueue.
	DispatchQueue int
}

// DefaultDispatchQueue is used when Config.DispatchQueue is zero.
const DefaultDispatchQueue = 1024
