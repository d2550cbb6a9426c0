// Package protocol defines the closed set of peer messages (§6.2) and
// client commands/replies (§6.1) the engine exchanges. It is the
// module's analogue of the teacher's communication package, minus the
// causal-broadcast machinery that package built around it — merge is
// commutative here, so no delivery ordering is required (see
// DESIGN.md).
package protocol

import (
	"fmt"

	"github.com/filipereplica/convergentkv/crdt"
	"github.com/filipereplica/convergentkv/envelope"
	"github.com/filipereplica/convergentkv/node"
)

// ---- Peer protocol (§6.2) ----
//
// Read and Write themselves are plain method calls on coordinator.Peer /
// engine.PeerHandle, taking and returning envelope.Envelope directly —
// there is no separate wire-shaped Read/ReadResult/Write/WriteAck pair
// to marshal, since a real transport would encode the method's own
// arguments and results rather than an intermediate protocol struct.
// Read-repair likewise never leaves the local engine's task (§4.3 step
// 3, coordinator.Repairer): it is not a peer message. Status and Gossip
// below are the one peer exchange that genuinely needs its own carrier
// type, since a single round trip bundles many keys at once.

// Status carries the gossip sender's full digest set (§4.6 step 1).
type Status struct {
	Digests map[string][]byte // key -> digest, empty slice means deleted
	Sender  node.Addr
}

// Gossip carries up to maxDeltaElements envelopes in reply to a Status
// (§4.6 step 2).
type Gossip struct {
	Envelopes map[string]envelope.Envelope
	Sender    node.Addr
}

// ---- Client commands (§6.1) ----
//
// Get, Update, Delete, Subscribe and Unsubscribe are exposed as plain
// methods on engine.Engine rather than as command structs dispatched
// through a generic handler — the engine's inbox already gives every
// call its own closure, so a command struct here would just be
// unmarshaled back into the same arguments the method already takes.

// ModifyFunc is the client-supplied update function. v is nil when the
// key has never been written locally.
type ModifyFunc func(v crdt.Value) (crdt.Value, error)

// ---- Client replies (§6.1) ----
//
// A successful Get/Update/Delete/GetKeys returns its value (or nil) with
// a nil error; NotFound, GetFailure, DataDeleted, ReplicationUpdateFailure
// and ReplicationDeleteFailure double as errors: §7 treats them as
// terminal outcomes a caller branches on, and Go's error return is the
// idiomatic closed-set-of-outcomes vehicle for that.
type NotFound struct{ Key string }

func (e NotFound) Error() string { return fmt.Sprintf("key %q not found", e.Key) }

type GetFailure struct{ Key string }

func (e GetFailure) Error() string { return fmt.Sprintf("get %q: insufficient replies before timeout", e.Key) }

type DataDeleted struct{ Key string }

func (e DataDeleted) Error() string { return fmt.Sprintf("key %q is deleted", e.Key) }

type ReplicationUpdateFailure struct{ Key string }

func (e ReplicationUpdateFailure) Error() string {
	return fmt.Sprintf("update %q: insufficient replication acks before timeout", e.Key)
}

type ReplicationDeleteFailure struct{ Key string }

func (e ReplicationDeleteFailure) Error() string {
	return fmt.Sprintf("delete %q: insufficient replication acks before timeout", e.Key)
}
