// Package crdt defines the capability contract the replication engine
// expects from a CRDT payload. The engine never knows what a value
// concretely is (counter, set, register, ...); it only ever calls
// through this interface. Concrete payloads live in package crdts and
// are external collaborators, exactly as spec.md keeps them.
package crdt

import "github.com/filipereplica/convergentkv/node"

// Value is the capability every stored payload must implement. Merge
// must be idempotent, commutative, associative, and monotonic in the
// type's semilattice — the engine relies on all three to make gossip
// and read-repair order-insensitive.
type Value interface {
	// Merge returns the least upper bound of the receiver and other in
	// the CRDT's semilattice. The receiver's own state is not mutated.
	Merge(other Value) Value

	// Shape identifies the concrete Go type behind the interface so the
	// engine can reject cross-type updates to the same key without
	// needing reflection at every call site.
	Shape() string
}

// RemovedNodePruning is implemented by payloads that attribute state to
// individual nodes and can therefore have that state garbage collected
// once the node has left the cluster. Payloads that don't implement it
// (e.g. an LWW register) are simply never pruned.
type RemovedNodePruning interface {
	Value

	// NeedsPruningFrom reports whether the payload still carries state
	// attributed to removed.
	NeedsPruningFrom(removed node.ID) bool

	// Prune moves state contributed by removed onto owner, returning the
	// updated value. Called once, when a pruning entry transitions from
	// Init to Performed.
	Prune(removed, owner node.ID) Value

	// PruningCleanup strips any remaining trace of removed from the
	// payload. Called on every merge for nodes that have been fully
	// tombstoned, so that late gossip carrying removed's contribution
	// cannot reintroduce it.
	PruningCleanup(removed node.ID) Value
}

const deletedShape = "\x00deleted"

// deletedValue is the tombstone sentinel: merging anything with it always
// yields itself back, absorbing the other side permanently.
type deletedValue struct{}

// Deleted is the distinguished CRDT tombstone. It is itself a valid
// Value: Deleted.Merge(anything) == Deleted, and anything.Merge(Deleted)
// is expected to be normalised to Deleted by the caller (see
// envelope.Envelope.Merge).
var Deleted Value = deletedValue{}

func (deletedValue) Merge(Value) Value { return Deleted }
func (deletedValue) Shape() string     { return deletedShape }

// IsDeleted reports whether v is the tombstone sentinel.
func IsDeleted(v Value) bool {
	if v == nil {
		return false
	}
	return v.Shape() == deletedShape
}
