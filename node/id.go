// Package node defines the two node identities the engine reasons about:
// an address that is reused across restarts, and an incarnation-qualified
// id that never is.
package node

import "github.com/google/uuid"

// Addr is address-only identity. It is reused when a node restarts under
// the same address, so it is what the peer set and gossip target list key
// on.
type Addr string

// ID is an Addr combined with an incarnation stamp. Two processes that
// bind the same Addr at different times always mint different IDs, which
// is what lets pruning distinguish "this node left" from "this node is
// still the same process".
type ID struct {
	Addr        Addr
	Incarnation string
}

// NewID mints a fresh ID for addr, stamping it with a random incarnation
// so a restarted node is never confused with its previous life.
func NewID(addr Addr) ID {
	return ID{Addr: addr, Incarnation: uuid.NewString()}
}

func (id ID) String() string {
	return string(id.Addr) + "#" + id.Incarnation
}

// Less gives NodeId a total order, used to break ties between concurrent
// PruningState owners (the lexicographically lesser owner wins).
func (id ID) Less(other ID) bool {
	if id.Addr != other.Addr {
		return id.Addr < other.Addr
	}
	return id.Incarnation < other.Incarnation
}

func (id ID) Equal(other ID) bool {
	return id.Addr == other.Addr && id.Incarnation == other.Incarnation
}
