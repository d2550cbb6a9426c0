// Package envelope implements spec.md §3.2/§4.1: a CRDT value paired
// with per-removed-node pruning metadata, and the merge/prune/addSeen
// operations that keep that metadata itself a join-semilattice.
package envelope

import (
	"fmt"

	"github.com/filipereplica/convergentkv/crdt"
	"github.com/filipereplica/convergentkv/node"
)

// Phase is the two-state lattice a PruningState moves through: Init
// (still collecting acknowledgements from peers) then Performed
// (irreversible).
type Phase int

const (
	Init Phase = iota
	Performed
)

// PruningState tracks progress pruning a single removed node's
// contribution out of one key's data. It forms a join-semilattice on
// its own (§3.2): Init states union their seen sets, Performed absorbs
// anything, and owner ties break on node.ID.Less.
type PruningState struct {
	Owner node.ID
	Phase Phase
	Seen  map[node.Addr]struct{}
}

func newInit(owner node.ID) PruningState {
	return PruningState{Owner: owner, Phase: Init, Seen: map[node.Addr]struct{}{}}
}

// Join computes the least upper bound of two PruningStates for the same
// removed node.
func (p PruningState) Join(other PruningState) PruningState {
	owner := p.Owner
	if other.Owner.Less(owner) {
		owner = other.Owner
	}

	if p.Phase == Performed || other.Phase == Performed {
		return PruningState{Owner: owner, Phase: Performed}
	}

	seen := make(map[node.Addr]struct{}, len(p.Seen)+len(other.Seen))
	for a := range p.Seen {
		seen[a] = struct{}{}
	}
	for a := range other.Seen {
		seen[a] = struct{}{}
	}
	return PruningState{Owner: owner, Phase: Init, Seen: seen}
}

// ShapeError is returned when an update or merge would mix two
// concrete CRDT types under the same key.
type ShapeError struct {
	Key      string
	Existing string
	Incoming string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("conflicting shape for key %q: stored %s, got %s", e.Key, e.Existing, e.Incoming)
}

// Envelope is the unit the local store keeps per key and that gossip
// exchanges between replicas.
type Envelope struct {
	Data    crdt.Value
	Pruning map[node.ID]PruningState
}

// New wraps a freshly created value with no pruning metadata.
func New(v crdt.Value) Envelope {
	return Envelope{Data: v, Pruning: map[node.ID]PruningState{}}
}

// Deleted is the tombstone envelope: it carries no pruning metadata
// because a deleted key needs none.
var Deleted = Envelope{Data: crdt.Deleted}

// IsDeleted reports whether e is (or is equivalent to) the tombstone.
func (e Envelope) IsDeleted() bool {
	return crdt.IsDeleted(e.Data)
}

// Merge implements spec.md §4.1's merge law. If either side is Deleted
// the result is Deleted; a shape mismatch keeps the receiver's shape
// unchanged (callers on the update/write paths are responsible for
// rejecting shape mismatches earlier via CheckShape).
func (e Envelope) Merge(other Envelope) Envelope {
	if e.IsDeleted() || other.IsDeleted() {
		return Deleted
	}

	pruning := make(map[node.ID]PruningState, len(e.Pruning)+len(other.Pruning))
	for id, st := range e.Pruning {
		pruning[id] = st
	}
	for id, st := range other.Pruning {
		if existing, ok := pruning[id]; ok {
			pruning[id] = existing.Join(st)
		} else {
			pruning[id] = st
		}
	}

	data := e.Data
	if data.Shape() == other.Data.Shape() {
		data = data.Merge(other.Data)
	}
	// Fold in any pruning entries that have already reached Performed:
	// pruningCleanup runs on the merged data, so the other side's
	// still-Init copy of removed's contribution cannot survive the merge
	// and undo a Performed entry's cleanup.
	for id, st := range pruning {
		if st.Phase != Performed {
			continue
		}
		if pruner, ok := data.(crdt.RemovedNodePruning); ok {
			data = pruner.PruningCleanup(id)
		}
	}

	return Envelope{Data: data, Pruning: pruning}
}

// CheckShape reports a *ShapeError if v's concrete shape disagrees with
// the envelope's current shape. Used by the update and write paths
// (§4.5, §4.9) before committing a change.
func (e Envelope) CheckShape(key string, v crdt.Value) error {
	if e.Data == nil || e.IsDeleted() || crdt.IsDeleted(v) {
		return nil
	}
	if e.Data.Shape() != v.Shape() {
		return &ShapeError{Key: key, Existing: e.Data.Shape(), Incoming: v.Shape()}
	}
	return nil
}

// InitPruning inserts a fresh Init entry for removed owned by self, iff
// one is not already present (§4.1).
func (e Envelope) InitPruning(removed, self node.ID) Envelope {
	if _, ok := e.Pruning[removed]; ok {
		return e
	}
	out := e.clonePruning()
	out[removed] = newInit(self)
	return Envelope{Data: e.Data, Pruning: out}
}

// OverwriteInit forcibly replaces removed's entry with a fresh Init
// owned by self. Used by the leader in Phase A when a differently-owned
// Init entry is stale (§4.7 Phase A).
func (e Envelope) OverwriteInit(removed, self node.ID) Envelope {
	out := e.clonePruning()
	out[removed] = newInit(self)
	return Envelope{Data: e.Data, Pruning: out}
}

// Prune requires pruning[removed] to be present; it moves removed's
// contribution onto its recorded owner and marks the entry Performed.
func (e Envelope) Prune(removed node.ID) (Envelope, bool) {
	st, ok := e.Pruning[removed]
	if !ok {
		return e, false
	}
	pruner, ok := e.Data.(crdt.RemovedNodePruning)
	if !ok {
		return e, false
	}
	data := pruner.Prune(removed, st.Owner)
	out := e.clonePruning()
	out[removed] = PruningState{Owner: st.Owner, Phase: Performed}
	return Envelope{Data: data, Pruning: out}, true
}

// AddSeen records that node has witnessed this envelope, advancing the
// seen set of every entry still in Init phase. Performed entries are a
// no-op, and if nothing changes the same Envelope value is returned so
// callers can cheaply detect "no-op" via structural comparison of the
// Pruning map identity is not attempted here (Go maps aren't
// comparable that way); instead we track a changed flag.
func (e Envelope) AddSeen(who node.Addr) Envelope {
	changed := false
	out := make(map[node.ID]PruningState, len(e.Pruning))
	for id, st := range e.Pruning {
		if st.Phase != Init {
			out[id] = st
			continue
		}
		if _, already := st.Seen[who]; already {
			out[id] = st
			continue
		}
		seen := make(map[node.Addr]struct{}, len(st.Seen)+1)
		for a := range st.Seen {
			seen[a] = struct{}{}
		}
		seen[who] = struct{}{}
		out[id] = PruningState{Owner: st.Owner, Phase: Init, Seen: seen}
		changed = true
	}
	if !changed {
		return e
	}
	return Envelope{Data: e.Data, Pruning: out}
}

// StripAndCleanup removes removed's pruning entry entirely and runs
// PruningCleanup on the data, used when a node is fully tombstoned
// (§4.7 Phase C).
func (e Envelope) StripAndCleanup(removed node.ID) Envelope {
	out := e.clonePruning()
	delete(out, removed)
	data := e.Data
	if pruner, ok := data.(crdt.RemovedNodePruning); ok {
		data = pruner.PruningCleanup(removed)
	}
	return Envelope{Data: data, Pruning: out}
}

// TombstoneCleanup runs PruningCleanup for every node in tombstoned
// against the data, absorbing any late gossip that still carries a
// tombstoned node's contribution (§4.7 Phase C, §4.9).
func (e Envelope) TombstoneCleanup(tombstoned []node.ID) Envelope {
	if e.IsDeleted() || len(tombstoned) == 0 {
		return e
	}
	pruner, ok := e.Data.(crdt.RemovedNodePruning)
	if !ok {
		return e
	}
	data := e.Data
	changed := false
	for _, r := range tombstoned {
		if pruner.NeedsPruningFrom(r) {
			data = pruner.PruningCleanup(r)
			pruner, _ = data.(crdt.RemovedNodePruning)
			changed = true
		}
	}
	if !changed {
		return e
	}
	return Envelope{Data: data, Pruning: e.Pruning}
}

func (e Envelope) clonePruning() map[node.ID]PruningState {
	out := make(map[node.ID]PruningState, len(e.Pruning))
	for k, v := range e.Pruning {
		out[k] = v
	}
	return out
}
