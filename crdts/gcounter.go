// Package crdts holds example CRDT payloads used to exercise the
// replication engine end to end. They are plain collaborators of the
// crdt.Value capability, not part of the engine itself — see spec.md
// §1, "concrete CRDT payloads ... are external collaborators."
package crdts

import (
	"github.com/filipereplica/convergentkv/crdt"
	"github.com/filipereplica/convergentkv/node"
)

// GCounter is a grow-only counter: each node owns a monotonically
// increasing tally and the total is the sum across nodes. It is the
// textbook payload for removed-node pruning, since a departed node's
// contribution is a single map entry that can be folded onto another
// owner.
type GCounter map[node.ID]uint64

// NewGCounter returns an empty counter, ready to use as a crdt.Value.
func NewGCounter() GCounter { return GCounter{} }

// Increment returns a copy of c with by added to self's tally.
func (c GCounter) Increment(self node.ID, by uint64) GCounter {
	out := c.clone()
	out[self] += by
	return out
}

// Total sums every node's contribution.
func (c GCounter) Total() uint64 {
	var total uint64
	for _, v := range c {
		total += v
	}
	return total
}

func (c GCounter) clone() GCounter {
	out := make(GCounter, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (GCounter) Shape() string { return "gcounter" }

func (c GCounter) Merge(other crdt.Value) crdt.Value {
	o, ok := other.(GCounter)
	if !ok {
		return c
	}
	out := c.clone()
	for k, v := range o {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

func (c GCounter) NeedsPruningFrom(removed node.ID) bool {
	_, ok := c[removed]
	return ok
}

func (c GCounter) Prune(removed, owner node.ID) crdt.Value {
	amount, ok := c[removed]
	if !ok {
		return c
	}
	out := c.clone()
	delete(out, removed)
	out[owner] += amount
	return out
}

func (c GCounter) PruningCleanup(removed node.ID) crdt.Value {
	if _, ok := c[removed]; !ok {
		return c
	}
	out := c.clone()
	delete(out, removed)
	return out
}

var (
	_ crdt.Value              = GCounter{}
	_ crdt.RemovedNodePruning = GCounter{}
)
