package crdts

import "github.com/filipereplica/convergentkv/crdt"

// GSet is a grow-only set: union is the merge, elements are never
// removed. It carries no per-node attribution and so does not implement
// crdt.RemovedNodePruning.
type GSet map[string]struct{}

// NewGSet returns an empty set, ready to use as a crdt.Value.
func NewGSet() GSet { return GSet{} }

// Add returns a copy of s with elem inserted.
func (s GSet) Add(elem string) GSet {
	out := s.clone()
	out[elem] = struct{}{}
	return out
}

// Contains reports whether elem is a member.
func (s GSet) Contains(elem string) bool {
	_, ok := s[elem]
	return ok
}

// Members returns the set's elements in no particular order.
func (s GSet) Members() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

func (s GSet) clone() GSet {
	out := make(GSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func (GSet) Shape() string { return "gset" }

func (s GSet) Merge(other crdt.Value) crdt.Value {
	o, ok := other.(GSet)
	if !ok {
		return s
	}
	out := s.clone()
	for k := range o {
		out[k] = struct{}{}
	}
	return out
}

var _ crdt.Value = GSet{}
