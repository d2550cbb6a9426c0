package crdts

import "github.com/filipereplica/convergentkv/crdt"

// LWWRegister is a last-writer-wins register. Ties in Timestamp are
// broken by Writer's lexicographic order so Merge stays commutative and
// idempotent even when two writes race with the same wall-clock reading.
type LWWRegister struct {
	Value     string
	Timestamp int64
	Writer    string
}

// NewLWWRegister returns the zero register, ready to use as a crdt.Value.
func NewLWWRegister() LWWRegister { return LWWRegister{} }

// Set returns a copy of r with a new value stamped by writer at ts.
func (r LWWRegister) Set(value string, ts int64, writer string) LWWRegister {
	return LWWRegister{Value: value, Timestamp: ts, Writer: writer}
}

func (LWWRegister) Shape() string { return "lwwregister" }

func (r LWWRegister) Merge(other crdt.Value) crdt.Value {
	o, ok := other.(LWWRegister)
	if !ok {
		return r
	}
	if o.Timestamp > r.Timestamp {
		return o
	}
	if o.Timestamp == r.Timestamp && o.Writer > r.Writer {
		return o
	}
	return r
}

var _ crdt.Value = LWWRegister{}
