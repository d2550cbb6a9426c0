// Package codec is the serializer collaborator spec.md §1 keeps external
// to the engine: it turns an envelope into the canonical byte image used
// for anti-entropy digests and for the wire form of peer messages. The
// engine calls it only from its own task (§5, "the serializer is
// process-wide and re-entrant; it is invoked only from the engine
// task"), so it is stateless and safe to share a single instance.
package codec

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"reflect"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// PruningStateWire is the wire-shape mirror of envelope.PruningState,
// kept here (rather than imported) so this package has no dependency on
// envelope and can be reused by any future wire form.
type PruningStateWire struct {
	Owner string   `msgpack:"owner"`
	Phase string   `msgpack:"phase"` // "init" or "performed"
	Seen  []string `msgpack:"seen,omitempty"`
}

// EnvelopeWire is the canonical, deterministic mirror of an envelope
// used to compute its byte image. Pruning entries are sorted by node id
// string so two envelopes that are equal as data structures always
// serialise identically, which is what makes the digest comparison in
// gossip meaningful.
type EnvelopeWire struct {
	Shape   string                      `msgpack:"shape"`
	Data    msgpack.RawMessage          `msgpack:"data"`
	Pruning map[string]PruningStateWire `msgpack:"-"`
	// PruningSorted carries Pruning in a fixed order for marshaling;
	// Pruning itself is only a convenience view for callers.
	PruningSorted []pruningEntryWire `msgpack:"pruning"`
}

type pruningEntryWire struct {
	Node  string           `msgpack:"node"`
	State PruningStateWire `msgpack:"state"`
}

// Serializer is the collaborator the engine depends on for byte images.
// A production deployment would swap in whatever wire codec its
// transport already speaks; the engine only needs Image and Digest.
type Serializer interface {
	Image(w EnvelopeWire) ([]byte, error)
	Digest(image []byte) []byte
}

// MsgpackSerializer implements Serializer with
// github.com/vmihailenco/msgpack/v5, mirroring the wire encoding used
// throughout shinyes-yep_crdt's sync transport.
type MsgpackSerializer struct{}

// NewEnvelopeWire builds a canonical wire mirror from a shape, an
// already-marshaled data payload, and a pruning map. Sorting here keeps
// Image deterministic regardless of Go's randomised map iteration order.
func NewEnvelopeWire(shape string, data []byte, pruning map[string]PruningStateWire) EnvelopeWire {
	nodes := make([]string, 0, len(pruning))
	for n := range pruning {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	sorted := make([]pruningEntryWire, 0, len(nodes))
	for _, n := range nodes {
		state := pruning[n]
		sort.Strings(state.Seen)
		sorted = append(sorted, pruningEntryWire{Node: n, State: state})
	}

	return EnvelopeWire{
		Shape:         shape,
		Data:          data,
		Pruning:       pruning,
		PruningSorted: sorted,
	}
}

func (MsgpackSerializer) Image(w EnvelopeWire) ([]byte, error) {
	return msgpack.Marshal(w)
}

func (MsgpackSerializer) Digest(image []byte) []byte {
	if len(image) == 0 {
		return nil
	}
	sum := sha1.Sum(image)
	return sum[:]
}

// MarshalValue msgpack-encodes any concrete payload behind a crdt.Value,
// used by callers building an EnvelopeWire's Data field. The concrete
// payloads that reach this (GCounter, GSet) are Go maps, whose iteration
// order is unstable even across repeated ranges of the same instance, so
// a top-level map is encoded entry by entry in the order of its keys'
// printed form — otherwise two byte-identical CRDT states could produce
// different images and defeat digest equality.
func MarshalValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Map && !rv.IsNil() {
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j]) })
		if err := enc.EncodeMapLen(len(keys)); err != nil {
			return nil, err
		}
		for _, k := range keys {
			if err := enc.EncodeMulti(k.Interface(), rv.MapIndex(k).Interface()); err != nil {
				return nil, err
			}
		}
		return buf.Bytes(), nil
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
