// Package store implements the local entry store of spec.md §4.2: a
// key -> (envelope, digest) index with change notifications for
// subscribers. It has no concurrency control of its own — the engine
// (package engine) is the only caller, on its single task (§5).
package store

import (
	"github.com/filipereplica/convergentkv/codec"
	"github.com/filipereplica/convergentkv/envelope"
)

// Entry is what the store keeps per key.
type Entry struct {
	Envelope envelope.Envelope
	Digest   []byte
}

// Event is what a subscriber receives when a watched key changes.
type Event struct {
	Key  string
	Kind EventKind
	Data interface{} // the merged crdt.Value, present when Kind == Changed
}

type EventKind int

const (
	Changed EventKind = iota
	DataDeleted
)

// Watcher is anything the caller wants to route Events to. The engine
// hands out a channel-backed Watcher per client subscription.
type Watcher interface {
	Notify(Event)
}

// Store is the local entry store.
type Store struct {
	serializer codec.Serializer
	entries    map[string]Entry
	subs       map[string]map[Watcher]struct{} // key -> watchers
	watcherKeys map[Watcher]map[string]struct{} // watcher -> keys, for O(keys) teardown
}

// New returns an empty store backed by the given serializer.
func New(serializer codec.Serializer) *Store {
	return &Store{
		serializer:  serializer,
		entries:     map[string]Entry{},
		subs:        map[string]map[Watcher]struct{}{},
		watcherKeys: map[Watcher]map[string]struct{}{},
	}
}

// Get returns the current envelope for k, if any.
func (s *Store) Get(k string) (envelope.Envelope, bool) {
	e, ok := s.entries[k]
	return e.Envelope, ok
}

// Set stores env under k, recomputing the digest, and notifies watchers
// of k iff the digest changed.
func (s *Store) Set(k string, env envelope.Envelope) {
	digest := s.digestOf(env)
	prev, existed := s.entries[k]
	s.entries[k] = Entry{Envelope: env, Digest: digest}

	if existed && bytesEqual(prev.Digest, digest) {
		return
	}
	s.notify(k, env)
}

func (s *Store) digestOf(env envelope.Envelope) []byte {
	if env.IsDeleted() {
		return nil
	}
	data, err := codec.MarshalValue(env.Data)
	if err != nil {
		// A serializer failure on an accepted value is a collaborator
		// bug, not something the store can recover from meaningfully;
		// treat it as "no digest" so the entry is still readable and
		// will simply always look changed to gossip.
		return []byte{}
	}
	pruning := map[string]codec.PruningStateWire{}
	for id, st := range env.Pruning {
		seen := make([]string, 0, len(st.Seen))
		for a := range st.Seen {
			seen = append(seen, string(a))
		}
		phase := "init"
		if st.Phase == 1 {
			phase = "performed"
		}
		pruning[id.String()] = codec.PruningStateWire{Owner: st.Owner.String(), Phase: phase, Seen: seen}
	}
	image, err := s.serializer.Image(codec.NewEnvelopeWire(env.Data.Shape(), data, pruning))
	if err != nil {
		return []byte{}
	}
	return s.serializer.Digest(image)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Store) notify(k string, env envelope.Envelope) {
	watchers := s.subs[k]
	if len(watchers) == 0 {
		return
	}
	var ev Event
	if env.IsDeleted() {
		ev = Event{Key: k, Kind: DataDeleted}
	} else {
		ev = Event{Key: k, Kind: Changed, Data: env.Data}
	}
	for w := range watchers {
		w.Notify(ev)
	}
}

// Digests returns a snapshot of every key's current digest, keyed by K,
// for use as the outgoing side of a gossip Status exchange (§4.6 step 1).
// Deleted entries report an empty (non-nil) digest, matching §6.2's
// "the empty byte string denotes a deleted entry".
func (s *Store) Digests() map[string][]byte {
	out := make(map[string][]byte, len(s.entries))
	for k, e := range s.entries {
		d := e.Digest
		if d == nil {
			d = []byte{}
		}
		out[k] = d
	}
	return out
}

// ListLiveKeys returns every key whose data is not the tombstone.
func (s *Store) ListLiveKeys() []string {
	out := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if !e.Envelope.IsDeleted() {
			out = append(out, k)
		}
	}
	return out
}

// Subscribe registers w for changes to k. If k already has an entry,
// the immediate current state is returned so the caller can reply to
// the subscriber synchronously, matching §6.1's "Immediate Changed /
// DataDeleted if entry exists".
func (s *Store) Subscribe(k string, w Watcher) (Event, bool) {
	if s.subs[k] == nil {
		s.subs[k] = map[Watcher]struct{}{}
	}
	s.subs[k][w] = struct{}{}
	if s.watcherKeys[w] == nil {
		s.watcherKeys[w] = map[string]struct{}{}
	}
	s.watcherKeys[w][k] = struct{}{}

	e, ok := s.entries[k]
	if !ok {
		return Event{}, false
	}
	if e.Envelope.IsDeleted() {
		return Event{Key: k, Kind: DataDeleted}, true
	}
	return Event{Key: k, Kind: Changed, Data: e.Envelope.Data}, true
}

// Unsubscribe removes w from k's watcher set. If that was w's last
// subscription, w is fully forgotten.
func (s *Store) Unsubscribe(k string, w Watcher) {
	if watchers, ok := s.subs[k]; ok {
		delete(watchers, w)
		if len(watchers) == 0 {
			delete(s.subs, k)
		}
	}
	if keys, ok := s.watcherKeys[w]; ok {
		delete(keys, k)
		if len(keys) == 0 {
			delete(s.watcherKeys, w)
		}
	}
}

// RemoveWatcher purges w from every key bucket it is subscribed to, in
// time proportional to the number of buckets it appears in rather than
// the number of keys in the store (§4.2, §9).
func (s *Store) RemoveWatcher(w Watcher) {
	keys, ok := s.watcherKeys[w]
	if !ok {
		return
	}
	for k := range keys {
		if watchers, ok := s.subs[k]; ok {
			delete(watchers, w)
			if len(watchers) == 0 {
				delete(s.subs, k)
			}
		}
	}
	delete(s.watcherKeys, w)
}
