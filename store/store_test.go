package store

import (
	"testing"

	"github.com/filipereplica/convergentkv/codec"
	"github.com/filipereplica/convergentkv/crdts"
	"github.com/filipereplica/convergentkv/envelope"
	"github.com/filipereplica/convergentkv/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWatcher struct {
	events []Event
}

func (w *recordingWatcher) Notify(e Event) { w.events = append(w.events, e) }

func newStore() *Store { return New(codec.MsgpackSerializer{}) }

func TestSetNotifiesOnlyWhenDigestChanges(t *testing.T) {
	s := newStore()
	w := &recordingWatcher{}
	_, existed := s.Subscribe("k", w)
	require.False(t, existed)

	env := envelope.New(crdts.NewGCounter().Increment(node.ID{Addr: "a"}, 1))
	s.Set("k", env)
	require.Len(t, w.events, 1)

	s.Set("k", env) // same digest, no notification
	assert.Len(t, w.events, 1)

	env2 := envelope.New(crdts.NewGCounter().Increment(node.ID{Addr: "a"}, 2))
	s.Set("k", env2)
	assert.Len(t, w.events, 2)
}

func TestSetDeletedEmitsDataDeleted(t *testing.T) {
	s := newStore()
	w := &recordingWatcher{}
	s.Subscribe("k", w)
	s.Set("k", envelope.New(crdts.NewGCounter()))
	s.Set("k", envelope.Deleted)

	require.Len(t, w.events, 2)
	assert.Equal(t, DataDeleted, w.events[1].Kind)
}

func TestListLiveKeysExcludesDeleted(t *testing.T) {
	s := newStore()
	s.Set("live", envelope.New(crdts.NewGSet().Add("x")))
	s.Set("dead", envelope.Deleted)

	keys := s.ListLiveKeys()
	assert.Contains(t, keys, "live")
	assert.NotContains(t, keys, "dead")
}

func TestSubscribeReturnsImmediateStateIfPresent(t *testing.T) {
	s := newStore()
	s.Set("k", envelope.New(crdts.NewGSet().Add("x")))

	w := &recordingWatcher{}
	ev, ok := s.Subscribe("k", w)
	require.True(t, ok)
	assert.Equal(t, Changed, ev.Kind)
}

func TestRemoveWatcherPurgesEveryBucket(t *testing.T) {
	s := newStore()
	w := &recordingWatcher{}
	s.Subscribe("a", w)
	s.Subscribe("b", w)

	s.RemoveWatcher(w)
	assert.NotContains(t, s.subs, "a")
	assert.NotContains(t, s.subs, "b")
	assert.NotContains(t, s.watcherKeys, w)
}

func TestUnsubscribeLastRemovesLifetimeTracking(t *testing.T) {
	s := newStore()
	w := &recordingWatcher{}
	s.Subscribe("a", w)
	s.Unsubscribe("a", w)

	_, tracked := s.watcherKeys[w]
	assert.False(t, tracked)
}
