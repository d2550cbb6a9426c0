package pruning

import (
	"testing"
	"time"

	"github.com/filipereplica/convergentkv/crdts"
	"github.com/filipereplica/convergentkv/envelope"
	"github.com/filipereplica/convergentkv/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLocal struct {
	envelopes map[string]envelope.Envelope
}

func newFakeLocal() *fakeLocal { return &fakeLocal{envelopes: map[string]envelope.Envelope{}} }

func (l *fakeLocal) LiveKeys() []string {
	out := make([]string, 0, len(l.envelopes))
	for k, e := range l.envelopes {
		if !e.IsDeleted() {
			out = append(out, k)
		}
	}
	return out
}
func (l *fakeLocal) Envelope(k string) (envelope.Envelope, bool) { e, ok := l.envelopes[k]; return e, ok }
func (l *fakeLocal) Set(k string, e envelope.Envelope)           { l.envelopes[k] = e }

func TestPhaseAOnlyRunsAsLeader(t *testing.T) {
	self := node.ID{Addr: "leader"}
	removed := node.ID{Addr: "gone"}
	local := newFakeLocal()
	local.Set("k", envelope.New(crdts.NewGCounter().Increment(removed, 1)))

	c := New(self, time.Minute, zap.NewNop())
	c.RecordRemoved(removed, 0)

	c.Tick(2*time.Minute, false /* not leader */, []node.Addr{"peer1"}, local)
	env, _ := local.Envelope("k")
	_, has := env.Pruning[removed]
	assert.False(t, has, "phase A must not run when not leader")

	c.Tick(2*time.Minute, true, []node.Addr{"peer1"}, local)
	env, _ = local.Envelope("k")
	st, has := env.Pruning[removed]
	require.True(t, has)
	assert.Equal(t, envelope.Init, st.Phase)
	assert.Equal(t, self, st.Owner)
}

func TestPhaseBPerformsOnceAllPeersHaveSeen(t *testing.T) {
	self := node.ID{Addr: "leader"}
	removed := node.ID{Addr: "gone"}
	local := newFakeLocal()
	env := envelope.New(crdts.NewGCounter().Increment(removed, 5)).InitPruning(removed, self)
	local.Set("k", env)

	c := New(self, time.Minute, zap.NewNop())

	// not all peers have seen yet
	c.Tick(0, false, []node.Addr{"peer1", "peer2"}, local)
	env, _ = local.Envelope("k")
	assert.Equal(t, envelope.Init, env.Pruning[removed].Phase)

	env = env.AddSeen("peer1").AddSeen("peer2")
	local.Set("k", env)

	c.Tick(0, false, []node.Addr{"peer1", "peer2"}, local)
	env, _ = local.Envelope("k")
	assert.Equal(t, envelope.Performed, env.Pruning[removed].Phase)
	counter := env.Data.(crdts.GCounter)
	assert.EqualValues(t, 5, counter[self])
}

func TestPhaseCTombstonesAfterWindowAndStripsData(t *testing.T) {
	self := node.ID{Addr: "leader"}
	removed := node.ID{Addr: "gone"}
	local := newFakeLocal()
	env := envelope.New(crdts.NewGCounter().Increment(self, 1)).InitPruning(removed, self)
	env = env.AddSeen("peer1")
	pruned, ok := env.Prune(removed)
	require.True(t, ok)
	local.Set("k", pruned)

	c := New(self, time.Minute, zap.NewNop())
	c.pruningPerformed[removed] = 0

	c.Tick(30*time.Second, false, []node.Addr{"peer1"}, local) // window not elapsed yet
	assert.False(t, c.tombstoneNodes.Contains(removed))

	c.Tick(2*time.Minute, false, []node.Addr{"peer1"}, local)
	assert.True(t, c.tombstoneNodes.Contains(removed))

	final, _ := local.Envelope("k")
	_, has := final.Pruning[removed]
	assert.False(t, has)
}

func TestPhaseCWaitsForEveryKeyToAdvancePastInit(t *testing.T) {
	self := node.ID{Addr: "leader"}
	removed := node.ID{Addr: "gone"}
	local := newFakeLocal()
	// key1 already performed, key2 still needs pruning and is stuck at Init
	performed := envelope.New(crdts.NewGCounter().Increment(self, 1)).InitPruning(removed, self)
	performed, _ = performed.Prune(removed)
	local.Set("key1", performed)
	local.Set("key2", envelope.New(crdts.NewGCounter().Increment(removed, 3)).InitPruning(removed, self))

	c := New(self, time.Minute, zap.NewNop())
	c.pruningPerformed[removed] = 0

	c.Tick(2*time.Minute, false, []node.Addr{"peer1"}, local)
	assert.False(t, c.tombstoneNodes.Contains(removed), "key2 hasn't reached Performed yet")
}
