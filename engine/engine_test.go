package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/filipereplica/convergentkv/consistency"
	"github.com/filipereplica/convergentkv/crdt"
	"github.com/filipereplica/convergentkv/crdts"
	"github.com/filipereplica/convergentkv/envelope"
	"github.com/filipereplica/convergentkv/membership"
	"github.com/filipereplica/convergentkv/node"
	"github.com/filipereplica/convergentkv/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cluster wires a handful of engines together with an in-process
// transport that calls straight into each target engine's Serve*
// methods, standing in for the out-of-scope wire transport.
type cluster struct {
	engines map[node.Addr]*Engine
	ctx     context.Context
	cancel  context.CancelFunc
}

func newCluster(t *testing.T, addrs ...node.Addr) *cluster {
	t.Helper()
	c := &cluster{engines: map[node.Addr]*Engine{}}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	for _, a := range addrs {
		c.engines[a] = New(node.ID{Addr: a, Incarnation: string(a)}, c)
	}
	for _, e := range c.engines {
		go e.Run(c.ctx)
	}
	for _, a := range addrs {
		for _, b := range addrs {
			if a == b {
				continue
			}
			c.engines[a].SubmitClusterEvent(membership.Event{Kind: membership.MemberUp, Member: b, ID: c.engines[b].self})
		}
	}
	t.Cleanup(c.cancel)
	return c
}

func (c *cluster) Peer(addr node.Addr) PeerHandle { return enginePeerHandle{c.engines[addr]} }

type enginePeerHandle struct{ e *Engine }

func (h enginePeerHandle) Read(ctx context.Context, key string) (envelope.Envelope, bool, error) {
	return h.e.ServeRead(ctx, key)
}
func (h enginePeerHandle) Write(ctx context.Context, key string, env envelope.Envelope) error {
	return h.e.ServeWrite(ctx, key, env)
}
func (h enginePeerHandle) Gossip(ctx context.Context, status protocol.Status) (protocol.Gossip, error) {
	return h.e.ServeGossip(ctx, status)
}

const testTimeout = time.Second

func TestSingleNodeLocalIncrement(t *testing.T) {
	c := newCluster(t, "a")
	a := c.engines["a"]
	self := a.self

	err := a.Update(context.Background(), "c", consistency.NewOne(), consistency.NewOne(), testTimeout, func(v crdt.Value) (crdt.Value, error) {
		if v == nil {
			return crdts.NewGCounter().Increment(self, 1), nil
		}
		return v.(crdts.GCounter).Increment(self, 1), nil
	})
	require.NoError(t, err)

	val, err := a.Get(context.Background(), "c", consistency.NewOne(), testTimeout)
	require.NoError(t, err)
	counter := val.(crdts.GCounter)
	assert.EqualValues(t, 1, counter.Total())
}

func TestTwoNodeConvergenceViaGossip(t *testing.T) {
	c := newCluster(t, "a", "b")
	a, b := c.engines["a"], c.engines["b"]

	incBy := func(n int) protocol.ModifyFunc {
		return func(v crdt.Value) (crdt.Value, error) {
			if v == nil {
				return crdts.NewGCounter(), nil
			}
			return v, nil
		}
	}
	_ = incBy

	require.NoError(t, a.Update(context.Background(), "c", consistency.NewOne(), consistency.NewOne(), testTimeout, func(v crdt.Value) (crdt.Value, error) {
		gc := crdts.NewGCounter()
		if v != nil {
			gc = v.(crdts.GCounter)
		}
		return gc.Increment(a.self, 3), nil
	}))
	require.NoError(t, b.Update(context.Background(), "c", consistency.NewOne(), consistency.NewOne(), testTimeout, func(v crdt.Value) (crdt.Value, error) {
		gc := crdts.NewGCounter()
		if v != nil {
			gc = v.(crdts.GCounter)
		}
		return gc.Increment(b.self, 5), nil
	}))

	a.onGossipTick(context.Background())
	b.onGossipTick(context.Background())
	time.Sleep(50 * time.Millisecond)
	a.onGossipTick(context.Background())
	b.onGossipTick(context.Background())
	time.Sleep(50 * time.Millisecond)

	va, err := a.Get(context.Background(), "c", consistency.NewOne(), testTimeout)
	require.NoError(t, err)
	vb, err := b.Get(context.Background(), "c", consistency.NewOne(), testTimeout)
	require.NoError(t, err)
	assert.EqualValues(t, 8, va.(crdts.GCounter).Total())
	assert.EqualValues(t, 8, vb.(crdts.GCounter).Total())
}

func TestConflictingTypeLeavesStoreUnchanged(t *testing.T) {
	c := newCluster(t, "a")
	a := c.engines["a"]

	require.NoError(t, a.Update(context.Background(), "k", consistency.NewOne(), consistency.NewOne(), testTimeout, func(v crdt.Value) (crdt.Value, error) {
		return crdts.NewGSet().Add("x"), nil
	}))

	err := a.Update(context.Background(), "k", consistency.NewOne(), consistency.NewOne(), testTimeout, func(v crdt.Value) (crdt.Value, error) {
		return crdts.LWWRegister{}.Set("y", 1, "a"), nil
	})
	var conflict *protocol.ConflictingType
	require.ErrorAs(t, err, &conflict)

	val, err := a.Get(context.Background(), "k", consistency.NewOne(), testTimeout)
	require.NoError(t, err)
	assert.Equal(t, "gset", val.Shape())
}

func TestDeleteFinalityBlocksFurtherUpdates(t *testing.T) {
	c := newCluster(t, "a")
	a := c.engines["a"]

	require.NoError(t, a.Update(context.Background(), "k", consistency.NewOne(), consistency.NewOne(), testTimeout, func(v crdt.Value) (crdt.Value, error) {
		return crdts.NewGSet().Add("x"), nil
	}))
	require.NoError(t, a.Delete(context.Background(), "k", consistency.NewOne(), testTimeout))

	err := a.Update(context.Background(), "k", consistency.NewOne(), consistency.NewOne(), testTimeout, func(v crdt.Value) (crdt.Value, error) {
		return crdts.NewGSet().Add("y"), nil
	})
	assert.Equal(t, protocol.DataDeleted{Key: "k"}, err)

	_, getErr := a.Get(context.Background(), "k", consistency.NewOne(), testTimeout)
	assert.Equal(t, protocol.DataDeleted{Key: "k"}, getErr)
}

func TestUpdateFromNonLocalSenderRejected(t *testing.T) {
	c := newCluster(t, "a")
	a := c.engines["a"]

	reply := make(chan error, 1)
	cmd := updateCmd{
		ctx: context.Background(), key: "k",
		readLevel: consistency.NewOne(), writeLevel: consistency.NewOne(),
		timeout: testTimeout, isLocal: false, reply: reply,
		modify: func(v crdt.Value) (crdt.Value, error) { return crdts.NewGSet(), nil },
	}
	a.send(inboxMsg{key: "k", hasKey: true, run: func(eng *Engine) { eng.handleUpdate(cmd) }})

	err := <-reply
	var invalid *protocol.InvalidUsage
	require.ErrorAs(t, err, &invalid)
}

func TestQuorumReadRepairsStaleReplica(t *testing.T) {
	c := newCluster(t, "a", "b", "c")
	a, b, cc := c.engines["a"], c.engines["b"], c.engines["c"]

	stale := envelope.New(crdts.NewGCounter().Increment(a.self, 1))
	fresh := envelope.New(crdts.NewGCounter().Increment(a.self, 1).Increment(b.self, 4))

	require.NoError(t, a.ServeWrite(context.Background(), "k", stale))
	require.NoError(t, b.ServeWrite(context.Background(), "k", fresh))
	require.NoError(t, cc.ServeWrite(context.Background(), "k", fresh))

	val, err := a.Get(context.Background(), "k", consistency.NewQuorum(), testTimeout)
	require.NoError(t, err)
	assert.EqualValues(t, 5, val.(crdts.GCounter).Total())

	repaired, err := a.Get(context.Background(), "k", consistency.NewOne(), testTimeout)
	require.NoError(t, err)
	assert.EqualValues(t, 5, repaired.(crdts.GCounter).Total())
}

// TestQuorumUpdateReadsRepairedStateBeforeModifying drives the two-phase
// Update pipeline's non-local readLevel path (§4.5): a's local replica
// is stale relative to a quorum of its peers, so Update must first run
// a quorum read (repairing a's own copy in the process) before invoking
// modify, and the result must then be visible to every replica at
// consistency Quorum — spec.md §8 testable property 5, read-your-writes
// across a quorum update.
func TestQuorumUpdateReadsRepairedStateBeforeModifying(t *testing.T) {
	c := newCluster(t, "a", "b", "c")
	a, b, cc := c.engines["a"], c.engines["b"], c.engines["c"]

	stale := envelope.New(crdts.NewGCounter().Increment(a.self, 1))
	fresh := envelope.New(crdts.NewGCounter().Increment(a.self, 1).Increment(b.self, 4))

	require.NoError(t, a.ServeWrite(context.Background(), "k", stale))
	require.NoError(t, b.ServeWrite(context.Background(), "k", fresh))
	require.NoError(t, cc.ServeWrite(context.Background(), "k", fresh))

	err := a.Update(context.Background(), "k", consistency.NewQuorum(), consistency.NewQuorum(), testTimeout, func(v crdt.Value) (crdt.Value, error) {
		require.NotNil(t, v, "modify must observe the quorum-read-repaired value, not a's stale local copy")
		gc := v.(crdts.GCounter)
		assert.EqualValues(t, 5, gc.Total(), "modify must see the repaired total before applying its own delta")
		return gc.Increment(a.self, 10), nil
	})
	require.NoError(t, err)

	for name, e := range c.engines {
		val, err := e.Get(context.Background(), "k", consistency.NewQuorum(), testTimeout)
		require.NoError(t, err, name)
		assert.EqualValues(t, 15, val.(crdts.GCounter).Total(), "node %s must read its own quorum update back", name)
	}
}

// TestQuorumUpdateBuffersConcurrentCommandsOnSameKey exercises the FIFO
// per-key queue (engine.keyQueue) that parks commands arriving while a
// quorum Update's read phase is outstanding, and confirms that each of
// the four increments is applied exactly once; the order in which they
// run is not checked.
func TestQuorumUpdateBuffersConcurrentCommandsOnSameKey(t *testing.T) {
	c := newCluster(t, "a", "b", "c")
	a, b, cc := c.engines["a"], c.engines["b"], c.engines["c"]

	seed := envelope.New(crdts.NewGCounter().Increment(a.self, 1))
	require.NoError(t, a.ServeWrite(context.Background(), "k", seed))
	require.NoError(t, b.ServeWrite(context.Background(), "k", seed))
	require.NoError(t, cc.ServeWrite(context.Background(), "k", seed))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	wg.Add(4)
	go func() {
		defer wg.Done()
		errs[0] = a.Update(context.Background(), "k", consistency.NewQuorum(), consistency.NewQuorum(), testTimeout, func(v crdt.Value) (crdt.Value, error) {
			return v.(crdts.GCounter).Increment(a.self, 1), nil
		})
	}()
	for i := 1; i < 4; i++ {
		i := i
		go func() {
			defer wg.Done()
			errs[i] = a.Update(context.Background(), "k", consistency.NewOne(), consistency.NewOne(), testTimeout, func(v crdt.Value) (crdt.Value, error) {
				return v.(crdts.GCounter).Increment(a.self, 1), nil
			})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	val, err := a.Get(context.Background(), "k", consistency.NewOne(), testTimeout)
	require.NoError(t, err)
	assert.EqualValues(t, 5, val.(crdts.GCounter).Total(), "all four buffered increments must apply exactly once")
}
