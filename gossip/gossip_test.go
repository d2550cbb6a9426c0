package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/filipereplica/convergentkv/crdts"
	"github.com/filipereplica/convergentkv/envelope"
	"github.com/filipereplica/convergentkv/node"
	"github.com/filipereplica/convergentkv/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLocal struct {
	digests   map[string][]byte
	envelopes map[string]envelope.Envelope
	applied   map[string]envelope.Envelope
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{
		digests:   map[string][]byte{},
		envelopes: map[string]envelope.Envelope{},
		applied:   map[string]envelope.Envelope{},
	}
}

func (l *fakeLocal) Digests() map[string][]byte           { return l.digests }
func (l *fakeLocal) Envelope(k string) (envelope.Envelope, bool) { e, ok := l.envelopes[k]; return e, ok }
func (l *fakeLocal) ApplyReplication(k string, env envelope.Envelope) { l.applied[k] = env }

func TestBuildReplyIncludesOutdatedAndMissing(t *testing.T) {
	local := newFakeLocal()
	local.digests["fresh"] = []byte{1}
	local.digests["stale"] = []byte{2}
	local.digests["onlyHere"] = []byte{3}
	local.envelopes["fresh"] = envelope.New(crdts.NewGSet())
	local.envelopes["stale"] = envelope.New(crdts.NewGSet())
	local.envelopes["onlyHere"] = envelope.New(crdts.NewGSet())

	incoming := protocol.Status{Digests: map[string][]byte{
		"fresh": {1},   // matches, not a candidate
		"stale": {99},  // differs, candidate
	}}

	reply := BuildReply(local, incoming, 10, "self")
	_, hasStale := reply.Envelopes["stale"]
	_, hasOnlyHere := reply.Envelopes["onlyHere"]
	_, hasFresh := reply.Envelopes["fresh"]
	assert.True(t, hasStale)
	assert.True(t, hasOnlyHere)
	assert.False(t, hasFresh)
}

func TestBuildReplyRespectsMaxDeltaElements(t *testing.T) {
	local := newFakeLocal()
	for _, k := range []string{"a", "b", "c"} {
		local.digests[k] = []byte{1}
		local.envelopes[k] = envelope.New(crdts.NewGSet())
	}
	reply := BuildReply(local, protocol.Status{Digests: map[string][]byte{}}, 2, "self")
	assert.Len(t, reply.Envelopes, 2)
}

type fakeGossipPeer struct {
	reply protocol.Gossip
	err   error
}

func (p fakeGossipPeer) Gossip(ctx context.Context, status protocol.Status) (protocol.Gossip, error) {
	return p.reply, p.err
}

type fakeDialer map[node.Addr]fakeGossipPeer

func (d fakeDialer) Peer(addr node.Addr) Peer { return d[addr] }

func TestTickAppliesReceivedEnvelopes(t *testing.T) {
	local := newFakeLocal()
	env := envelope.New(crdts.NewGSet().Add("x"))
	dial := fakeDialer{
		"p1": {reply: protocol.Gossip{Envelopes: map[string]envelope.Envelope{"k": env}}},
	}
	e := New("self", 1000, dial, zap.NewNop())
	e.Tick(context.Background(), []node.Addr{"p1"}, local, time.Second)

	require.Contains(t, local.applied, "k")
}

func TestTickNoopWithoutPeers(t *testing.T) {
	local := newFakeLocal()
	e := New("self", 1000, fakeDialer{}, zap.NewNop())
	e.Tick(context.Background(), nil, local, time.Second)
	assert.Empty(t, local.applied)
}
