// Package gossip implements the anti-entropy protocol of spec.md §4.6:
// periodic digest exchange with a random peer, bounded delta replies,
// and applying received deltas as ordinary replication writes.
package gossip

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/filipereplica/convergentkv/envelope"
	"github.com/filipereplica/convergentkv/node"
	"github.com/filipereplica/convergentkv/protocol"
	"go.uber.org/zap"
)

// Local is the engine-side collaborator the gossip engine reads from
// and writes into. Every call happens on the engine's own task; Engine
// (below) only ever runs the peer round-trip concurrently, never the
// local access.
type Local interface {
	Digests() map[string][]byte
	Envelope(key string) (envelope.Envelope, bool)
	ApplyReplication(key string, incoming envelope.Envelope)
}

// Peer is how the gossip engine talks to one remote replica.
type Peer interface {
	Gossip(ctx context.Context, status protocol.Status) (protocol.Gossip, error)
}

// Dialer resolves a peer address to a Peer collaborator.
type Dialer interface {
	Peer(addr node.Addr) Peer
}

// Engine drives the periodic digest exchange. It is owned and ticked by
// the replication engine; it holds no state of its own beyond
// configuration, so it can be safely used the moment it's built.
type Engine struct {
	self            node.Addr
	maxDeltaElements int
	dial            Dialer
	logger          *zap.Logger
	rng             *rand.Rand
}

// New returns a gossip engine for self, replying with at most
// maxDeltaElements envelopes per round (§6.3).
func New(self node.Addr, maxDeltaElements int, dial Dialer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		self:             self,
		maxDeltaElements: maxDeltaElements,
		dial:             dial,
		logger:           logger,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Tick performs one gossip round (§4.6 step 1 and 3): pick a random
// peer, exchange digests, apply whatever comes back. peers must exclude
// self. It is a no-op with no peers to gossip with.
func (e *Engine) Tick(ctx context.Context, peers []node.Addr, local Local, timeout time.Duration) {
	if len(peers) == 0 {
		return
	}
	target := peers[e.rng.Intn(len(peers))]
	peer := e.dial.Peer(target)

	status := protocol.Status{Digests: local.Digests(), Sender: e.self}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := peer.Gossip(dctx, status)
	if err != nil {
		e.logger.Debug("gossip round failed", zap.String("peer", string(target)), zap.Error(err))
		return
	}
	for key, env := range reply.Envelopes {
		local.ApplyReplication(key, env)
	}
	e.logger.Debug("gossip round applied", zap.String("peer", string(target)), zap.Int("count", len(reply.Envelopes)))
}

// BuildReply implements §4.6 step 2: given the peer's digest set,
// compute which of our keys are outdated or entirely missing on their
// side, and return up to maxDeltaElements of the union, enveloped. Keys
// the peer has that we lack are deliberately not requested here — the
// peer discovers them on its own next tick, keeping the protocol
// symmetric.
func BuildReply(local Local, incoming protocol.Status, maxDeltaElements int, self node.Addr) protocol.Gossip {
	ours := local.Digests()

	candidates := make([]string, 0, len(ours))
	for key, digest := range ours {
		theirDigest, present := incoming.Digests[key]
		if !present {
			candidates = append(candidates, key) // missing on their side
			continue
		}
		if !digestsEqual(digest, theirDigest) {
			candidates = append(candidates, key) // outdated on their side
		}
	}

	sort.Strings(candidates)
	if len(candidates) > maxDeltaElements {
		candidates = candidates[:maxDeltaElements]
	}

	envelopes := make(map[string]envelope.Envelope, len(candidates))
	for _, key := range candidates {
		if env, ok := local.Envelope(key); ok {
			envelopes[key] = env
		}
	}
	return protocol.Gossip{Envelopes: envelopes, Sender: self}
}

func digestsEqual(a, b []byte) bool {
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
