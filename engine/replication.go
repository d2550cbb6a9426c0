package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/filipereplica/convergentkv/envelope"
	"github.com/filipereplica/convergentkv/gossip"
	"github.com/filipereplica/convergentkv/node"
	"github.com/filipereplica/convergentkv/protocol"
	"go.uber.org/zap"
)

// storeBackend is the slice of *store.Store the pruning controller and
// the gossip serving path need.
type storeBackend interface {
	Get(string) (envelope.Envelope, bool)
	Set(string, envelope.Envelope)
	ListLiveKeys() []string
	Digests() map[string][]byte
}

// storeAdapter narrows a storeBackend down to the exact collaborator
// shapes pruning.Local and gossip.Local expect. Every method here is
// only ever called on the engine's own task.
type storeAdapter struct{ s storeBackend }

func (a storeAdapter) LiveKeys() []string                          { return a.s.ListLiveKeys() }
func (a storeAdapter) Envelope(k string) (envelope.Envelope, bool) { return a.s.Get(k) }
func (a storeAdapter) Set(k string, env envelope.Envelope)         { a.s.Set(k, env) }
func (a storeAdapter) Digests() map[string][]byte                  { return a.s.Digests() }

// ApplyReplication is a no-op. storeAdapter serves as a gossip.Local
// only on the serving path (ServeGossip below), where BuildReply never
// calls it; the calling side applies received deltas through
// applyIncomingWrite (see onGossipTick) instead.
func (a storeAdapter) ApplyReplication(k string, env envelope.Envelope) {}

type readReply struct {
	env     envelope.Envelope
	present bool
}

// ServeRead answers a peer's Read(K) (§6.2), running on the engine's task.
func (e *Engine) ServeRead(ctx context.Context, key string) (envelope.Envelope, bool, error) {
	reply := make(chan readReply, 1)
	e.send(inboxMsg{run: func(eng *Engine) {
		env, ok := eng.store.Get(key)
		reply <- readReply{env, ok}
	}})
	select {
	case r := <-reply:
		return r.env, r.present, nil
	case <-ctx.Done():
		return envelope.Envelope{}, false, ctx.Err()
	}
}

// ServeWrite applies an incoming replication write (§4.9) and acks.
func (e *Engine) ServeWrite(ctx context.Context, key string, incoming envelope.Envelope) error {
	done := make(chan struct{}, 1)
	e.send(inboxMsg{run: func(eng *Engine) {
		eng.applyIncomingWrite(key, incoming)
		done <- struct{}{}
	}})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeGossip answers a peer's Status exchange (§4.6 step 2).
func (e *Engine) ServeGossip(ctx context.Context, status protocol.Status) (protocol.Gossip, error) {
	reply := make(chan protocol.Gossip, 1)
	e.send(inboxMsg{run: func(eng *Engine) {
		reply <- gossip.BuildReply(storeAdapter{eng.store}, status, eng.cfg.maxDeltaElements, eng.selfAddr)
	}})
	select {
	case g := <-reply:
		return g, nil
	case <-ctx.Done():
		return protocol.Gossip{}, ctx.Err()
	}
}

// applyIncomingWrite implements §4.9: the shared path for peer Write
// and gossip-delivered envelopes. Must run on the engine's task.
func (e *Engine) applyIncomingWrite(key string, incoming envelope.Envelope) {
	current, ok := e.store.Get(key)
	if ok && current.IsDeleted() {
		return
	}
	if ok {
		if err := current.CheckShape(key, incoming.Data); err != nil {
			e.logger.Warn("dropping incoming write: shape mismatch", zap.String("key", key), zap.Error(err))
			return
		}
	}
	cleaned := incoming.TombstoneCleanup(e.pruning.Tombstoned())
	merged := cleaned
	if ok {
		merged = current.Merge(cleaned)
	}
	e.store.Set(key, merged.AddSeen(e.selfAddr))
}

// gossipSnapshot is a private, single-goroutine-owned value standing in
// for the live store on the calling side of a gossip round: it carries
// only what Tick actually reads (the outgoing digest set) and collects
// what comes back, so the network round-trip never touches *store.Store
// directly from outside the engine's task.
type gossipSnapshot struct {
	digests map[string][]byte
	applied map[string]envelope.Envelope
}

func (s *gossipSnapshot) Digests() map[string][]byte { return s.digests }

// Envelope is never called on the calling side of a gossip Tick (it
// only sends digests out and applies deltas back); it exists solely to
// satisfy gossip.Local.
func (s *gossipSnapshot) Envelope(string) (envelope.Envelope, bool) { return envelope.Envelope{}, false }

func (s *gossipSnapshot) ApplyReplication(k string, env envelope.Envelope) { s.applied[k] = env }

// onGossipTick runs the calling side of one anti-entropy round (§4.6
// steps 1 and 3). The network round-trip happens on its own goroutine
// against an immutable snapshot; results are folded back in through the
// inbox so every store mutation still happens on the engine's task.
func (e *Engine) onGossipTick(ctx context.Context) {
	peers := e.membership.Peers()
	if len(peers) == 0 {
		return
	}
	snap := &gossipSnapshot{digests: e.store.Digests(), applied: map[string]envelope.Envelope{}}
	target := peers[rand.Intn(len(peers))]
	timeout := e.cfg.gossipTimeout
	logger := e.logger
	dial := gossipDialer{e.transport}

	go func() {
		ge := gossip.New(e.selfAddr, e.cfg.maxDeltaElements, dial, logger)
		ge.Tick(ctx, []node.Addr{target}, snap, timeout)
		e.send(inboxMsg{run: func(eng *Engine) {
			for k, env := range snap.applied {
				eng.applyIncomingWrite(k, env)
			}
		}})
	}()
}

// onPruningWakeup runs one pruning tick on the engine's task; Run calls
// it each time the pruningTicker fires.
func (e *Engine) onPruningWakeup(now time.Duration) {
	e.pruning.Tick(now, e.membership.IsLeader(), e.membership.Peers(), storeAdapter{e.store})
}
