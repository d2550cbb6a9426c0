// Package engine wires the local store, the read/write coordinators,
// the gossip engine, the pruning controller and the membership adapter
// into the single-threaded cooperative actor of spec.md §5: every
// mutation to store, peer set, or pruning bookkeeping happens on one
// goroutine (Run), which also runs the pruning tick itself, while
// coordinators and the gossip round-trip talk to it only by channel.
package engine

import (
	"context"
	"time"

	"github.com/filipereplica/convergentkv/codec"
	"github.com/filipereplica/convergentkv/membership"
	"github.com/filipereplica/convergentkv/node"
	"github.com/filipereplica/convergentkv/pruning"
	"github.com/filipereplica/convergentkv/store"
	"go.uber.org/zap"
)

// inboxMsg is the single message shape the engine's task consumes.
// Every public method and every coordinator/gossip callback funnels
// through one of these rather than touching Engine fields directly.
type inboxMsg struct {
	key          string
	hasKey       bool
	continuation bool
	run          func(e *Engine)
}

// Engine is one replica. Construct with New and start it with Run.
type Engine struct {
	self     node.ID
	selfAddr node.Addr
	cfg      Config
	logger   *zap.Logger

	store      *store.Store
	membership *membership.Adapter
	pruning    *pruning.Controller
	transport  Transport

	inbox      chan inboxMsg
	clusterIn  chan membership.Event
	stopped    chan struct{}

	inProgress map[string]*keyQueue // key -> buffered commands while a quorum read is outstanding
}

// New builds an engine for self. Its wire address (the selfAddr field)
// is taken from self.Addr and kept as a separate field because most
// peer-set bookkeeping is address-scoped while pruning ownership is
// incarnation-scoped, per §3.4.
func New(self node.ID, transport Transport, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		self:       self,
		selfAddr:   self.Addr,
		cfg:        cfg,
		logger:     cfg.logger,
		store:      store.New(codec.MsgpackSerializer{}),
		membership: membership.New(self.Addr, cfg.role),
		pruning:    pruning.New(self, cfg.maxPruningDissemination, cfg.logger),
		transport:  transport,
		inbox:      make(chan inboxMsg, 64),
		clusterIn:  make(chan membership.Event, 16),
		stopped:    make(chan struct{}),
		inProgress: map[string]*keyQueue{},
	}
}

// send delivers m to the engine's task. Safe from any goroutine.
func (e *Engine) send(m inboxMsg) {
	select {
	case e.inbox <- m:
	case <-e.stopped:
	}
}

// SubmitClusterEvent feeds one membership signal into the engine (§6.4).
// Safe from any goroutine.
func (e *Engine) SubmitClusterEvent(ev membership.Event) {
	select {
	case e.clusterIn <- ev:
	case <-e.stopped:
	}
}

// Stopped reports whether the engine has processed its own member-removed
// event and shut down.
func (e *Engine) Stopped() <-chan struct{} { return e.stopped }

// Run is the engine's task. It blocks until the cluster reports self
// removed or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	gossipTicker := time.NewTicker(e.cfg.gossipInterval)
	pruningTicker := time.NewTicker(e.cfg.pruningInterval)
	defer gossipTicker.Stop()
	defer pruningTicker.Stop()
	defer close(e.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.clusterIn:
			if e.applyClusterEvent(ev) {
				return
			}
		case m := <-e.inbox:
			e.dispatch(m)
		case now := <-gossipTicker.C:
			e.membership.Tick(now)
			e.onGossipTick(ctx)
		case <-pruningTicker.C:
			e.onPruningWakeup(e.membership.ClockTime())
		}
	}
}

// applyClusterEvent folds one membership signal in and, on a removal,
// records it with the pruning controller. Returns true iff self was
// removed and the engine should stop.
func (e *Engine) applyClusterEvent(ev membership.Event) bool {
	removed, didRemove, selfRemoved := e.membership.Apply(ev)
	if selfRemoved {
		e.logger.Info("engine stopping: self removed from cluster")
		return true
	}
	if didRemove {
		e.pruning.RecordRemoved(removed, e.membership.ClockTime())
	}
	return false
}

// dispatch routes one inbox message. Messages carrying a key that is
// currently in the two-phase update pipeline's in-progress set are
// parked in that key's queue instead of running immediately (§4.5 step
// 3), except continuation messages, which are how that very pipeline
// talks to itself and must never be blocked by its own guard.
func (e *Engine) dispatch(m inboxMsg) {
	if m.hasKey && !m.continuation {
		if q, busy := e.inProgress[m.key]; busy {
			q.Enqueue(m)
			return
		}
	}
	m.run(e)
}

// beginTwoPhase marks key busy (creating its queue on first use) and
// flags a read as outstanding, per §4.5 step 1. Idempotent: a buffered
// Update that itself needs a fresh quorum read calls this again while
// key is already busy, and must not lose whatever remains queued
// behind it.
func (e *Engine) beginTwoPhase(key string) {
	q, ok := e.inProgress[key]
	if !ok {
		q = newKeyQueue()
		e.inProgress[key] = q
	}
	q.awaitingRead = true
}

// drainQueue processes key's buffered commands in FIFO order until the
// queue empties or one of them re-enters the two-phase path, in which
// case draining pauses until that read's own continuation clears
// awaitingRead and calls drainQueue again (§4.5 steps 5-6).
func (e *Engine) drainQueue(key string) {
	q, busy := e.inProgress[key]
	if !busy {
		return
	}
	q.awaitingRead = false
	for !q.awaitingRead {
		if q.Empty() {
			delete(e.inProgress, key)
			return
		}
		next, _ := q.Dequeue()
		next.run(e)
	}
}
