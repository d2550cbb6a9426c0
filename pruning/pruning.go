// Package pruning implements the three-phase removed-node garbage
// collector of spec.md §4.7: initialisation by the leader, performing
// the prune once every peer has witnessed it, and finally tombstoning
// the node so late gossip can never reintroduce it.
package pruning

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/filipereplica/convergentkv/crdt"
	"github.com/filipereplica/convergentkv/envelope"
	"github.com/filipereplica/convergentkv/node"
	"go.uber.org/zap"
)

// Local is the store access the controller needs, all of it on the
// engine's own task.
type Local interface {
	LiveKeys() []string
	Envelope(key string) (envelope.Envelope, bool)
	Set(key string, env envelope.Envelope)
}

// Controller owns the removed/performed/tombstoned bookkeeping for one
// engine. All times are readings of the reachability-adjusted clock
// (package membership), never wall time (§9).
type Controller struct {
	self                    node.ID
	maxPruningDissemination time.Duration
	logger                  *zap.Logger

	removedNodes     map[node.ID]time.Duration // removed -> removedAt clock reading
	pruningPerformed map[node.ID]time.Duration // removed -> performed-at clock reading
	tombstoneNodes   mapset.Set[node.ID]
	lastNow          time.Duration
}

// New returns a controller for self.
func New(self node.ID, maxPruningDissemination time.Duration, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		self:                    self,
		maxPruningDissemination: maxPruningDissemination,
		logger:                  logger,
		removedNodes:            map[node.ID]time.Duration{},
		pruningPerformed:        map[node.ID]time.Duration{},
		tombstoneNodes:          mapset.NewSet[node.ID](),
	}
}

// RecordRemoved is called once, when the membership adapter reports a
// node left, stamping it with the reachability clock's current
// reading (§4.8: "record removedNodes[M.nodeId] = allReachableClockTime").
func (c *Controller) RecordRemoved(removed node.ID, removedAt time.Duration) {
	if c.tombstoneNodes.Contains(removed) {
		return
	}
	c.removedNodes[removed] = removedAt
}

// Tombstoned returns the current tombstone set, used by the engine to
// scrub incoming replication writes (§4.9).
func (c *Controller) Tombstoned() []node.ID {
	return c.tombstoneNodes.ToSlice()
}

// Tick advances the state machine by one pruning interval.
func (c *Controller) Tick(now time.Duration, isLeader bool, peers []node.Addr, local Local) {
	c.lastNow = now
	if isLeader {
		c.phaseA(now, local)
	}
	c.phaseB(peers, local)
	c.phaseC(now, local)
}

// phaseA overwrites stale Init entries for removed nodes whose
// disseminate-and-see window has elapsed. §4.7 requires this only run
// on the leader, and explicitly allows a new leader to overwrite Init
// entries it did not itself own.
func (c *Controller) phaseA(now time.Duration, local Local) {
	for removed, removedAt := range c.removedNodes {
		if now-removedAt < c.maxPruningDissemination {
			continue
		}
		for _, key := range local.LiveKeys() {
			env, ok := local.Envelope(key)
			if !ok {
				continue
			}
			if _, ok := env.Data.(crdt.RemovedNodePruning); !ok {
				continue
			}
			st, exists := env.Pruning[removed]
			if exists && (st.Phase == envelope.Performed || st.Owner.Equal(c.self)) {
				continue
			}
			local.Set(key, env.OverwriteInit(removed, c.self))
		}
	}
}

// phaseB performs the prune for any entry that has reached full peer
// acknowledgement, on every node (not just the leader) since Performed
// is a terminal state any replica can reach independently once its
// Init has been seen by the whole peer set.
func (c *Controller) phaseB(peers []node.Addr, local Local) {
	peerSet := mapset.NewSet(peers...)
	for _, key := range local.LiveKeys() {
		env, ok := local.Envelope(key)
		if !ok {
			continue
		}
		for removed, st := range env.Pruning {
			if st.Phase != envelope.Init || !st.Owner.Equal(c.self) {
				continue
			}
			if !seenAll(st, peerSet) {
				continue
			}
			pruned, ok := env.Prune(removed)
			if !ok {
				continue
			}
			env = pruned
			local.Set(key, env)
			c.pruningPerformed[removed] = c.lastNow
			c.logger.Info("pruning performed", zap.String("removed", removed.String()), zap.String("key", key))
		}
	}
}

func seenAll(st envelope.PruningState, peers mapset.Set[node.Addr]) bool {
	if peers.Cardinality() == 0 {
		return true
	}
	for p := range peers.Iter() {
		if _, ok := st.Seen[p]; !ok {
			return false
		}
	}
	return true
}

// phaseC tombstones a removed node once its perform-to-tombstone window
// has elapsed and every pruning-capable live key has either advanced
// past Init for it or no longer applies.
func (c *Controller) phaseC(now time.Duration, local Local) {
	for removed, performedAt := range c.pruningPerformed {
		if now-performedAt <= c.maxPruningDissemination {
			continue
		}
		if !c.readyToTombstone(removed, local) {
			continue
		}
		delete(c.pruningPerformed, removed)
		delete(c.removedNodes, removed)
		c.tombstoneNodes.Add(removed)
		for _, key := range local.LiveKeys() {
			env, ok := local.Envelope(key)
			if !ok {
				continue
			}
			local.Set(key, env.StripAndCleanup(removed))
		}
		c.logger.Info("node tombstoned", zap.String("removed", removed.String()))
	}
}

func (c *Controller) readyToTombstone(removed node.ID, local Local) bool {
	for _, key := range local.LiveKeys() {
		env, ok := local.Envelope(key)
		if !ok {
			continue
		}
		pruner, ok := env.Data.(crdt.RemovedNodePruning)
		if !ok || !pruner.NeedsPruningFrom(removed) {
			continue
		}
		st, has := env.Pruning[removed]
		if !has || st.Phase != envelope.Performed {
			return false
		}
	}
	return true
}
