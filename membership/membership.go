// Package membership implements the adapter of spec.md §4.8: it
// consumes the cluster's event stream (member-up, member-removed,
// reachable, unreachable, leader-changed) and maintains the peer set,
// leader, and the reachability-adjusted monotonic clock that pruning
// times itself against.
package membership

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/filipereplica/convergentkv/node"
)

// EventKind is the closed set of cluster signals consumed (§6.4).
type EventKind int

const (
	MemberUp EventKind = iota
	MemberRemoved
	Reachable
	Unreachable
	LeaderChanged
)

// Event is one signal from the membership/failure-detector oracle. Role
// is only meaningful for MemberUp/MemberRemoved and is matched against
// the adapter's configured role filter.
type Event struct {
	Kind   EventKind
	Member node.Addr
	ID     node.ID // the member's incarnation-qualified id; meaningful for MemberUp
	Role   string
	Leader node.Addr // meaningful for LeaderChanged
}

// Adapter owns the peer set, leader tracking, and the reachability
// clock. It is only ever touched from the engine's task (§5).
type Adapter struct {
	self node.Addr
	role string // "" matches every role

	peers      mapset.Set[node.Addr]
	peerIDs    map[node.Addr]node.ID // last known incarnation per address, for pruning ownership (§3.4)
	unreachable mapset.Set[node.Addr]
	leader     node.Addr

	allReachableClockTime time.Duration
	lastTick              time.Time
	tickPrimed            bool
}

// New returns an adapter for self, optionally scoped to role (empty
// string means "no role filter", per §6.3).
func New(self node.Addr, role string) *Adapter {
	return &Adapter{
		self:        self,
		role:        role,
		peers:       mapset.NewSet[node.Addr](),
		peerIDs:     map[node.Addr]node.ID{},
		unreachable: mapset.NewSet[node.Addr](),
	}
}

func (a *Adapter) roleMatches(role string) bool {
	return a.role == "" || a.role == role
}

// Apply folds one cluster event into the adapter's state. It returns
// removedNow, the id the caller should record removedAt for in the
// pruning controller's removedNodes map, and selfRemoved, which tells
// the engine to stop.
func (a *Adapter) Apply(ev Event) (removedNow node.ID, didRemove, selfRemoved bool) {
	switch ev.Kind {
	case MemberUp:
		if ev.Member != a.self && a.roleMatches(ev.Role) {
			a.peers.Add(ev.Member)
			id := ev.ID
			if id.Addr == "" {
				id = node.ID{Addr: ev.Member}
			}
			a.peerIDs[ev.Member] = id
		}
	case MemberRemoved:
		if ev.Member == a.self {
			return node.ID{}, false, true
		}
		if a.roleMatches(ev.Role) {
			id, known := a.peerIDs[ev.Member]
			if !known {
				id = node.ID{Addr: ev.Member}
			}
			a.peers.Remove(ev.Member)
			a.unreachable.Remove(ev.Member)
			delete(a.peerIDs, ev.Member)
			return id, true, false
		}
	case Reachable:
		a.unreachable.Remove(ev.Member)
	case Unreachable:
		a.unreachable.Add(ev.Member)
	case LeaderChanged:
		a.leader = ev.Leader
	}
	return node.ID{}, false, false
}

// Peers returns a snapshot of the current peer set (never including
// self).
func (a *Adapter) Peers() []node.Addr {
	return a.peers.ToSlice()
}

// PeerCount is the size of P.
func (a *Adapter) PeerCount() int {
	return a.peers.Cardinality()
}

// IsLeader reports whether self is the current leader.
func (a *Adapter) IsLeader() bool {
	return a.leader != "" && a.leader == a.self
}

// Tick advances the reachability-adjusted clock by the elapsed wall
// time since the previous tick, but only when the unreachable set is
// empty (§4.8, §9: "must advance only while every peer is reachable").
// The first call primes lastTick without advancing the clock.
func (a *Adapter) Tick(now time.Time) {
	if !a.tickPrimed {
		a.lastTick = now
		a.tickPrimed = true
		return
	}
	elapsed := now.Sub(a.lastTick)
	a.lastTick = now
	if a.unreachable.Cardinality() == 0 {
		a.allReachableClockTime += elapsed
	}
}

// ClockTime returns the current reachability-adjusted clock reading.
func (a *Adapter) ClockTime() time.Duration {
	return a.allReachableClockTime
}
