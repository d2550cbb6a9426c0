package membership

import (
	"testing"
	"time"

	"github.com/filipereplica/convergentkv/node"
	"github.com/stretchr/testify/assert"
)

func TestApplyMemberUpAddsPeerExceptSelf(t *testing.T) {
	a := New("self", "")
	a.Apply(Event{Kind: MemberUp, Member: "self"})
	a.Apply(Event{Kind: MemberUp, Member: "peer1"})
	assert.Equal(t, 1, a.PeerCount())
	assert.ElementsMatch(t, []node.Addr{"peer1"}, a.Peers())
}

func TestApplyRoleFilter(t *testing.T) {
	a := New("self", "voter")
	a.Apply(Event{Kind: MemberUp, Member: "peer1", Role: "observer"})
	assert.Equal(t, 0, a.PeerCount())
	a.Apply(Event{Kind: MemberUp, Member: "peer2", Role: "voter"})
	assert.Equal(t, 1, a.PeerCount())
}

func TestApplyMemberRemovedSelfSignalsStop(t *testing.T) {
	a := New("self", "")
	_, removed, selfRemoved := a.Apply(Event{Kind: MemberRemoved, Member: "self"})
	assert.False(t, removed)
	assert.True(t, selfRemoved)
}

func TestApplyMemberRemovedOtherReturnsID(t *testing.T) {
	a := New("self", "")
	a.Apply(Event{Kind: MemberUp, Member: "peer1", ID: node.ID{Addr: "peer1", Incarnation: "inc-1"}})
	id, removed, selfRemoved := a.Apply(Event{Kind: MemberRemoved, Member: "peer1"})
	assert.True(t, removed)
	assert.False(t, selfRemoved)
	assert.Equal(t, node.ID{Addr: "peer1", Incarnation: "inc-1"}, id)
	assert.Equal(t, 0, a.PeerCount())
}

func TestApplyMemberRemovedUnknownIncarnationFallsBackToAddrOnly(t *testing.T) {
	a := New("self", "")
	a.Apply(Event{Kind: MemberUp, Member: "peer1"})
	id, removed, _ := a.Apply(Event{Kind: MemberRemoved, Member: "peer1"})
	assert.True(t, removed)
	assert.Equal(t, node.ID{Addr: "peer1"}, id)
}

func TestIsLeader(t *testing.T) {
	a := New("self", "")
	assert.False(t, a.IsLeader())
	a.Apply(Event{Kind: LeaderChanged, Leader: "self"})
	assert.True(t, a.IsLeader())
	a.Apply(Event{Kind: LeaderChanged, Leader: "other"})
	assert.False(t, a.IsLeader())
}

func TestClockPausesDuringPartition(t *testing.T) {
	a := New("self", "")
	a.Apply(Event{Kind: MemberUp, Member: "peer1"})

	t0 := time.Now()
	a.Tick(t0) // primes

	a.Apply(Event{Kind: Unreachable, Member: "peer1"})
	a.Tick(t0.Add(5 * time.Second))
	assert.Equal(t, time.Duration(0), a.ClockTime(), "clock must not advance while a peer is unreachable")

	a.Apply(Event{Kind: Reachable, Member: "peer1"})
	a.Tick(t0.Add(10 * time.Second))
	assert.Equal(t, 5*time.Second, a.ClockTime(), "clock resumes once every peer is reachable again")
}
