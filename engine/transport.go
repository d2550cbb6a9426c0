package engine

import (
	"context"

	"github.com/filipereplica/convergentkv/coordinator"
	"github.com/filipereplica/convergentkv/envelope"
	"github.com/filipereplica/convergentkv/gossip"
	"github.com/filipereplica/convergentkv/node"
	"github.com/filipereplica/convergentkv/protocol"
)

// PeerHandle is everything a remote replica needs to expose so this
// engine can drive the read/write coordinators and gossip against it.
// A real deployment backs this with a network client; cmd/replicanode
// backs it with a handle that calls straight into the target engine's
// Serve* methods.
type PeerHandle interface {
	Read(ctx context.Context, key string) (env envelope.Envelope, present bool, err error)
	Write(ctx context.Context, key string, env envelope.Envelope) error
	Gossip(ctx context.Context, status protocol.Status) (protocol.Gossip, error)
}

// Transport resolves a peer address to a handle. It is the engine's only
// dependency on the outside world beyond the membership event stream.
type Transport interface {
	Peer(addr node.Addr) PeerHandle
}

// coordDialer and gossipDialer narrow a Transport down to the exact
// collaborator surface coordinator.RunRead/RunWrite and gossip.Engine
// expect, since Go interfaces don't let one Peer(addr) method result
// satisfy two differently-named return types at once.
type coordDialer struct{ t Transport }

func (d coordDialer) Peer(addr node.Addr) coordinator.Peer { return d.t.Peer(addr) }

type gossipDialer struct{ t Transport }

func (d gossipDialer) Peer(addr node.Addr) gossip.Peer { return d.t.Peer(addr) }
