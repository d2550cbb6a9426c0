package main

import (
	"context"

	"github.com/filipereplica/convergentkv/engine"
	"github.com/filipereplica/convergentkv/envelope"
	"github.com/filipereplica/convergentkv/node"
	"github.com/filipereplica/convergentkv/protocol"
)

// inProcessTransport wires a fixed set of engines together by direct
// method call, playing the role of the wire transport spec.md §1 keeps
// out of scope. It mirrors the teacher's map[string]chan interface{}
// peer wiring in replica.NewReplica, but calls straight into a peer's
// Serve* methods rather than pushing onto a channel, since the engine
// already owns its own inbox.
type inProcessTransport struct {
	engines map[node.Addr]*engine.Engine
}

func newInProcessTransport() *inProcessTransport {
	return &inProcessTransport{engines: map[node.Addr]*engine.Engine{}}
}

func (t *inProcessTransport) add(addr node.Addr, e *engine.Engine) {
	t.engines[addr] = e
}

func (t *inProcessTransport) Peer(addr node.Addr) engine.PeerHandle {
	return peerHandle{e: t.engines[addr]}
}

type peerHandle struct{ e *engine.Engine }

func (h peerHandle) Read(ctx context.Context, key string) (envelope.Envelope, bool, error) {
	return h.e.ServeRead(ctx, key)
}

func (h peerHandle) Write(ctx context.Context, key string, env envelope.Envelope) error {
	return h.e.ServeWrite(ctx, key, env)
}

func (h peerHandle) Gossip(ctx context.Context, status protocol.Status) (protocol.Gossip, error) {
	return h.e.ServeGossip(ctx, status)
}
