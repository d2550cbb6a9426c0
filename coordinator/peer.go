// Package coordinator implements the transient read/write coordinators
// of spec.md §4.3/§4.4. Each coordinator is its own short-lived
// goroutine (§5, §9: "Languages without actor runtimes can implement
// them as short-lived tasks holding the remaining set and a deadline"),
// fanning out to every peer concurrently and reporting back to the
// engine's task by channel — never by touching shared state directly.
package coordinator

import (
	"context"
	"time"

	"github.com/filipereplica/convergentkv/envelope"
	"github.com/filipereplica/convergentkv/node"
)

// Peer is how a coordinator talks to one remote replica engine. A real
// deployment backs this with whatever transport carries §6.2's wire
// messages; cmd/replicanode backs it with direct in-process calls into
// the target engine's Serve* methods.
type Peer interface {
	Read(ctx context.Context, key string) (env envelope.Envelope, present bool, err error)
	Write(ctx context.Context, key string, env envelope.Envelope) error
}

// Dialer resolves a peer address to a Peer collaborator.
type Dialer interface {
	Peer(addr node.Addr) Peer
}

// lingerAfterTerminal is how long a coordinator keeps draining late
// replies after sending its terminal reply, to avoid dead-letter noise
// on the transport (§4.3 step 5, §5, §9).
const lingerAfterTerminal = 2 * time.Second
