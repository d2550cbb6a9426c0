package coordinator

import (
	"context"
	"time"

	"github.com/filipereplica/convergentkv/consistency"
	"github.com/filipereplica/convergentkv/envelope"
	"github.com/filipereplica/convergentkv/node"
	"go.uber.org/zap"
)

// WriteOutcomeKind is the terminal shape a WriteCoordinator reports.
type WriteOutcomeKind int

const (
	WriteSuccess WriteOutcomeKind = iota
	WriteFailure
)

// WriteOutcome is what a WriteCoordinator sends on its reply channel.
// Deleted mirrors whether the replicated envelope was a tombstone, so
// the engine can pick DeleteSuccess vs UpdateSuccess (or the matching
// failure) without re-inspecting the envelope.
type WriteOutcome struct {
	Kind    WriteOutcomeKind
	Deleted bool
}

// RunWrite spawns the write coordinator of spec.md §4.4. If the
// threshold is already satisfied by peerCount alone (e.g. a
// single-node cluster asking for From(1)), it replies synchronously
// before ever touching the network, per §4.4 step 5.
func RunWrite(
	ctx context.Context,
	key string,
	merged envelope.Envelope,
	level consistency.Level,
	timeout time.Duration,
	peers []node.Addr,
	dial Dialer,
	reply chan<- WriteOutcome,
	logger *zap.Logger,
) {
	threshold, ok := level.Threshold(len(peers))
	deleted := merged.IsDeleted()
	if !ok {
		logger.Warn("write coordinator failing fast: quorum requires at least 3 nodes", zap.String("key", key))
		finishWrite(reply, WriteOutcome{Kind: WriteFailure, Deleted: deleted})
		return
	}
	if len(peers) <= threshold {
		finishWrite(reply, WriteOutcome{Kind: WriteSuccess, Deleted: deleted})
	}
	go runWrite(ctx, key, merged, timeout, peers, dial, threshold, reply, logger, len(peers) <= threshold)
}

func runWrite(
	ctx context.Context,
	key string,
	merged envelope.Envelope,
	timeout time.Duration,
	peers []node.Addr,
	dial Dialer,
	threshold int,
	reply chan<- WriteOutcome,
	logger *zap.Logger,
	alreadyReplied bool,
) {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	acks := make(chan struct{}, len(peers))
	for _, p := range peers {
		peer := dial.Peer(p)
		go func(p node.Addr) {
			if err := peer.Write(deadline, key, merged); err != nil {
				return
			}
			select {
			case acks <- struct{}{}:
			case <-deadline.Done():
			}
		}(p)
	}

	deleted := merged.IsDeleted()
	remaining := len(peers)
	for {
		if remaining <= threshold {
			if !alreadyReplied {
				finishWrite(reply, WriteOutcome{Kind: WriteSuccess, Deleted: deleted})
			}
			drainWrite(acks, timeAfter(lingerAfterTerminal))
			return
		}
		select {
		case <-acks:
			remaining--
		case <-deadline.Done():
			logger.Debug("write coordinator timed out", zap.String("key", key))
			if !alreadyReplied {
				finishWrite(reply, WriteOutcome{Kind: WriteFailure, Deleted: deleted})
			}
			drainWrite(acks, timeAfter(lingerAfterTerminal))
			return
		}
	}
}

func finishWrite(reply chan<- WriteOutcome, outcome WriteOutcome) {
	select {
	case reply <- outcome:
	default:
	}
}

func drainWrite(acks <-chan struct{}, until <-chan struct{}) {
	for {
		select {
		case <-acks:
		case <-until:
			return
		}
	}
}
