package coordinator

import (
	"context"
	"time"

	"github.com/filipereplica/convergentkv/consistency"
	"github.com/filipereplica/convergentkv/envelope"
	"github.com/filipereplica/convergentkv/node"
	"go.uber.org/zap"
)

// ReadOutcomeKind is the terminal shape a ReadCoordinator reports.
type ReadOutcomeKind int

const (
	ReadSuccess ReadOutcomeKind = iota
	ReadDeleted
	ReadNotFound
	ReadFailure
)

// ReadOutcome is what a ReadCoordinator sends on its reply channel.
type ReadOutcome struct {
	Kind ReadOutcomeKind
	Env  envelope.Envelope
}

// Repairer lets a ReadCoordinator hand its merged result back to the
// local engine's task for read-repair (§4.3 step 3), acknowledging when
// the merge has been applied. The implementation is expected to be
// message-passing internally (send-and-wait-for-ack on the engine's
// inbox), never a direct mutation from the coordinator's goroutine.
type Repairer interface {
	ReadRepair(ctx context.Context, key string, merged envelope.Envelope) error
}

type readReply struct {
	env     envelope.Envelope
	present bool
}

// RunRead starts the read coordinator described in spec.md §4.3 on its
// own goroutine and returns at once. The coordinator sends one
// ReadOutcome on reply without blocking (the send is dropped if reply
// has no room), then drains late replies for lingerAfterTerminal before
// it exits.
func RunRead(
	ctx context.Context,
	key string,
	level consistency.Level,
	timeout time.Duration,
	peers []node.Addr,
	dial Dialer,
	local envelope.Envelope,
	hasLocal bool,
	repairer Repairer,
	reply chan<- ReadOutcome,
	logger *zap.Logger,
) {
	go runRead(ctx, key, level, timeout, peers, dial, local, hasLocal, repairer, reply, logger)
}

func runRead(
	ctx context.Context,
	key string,
	level consistency.Level,
	timeout time.Duration,
	peers []node.Addr,
	dial Dialer,
	local envelope.Envelope,
	hasLocal bool,
	repairer Repairer,
	reply chan<- ReadOutcome,
	logger *zap.Logger,
) {
	threshold, ok := level.Threshold(len(peers))
	if !ok {
		logger.Warn("read coordinator failing fast: quorum requires at least 3 nodes", zap.String("key", key))
		finishRead(reply, ReadOutcome{Kind: ReadFailure})
		return
	}

	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan readReply, len(peers))
	for _, p := range peers {
		peer := dial.Peer(p)
		go func(p node.Addr) {
			env, present, err := peer.Read(deadline, key)
			if err != nil {
				return
			}
			select {
			case results <- readReply{env: env, present: present}:
			case <-deadline.Done():
			}
		}(p)
	}

	merged := local
	haveAny := hasLocal
	remaining := len(peers)

	settle := func() {
		var outcome ReadOutcome
		switch {
		case haveAny && merged.IsDeleted():
			outcome = ReadOutcome{Kind: ReadDeleted, Env: merged}
		case haveAny:
			outcome = ReadOutcome{Kind: ReadSuccess, Env: merged}
		default:
			outcome = ReadOutcome{Kind: ReadNotFound}
		}
		if haveAny && repairer != nil {
			repairCtx, repairCancel := context.WithTimeout(context.Background(), lingerAfterTerminal)
			if err := repairer.ReadRepair(repairCtx, key, merged); err != nil {
				logger.Warn("read-repair not acknowledged", zap.String("key", key), zap.Error(err))
			}
			repairCancel()
		}
		finishRead(reply, outcome)
	}

	for {
		if remaining <= threshold {
			settle()
			drainRead(results, timeAfter(lingerAfterTerminal))
			return
		}
		select {
		case r := <-results:
			remaining--
			if r.present {
				if haveAny {
					merged = merged.Merge(r.env)
				} else {
					merged = r.env
					haveAny = true
				}
			}
		case <-deadline.Done():
			logger.Debug("read coordinator timed out", zap.String("key", key))
			finishRead(reply, ReadOutcome{Kind: ReadFailure})
			drainRead(results, timeAfter(lingerAfterTerminal))
			return
		}
	}
}

func finishRead(reply chan<- ReadOutcome, outcome ReadOutcome) {
	select {
	case reply <- outcome:
	default:
	}
}

func drainRead(results <-chan readReply, until <-chan struct{}) {
	for {
		select {
		case <-results:
		case <-until:
			return
		}
	}
}

func timeAfter(d time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		time.Sleep(d)
		close(done)
	}()
	return done
}
