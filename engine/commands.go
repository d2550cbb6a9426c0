package engine

import (
	"context"
	"errors"
	"time"

	"github.com/filipereplica/convergentkv/consistency"
	"github.com/filipereplica/convergentkv/coordinator"
	"github.com/filipereplica/convergentkv/crdt"
	"github.com/filipereplica/convergentkv/envelope"
	"github.com/filipereplica/convergentkv/protocol"
	"github.com/filipereplica/convergentkv/store"
)

// Event and Watcher re-export the store package's subscription types so
// callers of the engine's public API don't need to import store
// directly for anything but constructing a custom Watcher.
type Event = store.Event
type Watcher = store.Watcher

// updateCmd is the parked shape of an Update while it moves through the
// pipeline of §4.5, including across a re-entry into the two-phase path.
type updateCmd struct {
	ctx        context.Context
	key        string
	readLevel  consistency.Level
	writeLevel consistency.Level
	timeout    time.Duration
	modify     protocol.ModifyFunc
	isLocal    bool
	reply      chan<- error
}

// engineRepairer implements coordinator.Repairer by round-tripping
// through the engine's own inbox, so a read-repair's store.Set always
// happens on the engine's task (§4.3 step 3).
type engineRepairer struct{ e *Engine }

func (r *engineRepairer) ReadRepair(ctx context.Context, key string, merged envelope.Envelope) error {
	done := make(chan struct{}, 1)
	r.e.send(inboxMsg{key: key, hasKey: true, continuation: true, run: func(eng *Engine) {
		eng.store.Set(key, merged)
		done <- struct{}{}
	}})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// getResult is Get's internal (value, error) pair, threaded through a
// channel since the quorum path resolves on a different goroutine than
// the caller's.
type getResult struct {
	val crdt.Value
	err error
}

// resolveTimeout returns requested unless the caller left it unset
// (zero or negative), in which case it falls back to the engine's
// configured default for that phase (WithReadTimeout/WithWriteTimeout).
func resolveTimeout(requested, fallback time.Duration) time.Duration {
	if requested <= 0 {
		return fallback
	}
	return requested
}

// Get implements §6.1's Get command.
func (e *Engine) Get(ctx context.Context, key string, level consistency.Level, timeout time.Duration) (crdt.Value, error) {
	resCh := make(chan getResult, 1)
	e.send(inboxMsg{key: key, hasKey: true, run: func(eng *Engine) {
		if level.IsLocal() {
			env, ok := eng.store.Get(key)
			switch {
			case !ok:
				resCh <- getResult{nil, protocol.NotFound{Key: key}}
			case env.IsDeleted():
				resCh <- getResult{nil, protocol.DataDeleted{Key: key}}
			default:
				resCh <- getResult{env.Data, nil}
			}
			return
		}
		localEnv, hasLocal := eng.store.Get(key)
		peers := eng.membership.Peers()
		outcome := make(chan coordinator.ReadOutcome, 1)
		coordinator.RunRead(ctx, key, level, resolveTimeout(timeout, eng.cfg.readTimeout), peers, coordDialer{eng.transport}, localEnv, hasLocal, &engineRepairer{eng}, outcome, eng.logger)
		go func() {
			resCh <- readOutcomeToResult(key, <-outcome)
		}()
	}})
	select {
	case r := <-resCh:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func readOutcomeToResult(key string, o coordinator.ReadOutcome) getResult {
	switch o.Kind {
	case coordinator.ReadSuccess:
		return getResult{o.Env.Data, nil}
	case coordinator.ReadDeleted:
		return getResult{nil, protocol.DataDeleted{Key: key}}
	case coordinator.ReadNotFound:
		return getResult{nil, protocol.NotFound{Key: key}}
	default:
		return getResult{nil, protocol.GetFailure{Key: key}}
	}
}

// GetKeys implements §6.1's GetKeys command.
func (e *Engine) GetKeys() []string {
	reply := make(chan []string, 1)
	e.send(inboxMsg{run: func(eng *Engine) { reply <- eng.store.ListLiveKeys() }})
	return <-reply
}

// Update implements §6.1's Update command. modify is invoked with nil
// when the key has never been written locally.
func (e *Engine) Update(ctx context.Context, key string, readLevel, writeLevel consistency.Level, timeout time.Duration, modify protocol.ModifyFunc) error {
	reply := make(chan error, 1)
	cmd := updateCmd{
		ctx: ctx, key: key, readLevel: readLevel, writeLevel: writeLevel,
		timeout: timeout, modify: modify, isLocal: true, reply: reply,
	}
	e.send(inboxMsg{key: key, hasKey: true, run: func(eng *Engine) { eng.handleUpdate(cmd) }})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleUpdate is §4.5's dispatch between the local and two-phase
// paths. Always runs on the engine's task.
func (e *Engine) handleUpdate(cmd updateCmd) {
	if !cmd.isLocal {
		cmd.reply <- &protocol.InvalidUsage{Reason: "update from a non-local sender"}
		return
	}
	if cmd.readLevel.IsLocal() {
		e.localUpdate(cmd)
		return
	}
	e.beginTwoPhase(cmd.key)
	localEnv, hasLocal := e.store.Get(cmd.key)
	peers := e.membership.Peers()
	outcome := make(chan coordinator.ReadOutcome, 1)
	coordinator.RunRead(cmd.ctx, cmd.key, cmd.readLevel, resolveTimeout(cmd.timeout, e.cfg.readTimeout), peers, coordDialer{e.transport}, localEnv, hasLocal, &engineRepairer{e}, outcome, e.logger)
	go func() {
		<-outcome // read-repair, if any, already landed via engineRepairer before this fires
		e.send(inboxMsg{key: cmd.key, hasKey: true, continuation: true, run: func(eng *Engine) {
			eng.localUpdate(cmd)
			eng.drainQueue(cmd.key)
		}})
	}()
}

// localUpdate is §4.5's local path, steps 1-4. Always runs on the
// engine's task, whether reached directly or as a two-phase continuation.
func (e *Engine) localUpdate(cmd updateCmd) {
	current, ok := e.store.Get(cmd.key)
	if ok && current.IsDeleted() {
		cmd.reply <- protocol.DataDeleted{Key: cmd.key}
		return
	}

	var before crdt.Value
	if ok {
		before = current.Data
	}
	newVal, err := cmd.modify(before)
	if err != nil {
		cmd.reply <- &protocol.ModifyFailure{Key: cmd.key, Err: err}
		return
	}
	if shapeErr := current.CheckShape(cmd.key, newVal); shapeErr != nil {
		var se *envelope.ShapeError
		if errors.As(shapeErr, &se) {
			cmd.reply <- &protocol.ConflictingType{Key: se.Key, Existing: se.Existing, Incoming: se.Incoming}
		} else {
			cmd.reply <- shapeErr
		}
		return
	}

	incoming := envelope.New(newVal).TombstoneCleanup(e.pruning.Tombstoned())
	merged := incoming
	if ok {
		merged = current.Merge(incoming)
	}
	e.store.Set(cmd.key, merged)

	if cmd.writeLevel.IsLocal() {
		cmd.reply <- nil
		return
	}
	peers := e.membership.Peers()
	outcome := make(chan coordinator.WriteOutcome, 1)
	coordinator.RunWrite(cmd.ctx, cmd.key, merged, cmd.writeLevel, resolveTimeout(cmd.timeout, e.cfg.writeTimeout), peers, coordDialer{e.transport}, outcome, e.logger)
	go func() {
		if o := <-outcome; o.Kind == coordinator.WriteSuccess {
			cmd.reply <- nil
		} else {
			cmd.reply <- protocol.ReplicationUpdateFailure{Key: cmd.key}
		}
	}()
}

// Delete implements §6.1's Delete command.
func (e *Engine) Delete(ctx context.Context, key string, writeLevel consistency.Level, timeout time.Duration) error {
	reply := make(chan error, 1)
	e.send(inboxMsg{key: key, hasKey: true, run: func(eng *Engine) {
		eng.handleDelete(ctx, key, writeLevel, timeout, reply)
	}})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) handleDelete(ctx context.Context, key string, writeLevel consistency.Level, timeout time.Duration, reply chan<- error) {
	current, ok := e.store.Get(key)
	if ok && current.IsDeleted() {
		reply <- protocol.DataDeleted{Key: key}
		return
	}
	e.store.Set(key, envelope.Deleted)

	if writeLevel.IsLocal() {
		reply <- nil
		return
	}
	peers := e.membership.Peers()
	outcome := make(chan coordinator.WriteOutcome, 1)
	coordinator.RunWrite(ctx, key, envelope.Deleted, writeLevel, resolveTimeout(timeout, e.cfg.writeTimeout), peers, coordDialer{e.transport}, outcome, e.logger)
	go func() {
		if o := <-outcome; o.Kind == coordinator.WriteSuccess {
			reply <- nil
		} else {
			reply <- protocol.ReplicationDeleteFailure{Key: key}
		}
	}()
}

// Subscribe implements §6.1's Subscribe command: w is registered for
// changes to key and, if an entry already exists, the immediate current
// state is returned alongside ok == true.
func (e *Engine) Subscribe(key string, w Watcher) (Event, bool) {
	type result struct {
		ev Event
		ok bool
	}
	reply := make(chan result, 1)
	e.send(inboxMsg{run: func(eng *Engine) {
		ev, ok := eng.store.Subscribe(key, w)
		reply <- result{ev, ok}
	}})
	r := <-reply
	return r.ev, r.ok
}

// Unsubscribe implements §6.1's Unsubscribe command.
func (e *Engine) Unsubscribe(key string, w Watcher) {
	done := make(chan struct{}, 1)
	e.send(inboxMsg{run: func(eng *Engine) {
		eng.store.Unsubscribe(key, w)
		done <- struct{}{}
	}})
	<-done
}

// RemoveWatcher purges w from every key it is subscribed to, for use
// when a watcher-terminated signal arrives (§6.4, §9).
func (e *Engine) RemoveWatcher(w Watcher) {
	done := make(chan struct{}, 1)
	e.send(inboxMsg{run: func(eng *Engine) {
		eng.store.RemoveWatcher(w)
		done <- struct{}{}
	}})
	<-done
}
