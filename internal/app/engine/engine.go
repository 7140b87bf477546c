// Package engine implements the subscribe loop, its reconnection state machine and the
// presence heartbeat loop.
package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/app/listener"
	"github.com/coachpo/relay/internal/app/reconnect"
	"github.com/coachpo/relay/internal/app/subscription"
	"github.com/coachpo/relay/internal/domain/schema"
)

var (
	errSetChanged  = errors.New("subscription set changed")
	errCursorReset = errors.New("cursor repositioned")
	errReconnect   = errors.New("manual reconnect")
	errStopped     = errors.New("engine stopped")
)

// Engine owns one subscription set, cursor and reconnection state. Instances share nothing
// but the injected transport.
type Engine struct {
	opts          Options
	transport     Transport
	transportName string
	logger        *log.Logger

	set     *subscription.Set
	tracker *reconnect.Tracker
	hub     *listener.Hub
	metrics *metrics

	mu            sync.Mutex
	state         schema.ConnectionState
	cursor        schema.Cursor
	cursorEpoch   uint64
	started       bool
	stopped       bool
	connectedOnce bool
	announce      bool
	failingSince  time.Time
	pollCancel    context.CancelCauseFunc
	heartbeat     HeartbeatState
	cancel        context.CancelCauseFunc

	// out is appended to under mu so notifications leave in the order they were produced.
	out *outbox

	wake   chan struct{}
	hbWake chan struct{}
	loops  conc.WaitGroup
	leaves conc.WaitGroup
}

// New validates opts and constructs an idle engine.
func New(opts Options, transport Transport) (*Engine, error) {
	if transport == nil {
		return nil, errs.New("engine/new", errs.CodeInvalid, errs.WithMessage("transport required"))
	}
	opts = opts.normalize()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	name := "custom"
	if n, ok := transport.(namer); ok {
		name = n.Name()
	}
	e := &Engine{
		opts:          opts,
		transport:     transport,
		transportName: name,
		logger:        opts.Logger,
		set:           subscription.NewSet(),
		tracker:       reconnect.NewTracker(opts.Policy),
		hub:           listener.NewHub(opts.Listener),
		metrics:       newMetrics(),
		state:         schema.StateIdle,
		heartbeat: HeartbeatState{
			IntervalSeconds:        wholeSeconds(opts.Heartbeat.Interval),
			PresenceTimeoutSeconds: wholeSeconds(opts.Heartbeat.PresenceTimeout),
		},
		wake:   make(chan struct{}, 1),
		hbWake: make(chan struct{}, 1),
	}
	e.out = newOutbox(e.publish)
	return e, nil
}

// Start loads the stored cursor and launches the subscribe and heartbeat loops.
// Cancelling ctx has the same effect on the loops as Stop, without closing listeners.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errs.Unavailable("engine/start")
	}
	if e.started {
		e.mu.Unlock()
		return errs.New("engine/start", errs.CodeInvalid, errs.WithMessage("engine already started"))
	}
	e.started = true
	e.mu.Unlock()

	resetStatus, err := e.resumeCursor(ctx)
	if err != nil {
		e.logger.Printf("engine: cursor load failed key=%s: %v", e.opts.CursorKey, err)
	}

	loopCtx, cancel := context.WithCancelCause(ctx)
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		cancel(errStopped)
		return errs.Unavailable("engine/start")
	}
	e.cancel = cancel
	if resetStatus != nil {
		e.emitLocked(ctx, []schema.Status{*resetStatus}, nil)
	} else {
		e.mu.Unlock()
	}

	e.loops.Go(func() { e.run(loopCtx) })
	e.loops.Go(func() { e.heartbeatLoop(loopCtx) })
	e.logger.Printf("engine: started transport=%s policy=%s heartbeat=%s", e.transportName, e.tracker.Policy().Name(), e.opts.Heartbeat.Interval)
	return nil
}

// Subscribe adds channels and groups. Polling starts when the set becomes non-empty, except
// after the reconnection policy gave up, where Reconnect is required.
func (e *Engine) Subscribe(req SubscribeRequest) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errs.Unavailable("engine/subscribe")
	}
	change, err := e.set.Add(req.Channels, req.Groups, req.WithPresence)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	repositioned := false
	if req.Cursor != nil && *req.Cursor != e.cursor {
		e.cursor = *req.Cursor
		e.cursorEpoch++
		repositioned = true
	}
	if change.Empty() && !repositioned {
		e.mu.Unlock()
		return nil
	}

	var statuses []schema.Status
	if !change.Empty() {
		e.announce = true
	}
	switch e.state {
	case schema.StateIdle:
		statuses = append(statuses, e.transitionLocked(schema.StateConnecting, schema.Status{
			Category:  schema.CategoryAcknowledgment,
			Operation: "subscribe",
			Channels:  change.ChannelNames(),
			Groups:    change.GroupNames(),
		}))
	default:
		if repositioned {
			e.cancelPollLocked(errCursorReset)
		} else {
			e.cancelPollLocked(errSetChanged)
		}
		statuses = append(statuses, e.statusLocked(schema.Status{
			Category:  schema.CategoryAcknowledgment,
			Operation: "subscribe",
			Channels:  change.ChannelNames(),
			Groups:    change.GroupNames(),
		}))
	}
	e.notify()
	e.notifyHeartbeat()
	e.emitLocked(context.Background(), statuses, nil)
	return nil
}

// Unsubscribe removes channels and groups and announces a presence leave for them.
// Removing the last entry moves the engine to Idle and keeps the cursor for a later resume.
func (e *Engine) Unsubscribe(channels, groups []string) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errs.Unavailable("engine/unsubscribe")
	}
	return e.removeLocked(e.set.Remove(channels, groups))
}

// UnsubscribeAll clears the subscription set.
func (e *Engine) UnsubscribeAll() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errs.Unavailable("engine/unsubscribe")
	}
	return e.removeLocked(e.set.Clear())
}

func (e *Engine) removeLocked(change subscription.Change) error {
	if change.Empty() {
		e.mu.Unlock()
		return nil
	}
	e.cancelPollLocked(errSetChanged)
	ack := schema.Status{
		Category:  schema.CategoryAcknowledgment,
		Operation: "unsubscribe",
		Channels:  change.ChannelNames(),
		Groups:    change.GroupNames(),
	}
	var status schema.Status
	if e.set.Empty() {
		e.tracker.Reset()
		e.failingSince = time.Time{}
		status = e.transitionLocked(schema.StateIdle, ack)
	} else {
		status = e.statusLocked(ack)
	}
	e.startLeaveLocked(change.Snapshot())
	e.notify()
	e.emitLocked(context.Background(), []schema.Status{status}, nil)
	return nil
}

// Reconnect resets the reconnection state and issues a fresh poll. With nothing subscribed
// the engine goes Idle.
func (e *Engine) Reconnect() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errs.Unavailable("engine/reconnect")
	}
	e.tracker.Reset()
	e.failingSince = time.Time{}
	e.cancelPollLocked(errReconnect)
	next := schema.StateConnecting
	if e.set.Empty() {
		next = schema.StateIdle
	}
	status := e.transitionLocked(next, schema.Status{
		Category:  schema.CategoryAcknowledgment,
		Operation: "reconnect",
	})
	e.notify()
	e.notifyHeartbeat()
	e.emitLocked(context.Background(), []schema.Status{status}, nil)
	return nil
}

// Stop cancels the in-flight poll, waits for both loops and flushes listeners. It is final:
// later control calls return an unavailable error. Stop must not be called from a listener.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.cancelPollLocked(errStopped)
	if e.cancel != nil {
		e.cancel(errStopped)
	}
	status := e.transitionLocked(schema.StateDisconnected, schema.Status{
		Category:  schema.CategoryDisconnected,
		Operation: "stop",
	})
	e.emitLocked(context.Background(), []schema.Status{status}, nil)

	e.loops.Wait()
	e.leaves.Wait()
	e.out.close()
	e.hub.Close()
	e.logger.Printf("engine: stopped cursor=%s", e.Cursor())
	return nil
}

// AddListener registers l for every subsequent event and status.
func (e *Engine) AddListener(l listener.Listener) listener.ID {
	return e.hub.Add(l)
}

// RemoveListener unregisters a listener.
func (e *Engine) RemoveListener(id listener.ID) {
	e.hub.Remove(id)
}

// State returns the current connection state.
func (e *Engine) State() schema.ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cursor returns the resume position.
func (e *Engine) Cursor() schema.Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// Snapshot returns the current subscription set.
func (e *Engine) Snapshot() schema.Snapshot {
	return e.set.Snapshot()
}

// Reconnection returns the consecutive failure state.
func (e *Engine) Reconnection() reconnect.State {
	return e.tracker.State()
}

// Heartbeat returns the heartbeat configuration and last send time.
func (e *Engine) Heartbeat() HeartbeatState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heartbeat
}

// transitionLocked moves to next and returns the status announcing it. Caller holds mu.
func (e *Engine) transitionLocked(next schema.ConnectionState, status schema.Status) schema.Status {
	prev := e.state
	e.state = next
	if prev != next {
		e.metrics.recordTransition(e.transportName, next)
	}
	status = e.statusLocked(status)
	status.Previous = prev
	return status
}

// statusLocked stamps a status with the current state and cursor. Caller holds mu.
func (e *Engine) statusLocked(status schema.Status) schema.Status {
	status.State = e.state
	status.Previous = e.state
	status.Cursor = e.cursor
	return status
}

func (e *Engine) cancelPollLocked(cause error) {
	if e.pollCancel != nil {
		e.pollCancel(cause)
	}
}

// emitLocked queues statuses followed by events and releases mu. It never waits for listeners;
// the returned sequence can be passed to out.wait.
func (e *Engine) emitLocked(ctx context.Context, statuses []schema.Status, events []schema.Event) uint64 {
	seq := e.out.push(notification{
		ctx:      ctx,
		statuses: statuses,
		events:   events,
		state:    e.state,
		cursor:   e.cursor,
	})
	e.mu.Unlock()
	return seq
}

// publish runs on the outbox goroutine.
func (e *Engine) publish(n notification) {
	for _, status := range n.statuses {
		e.logStatus(status)
		e.hub.PublishStatus(n.ctx, status)
	}
	for _, evt := range n.events {
		e.dispatchEvent(n.ctx, evt, n.state, n.cursor)
	}
}

func (e *Engine) logStatus(status schema.Status) {
	if status.Err != nil {
		e.logger.Printf("engine: status state=%s category=%s attempt=%d delay=%s: %v",
			status.State, status.Category, status.Attempt, status.NextDelay, status.Err)
		return
	}
	e.logger.Printf("engine: status state=%s category=%s op=%s", status.State, status.Category, status.Operation)
}

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) notifyHeartbeat() {
	select {
	case e.hbWake <- struct{}{}:
	default:
	}
}

func (e *Engine) startLeaveLocked(snapshot schema.Snapshot) {
	leaver, ok := e.transport.(Leaver)
	if !ok || snapshot.Empty() {
		return
	}
	e.leaves.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		err := leaver.Leave(ctx, snapshot)
		e.metrics.recordLeave(ctx, e.transportName, err)
		if err == nil {
			return
		}
		e.logger.Printf("engine: leave failed channels=%v groups=%v: %v", snapshot.ChannelNames(), snapshot.GroupNames(), err)
		e.mu.Lock()
		status := e.statusLocked(schema.Status{
			Category:  categoryFor(err),
			Operation: "leave",
			Err:       err,
			Channels:  snapshot.ChannelNames(),
			Groups:    snapshot.GroupNames(),
		})
		e.emitLocked(context.Background(), []schema.Status{status}, nil)
	})
}

// wholeSeconds rounds d up so sub-second settings never read as disabled.
func wholeSeconds(d time.Duration) uint {
	if d <= 0 {
		return 0
	}
	return uint((d + time.Second - 1) / time.Second)
}
