package engine

import (
	"context"
	"time"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/schema"
)

// run drives the subscribe state machine until ctx is cancelled.
func (e *Engine) run(ctx context.Context) {
	defer e.exit(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		e.mu.Lock()
		state := e.state
		e.mu.Unlock()

		switch state {
		case schema.StateIdle, schema.StateDisconnected:
			select {
			case <-ctx.Done():
				return
			case <-e.wake:
			}
		default:
			e.pollOnce(ctx)
		}
	}
}

// exit reports a disconnect when the parent context ended the loop without Stop.
func (e *Engine) exit(ctx context.Context) {
	e.mu.Lock()
	if e.stopped || e.state == schema.StateDisconnected {
		e.mu.Unlock()
		return
	}
	status := e.transitionLocked(schema.StateDisconnected, schema.Status{
		Category:  schema.CategoryDisconnected,
		Operation: "subscribe",
		Err:       context.Cause(ctx),
	})
	e.emitLocked(context.WithoutCancel(ctx), []schema.Status{status}, nil)
}

func (e *Engine) pollOnce(ctx context.Context) {
	e.mu.Lock()
	snapshot := e.set.Snapshot()
	if snapshot.Empty() {
		e.transitionLocked(schema.StateIdle, schema.Status{})
		e.mu.Unlock()
		return
	}
	cursor, epoch := e.cursor, e.cursorEpoch
	pollCtx, cancel := context.WithCancelCause(ctx)
	e.pollCancel = cancel
	e.mu.Unlock()

	timeoutCtx, cancelTimeout := context.WithTimeout(pollCtx, e.opts.PollTimeout+pollGrace)
	start := time.Now()
	batch, err := e.transport.Poll(timeoutCtx, cursor, snapshot, e.opts.PollTimeout)
	elapsed := time.Since(start)
	cancelTimeout()
	cause := context.Cause(pollCtx)
	cancel(nil)

	e.mu.Lock()
	e.pollCancel = nil
	// A poll issued against an outdated set or cursor is discarded and reissued; nothing
	// it returned has been delivered, so the cursor stays where it was.
	if cause != nil || snapshot.Version != e.set.Version() || epoch != e.cursorEpoch {
		e.mu.Unlock()
		e.metrics.recordPoll(ctx, e.transportName, "stale", elapsed)
		return
	}
	switch e.state {
	case schema.StateIdle, schema.StateDisconnected:
		e.mu.Unlock()
		e.metrics.recordPoll(ctx, e.transportName, "stale", elapsed)
		return
	}

	if err != nil {
		e.metrics.recordPoll(ctx, e.transportName, string(errs.KindOf(err)), elapsed)
		e.handleFailureLocked(ctx, err)
		return
	}
	result := "success"
	if batch.Empty() {
		result = "empty"
	}
	e.metrics.recordPoll(ctx, e.transportName, result, elapsed)
	e.handleSuccessLocked(ctx, snapshot, batch)
}

// handleSuccessLocked advances the cursor and dispatches the batch. Caller holds mu.
func (e *Engine) handleSuccessLocked(ctx context.Context, snapshot schema.Snapshot, batch schema.Batch) {
	wasFailing := e.tracker.State().Attempt > 0
	e.tracker.Reset()
	e.failingSince = time.Time{}

	previous := e.cursor
	if !batch.Next.IsZero() {
		e.cursor = e.cursor.Advance(batch.Next)
	}

	var statuses []schema.Status
	if e.state != schema.StateConnected || e.announce {
		category := schema.CategoryConnected
		if wasFailing || (e.connectedOnce && e.state != schema.StateConnected && !e.announce) {
			category = schema.CategoryReconnected
		}
		statuses = append(statuses, e.transitionLocked(schema.StateConnected, schema.Status{
			Category:  category,
			Operation: "subscribe",
			Channels:  snapshot.ChannelNames(),
			Groups:    snapshot.GroupNames(),
		}))
		e.announce = false
		e.connectedOnce = true
	}
	for _, rejected := range batch.Rejected {
		e.logger.Printf("engine: skipped undecodable message channel=%s timetoken=%d: %v", rejected.Channel, rejected.Timetoken, rejected.Err)
		status := e.statusLocked(schema.Status{
			Category:  schema.CategoryMalformedMessage,
			Operation: "subscribe",
			Err:       rejected.Err,
		})
		if rejected.Channel != "" {
			status.Channels = []string{rejected.Channel}
		}
		statuses = append(statuses, status)
	}
	current := e.cursor

	dispatchCtx := context.WithoutCancel(ctx)
	seq := e.emitLocked(dispatchCtx, statuses, batch.Events)
	// The next poll waits until this batch reached the listener queues, which bounds how far
	// the loop runs ahead of slow listeners without holding up control calls.
	_ = e.out.wait(ctx, seq)
	if current != previous {
		e.saveCursor(dispatchCtx, current)
	}
}

// handleFailureLocked consults the reconnection policy and waits out the delay. Caller holds mu.
func (e *Engine) handleFailureLocked(ctx context.Context, err error) {
	now := e.opts.Clock()
	if e.failingSince.IsZero() {
		e.failingSince = now
	}
	delay, retry := e.tracker.Fail(err)
	attempt := e.tracker.State().Attempt
	kind := errs.KindOf(err)
	e.metrics.recordReconnect(ctx, e.tracker.Policy().Name(), kind)

	var statuses []schema.Status
	if status, reset := e.expireCursorLocked(now); reset {
		statuses = append(statuses, status)
	}

	if !retry {
		category := categoryFor(err)
		if kind.Retryable() {
			category = schema.CategoryDisconnected
		}
		statuses = append(statuses, e.transitionLocked(schema.StateDisconnected, schema.Status{
			Category:  category,
			Operation: "subscribe",
			Err:       err,
			Attempt:   attempt,
		}))
		e.emitLocked(context.WithoutCancel(ctx), statuses, nil)
		return
	}

	statuses = append(statuses, e.transitionLocked(schema.StateReconnecting, schema.Status{
		Category:  categoryFor(err),
		Operation: "subscribe",
		Err:       err,
		Attempt:   attempt,
		NextDelay: delay,
	}))
	e.emitLocked(context.WithoutCancel(ctx), statuses, nil)
	e.waitRetry(ctx, delay, attempt)
}

// waitRetry sleeps until the retry is due. It returns early when Reconnect, UnsubscribeAll
// or Stop moved the engine out of Reconnecting.
func (e *Engine) waitRetry(ctx context.Context, delay time.Duration, attempt uint) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			e.mu.Lock()
			state := e.state
			e.mu.Unlock()
			if state != schema.StateReconnecting {
				return
			}
		case <-timer.C:
			e.mu.Lock()
			if e.state != schema.StateReconnecting {
				e.mu.Unlock()
				return
			}
			status := e.transitionLocked(schema.StateConnecting, schema.Status{
				Category:  schema.CategoryReconnecting,
				Operation: "subscribe",
				Attempt:   attempt,
			})
			e.emitLocked(context.WithoutCancel(ctx), []schema.Status{status}, nil)
			return
		}
	}
}

// expireCursorLocked drops a cursor held while the loop has been failing for longer than the
// catch-up window. Messages older than the window are reported as a gap rather than replayed.
func (e *Engine) expireCursorLocked(now time.Time) (schema.Status, bool) {
	window := e.opts.CatchUpWindow
	if window <= 0 || e.cursor.IsZero() || e.failingSince.IsZero() || now.Sub(e.failingSince) <= window {
		return schema.Status{}, false
	}
	stale := e.cursor
	e.cursor = schema.Cursor{}
	e.cursorEpoch++
	e.logger.Printf("engine: cursor reset to latest cursor=%s failing_for=%s window=%s", stale, now.Sub(e.failingSince), window)
	return e.statusLocked(schema.Status{
		Category:  schema.CategoryCursorReset,
		Operation: "subscribe",
		Err: errs.New("engine/catch-up", errs.CodeNetworkTimeout,
			errs.WithMessage("failing longer than catch-up window"),
			errs.WithField("cursor", stale.String())),
	}), true
}

// resumeCursor loads the stored cursor unless Subscribe already positioned the stream.
// A cursor older than the catch-up window is discarded and reported.
func (e *Engine) resumeCursor(ctx context.Context) (*schema.Status, error) {
	loadCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	record, ok, err := e.opts.CursorStore.Load(loadCtx, e.opts.CursorKey)
	if err != nil || !ok || record.Cursor.IsZero() {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cursor.IsZero() {
		return nil, nil
	}
	now := e.opts.Clock()
	if window := e.opts.CatchUpWindow; window > 0 && record.Cursor.Age(now) > window {
		e.logger.Printf("engine: stored cursor expired cursor=%s age=%s window=%s", record.Cursor, record.Cursor.Age(now), window)
		status := e.statusLocked(schema.Status{
			Category:  schema.CategoryCursorReset,
			Operation: "resume",
			Err: errs.New("engine/resume", errs.CodeInvalid,
				errs.WithMessage("stored cursor older than catch-up window"),
				errs.WithField("cursor", record.Cursor.String())),
		})
		return &status, nil
	}
	e.cursor = record.Cursor
	e.cursorEpoch++
	e.logger.Printf("engine: resumed cursor=%s key=%s", record.Cursor, e.opts.CursorKey)
	return nil, nil
}

func (e *Engine) saveCursor(ctx context.Context, cursor schema.Cursor) {
	saveCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := e.opts.CursorStore.Save(saveCtx, e.opts.CursorKey, cursor); err != nil {
		e.logger.Printf("engine: cursor save failed key=%s cursor=%s: %v", e.opts.CursorKey, cursor, err)
	}
}

// dispatchEvent decrypts message payloads when a cipher is configured and hands the event
// to listeners. It runs on the outbox goroutine.
func (e *Engine) dispatchEvent(ctx context.Context, evt schema.Event, state schema.ConnectionState, cursor schema.Cursor) {
	if e.opts.Decrypter != nil && evt.Kind == schema.EventKindMessage && len(evt.Payload) > 0 {
		plain, err := e.opts.Decrypter.DecryptPayload(evt.Payload)
		if err != nil {
			e.logger.Printf("engine: decrypt failed channel=%s timetoken=%d: %v", evt.Channel, evt.Timetoken, err)
			e.hub.PublishStatus(ctx, schema.Status{
				State:     state,
				Previous:  state,
				Category:  schema.CategoryDecryptionError,
				Operation: "subscribe",
				Err:       err,
				Channels:  []string{evt.Channel},
				Cursor:    cursor,
			})
		} else {
			evt.Payload = plain
		}
	}
	e.metrics.recordEvent(ctx, e.transportName, evt.Kind)
	e.hub.PublishEvent(ctx, evt)
}

// categoryFor maps an error onto the status category listeners see.
func categoryFor(err error) schema.StatusCategory {
	switch errs.KindOf(err) {
	case errs.CodeNetworkTimeout:
		return schema.CategoryTimeout
	case errs.CodeAuthDenied:
		return schema.CategoryAccessDenied
	case errs.CodeSubscriptionConflict, errs.CodeInvalid:
		return schema.CategoryBadRequest
	default:
		return schema.CategoryUnexpectedDisconnect
	}
}
