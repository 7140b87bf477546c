package engine

import (
	"context"
	"time"

	"github.com/coachpo/relay/internal/domain/schema"
)

// heartbeatLoop renews presence on its own ticker and announces immediately after a
// subscribe or reconnect. It idles while nothing is subscribed or the engine is disconnected.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	interval := e.opts.Heartbeat.Interval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.hbWake:
		}

		e.mu.Lock()
		state := e.state
		e.mu.Unlock()
		if state == schema.StateIdle || state == schema.StateDisconnected {
			continue
		}
		snapshot := e.set.Snapshot()
		if snapshot.Empty() {
			continue
		}
		e.sendHeartbeat(ctx, snapshot)
	}
}

// sendHeartbeat issues one heartbeat. Failures wait for the next tick; the presence timeout
// outlives a single missed heartbeat.
func (e *Engine) sendHeartbeat(ctx context.Context, snapshot schema.Snapshot) {
	hbCtx, cancel := context.WithTimeout(ctx, e.opts.Heartbeat.Interval)
	sentAt := e.opts.Clock()
	start := time.Now()
	err := e.transport.Heartbeat(hbCtx, snapshot, e.opts.Heartbeat.PresenceTimeout)
	elapsed := time.Since(start)
	cancel()
	if ctx.Err() != nil {
		return
	}
	e.metrics.recordHeartbeat(ctx, e.transportName, err, elapsed)

	e.mu.Lock()
	e.heartbeat.LastSentAt = sentAt
	var statuses []schema.Status
	switch {
	case err != nil:
		e.logger.Printf("engine: heartbeat failed channels=%v groups=%v: %v", snapshot.ChannelNames(), snapshot.GroupNames(), err)
		if e.opts.Heartbeat.Notify != NotifyNone {
			statuses = append(statuses, e.statusLocked(schema.Status{
				Category:  schema.CategoryHeartbeatFailed,
				Operation: "heartbeat",
				Err:       err,
				Channels:  snapshot.ChannelNames(),
				Groups:    snapshot.GroupNames(),
			}))
		}
	case e.opts.Heartbeat.Notify == NotifyAll:
		statuses = append(statuses, e.statusLocked(schema.Status{
			Category:  schema.CategoryHeartbeatSucceeded,
			Operation: "heartbeat",
			Channels:  snapshot.ChannelNames(),
			Groups:    snapshot.GroupNames(),
		}))
	}
	e.emitLocked(context.WithoutCancel(ctx), statuses, nil)
}
