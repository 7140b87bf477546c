// Package fake provides a scripted in-memory transport. Polls consume scripted responses in
// order and hold, like an idle long-poll, while the script is empty.
package fake

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/schema"
)

// Response is one scripted poll outcome.
type Response struct {
	Batch schema.Batch
	Err   error
	// Delay holds the poll before answering; cancellation still wins.
	Delay time.Duration
}

// PollCall records the arguments of one poll.
type PollCall struct {
	Cursor   schema.Cursor
	Snapshot schema.Snapshot
	Timeout  time.Duration
}

// HeartbeatCall records the arguments of one heartbeat.
type HeartbeatCall struct {
	Snapshot        schema.Snapshot
	PresenceTimeout time.Duration
}

// Transport is safe for concurrent use.
type Transport struct {
	mu           sync.Mutex
	script       []Response
	polls        []PollCall
	heartbeats   []HeartbeatCall
	leaves       []schema.Snapshot
	heartbeatErr error
	leaveErr     error
	nextTT       uint64

	pushed  chan struct{}
	started chan PollCall
	beats   chan HeartbeatCall
}

// New returns a transport with an empty script.
func New() *Transport {
	return &Transport{
		pushed:  make(chan struct{}, 1),
		started: make(chan PollCall, 1024),
		beats:   make(chan HeartbeatCall, 1024),
	}
}

// Name identifies the transport in metrics.
func (t *Transport) Name() string { return "fake" }

// Push appends responses to the script.
func (t *Transport) Push(responses ...Response) {
	t.mu.Lock()
	t.script = append(t.script, responses...)
	t.mu.Unlock()
	select {
	case t.pushed <- struct{}{}:
	default:
	}
}

// PushBatch scripts a successful poll.
func (t *Transport) PushBatch(next schema.Cursor, events ...schema.Event) {
	t.Push(Response{Batch: schema.Batch{Events: events, Next: next}})
}

// PushError scripts a failed poll.
func (t *Transport) PushError(err error) {
	t.Push(Response{Err: err})
}

// SetHeartbeatError makes subsequent heartbeats fail with err; nil restores success.
func (t *Transport) SetHeartbeatError(err error) {
	t.mu.Lock()
	t.heartbeatErr = err
	t.mu.Unlock()
}

// SetLeaveError makes subsequent leaves fail with err; nil restores success.
func (t *Transport) SetLeaveError(err error) {
	t.mu.Lock()
	t.leaveErr = err
	t.mu.Unlock()
}

// PollStarted delivers every poll as it begins.
func (t *Transport) PollStarted() <-chan PollCall {
	return t.started
}

// HeartbeatSent delivers every heartbeat as it is sent.
func (t *Transport) HeartbeatSent() <-chan HeartbeatCall {
	return t.beats
}

// Poll implements the engine transport.
func (t *Transport) Poll(ctx context.Context, cursor schema.Cursor, snapshot schema.Snapshot, timeout time.Duration) (schema.Batch, error) {
	call := PollCall{Cursor: cursor, Snapshot: snapshot.Clone(), Timeout: timeout}
	t.mu.Lock()
	t.polls = append(t.polls, call)
	t.mu.Unlock()
	select {
	case t.started <- call:
	default:
	}

	for {
		t.mu.Lock()
		if len(t.script) > 0 {
			resp := t.script[0]
			t.script = t.script[1:]
			t.mu.Unlock()
			return t.answer(ctx, resp)
		}
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return schema.Batch{}, errs.New("fake/poll", errs.CodeNetworkTimeout, errs.WithCause(ctx.Err()))
		case <-t.pushed:
		}
	}
}

func (t *Transport) answer(ctx context.Context, resp Response) (schema.Batch, error) {
	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return schema.Batch{}, errs.New("fake/poll", errs.CodeNetworkTimeout, errs.WithCause(ctx.Err()))
		case <-timer.C:
		}
	}
	return resp.Batch, resp.Err
}

// Heartbeat implements the engine transport.
func (t *Transport) Heartbeat(_ context.Context, snapshot schema.Snapshot, presenceTimeout time.Duration) error {
	call := HeartbeatCall{Snapshot: snapshot.Clone(), PresenceTimeout: presenceTimeout}
	t.mu.Lock()
	t.heartbeats = append(t.heartbeats, call)
	err := t.heartbeatErr
	t.mu.Unlock()
	select {
	case t.beats <- call:
	default:
	}
	return err
}

// Leave implements the engine leaver.
func (t *Transport) Leave(_ context.Context, snapshot schema.Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaves = append(t.leaves, snapshot.Clone())
	return t.leaveErr
}

// Publish loops a message back as the next poll result, stamped with an increasing timetoken.
func (t *Transport) Publish(_ context.Context, channel string, payload any, meta any) (uint64, error) {
	if err := schema.ValidateName("channel", channel); err != nil {
		return 0, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, errs.New("fake/publish", errs.CodeInvalid, errs.WithCause(err))
	}
	var metaBody []byte
	if meta != nil {
		if metaBody, err = json.Marshal(meta); err != nil {
			return 0, errs.New("fake/publish", errs.CodeInvalid, errs.WithCause(err))
		}
	}
	t.mu.Lock()
	tt := schema.TimetokenFromTime(time.Now())
	if tt <= t.nextTT {
		tt = t.nextTT + 1
	}
	t.nextTT = tt
	t.mu.Unlock()

	t.PushBatch(schema.Cursor{Timetoken: tt + 1}, schema.Event{
		Kind:      schema.EventKindMessage,
		Channel:   channel,
		Timetoken: tt,
		Payload:   body,
		Metadata:  metaBody,
	})
	return tt, nil
}

// Polls returns every poll issued so far.
func (t *Transport) Polls() []PollCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]PollCall(nil), t.polls...)
}

// Heartbeats returns every heartbeat issued so far.
func (t *Transport) Heartbeats() []HeartbeatCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]HeartbeatCall(nil), t.heartbeats...)
}

// Leaves returns every leave issued so far.
func (t *Transport) Leaves() []schema.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]schema.Snapshot(nil), t.leaves...)
}

// Pending reports how many scripted responses remain.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.script)
}
