package listener

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/relay/internal/domain/schema"
)

type recorder struct {
	mu       sync.Mutex
	events   []schema.Event
	statuses []schema.Status
}

func (r *recorder) OnEvent(evt schema.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) OnStatus(status schema.Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
}

func (r *recorder) timetokens() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Timetoken)
	}
	return out
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestHubFansOutInOrderToEveryListener(t *testing.T) {
	hub := NewHub(Config{Logger: quietLogger()})
	first, second := &recorder{}, &recorder{}
	hub.Add(first)
	hub.Add(second)
	require.Equal(t, 2, hub.Len())

	ctx := context.Background()
	for tt := uint64(1); tt <= 100; tt++ {
		require.Equal(t, 2, hub.PublishEvent(ctx, schema.Event{Kind: schema.EventKindMessage, Timetoken: tt}))
	}
	hub.PublishStatus(ctx, schema.Status{State: schema.StateConnected, Category: schema.CategoryConnected})
	hub.Close()

	want := make([]uint64, 0, 100)
	for tt := uint64(1); tt <= 100; tt++ {
		want = append(want, tt)
	}
	require.Equal(t, want, first.timetokens())
	require.Equal(t, want, second.timetokens())
	require.Len(t, first.statuses, 1)
	require.Equal(t, schema.CategoryConnected, second.statuses[0].Category)
}

func TestHubDropsForSlowListenerOnly(t *testing.T) {
	hub := NewHub(Config{QueueSize: 1, DispatchTimeout: 50 * time.Millisecond, Logger: quietLogger()})
	release := make(chan struct{})
	blocked := make(chan struct{}, 1)
	hub.Add(Funcs{Event: func(schema.Event) {
		select {
		case blocked <- struct{}{}:
		default:
		}
		<-release
	}})
	fast := &recorder{}
	hub.Add(fast)

	ctx := context.Background()
	hub.PublishEvent(ctx, schema.Event{Timetoken: 1})
	<-blocked
	// The slow listener holds item 1 in its callback and item 2 in its queue.
	require.Equal(t, 2, hub.PublishEvent(ctx, schema.Event{Timetoken: 2}))

	start := time.Now()
	require.Equal(t, 1, hub.PublishEvent(ctx, schema.Event{Timetoken: 3}))
	require.Less(t, time.Since(start), time.Second)

	close(release)
	hub.Close()
	require.Equal(t, []uint64{1, 2, 3}, fast.timetokens())
	require.Empty(t, fast.statuses)
}

func TestHubReportsOverflowToTheListenerThatMissedItems(t *testing.T) {
	hub := NewHub(Config{QueueSize: 1, DispatchTimeout: 300 * time.Millisecond, Logger: quietLogger()})
	release := make(chan struct{})
	blocked := make(chan struct{}, 1)
	slow := &recorder{}
	hub.Add(Funcs{
		Event: func(evt schema.Event) {
			if evt.Timetoken == 1 {
				blocked <- struct{}{}
				<-release
			}
			slow.OnEvent(evt)
		},
		Status: slow.OnStatus,
	})
	hub.PublishStatus(context.Background(), schema.Status{State: schema.StateConnected, Category: schema.CategoryConnected})

	ctx := context.Background()
	hub.PublishEvent(ctx, schema.Event{Timetoken: 1})
	<-blocked
	require.Equal(t, 1, hub.PublishEvent(ctx, schema.Event{Timetoken: 2}))
	require.Zero(t, hub.PublishEvent(ctx, schema.Event{Timetoken: 3}))

	// Once a listener has overflowed, further items are dropped without waiting.
	start := time.Now()
	for tt := uint64(4); tt <= 10; tt++ {
		require.Zero(t, hub.PublishEvent(ctx, schema.Event{Timetoken: tt}))
	}
	require.Less(t, time.Since(start), 300*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return len(slow.timetokens()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return hub.PublishEvent(ctx, schema.Event{Timetoken: 11}) == 1
	}, time.Second, 5*time.Millisecond)
	hub.Close()

	require.Equal(t, []uint64{1, 2, 11}, slow.timetokens())
	require.Len(t, slow.statuses, 2)
	overflow := slow.statuses[1]
	require.Equal(t, schema.CategoryListenerOverflow, overflow.Category)
	require.Equal(t, uint64(8), overflow.Dropped)
	require.Equal(t, schema.StateConnected, overflow.State)
}

func TestHubReportsTrailingOverflowOnClose(t *testing.T) {
	hub := NewHub(Config{QueueSize: 1, DispatchTimeout: 20 * time.Millisecond, Logger: quietLogger()})
	release := make(chan struct{})
	blocked := make(chan struct{}, 1)
	rec := &recorder{}
	hub.Add(Funcs{
		Event: func(evt schema.Event) {
			select {
			case blocked <- struct{}{}:
				<-release
			default:
			}
			rec.OnEvent(evt)
		},
		Status: rec.OnStatus,
	})

	ctx := context.Background()
	hub.PublishEvent(ctx, schema.Event{Timetoken: 1})
	<-blocked
	hub.PublishEvent(ctx, schema.Event{Timetoken: 2})
	require.Zero(t, hub.PublishEvent(ctx, schema.Event{Timetoken: 3}))
	close(release)
	hub.Close()

	require.Equal(t, []uint64{1, 2}, rec.timetokens())
	require.Len(t, rec.statuses, 1)
	require.Equal(t, uint64(1), rec.statuses[0].Dropped)
}

func TestHubRemoveStopsDelivery(t *testing.T) {
	hub := NewHub(Config{Logger: quietLogger()})
	rec := &recorder{}
	id := hub.Add(rec)
	hub.PublishEvent(context.Background(), schema.Event{Timetoken: 1})
	hub.Remove(id)
	require.Zero(t, hub.PublishEvent(context.Background(), schema.Event{Timetoken: 2}))
	hub.Close()
	require.Equal(t, []uint64{1}, rec.timetokens())
}

func TestHubSurvivesPanickingListener(t *testing.T) {
	hub := NewHub(Config{Logger: quietLogger()})
	hub.Add(Funcs{Event: func(schema.Event) { panic("boom") }})
	rec := &recorder{}
	hub.Add(rec)
	hub.PublishEvent(context.Background(), schema.Event{Timetoken: 1})
	hub.PublishEvent(context.Background(), schema.Event{Timetoken: 2})
	hub.Close()
	require.Equal(t, []uint64{1, 2}, rec.timetokens())
}

func TestHubClosedRejectsListeners(t *testing.T) {
	hub := NewHub(Config{Logger: quietLogger()})
	hub.Close()
	require.Zero(t, hub.Add(&recorder{}))
	require.Zero(t, hub.Add(nil))
	hub.Close()
}

func TestFuncsIgnoresNilCallbacks(t *testing.T) {
	var f Funcs
	require.NotPanics(t, func() {
		f.OnEvent(schema.Event{})
		f.OnStatus(schema.Status{})
	})
}
