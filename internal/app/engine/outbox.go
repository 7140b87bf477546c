package engine

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/relay/internal/domain/schema"
)

// notification is one unit of listener output, stamped with the state it was produced in.
type notification struct {
	seq      uint64
	ctx      context.Context
	statuses []schema.Status
	events   []schema.Event
	state    schema.ConnectionState
	cursor   schema.Cursor
}

// outbox keeps notifications in production order and hands them to the listener hub from a
// single goroutine. Producers never wait for listeners; the subscribe loop opts into
// backpressure through wait.
type outbox struct {
	deliver func(notification)

	mu       sync.Mutex
	pending  []notification
	queued   uint64
	drained  uint64
	progress chan struct{}
	started  bool
	closed   bool

	signal chan struct{}
	wg     conc.WaitGroup
}

func newOutbox(deliver func(notification)) *outbox {
	return &outbox{
		deliver:  deliver,
		progress: make(chan struct{}),
		signal:   make(chan struct{}, 1),
	}
}

// push appends n and returns its sequence number. Empty notifications are not queued.
func (o *outbox) push(n notification) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || (len(n.statuses) == 0 && len(n.events) == 0) {
		return o.queued
	}
	o.queued++
	n.seq = o.queued
	o.pending = append(o.pending, n)
	if !o.started {
		o.started = true
		o.wg.Go(o.run)
	}
	o.wake()
	return n.seq
}

// wait blocks until every notification up to seq reached the hub or ctx ends.
func (o *outbox) wait(ctx context.Context, seq uint64) error {
	for {
		o.mu.Lock()
		if o.drained >= seq || (o.closed && !o.started) {
			o.mu.Unlock()
			return nil
		}
		progress := o.progress
		o.mu.Unlock()
		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// close delivers what is pending and stops the drain goroutine.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.wake()
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *outbox) wake() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) run() {
	for {
		o.mu.Lock()
		for len(o.pending) == 0 {
			if o.closed {
				o.mu.Unlock()
				return
			}
			o.mu.Unlock()
			<-o.signal
			o.mu.Lock()
		}
		n := o.pending[0]
		o.pending[0] = notification{}
		o.pending = o.pending[1:]
		o.mu.Unlock()

		o.deliver(n)

		o.mu.Lock()
		o.drained = n.seq
		close(o.progress)
		o.progress = make(chan struct{})
		o.mu.Unlock()
	}
}
