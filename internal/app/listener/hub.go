package listener

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/relay/internal/domain/schema"
	"github.com/coachpo/relay/internal/infra/telemetry"
)

const (
	defaultQueueSize       = 1024
	defaultDispatchTimeout = time.Second
	defaultFanoutWorkers   = 4
)

// Config bounds per-listener buffering.
type Config struct {
	// QueueSize is the number of undelivered items buffered per listener.
	QueueSize int
	// DispatchTimeout is how long a publish waits on a full queue before dropping the item.
	DispatchTimeout time.Duration
	// FanoutWorkers caps concurrent hand-offs when several listeners are registered.
	FanoutWorkers int
	Logger        *log.Logger
}

func (c Config) normalize() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = defaultDispatchTimeout
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = defaultFanoutWorkers
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "listener ", log.LstdFlags|log.Lmicroseconds)
	}
	return c
}

type item struct {
	event  schema.Event
	status schema.Status
	kind   string
}

type sink struct {
	id       ID
	listener Listener
	queue    chan item
	// missed counts items dropped since the listener was last told about an overflow.
	missed atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func (s *sink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

// Hub owns one queue and one worker goroutine per listener so a slow listener never
// stalls the others or the publisher beyond DispatchTimeout.
type Hub struct {
	cfg    Config
	logger *log.Logger

	mu     sync.RWMutex
	sinks  map[ID]*sink
	closed bool
	nextID atomic.Uint64
	state  atomic.Int32
	wg     conc.WaitGroup
	once   sync.Once

	droppedCounter  metric.Int64Counter
	panicCounter    metric.Int64Counter
	fanoutHistogram metric.Int64Histogram
}

// NewHub constructs an empty hub.
func NewHub(cfg Config) *Hub {
	cfg = cfg.normalize()
	hub := &Hub{
		cfg:    cfg,
		logger: cfg.Logger,
		sinks:  make(map[ID]*sink),
	}

	meter := otel.Meter("listener")
	hub.droppedCounter, _ = meter.Int64Counter(telemetry.MetricListenerDropped,
		metric.WithDescription("Items dropped because a listener queue stayed full"),
		metric.WithUnit("{item}"))
	hub.panicCounter, _ = meter.Int64Counter(telemetry.MetricListenerPanics,
		metric.WithDescription("Listener callbacks that panicked"),
		metric.WithUnit("{panic}"))
	hub.fanoutHistogram, _ = meter.Int64Histogram(telemetry.MetricListenerFanout,
		metric.WithDescription("Number of listeners per delivered item"),
		metric.WithUnit("{listener}"))
	return hub
}

// Add registers a listener. It returns zero when the listener is nil or the hub is closed.
func (h *Hub) Add(l Listener) ID {
	if l == nil {
		return 0
	}
	s := &sink{
		id:       ID(h.nextID.Add(1)),
		listener: l,
		queue:    make(chan item, h.cfg.QueueSize),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0
	}
	h.sinks[s.id] = s
	h.mu.Unlock()

	h.wg.Go(func() { h.run(s) })
	return s.id
}

// Remove unregisters a listener. Items already queued for it are still delivered.
func (h *Hub) Remove(id ID) {
	h.mu.Lock()
	s, ok := h.sinks[id]
	delete(h.sinks, id)
	h.mu.Unlock()
	if ok {
		s.close()
	}
}

// Len returns the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// PublishEvent hands evt to every listener and returns how many accepted it.
func (h *Hub) PublishEvent(ctx context.Context, evt schema.Event) int {
	return h.publish(ctx, item{event: evt, kind: telemetry.ItemEvent})
}

// PublishStatus hands status to every listener and returns how many accepted it.
func (h *Hub) PublishStatus(ctx context.Context, status schema.Status) int {
	h.state.Store(int32(status.State))
	return h.publish(ctx, item{status: status, kind: telemetry.ItemStatus})
}

// Close unregisters every listener and waits for queued items to be delivered.
func (h *Hub) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		sinks := make([]*sink, 0, len(h.sinks))
		for id, s := range h.sinks {
			sinks = append(sinks, s)
			delete(h.sinks, id)
		}
		h.mu.Unlock()
		for _, s := range sinks {
			s.close()
		}
		h.wg.Wait()
	})
}

func (h *Hub) publish(ctx context.Context, it item) int {
	if ctx == nil {
		ctx = context.Background()
	}
	h.mu.RLock()
	sinks := make([]*sink, 0, len(h.sinks))
	for _, s := range h.sinks {
		sinks = append(sinks, s)
	}
	h.mu.RUnlock()

	if h.fanoutHistogram != nil {
		h.fanoutHistogram.Record(ctx, int64(len(sinks)),
			metric.WithAttributes(telemetry.ListenerAttributes(telemetry.Environment(), it.kind, "")...))
	}

	switch len(sinks) {
	case 0:
		return 0
	case 1:
		if h.deliver(ctx, sinks[0], it) {
			return 1
		}
		return 0
	}

	var accepted atomic.Int64
	p := concpool.New().WithMaxGoroutines(h.cfg.FanoutWorkers)
	for _, s := range sinks {
		target := s
		p.Go(func() {
			if h.deliver(ctx, target, it) {
				accepted.Add(1)
			}
		})
	}
	p.Wait()
	return int(accepted.Load())
}

func (h *Hub) deliver(ctx context.Context, s *sink, it item) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	// A listener that already overflowed gets no grace period until it drains, so one
	// stuck listener costs a publisher at most one DispatchTimeout.
	if s.missed.Load() > 0 && !h.reportOverflow(s) {
		h.drop(ctx, s, it, "overflow")
		return false
	}
	select {
	case s.queue <- it:
		return true
	default:
	}

	timer := time.NewTimer(h.cfg.DispatchTimeout)
	defer timer.Stop()
	select {
	case s.queue <- it:
		return true
	case <-timer.C:
		h.drop(ctx, s, it, "queue_full")
	case <-ctx.Done():
		h.drop(ctx, s, it, "canceled")
	}
	return false
}

// reportOverflow queues an overflow status ahead of the next item when the queue has room.
// Caller holds s.mu.
func (h *Hub) reportOverflow(s *sink) bool {
	missed := s.missed.Load()
	select {
	case s.queue <- item{status: h.overflowStatus(missed), kind: telemetry.ItemStatus}:
		s.missed.Add(^(missed - 1))
		return true
	default:
		return false
	}
}

func (h *Hub) overflowStatus(missed uint64) schema.Status {
	state := schema.ConnectionState(h.state.Load())
	return schema.Status{
		State:     state,
		Previous:  state,
		Category:  schema.CategoryListenerOverflow,
		Operation: "dispatch",
		Dropped:   missed,
	}
}

func (h *Hub) drop(ctx context.Context, s *sink, it item, reason string) {
	s.missed.Add(1)
	h.logger.Printf("listener: dropped %s id=%d reason=%s", it.kind, s.id, reason)
	if h.droppedCounter != nil {
		h.droppedCounter.Add(context.WithoutCancel(ctx), 1,
			metric.WithAttributes(telemetry.ListenerAttributes(telemetry.Environment(), it.kind, reason)...))
	}
}

func (h *Hub) run(s *sink) {
	for it := range s.queue {
		h.invoke(s, it)
	}
	// Losses after the last delivered item are reported before the listener goes away.
	if missed := s.missed.Swap(0); missed > 0 {
		h.invoke(s, item{status: h.overflowStatus(missed), kind: telemetry.ItemStatus})
	}
}

func (h *Hub) invoke(s *sink, it item) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Printf("listener: callback panic id=%d kind=%s: %v", s.id, it.kind, r)
			if h.panicCounter != nil {
				h.panicCounter.Add(context.Background(), 1,
					metric.WithAttributes(telemetry.ListenerAttributes(telemetry.Environment(), it.kind, "panic")...))
			}
		}
	}()
	if it.kind == telemetry.ItemStatus {
		s.listener.OnStatus(it.status)
		return
	}
	s.listener.OnEvent(it.event)
}
