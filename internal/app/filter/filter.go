// Package filter evaluates JavaScript predicates against subscribe events.
package filter

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/app/listener"
	"github.com/coachpo/relay/internal/domain/schema"
)

// DefaultTimeout bounds a single predicate evaluation.
const DefaultTimeout = 100 * time.Millisecond

// errTimeout is the value passed to Interrupt when an evaluation overruns.
var errTimeout = fmt.Errorf("filter evaluation timed out")

// Filter is a compiled predicate. The expression sees the event fields as globals
// (channel, subscription, kind, timetoken, region, publisher, payload, meta) and as the
// object `event`.
type Filter struct {
	source  string
	program *goja.Program
	timeout time.Duration
	logger  *log.Logger

	mu sync.Mutex
	rt *goja.Runtime
}

// Option configures a Filter.
type Option func(*Filter)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Filter) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithLogger sets the logger used for evaluation failures.
func WithLogger(logger *log.Logger) Option {
	return func(f *Filter) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Compile parses expr once; the runtime is reused across evaluations.
func Compile(expr string, opts ...Option) (*Filter, error) {
	source := strings.TrimSpace(expr)
	if source == "" {
		return nil, errs.New("filter/compile", errs.CodeInvalid, errs.WithMessage("filter expression required"))
	}
	program, err := goja.Compile("filter", source, false)
	if err != nil {
		return nil, errs.New("filter/compile", errs.CodeInvalid,
			errs.WithMessage("invalid filter expression"),
			errs.WithField("expr", source),
			errs.WithCause(err))
	}
	f := &Filter{
		source:  source,
		program: program,
		timeout: DefaultTimeout,
		logger:  log.New(os.Stdout, "filter ", log.LstdFlags|log.Lmicroseconds),
		rt:      goja.New(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	f.rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	return f, nil
}

// Source returns the expression text.
func (f *Filter) Source() string {
	return f.source
}

// Match reports whether the predicate is truthy for evt.
func (f *Filter) Match(evt schema.Event) (bool, error) {
	env, err := eventEnv(evt)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for key, value := range env {
		if err := f.rt.Set(key, value); err != nil {
			return false, fmt.Errorf("filter: bind %s: %w", key, err)
		}
	}
	if err := f.rt.Set("event", env); err != nil {
		return false, fmt.Errorf("filter: bind event: %w", err)
	}

	timer := time.AfterFunc(f.timeout, func() { f.rt.Interrupt(errTimeout) })
	value, err := f.rt.RunProgram(f.program)
	timer.Stop()
	f.rt.ClearInterrupt()
	if err != nil {
		return false, errs.New("filter/match", errs.CodeInvalid,
			errs.WithMessage("filter evaluation failed"),
			errs.WithField("expr", f.source),
			errs.WithCause(err))
	}
	if value == nil {
		return false, nil
	}
	return value.ToBoolean(), nil
}

func eventEnv(evt schema.Event) (map[string]any, error) {
	payload, err := decodeJSON(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("filter: decode payload: %w", err)
	}
	meta, err := decodeJSON(evt.Metadata)
	if err != nil {
		return nil, fmt.Errorf("filter: decode meta: %w", err)
	}
	env := map[string]any{
		"channel":      evt.Channel,
		"subscription": evt.Subscription,
		"kind":         evt.Kind.String(),
		"timetoken":    fmt.Sprintf("%d", evt.Timetoken),
		"region":       evt.Region,
		"publisher":    evt.Publisher,
		"payload":      payload,
		"meta":         meta,
	}
	if evt.Presence != nil {
		env["presence"] = map[string]any{
			"action":    string(evt.Presence.Action),
			"uuid":      evt.Presence.UUID,
			"occupancy": evt.Presence.Occupancy,
		}
	}
	return env, nil
}

func decodeJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Wrap returns a listener forwarding only matching events to next. Statuses always pass.
// Evaluation errors drop the event and are logged.
func (f *Filter) Wrap(next listener.Listener) listener.Listener {
	return &filtered{filter: f, next: next}
}

type filtered struct {
	filter *Filter
	next   listener.Listener
}

func (l *filtered) OnEvent(evt schema.Event) {
	ok, err := l.filter.Match(evt)
	if err != nil {
		l.filter.logger.Printf("filter: dropped event channel=%s timetoken=%d: %v", evt.Channel, evt.Timetoken, err)
		return
	}
	if ok {
		l.next.OnEvent(evt)
	}
}

func (l *filtered) OnStatus(status schema.Status) {
	l.next.OnStatus(status)
}
