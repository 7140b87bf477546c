package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/app/listener"
	"github.com/coachpo/relay/internal/app/reconnect"
	"github.com/coachpo/relay/internal/domain/cursorstore"
	"github.com/coachpo/relay/internal/domain/schema"
)

const (
	// DefaultPollTimeout is the long-poll hold time requested from the service.
	DefaultPollTimeout = 280 * time.Second
	// DefaultPresenceTimeout is the server-side presence expiry announced with heartbeats.
	DefaultPresenceTimeout = 300 * time.Second
	// DefaultCatchUpWindow bounds how stale a resumed cursor may be.
	DefaultCatchUpWindow = 10 * time.Minute
	// DefaultCursorKey names the stored cursor when no key is configured.
	DefaultCursorKey = "default"

	// pollGrace is added to the poll timeout before the engine itself abandons a poll.
	pollGrace      = 15 * time.Second
	leaveTimeout   = 5 * time.Second
	storeTimeout   = 5 * time.Second
	minPollTimeout = time.Second
)

// Transport performs the network calls of the subscribe and heartbeat loops.
// Poll blocks for up to timeout and returns an empty batch when nothing arrived.
type Transport interface {
	Poll(ctx context.Context, cursor schema.Cursor, snapshot schema.Snapshot, timeout time.Duration) (schema.Batch, error)
	Heartbeat(ctx context.Context, snapshot schema.Snapshot, presenceTimeout time.Duration) error
}

// Leaver is implemented by transports that can announce presence leave on unsubscribe.
type Leaver interface {
	Leave(ctx context.Context, snapshot schema.Snapshot) error
}

// Decrypter turns an encrypted message payload back into JSON.
type Decrypter interface {
	DecryptPayload(raw []byte) ([]byte, error)
}

type namer interface {
	Name() string
}

// NotifyMode selects which heartbeat results become statuses.
type NotifyMode string

const (
	NotifyFailures NotifyMode = "failures"
	NotifyAll      NotifyMode = "all"
	NotifyNone     NotifyMode = "none"
)

// HeartbeatConfig configures the presence heartbeat loop. A zero Interval disables it.
type HeartbeatConfig struct {
	Interval        time.Duration
	PresenceTimeout time.Duration
	Notify          NotifyMode
}

// Validate enforces that the presence timeout outlives a missed heartbeat.
func (c HeartbeatConfig) Validate() error {
	if c.Interval < 0 {
		return errs.New("engine/heartbeat", errs.CodeInvalid, errs.WithMessage("heartbeat interval must not be negative"))
	}
	if c.Interval == 0 {
		return nil
	}
	if c.PresenceTimeout <= c.Interval {
		return errs.New("engine/heartbeat", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("presence timeout %s must exceed heartbeat interval %s", c.PresenceTimeout, c.Interval)))
	}
	switch c.Notify {
	case NotifyFailures, NotifyAll, NotifyNone:
	default:
		return errs.New("engine/heartbeat", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown heartbeat notify mode %q", c.Notify)))
	}
	return nil
}

// Options configures an Engine.
type Options struct {
	PollTimeout time.Duration
	Policy      reconnect.Policy
	Heartbeat   HeartbeatConfig
	Listener    listener.Config

	// CursorStore persists the delivered cursor; nil keeps it in memory only.
	CursorStore cursorstore.Store
	CursorKey   string
	// CatchUpWindow bounds cursor staleness on resume and while failing; zero disables resets.
	CatchUpWindow time.Duration

	Decrypter Decrypter
	Logger    *log.Logger
	// Clock is overridable for tests.
	Clock func() time.Time
}

func (o Options) normalize() Options {
	if o.PollTimeout == 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.Policy == nil {
		o.Policy = reconnect.NewExponential(0, 0, reconnect.DefaultJitter, 0, false)
	}
	if o.Heartbeat.Interval > 0 && o.Heartbeat.PresenceTimeout == 0 {
		o.Heartbeat.PresenceTimeout = DefaultPresenceTimeout
	}
	if o.Heartbeat.Notify == "" {
		o.Heartbeat.Notify = NotifyFailures
	}
	if o.CursorStore == nil {
		o.CursorStore = cursorstore.Nop{}
	}
	o.CursorKey = strings.TrimSpace(o.CursorKey)
	if o.CursorKey == "" {
		o.CursorKey = DefaultCursorKey
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stdout, "engine ", log.LstdFlags|log.Lmicroseconds)
	}
	if o.Listener.Logger == nil {
		o.Listener.Logger = o.Logger
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Validate reports configuration mistakes.
func (o Options) Validate() error {
	if o.PollTimeout < minPollTimeout {
		return errs.New("engine/options", errs.CodeInvalid, errs.WithMessage("poll timeout must be at least 1s"))
	}
	if o.CatchUpWindow < 0 {
		return errs.New("engine/options", errs.CodeInvalid, errs.WithMessage("catch-up window must not be negative"))
	}
	return o.Heartbeat.Validate()
}

// HeartbeatState is the observable heartbeat configuration and progress.
type HeartbeatState struct {
	IntervalSeconds        uint
	PresenceTimeoutSeconds uint
	LastSentAt             time.Time
}

// SubscribeRequest adds channels and groups. A non-nil Cursor repositions the stream.
type SubscribeRequest struct {
	Channels     []string
	Groups       []string
	WithPresence bool
	Cursor       *schema.Cursor
}
