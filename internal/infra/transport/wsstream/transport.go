// Package wsstream implements the subscribe transport over one persistent websocket. Each
// poll, heartbeat and leave is a request frame answered by a reply frame with the same id.
package wsstream

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/schema"
	"github.com/coachpo/relay/internal/infra/transport/wire"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 8 << 20
)

var errClosed = errors.New("wsstream: transport closed")

// Config configures a Transport.
type Config struct {
	URL          string
	SubscribeKey string
	UUID         string
	AuthKey      string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	HTTPClient   *http.Client
	Logger       *log.Logger
}

// Transport redials lazily after a connection failure. It is safe for concurrent use.
type Transport struct {
	cfg    Config
	target string
	logger *log.Logger

	mu      sync.Mutex
	current *session
	closed  bool
}

type session struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	readers conc.WaitGroup

	mu      sync.Mutex
	pending map[string]chan wire.Reply
	err     error
	done    chan struct{}
}

// New validates cfg.
func New(cfg Config) (*Transport, error) {
	if strings.TrimSpace(cfg.SubscribeKey) == "" {
		return nil, errs.New("wsstream/new", errs.CodeInvalid, errs.WithMessage("subscribe key required"))
	}
	target, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || target.Host == "" {
		return nil, errs.New("wsstream/new", errs.CodeInvalid, errs.WithMessage("invalid websocket url"), errs.WithCause(err))
	}
	if strings.TrimSpace(cfg.UUID) == "" {
		cfg.UUID = uuid.NewString()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	query := target.Query()
	query.Set("sub_key", cfg.SubscribeKey)
	query.Set("uuid", cfg.UUID)
	if cfg.AuthKey != "" {
		query.Set("auth", cfg.AuthKey)
	}
	target.RawQuery = query.Encode()

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "wsstream ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Transport{cfg: cfg, target: target.String(), logger: logger}, nil
}

// Name identifies the transport in metrics.
func (t *Transport) Name() string { return "websocket" }

// Poll asks the service for the next batch after cursor and waits for the reply.
func (t *Transport) Poll(ctx context.Context, cursor schema.Cursor, snapshot schema.Snapshot, timeout time.Duration) (schema.Batch, error) {
	const op = "wsstream/subscribe"
	req := wire.NewSubscribeRequest(uuid.NewString(), cursor, snapshot, 0)
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+t.cfg.DialTimeout)
		defer cancel()
	}
	reply, err := t.roundTrip(ctx, op, req)
	if err != nil {
		return schema.Batch{}, err
	}
	return reply.Batch()
}

// Heartbeat renews presence on the subscribed channels and groups.
func (t *Transport) Heartbeat(ctx context.Context, snapshot schema.Snapshot, presenceTimeout time.Duration) error {
	_, err := t.roundTrip(ctx, "wsstream/heartbeat", wire.Request{
		Op:        wire.OpHeartbeat,
		ID:        uuid.NewString(),
		Channels:  snapshot.ChannelNames(),
		Groups:    snapshot.GroupNames(),
		Heartbeat: int(presenceTimeout / time.Second),
	})
	return err
}

// Leave announces that the client left the given channels and groups.
func (t *Transport) Leave(ctx context.Context, snapshot schema.Snapshot) error {
	_, err := t.roundTrip(ctx, "wsstream/leave", wire.Request{
		Op:       wire.OpLeave,
		ID:       uuid.NewString(),
		Channels: snapshot.ChannelNames(),
		Groups:   snapshot.GroupNames(),
	})
	return err
}

// Close tears down the connection. Later calls fail with an unavailable error.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	current := t.current
	t.current = nil
	t.mu.Unlock()
	if current != nil {
		current.close(errClosed)
		current.readers.Wait()
	}
	return nil
}

func (t *Transport) roundTrip(ctx context.Context, op string, req wire.Request) (wire.Reply, error) {
	s, err := t.session(ctx, op)
	if err != nil {
		return wire.Reply{}, err
	}
	replies := s.register(req.ID)
	defer s.unregister(req.ID)

	frame, err := json.Marshal(req)
	if err != nil {
		return wire.Reply{}, errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	writeCtx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	err = s.conn.Write(writeCtx, websocket.MessageText, frame)
	cancel()
	if err != nil {
		t.drop(s, err)
		return wire.Reply{}, errs.New(op, errs.CodeNetworkTimeout, errs.WithMessage("write frame"), errs.WithCause(err))
	}

	select {
	case <-ctx.Done():
		return wire.Reply{}, errs.New(op, errs.CodeNetworkTimeout, errs.WithCause(ctx.Err()))
	case <-s.done:
		return wire.Reply{}, errs.New(op, errs.CodeNetworkTimeout, errs.WithMessage("connection lost"), errs.WithCause(s.failure()))
	case reply := <-replies:
		if reply.Error != nil {
			status := reply.Error.Status
			return wire.Reply{}, errs.New(op, errs.FromHTTPStatus(status),
				errs.WithHTTP(status), errs.WithMessage(reply.Error.Message))
		}
		return reply, nil
	}
}

// session returns the live connection, dialing a new one when needed.
func (t *Transport) session(ctx context.Context, op string) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errs.Unavailable(op)
	}
	if t.current != nil {
		select {
		case <-t.current.done:
			t.current = nil
		default:
			return t.current, nil
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, t.target, &websocket.DialOptions{HTTPClient: t.cfg.HTTPClient})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, errs.New(op, errs.FromHTTPStatus(resp.StatusCode), errs.WithHTTP(resp.StatusCode), errs.WithCause(err))
		}
		return nil, errs.New(op, errs.CodeNetworkTimeout, errs.WithMessage("dial"), errs.WithCause(err))
	}
	conn.SetReadLimit(t.cfg.ReadLimit)

	readCtx, readCancel := context.WithCancel(context.Background())
	s := &session{
		conn:    conn,
		cancel:  readCancel,
		pending: make(map[string]chan wire.Reply),
		done:    make(chan struct{}),
	}
	s.readers.Go(func() { t.readLoop(readCtx, s) })
	t.current = s
	t.logger.Printf("wsstream: connected url=%s", t.cfg.URL)
	return s, nil
}

func (t *Transport) readLoop(ctx context.Context, s *session) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			t.drop(s, err)
			return
		}
		reply, err := wire.DecodeReply(data)
		if err != nil {
			t.logger.Printf("wsstream: discarding frame: %v", err)
			continue
		}
		s.deliver(reply)
	}
}

func (t *Transport) drop(s *session, err error) {
	t.mu.Lock()
	if t.current == s {
		t.current = nil
	}
	t.mu.Unlock()
	if s.close(err) && !errors.Is(err, errClosed) {
		t.logger.Printf("wsstream: connection lost: %v", err)
	}
}

func (s *session) register(id string) chan wire.Reply {
	ch := make(chan wire.Reply, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *session) unregister(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// deliver routes a reply to its waiter; replies nobody waits for any more are dropped.
func (s *session) deliver(reply wire.Reply) {
	s.mu.Lock()
	ch, ok := s.pending[reply.ID]
	delete(s.pending, reply.ID)
	s.mu.Unlock()
	if ok {
		ch <- reply
	}
}

// close fails every waiter once and reports whether this call closed the session.
func (s *session) close(err error) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return false
	}
	s.err = err
	close(s.done)
	s.mu.Unlock()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	s.cancel()
	return true
}

func (s *session) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
