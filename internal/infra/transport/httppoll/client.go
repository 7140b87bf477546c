// Package httppoll implements the long-poll HTTP transport: subscribe, presence heartbeat,
// presence leave and publish.
package httppoll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/schema"
	"github.com/coachpo/relay/internal/infra/transport/wire"
)

const (
	defaultOrigin            = "ps.pndsn.com"
	defaultConnectTimeout    = 10 * time.Second
	defaultRequestTimeout    = 10 * time.Second
	defaultRequestsPerSecond = 10
	maxBodyBytes             = 8 << 20
	sdkName                  = "relay-go/1.0"

	// pollGrace bounds a subscribe request whose context carries no deadline.
	pollGrace = 15 * time.Second
)

// Config configures a Client.
type Config struct {
	Origin       string
	Secure       bool
	PublishKey   string
	SubscribeKey string
	UUID         string
	AuthKey      string

	ConnectTimeout time.Duration
	// RequestTimeout bounds heartbeat, leave and publish requests; subscribe uses the poll timeout.
	RequestTimeout time.Duration
	// RequestsPerSecond limits non-subscribe requests; zero uses the default, negative disables.
	RequestsPerSecond float64

	// Encrypter seals published payloads when set.
	Encrypter Encrypter
	// HTTPClient overrides the default client. Its Timeout must be zero or exceed the poll timeout.
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Encrypter seals a payload into the JSON literal that is published.
type Encrypter interface {
	EncryptPayload(payload any) ([]byte, error)
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

// New validates cfg and builds a client.
func New(cfg Config) (*Client, error) {
	cfg.SubscribeKey = strings.TrimSpace(cfg.SubscribeKey)
	if cfg.SubscribeKey == "" {
		return nil, errs.New("httppoll/new", errs.CodeInvalid, errs.WithMessage("subscribe key required"))
	}
	if strings.TrimSpace(cfg.UUID) == "" {
		cfg.UUID = uuid.NewString()
	}
	origin := strings.TrimSpace(cfg.Origin)
	if origin == "" {
		origin = defaultOrigin
	}
	if !strings.Contains(origin, "://") {
		scheme := "http"
		if cfg.Secure {
			scheme = "https"
		}
		origin = scheme + "://" + origin
	}
	base, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return nil, errs.New("httppoll/new", errs.CodeInvalid, errs.WithMessage("invalid origin"), errs.WithCause(err))
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout: cfg.ConnectTimeout,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "httppoll ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Client{cfg: cfg, base: base, http: client, limiter: limiter, logger: logger}, nil
}

// Name identifies the transport in metrics.
func (c *Client) Name() string { return "http" }

// UUID returns the client identity used for presence.
func (c *Client) UUID() string { return c.cfg.UUID }

// Poll issues one long-poll subscribe request. The service holds it for up to timeout.
func (c *Client) Poll(ctx context.Context, cursor schema.Cursor, snapshot schema.Snapshot, timeout time.Duration) (schema.Batch, error) {
	const op = "httppoll/subscribe"
	path := fmt.Sprintf("/v2/subscribe/%s/%s/0", url.PathEscape(c.cfg.SubscribeKey), channelPath(snapshot.SubscribeChannels()))
	query := c.query()
	query.Set("tt", strconv.FormatUint(cursor.Timetoken, 10))
	if cursor.Region != 0 {
		query.Set("tr", strconv.FormatUint(uint64(cursor.Region), 10))
	}
	if groups := snapshot.SubscribeGroups(); len(groups) > 0 {
		query.Set("channel-group", strings.Join(groups, ","))
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+pollGrace)
		defer cancel()
	}

	body, err := c.get(ctx, op, path, query)
	if err != nil {
		return schema.Batch{}, err
	}
	return wire.Decode(body)
}

// Heartbeat renews presence on the subscribed channels and groups.
func (c *Client) Heartbeat(ctx context.Context, snapshot schema.Snapshot, presenceTimeout time.Duration) error {
	const op = "httppoll/heartbeat"
	query := c.query()
	query.Set("heartbeat", strconv.Itoa(int(presenceTimeout/time.Second)))
	if groups := snapshot.GroupNames(); len(groups) > 0 {
		query.Set("channel-group", strings.Join(groups, ","))
	}
	path := fmt.Sprintf("/v2/presence/sub-key/%s/channel/%s/heartbeat", url.PathEscape(c.cfg.SubscribeKey), channelPath(snapshot.ChannelNames()))
	return c.control(ctx, op, path, query)
}

// Leave announces that the client left the given channels and groups.
func (c *Client) Leave(ctx context.Context, snapshot schema.Snapshot) error {
	const op = "httppoll/leave"
	query := c.query()
	if groups := snapshot.GroupNames(); len(groups) > 0 {
		query.Set("channel-group", strings.Join(groups, ","))
	}
	path := fmt.Sprintf("/v2/presence/sub-key/%s/channel/%s/leave", url.PathEscape(c.cfg.SubscribeKey), channelPath(snapshot.ChannelNames()))
	return c.control(ctx, op, path, query)
}

// Publish sends payload to channel and returns the publish timetoken.
func (c *Client) Publish(ctx context.Context, channel string, payload any, meta any) (uint64, error) {
	const op = "httppoll/publish"
	if strings.TrimSpace(c.cfg.PublishKey) == "" {
		return 0, errs.New(op, errs.CodeInvalid, errs.WithMessage("publish key required"))
	}
	if err := schema.ValidateName("channel", channel); err != nil {
		return 0, err
	}
	var (
		body []byte
		err  error
	)
	if c.cfg.Encrypter != nil {
		body, err = c.cfg.Encrypter.EncryptPayload(payload)
	} else {
		body, err = json.Marshal(payload)
	}
	if err != nil {
		return 0, errs.New(op, errs.CodeInvalid, errs.WithMessage("encode payload"), errs.WithCause(err))
	}
	query := c.query()
	if meta != nil {
		encoded, err := json.Marshal(meta)
		if err != nil {
			return 0, errs.New(op, errs.CodeInvalid, errs.WithMessage("encode meta"), errs.WithCause(err))
		}
		query.Set("meta", string(encoded))
	}
	path := fmt.Sprintf("/publish/%s/%s/0/%s/0/%s",
		url.PathEscape(c.cfg.PublishKey), url.PathEscape(c.cfg.SubscribeKey), url.PathEscape(channel), url.PathEscape(string(body)))

	if err := c.wait(ctx, op); err != nil {
		return 0, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	resp, err := c.get(reqCtx, op, path, query)
	if err != nil {
		return 0, err
	}
	return wire.DecodePublish(resp)
}

func (c *Client) control(ctx context.Context, op, path string, query url.Values) error {
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	_, err := c.get(reqCtx, op, path, query)
	return err
}

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New(op, errs.CodeNetworkTimeout, errs.WithMessage("rate limit wait"), errs.WithCause(err))
	}
	return nil
}

func (c *Client) query() url.Values {
	query := url.Values{}
	query.Set("uuid", c.cfg.UUID)
	query.Set("pnsdk", sdkName)
	query.Set("requestid", uuid.NewString())
	if c.cfg.AuthKey != "" {
		query.Set("auth", c.cfg.AuthKey)
	}
	return query
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	endpoint := c.base.String() + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("create request"), errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := wire.StatusError(op, resp.StatusCode, body)
		c.logger.Printf("httppoll: %s status=%d code=%s", op, resp.StatusCode, e.Code)
		return nil, e
	}
	return body, nil
}

func transportError(op string, err error) error {
	var e *errs.E
	if errors.As(err, &e) {
		return err
	}
	return errs.New(op, errs.CodeNetworkTimeout, errs.WithCause(err))
}

// channelPath renders channel names as a path segment; an empty list is addressed as ",".
func channelPath(channels []string) string {
	if len(channels) == 0 {
		return ","
	}
	escaped := make([]string, len(channels))
	for i, name := range channels {
		escaped[i] = url.PathEscape(name)
	}
	return strings.Join(escaped, ",")
}
