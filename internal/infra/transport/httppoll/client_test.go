package httppoll

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/app/engine"
	"github.com/coachpo/relay/internal/app/listener"
	"github.com/coachpo/relay/internal/app/reconnect"
	"github.com/coachpo/relay/internal/domain/schema"
	"github.com/coachpo/relay/internal/infra/crypto"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := Config{
		Origin:            srv.URL,
		PublishKey:        "pub-c",
		SubscribeKey:      "sub-c",
		UUID:              "client-1",
		AuthKey:           "token",
		RequestsPerSecond: -1,
		Logger:            log.New(io.Discard, "", 0),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	client, err := New(cfg)
	require.NoError(t, err)
	return client
}

func TestPollBuildsSubscribeRequest(t *testing.T) {
	var got *http.Request
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = io.WriteString(w, `{"t":{"t":"101","r":4},"m":[{"p":{"t":"100","r":4},"c":"room1","d":"hi"}]}`)
	})
	snap := schema.Snapshot{
		Channels: []schema.Entry{{Name: "room1", Presence: true}, {Name: "room2"}},
		Groups:   []schema.Entry{{Name: "lobby"}},
	}

	batch, err := client.Poll(context.Background(), schema.Cursor{Timetoken: 99, Region: 4}, snap, time.Second)
	require.NoError(t, err)
	require.Equal(t, schema.Cursor{Timetoken: 101, Region: 4}, batch.Next)
	require.Len(t, batch.Events, 1)
	require.Equal(t, `"hi"`, string(batch.Events[0].Payload))

	require.Equal(t, "/v2/subscribe/sub-c/room1,room1-pnpres,room2/0", got.URL.Path)
	query := got.URL.Query()
	require.Equal(t, "99", query.Get("tt"))
	require.Equal(t, "4", query.Get("tr"))
	require.Equal(t, "lobby", query.Get("channel-group"))
	require.Equal(t, "client-1", query.Get("uuid"))
	require.Equal(t, "token", query.Get("auth"))
	require.NotEmpty(t, query.Get("requestid"))
}

func TestPollClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		code      errs.Code
		retryable bool
	}{
		{"forbidden", http.StatusForbidden, `{"status":403,"error":true,"message":"Forbidden"}`, errs.CodeAuthDenied, false},
		{"bad request", http.StatusBadRequest, `{"status":400,"error":true,"message":"Invalid channel"}`, errs.CodeSubscriptionConflict, false},
		{"uri too long", http.StatusRequestURITooLong, ``, errs.CodeSubscriptionConflict, false},
		{"server error", http.StatusBadGateway, `upstream`, errs.CodeServerError, true},
		{"malformed", http.StatusOK, `{"t":`, errs.CodeMalformedResponse, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			_, err := client.Poll(context.Background(), schema.Cursor{}, schema.Snapshot{Channels: []schema.Entry{{Name: "a"}}}, time.Second)
			require.Error(t, err)
			require.Equal(t, tc.code, errs.KindOf(err))
			require.Equal(t, tc.retryable, errs.Retryable(err))
		})
	}
}

func TestPollCancelledWhileHeld(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Poll(ctx, schema.Cursor{}, schema.Snapshot{Channels: []schema.Entry{{Name: "a"}}}, time.Minute)
	require.Equal(t, errs.CodeNetworkTimeout, errs.KindOf(err))
}

func TestPollUnreachableIsNetworkTimeout(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	origin := srv.URL
	srv.Close()
	client, err := New(Config{Origin: origin, SubscribeKey: "sub-c", Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	_, err = client.Poll(context.Background(), schema.Cursor{}, schema.Snapshot{Channels: []schema.Entry{{Name: "a"}}}, time.Second)
	require.Equal(t, errs.CodeNetworkTimeout, errs.KindOf(err))
}

func TestHeartbeatAndLeave(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var heartbeat string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/heartbeat") {
			heartbeat = r.URL.Query().Get("heartbeat")
		}
		mu.Unlock()
		_, _ = io.WriteString(w, `{"status":200,"message":"OK","service":"Presence"}`)
	})
	snap := schema.Snapshot{Channels: []schema.Entry{{Name: "room", Presence: true}}, Groups: []schema.Entry{{Name: "lobby"}}}

	require.NoError(t, client.Heartbeat(context.Background(), snap, 300*time.Second))
	require.NoError(t, client.Leave(context.Background(), schema.Snapshot{Groups: []schema.Entry{{Name: "lobby"}}}))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"/v2/presence/sub-key/sub-c/channel/room/heartbeat",
		"/v2/presence/sub-key/sub-c/channel/,/leave",
	}, paths)
	require.Equal(t, "300", heartbeat)
}

func TestPublishEncryptsPayload(t *testing.T) {
	cipher, err := crypto.New("enigma")
	require.NoError(t, err)

	var path, meta string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		meta = r.URL.Query().Get("meta")
		_, _ = io.WriteString(w, `[1,"Sent","17000000000000042"]`)
	}, func(cfg *Config) { cfg.Encrypter = cipher })

	tt, err := client.Publish(context.Background(), "room1", map[string]string{"text": "hi"}, map[string]string{"lang": "en"})
	require.NoError(t, err)
	require.Equal(t, uint64(17000000000000042), tt)
	require.JSONEq(t, `{"lang":"en"}`, meta)

	prefix := "/publish/pub-c/sub-c/0/room1/0/"
	require.True(t, strings.HasPrefix(path, prefix), path)
	sealed := strings.TrimPrefix(path, prefix)
	plain, err := cipher.DecryptPayload([]byte(sealed))
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"hi"}`, string(plain))
}

func TestPublishRequiresPublishKey(t *testing.T) {
	client := newTestClient(t, func(http.ResponseWriter, *http.Request) {}, func(cfg *Config) { cfg.PublishKey = "" })
	_, err := client.Publish(context.Background(), "room1", "hi", nil)
	require.Equal(t, errs.CodeInvalid, errs.KindOf(err))
}

func TestNewRequiresSubscribeKey(t *testing.T) {
	_, err := New(Config{})
	require.Equal(t, errs.CodeInvalid, errs.KindOf(err))
}

func TestEngineOverLongPoll(t *testing.T) {
	var mu sync.Mutex
	var cursors []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		tt := r.URL.Query().Get("tt")
		mu.Lock()
		cursors = append(cursors, tt)
		mu.Unlock()
		switch tt {
		case "0":
			_, _ = io.WriteString(w, `{"t":{"t":"100","r":1},"m":[]}`)
		case "100":
			_, _ = io.WriteString(w, `{"t":{"t":"101","r":1},"m":[{"p":{"t":"100","r":1},"c":"room1","d":{"text":"hello"}}]}`)
		default:
			<-r.Context().Done()
		}
	})

	eng, err := engine.New(engine.Options{
		PollTimeout: 5 * time.Second,
		Policy:      reconnect.NewLinear(10*time.Millisecond, 3, false),
		Logger:      log.New(io.Discard, "", 0),
	}, client)
	require.NoError(t, err)
	events := make(chan schema.Event, 4)
	eng.AddListener(listener.Funcs{Event: func(evt schema.Event) { events <- evt }})
	require.NoError(t, eng.Start(context.Background()))
	defer func() { _ = eng.Stop() }()

	require.NoError(t, eng.Subscribe(engine.SubscribeRequest{Channels: []string{"room1"}}))
	select {
	case evt := <-events:
		require.Equal(t, "room1", evt.Channel)
		require.JSONEq(t, `{"text":"hello"}`, string(evt.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	require.Eventually(t, func() bool { return eng.Cursor().Timetoken == 101 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"0", "100"}, cursors[:2])
	mu.Unlock()
}
