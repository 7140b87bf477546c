package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/relay/internal/app/engine"
	"github.com/coachpo/relay/internal/infra/config"
	"github.com/coachpo/relay/internal/infra/persistence/memory"
)

func writeConfig(t *testing.T, origin string, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	body := fmt.Sprintf("client:\n  origin: %s\n  subscribeKey: sub-c\n  publishKey: pub-c\n  uuid: cli-test\n%s", origin, extra)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append(args, "--quiet"))
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestPublishPrintsTimetoken(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = io.WriteString(w, `[1,"Sent","17000000000000123"]`)
	}))
	defer srv.Close()

	out, err := execute(t, "publish", "--config", writeConfig(t, srv.URL, ""), "--channel", "room1", "-m", `{"text":"hi"}`)
	require.NoError(t, err)
	require.Equal(t, "17000000000000123\n", out)
	require.True(t, strings.HasPrefix(gotPath, "/publish/pub-c/sub-c/0/room1/0/"), gotPath)
}

func TestSubscribePrintsEventsUntilLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v2/subscribe/") {
			_, _ = io.WriteString(w, `{"status":200}`)
			return
		}
		switch r.URL.Query().Get("tt") {
		case "0":
			_, _ = io.WriteString(w, `{"t":{"t":"100","r":1},"m":[]}`)
		case "100":
			_, _ = io.WriteString(w, `{"t":{"t":"102","r":1},"m":[`+
				`{"p":{"t":"100","r":1},"c":"room1","d":{"n":1}},`+
				`{"p":{"t":"101","r":1},"c":"room2","d":{"n":2}}]}`)
		default:
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	out, err := execute(t, "subscribe", "--config", writeConfig(t, srv.URL, ""),
		"-c", "room1,room2", "--filter", "payload.n === 2", "--limit", "1")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	var line eventLine
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &line))
	require.Equal(t, "message", line.Kind)
	require.Equal(t, "room2", line.Channel)
	require.Equal(t, "101", line.Timetoken)
	require.JSONEq(t, `{"n":2}`, string(line.Payload))
}

func TestSubscribeRequiresNames(t *testing.T) {
	_, err := execute(t, "subscribe", "--config", writeConfig(t, "http://127.0.0.1:1", ""))
	require.ErrorContains(t, err, "--channels or --groups")
}

func TestExplicitMissingConfigFails(t *testing.T) {
	_, err := execute(t, "publish", "--config", filepath.Join(t.TempDir(), "absent.yaml"), "--channel", "a", "-m", "x")
	require.Error(t, err)
}

func TestBuildEngineOptionsFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`
client:
  subscribeKey: sub-c
  cipherKey: enigma
heartbeat:
  intervalSeconds: 30
  presenceTimeoutSeconds: 90
  notify: all
reconnect:
  policy: linear
  delay: 1s
  maxRetries: 3
cursorStore:
  kind: memory
  key: worker
`))
	require.NoError(t, err)
	logger := log.New(io.Discard, "", 0)

	cipher, err := buildCipher(cfg)
	require.NoError(t, err)
	require.NotNil(t, cipher)

	store, release, err := openCursorStore(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer release()
	require.IsType(t, &memory.CursorStore{}, store)

	opts, err := buildEngineOptions(cfg, store, cipher, logger)
	require.NoError(t, err)
	require.Equal(t, "linear", opts.Policy.Name())
	require.Equal(t, 30*time.Second, opts.Heartbeat.Interval)
	require.Equal(t, 90*time.Second, opts.Heartbeat.PresenceTimeout)
	require.Equal(t, engine.NotifyAll, opts.Heartbeat.Notify)
	require.Equal(t, "worker", opts.CursorKey)
	require.NotNil(t, opts.Decrypter)

	transport, releaseTransport, err := buildTransport(cfg, cipher, logger)
	require.NoError(t, err)
	defer releaseTransport()
	_, err = engine.New(opts, transport)
	require.NoError(t, err)
}

func TestMessagePayloadKeepsJSON(t *testing.T) {
	require.Equal(t, json.RawMessage(`{"a":1}`), messagePayload(` {"a":1} `))
	require.Equal(t, json.RawMessage(`42`), messagePayload("42"))
	require.Equal(t, "hello world", messagePayload("hello world"))
}
