package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/coachpo/relay/internal/app/engine"
	"github.com/coachpo/relay/internal/app/filter"
	"github.com/coachpo/relay/internal/app/listener"
	"github.com/coachpo/relay/internal/domain/schema"
)

const shutdownTimeout = 10 * time.Second

// eventLine is the JSON line printed for each delivered event.
type eventLine struct {
	Kind         string                 `json:"kind"`
	Channel      string                 `json:"channel"`
	Subscription string                 `json:"subscription,omitempty"`
	Timetoken    string                 `json:"timetoken"`
	Publisher    string                 `json:"publisher,omitempty"`
	Payload      json.RawMessage        `json:"payload,omitempty"`
	Meta         json.RawMessage        `json:"meta,omitempty"`
	Presence     *schema.PresenceChange `json:"presence,omitempty"`
}

func newEventLine(evt schema.Event) eventLine {
	return eventLine{
		Kind:         evt.Kind.String(),
		Channel:      evt.Channel,
		Subscription: evt.Subscription,
		Timetoken:    strconv.FormatUint(evt.Timetoken, 10),
		Publisher:    evt.Publisher,
		Payload:      evt.Payload,
		Meta:         evt.Metadata,
		Presence:     evt.Presence,
	}
}

// printer writes events as JSON lines and logs statuses. It stops the command after limit
// events when limit is positive.
type printer struct {
	mu      sync.Mutex
	enc     *json.Encoder
	logger  *log.Logger
	limit   int
	printed int
	done    context.CancelFunc
}

func newPrinter(out io.Writer, logger *log.Logger, limit int, done context.CancelFunc) *printer {
	return &printer{enc: json.NewEncoder(out), logger: logger, limit: limit, done: done}
}

func (p *printer) OnEvent(evt schema.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit > 0 && p.printed >= p.limit {
		return
	}
	if err := p.enc.Encode(newEventLine(evt)); err != nil {
		p.logger.Printf("write event: %v", err)
		return
	}
	p.printed++
	if p.limit > 0 && p.printed >= p.limit {
		p.done()
	}
}

func (p *printer) OnStatus(status schema.Status) {
	line := fmt.Sprintf("status: category=%s state=%s", status.Category, status.State)
	if status.Attempt > 0 {
		line += fmt.Sprintf(" attempt=%d next_delay=%s", status.Attempt, status.NextDelay)
	}
	if status.Dropped > 0 {
		line += fmt.Sprintf(" dropped=%d", status.Dropped)
	}
	if status.Err != nil {
		line += fmt.Sprintf(" err=%v", status.Err)
	}
	p.logger.Print(line)
}

func newSubscribeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe to channels and groups and print events as JSON lines",
		RunE:  runSubscribe,
	}
	flags := cmd.Flags()
	flags.StringSliceP("channels", "c", nil, "Channels to subscribe to (comma separated)")
	flags.StringSliceP("groups", "g", nil, "Channel groups to subscribe to (comma separated)")
	flags.Bool("presence", false, "Also receive presence events for the subscribed names")
	flags.String("timetoken", "", "Resume from this timetoken instead of the latest position")
	flags.String("filter", "", "JavaScript predicate evaluated per event, e.g. channel === 'room1'")
	flags.Int("limit", 0, "Exit after printing N events (0 = run until interrupted)")
	return cmd
}

func runSubscribe(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}

	channels, _ := cmd.Flags().GetStringSlice("channels")
	groups, _ := cmd.Flags().GetStringSlice("groups")
	withPresence, _ := cmd.Flags().GetBool("presence")
	rawTimetoken, _ := cmd.Flags().GetString("timetoken")
	expr, _ := cmd.Flags().GetString("filter")
	limit, _ := cmd.Flags().GetInt("limit")

	req := engine.SubscribeRequest{Channels: channels, Groups: groups, WithPresence: withPresence}
	if strings.TrimSpace(rawTimetoken) != "" {
		tt, err := schema.ParseTimetoken(strings.TrimSpace(rawTimetoken))
		if err != nil {
			return fmt.Errorf("invalid --timetoken: %w", err)
		}
		req.Cursor = &schema.Cursor{Timetoken: tt}
	}
	if len(channels) == 0 && len(groups) == 0 {
		return fmt.Errorf("at least one of --channels or --groups is required")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	provider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: telemetry: %v", err)
		}
	}()

	cipher, err := buildCipher(cfg)
	if err != nil {
		return err
	}
	transport, releaseTransport, err := buildTransport(cfg, cipher, logger)
	if err != nil {
		return err
	}
	defer releaseTransport()

	store, releaseStore, err := openCursorStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer releaseStore()

	opts, err := buildEngineOptions(cfg, store, cipher, logger)
	if err != nil {
		return err
	}
	eng, err := engine.New(opts, transport)
	if err != nil {
		return err
	}

	var out listener.Listener = newPrinter(cmd.OutOrStdout(), logger, limit, cancel)
	if strings.TrimSpace(expr) != "" {
		f, err := filter.Compile(expr, filter.WithLogger(logger))
		if err != nil {
			return err
		}
		out = f.Wrap(out)
	}
	eng.AddListener(out)

	if err := eng.Start(ctx); err != nil {
		return err
	}
	if err := eng.Subscribe(req); err != nil {
		_ = eng.Stop()
		return err
	}
	logger.Printf("subscribed: channels=%v groups=%v presence=%t transport=%s", channels, groups, withPresence, cfg.Transport.Kind)

	<-ctx.Done()
	logger.Printf("stopping: cursor=%s", eng.Cursor())
	return eng.Stop()
}
