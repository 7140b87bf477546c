package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coachpo/relay/internal/app/engine"
	"github.com/coachpo/relay/internal/app/listener"
	"github.com/coachpo/relay/internal/app/reconnect"
	"github.com/coachpo/relay/internal/domain/cursorstore"
	"github.com/coachpo/relay/internal/infra/config"
	"github.com/coachpo/relay/internal/infra/crypto"
	"github.com/coachpo/relay/internal/infra/persistence/memory"
	"github.com/coachpo/relay/internal/infra/persistence/migrations"
	pebblestore "github.com/coachpo/relay/internal/infra/persistence/pebble"
	"github.com/coachpo/relay/internal/infra/persistence/postgres"
	"github.com/coachpo/relay/internal/infra/telemetry"
	"github.com/coachpo/relay/internal/infra/transport/httppoll"
	"github.com/coachpo/relay/internal/infra/transport/wsstream"
)

// loadConfig reads the configuration file, falling back to defaults when the default path is
// absent, then applies command line overrides.
func loadConfig(cmd *cobra.Command, logger *log.Logger) (config.AppConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cmd.Context(), path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("config") {
			return config.AppConfig{}, err
		}
		logger.Printf("configuration file not found, using defaults: path=%s", path)
		cfg = config.Default()
	}

	overrides := map[string]*string{
		"subscribe-key": &cfg.Client.SubscribeKey,
		"publish-key":   &cfg.Client.PublishKey,
		"origin":        &cfg.Client.Origin,
		"uuid":          &cfg.Client.UUID,
	}
	for name, target := range overrides {
		if value, _ := cmd.Flags().GetString(name); strings.TrimSpace(value) != "" {
			*target = strings.TrimSpace(value)
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.AppConfig{}, fmt.Errorf("invalid config: %w", err)
	}
	telemetry.SetEnvironment(string(cfg.Environment))
	return cfg, nil
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = telemetryCfg.OTLPInsecure || cfg.Telemetry.OTLPInsecure
	if cfg.Telemetry.EnableMetrics {
		telemetryCfg.Enabled = true
		telemetryCfg.EnableMetrics = true
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	}
	return provider, nil
}

func buildCipher(cfg config.AppConfig) (*crypto.Cipher, error) {
	if cfg.Client.CipherKey == "" {
		return nil, nil
	}
	return crypto.New(cfg.Client.CipherKey)
}

func buildPublisher(cfg config.AppConfig, cipher *crypto.Cipher, logger *log.Logger) (*httppoll.Client, error) {
	httpCfg := httppoll.Config{
		Origin:            cfg.Client.Origin,
		Secure:            cfg.Client.Secure,
		PublishKey:        cfg.Client.PublishKey,
		SubscribeKey:      cfg.Client.SubscribeKey,
		UUID:              cfg.Client.UUID,
		AuthKey:           cfg.Client.AuthKey,
		ConnectTimeout:    cfg.Transport.ConnectTimeout,
		RequestTimeout:    cfg.Transport.RequestTimeout,
		RequestsPerSecond: cfg.Transport.RequestsPerSecond,
		Logger:            logger,
	}
	if cipher != nil {
		httpCfg.Encrypter = cipher
	}
	return httppoll.New(httpCfg)
}

// buildTransport returns the subscribe transport and a release function.
func buildTransport(cfg config.AppConfig, cipher *crypto.Cipher, logger *log.Logger) (engine.Transport, func(), error) {
	switch cfg.Transport.Kind {
	case config.TransportWebsocket:
		tr, err := wsstream.New(wsstream.Config{
			URL:          cfg.Transport.StreamURL,
			SubscribeKey: cfg.Client.SubscribeKey,
			UUID:         cfg.Client.UUID,
			AuthKey:      cfg.Client.AuthKey,
			DialTimeout:  cfg.Transport.ConnectTimeout,
			WriteTimeout: cfg.Transport.RequestTimeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return tr, func() { _ = tr.Close() }, nil
	default:
		client, err := buildPublisher(cfg, cipher, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	}
}

// openCursorStore returns nil for the none kind so the engine keeps the cursor in memory.
func openCursorStore(ctx context.Context, cfg config.AppConfig, logger *log.Logger) (cursorstore.Store, func(), error) {
	switch cfg.CursorStore.Kind {
	case config.StoreMemory:
		return memory.NewCursorStore(), func() {}, nil
	case config.StorePebble:
		store, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.CursorStore.Path})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Printf("cursor store close: %v", err)
			}
		}, nil
	case config.StorePostgres:
		db := cfg.Database
		if db.RunMigrations {
			if err := migrations.Apply(ctx, db.DSN, "", logger); err != nil {
				return nil, nil, err
			}
		}
		pool, err := postgres.Connect(ctx, "cursor", postgres.PoolOptions{
			DSN:               db.DSN,
			MaxConns:          db.MaxConns,
			MinConns:          db.MinConns,
			MaxConnLifetime:   db.MaxConnLifetime,
			MaxConnIdleTime:   db.MaxConnIdleTime,
			HealthCheckPeriod: db.HealthCheckPeriod,
		})
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewCursorStore(pool), pool.Close, nil
	default:
		return nil, func() {}, nil
	}
}

func buildEngineOptions(cfg config.AppConfig, store cursorstore.Store, cipher *crypto.Cipher, logger *log.Logger) (engine.Options, error) {
	policy, err := reconnect.FromConfig(cfg.Reconnect)
	if err != nil {
		return engine.Options{}, err
	}
	opts := engine.Options{
		PollTimeout: cfg.Subscribe.PollTimeout(),
		Policy:      policy,
		Heartbeat: engine.HeartbeatConfig{
			Interval:        cfg.Heartbeat.Interval(),
			PresenceTimeout: cfg.Heartbeat.PresenceTimeout(),
			Notify:          engine.NotifyMode(cfg.Heartbeat.Notify),
		},
		Listener: listener.Config{
			QueueSize:       cfg.Subscribe.DispatchQueueSize,
			DispatchTimeout: cfg.Subscribe.DispatchTimeout,
			Logger:          logger,
		},
		CursorStore:   store,
		CursorKey:     cfg.CursorStore.Key,
		CatchUpWindow: cfg.Subscribe.CatchUpWindow,
		Logger:        logger,
	}
	if cipher != nil {
		opts.Decrypter = cipher
	}
	return opts, opts.Validate()
}
