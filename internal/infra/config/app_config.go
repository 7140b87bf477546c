// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/relay/internal/app/reconnect"
)

// ClientConfig identifies the client to the service.
type ClientConfig struct {
	Origin       string `yaml:"origin"`
	Secure       bool   `yaml:"secure"`
	PublishKey   string `yaml:"publishKey"`
	SubscribeKey string `yaml:"subscribeKey"`
	UUID         string `yaml:"uuid"`
	AuthKey      string `yaml:"authKey"`
	CipherKey    string `yaml:"cipherKey"`
}

// TransportConfig selects and tunes the subscribe transport.
type TransportConfig struct {
	Kind              TransportKind `yaml:"kind"`
	StreamURL         string        `yaml:"streamURL"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
}

// SubscribeConfig tunes the subscribe loop and listener delivery.
type SubscribeConfig struct {
	PollTimeoutSeconds int           `yaml:"pollTimeoutSeconds"`
	DispatchQueueSize  int           `yaml:"dispatchQueueSize"`
	DispatchTimeout    time.Duration `yaml:"dispatchTimeout"`
	CatchUpWindow      time.Duration `yaml:"catchUpWindow"`
}

// PollTimeout returns the poll timeout as a duration.
func (c SubscribeConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

// HeartbeatConfig configures presence heartbeats. A zero interval disables them.
type HeartbeatConfig struct {
	IntervalSeconds        int    `yaml:"intervalSeconds"`
	PresenceTimeoutSeconds int    `yaml:"presenceTimeoutSeconds"`
	Notify                 string `yaml:"notify"`
}

// Interval returns the heartbeat interval as a duration.
func (c HeartbeatConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// PresenceTimeout returns the presence timeout as a duration.
func (c HeartbeatConfig) PresenceTimeout() time.Duration {
	return time.Duration(c.PresenceTimeoutSeconds) * time.Second
}

// CursorStoreConfig selects the cursor persistence backend.
type CursorStoreConfig struct {
	Kind StoreKind `yaml:"kind"`
	Path string    `yaml:"path"`
	Key  string    `yaml:"key"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/relay"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// AppConfig is the unified Relay client configuration sourced from YAML.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	Client      ClientConfig      `yaml:"client"`
	Transport   TransportConfig   `yaml:"transport"`
	Subscribe   SubscribeConfig   `yaml:"subscribe"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Reconnect   reconnect.Config  `yaml:"reconnect"`
	CursorStore CursorStoreConfig `yaml:"cursorStore"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Database    DatabaseConfig    `yaml:"database"`
}

// Default returns a valid configuration apart from the subscribe key, which has no default.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Client: ClientConfig{
			Origin: "ps.pndsn.com",
			Secure: true,
		},
		Transport: TransportConfig{
			Kind:              TransportHTTP,
			ConnectTimeout:    10 * time.Second,
			RequestTimeout:    10 * time.Second,
			RequestsPerSecond: 10,
		},
		Subscribe: SubscribeConfig{
			PollTimeoutSeconds: 280,
			DispatchQueueSize:  1024,
			DispatchTimeout:    time.Second,
			CatchUpWindow:      10 * time.Minute,
		},
		Heartbeat: HeartbeatConfig{
			PresenceTimeoutSeconds: 300,
			Notify:                 "failures",
		},
		Reconnect: reconnect.Config{
			Policy:     "exponential",
			Delay:      reconnect.DefaultLinearDelay,
			Base:       reconnect.DefaultBase,
			Cap:        reconnect.DefaultCap,
			Jitter:     reconnect.DefaultJitter,
			MaxRetries: reconnect.DefaultExponentialMaxRetries,
		},
		CursorStore: CursorStoreConfig{Kind: StoreNone, Key: "default"},
		Telemetry: TelemetryConfig{
			ServiceName: "relay",
		},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file. Keys absent from the
// file keep their Default values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes YAML over the defaults, normalises and validates.
func Parse(raw []byte) (AppConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normalizeIdentifier(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Client.Origin = strings.TrimSpace(c.Client.Origin)
	c.Client.SubscribeKey = strings.TrimSpace(c.Client.SubscribeKey)
	c.Client.PublishKey = strings.TrimSpace(c.Client.PublishKey)
	c.Client.UUID = strings.TrimSpace(c.Client.UUID)
	if c.Client.UUID == "" {
		c.Client.UUID = uuid.NewString()
	}

	c.Transport.Kind = TransportKind(normalizeIdentifier(string(c.Transport.Kind)))
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportHTTP
	}
	c.Transport.StreamURL = strings.TrimSpace(c.Transport.StreamURL)

	c.Heartbeat.Notify = normalizeIdentifier(c.Heartbeat.Notify)
	if c.Heartbeat.Notify == "" {
		c.Heartbeat.Notify = "failures"
	}
	c.Reconnect.Policy = normalizeIdentifier(c.Reconnect.Policy)

	c.CursorStore.Kind = StoreKind(normalizeIdentifier(string(c.CursorStore.Kind)))
	if c.CursorStore.Kind == "" {
		c.CursorStore.Kind = StoreNone
	}
	c.CursorStore.Key = strings.TrimSpace(c.CursorStore.Key)
	if c.CursorStore.Key == "" {
		c.CursorStore.Key = "default"
	}
	if path := strings.TrimSpace(c.CursorStore.Path); path != "" {
		c.CursorStore.Path = filepath.Clean(path)
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Client.SubscribeKey == "" {
		return fmt.Errorf("client subscribeKey required")
	}

	switch c.Transport.Kind {
	case TransportHTTP:
	case TransportWebsocket:
		if c.Transport.StreamURL == "" {
			return fmt.Errorf("transport streamURL required for websocket transport")
		}
	default:
		return fmt.Errorf("transport kind must be one of http, websocket")
	}
	if c.Transport.ConnectTimeout < 0 || c.Transport.RequestTimeout < 0 {
		return fmt.Errorf("transport timeouts must be >=0")
	}

	if c.Subscribe.PollTimeoutSeconds <= 0 {
		return fmt.Errorf("subscribe pollTimeoutSeconds must be >0")
	}
	if c.Subscribe.DispatchQueueSize <= 0 {
		return fmt.Errorf("subscribe dispatchQueueSize must be >0")
	}
	if c.Subscribe.DispatchTimeout <= 0 {
		return fmt.Errorf("subscribe dispatchTimeout must be >0")
	}
	if c.Subscribe.CatchUpWindow < 0 {
		return fmt.Errorf("subscribe catchUpWindow must be >=0")
	}

	if c.Heartbeat.IntervalSeconds < 0 {
		return fmt.Errorf("heartbeat intervalSeconds must be >=0")
	}
	if c.Heartbeat.IntervalSeconds > 0 && c.Heartbeat.PresenceTimeoutSeconds <= c.Heartbeat.IntervalSeconds {
		return fmt.Errorf("heartbeat presenceTimeoutSeconds (%d) must exceed intervalSeconds (%d)",
			c.Heartbeat.PresenceTimeoutSeconds, c.Heartbeat.IntervalSeconds)
	}
	switch c.Heartbeat.Notify {
	case "failures", "all", "none":
	default:
		return fmt.Errorf("heartbeat notify must be one of failures, all, none")
	}

	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return fmt.Errorf("reconnect jitter must be within [0,1)")
	}
	if _, err := reconnect.FromConfig(c.Reconnect); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}

	switch c.CursorStore.Kind {
	case StoreNone, StoreMemory:
	case StorePebble:
		if strings.TrimSpace(c.CursorStore.Path) == "" {
			return fmt.Errorf("cursorStore path required for pebble")
		}
	case StorePostgres:
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	default:
		return fmt.Errorf("cursorStore kind must be one of none, memory, pebble, postgres")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
