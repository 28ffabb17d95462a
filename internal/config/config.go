// Package config loads the statuscast configuration: a YAML file read with
// viper, overridden by STATUSCAST_* environment variables, on top of the
// defaults set here.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/statuscast/internal/bridge"
	"github.com/ChuLiYu/statuscast/internal/broker"
	"github.com/ChuLiYu/statuscast/internal/history"
	"github.com/ChuLiYu/statuscast/internal/pipeline"
	"github.com/ChuLiYu/statuscast/internal/queue"
	"github.com/ChuLiYu/statuscast/internal/socket"
	"github.com/ChuLiYu/statuscast/internal/stream"
	"github.com/ChuLiYu/statuscast/internal/subjects"
)

const (
	DefaultPath = "configs/statuscast.yaml"
	EnvPrefix   = "STATUSCAST"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	History  HistoryConfig  `mapstructure:"history"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Subjects SubjectsConfig `mapstructure:"subjects"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`

	// settings is the merged view rendered by Render.
	settings map[string]any
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RealtimeConfig struct {
	Disabled                bool          `mapstructure:"disabled"`
	HeartbeatInterval       time.Duration `mapstructure:"heartbeat_interval"`
	MaxConnectionsPerUser   int           `mapstructure:"max_connections_per_user"`
	MaxBufferedBytes        int64         `mapstructure:"max_buffered_bytes"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	StreamHeartbeatInterval time.Duration `mapstructure:"stream_heartbeat_interval"`
}

type HistoryConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	MaxEntries    int           `mapstructure:"max_entries"`
	MaxReplay     int           `mapstructure:"max_replay"`
	AppendTimeout time.Duration `mapstructure:"append_timeout"`
}

type BrokerConfig struct {
	broker.Config `mapstructure:",squash"`
	Channel       string        `mapstructure:"channel"`
	PingTimeout   time.Duration `mapstructure:"ping_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	Scope     string `mapstructure:"scope"`
}

type QueueConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BackoffDelay     time.Duration `mapstructure:"backoff_delay"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
	SettleInterval   time.Duration `mapstructure:"settle_interval"`
	WALPath          string        `mapstructure:"wal_path"`
	SyncWAL          bool          `mapstructure:"sync_wal"`
	SnapshotPath     string        `mapstructure:"snapshot_path"`
	SnapshotSchedule string        `mapstructure:"snapshot_schedule"`
}

type SubjectsConfig struct {
	subjects.Config `mapstructure:",squash"`
	OwnerCacheSize  int           `mapstructure:"owner_cache_size"`
	OwnerCacheTTL   time.Duration `mapstructure:"owner_cache_ttl"`
}

type PipelineConfig struct {
	Stages []pipeline.StageConfig `mapstructure:"stages"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads path (DefaultPath when empty) and applies environment
// overrides. A missing file at the default path is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.settings = v.AllSettings()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{})

	v.SetDefault("realtime.disabled", false)
	v.SetDefault("realtime.heartbeat_interval", "25s")
	v.SetDefault("realtime.max_connections_per_user", 5)
	v.SetDefault("realtime.max_buffered_bytes", 65536)
	v.SetDefault("realtime.write_timeout", "10s")
	v.SetDefault("realtime.stream_heartbeat_interval", "25s")

	v.SetDefault("history.ttl", "24h")
	v.SetDefault("history.max_entries", 100)
	v.SetDefault("history.max_replay", 50)
	v.SetDefault("history.append_timeout", "250ms")

	v.SetDefault("broker.driver", "redis")
	v.SetDefault("broker.addr", "localhost:6379")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.db", 0)
	v.SetDefault("broker.channel", bridge.DefaultChannel)
	v.SetDefault("broker.ping_timeout", "500ms")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.scope", "")

	v.SetDefault("queue.concurrency", 2)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_delay", "1s")
	v.SetDefault("queue.job_timeout", "5m")
	v.SetDefault("queue.settle_interval", "5s")
	v.SetDefault("queue.wal_path", "data/queue.wal")
	v.SetDefault("queue.sync_wal", true)
	v.SetDefault("queue.snapshot_path", "data/queue.snapshot.gz")
	v.SetDefault("queue.snapshot_schedule", "@every 30s")

	v.SetDefault("subjects.driver", "sqlite3")
	v.SetDefault("subjects.dsn", "file:data/subjects.db?_busy_timeout=5000")
	v.SetDefault("subjects.owner_cache_size", 1024)
	v.SetDefault("subjects.owner_cache_ttl", "10m")

	v.SetDefault("pipeline.stages", []any{})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("grpc.addr", ":50051")
}

// Validate reports every out-of-range option at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	_, levelErr := parseLevel(c.Log.Level)
	check(levelErr == nil, "log.level %q", c.Log.Level)
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format %q", c.Log.Format)

	check(c.Realtime.HeartbeatInterval > 0, "realtime.heartbeat_interval must be positive")
	check(c.Realtime.StreamHeartbeatInterval > 0, "realtime.stream_heartbeat_interval must be positive")
	check(c.Realtime.MaxConnectionsPerUser > 0, "realtime.max_connections_per_user must be positive")
	check(c.Realtime.MaxBufferedBytes > 0, "realtime.max_buffered_bytes must be positive")
	check(c.Realtime.WriteTimeout > 0, "realtime.write_timeout must be positive")

	check(c.History.TTL > 0, "history.ttl must be positive")
	check(c.History.MaxEntries > 0, "history.max_entries must be positive")
	check(c.History.MaxReplay > 0, "history.max_replay must be positive")
	check(c.History.AppendTimeout > 0, "history.append_timeout must be positive")

	check(c.Broker.Driver == "redis" || c.Broker.Driver == "memory", "broker.driver %q", c.Broker.Driver)
	check(c.Broker.Channel != "", "broker.channel is required")
	check(c.Broker.PingTimeout > 0, "broker.ping_timeout must be positive")

	check(c.Queue.Concurrency > 0, "queue.concurrency must be positive")
	check(c.Queue.MaxAttempts > 0, "queue.max_attempts must be positive")
	check(c.Queue.BackoffDelay > 0, "queue.backoff_delay must be positive")
	check(c.Queue.WALPath != "", "queue.wal_path is required")
	check(c.Queue.SnapshotPath != "", "queue.snapshot_path is required")

	check(c.Subjects.Driver == "sqlite3" || c.Subjects.Driver == "mysql", "subjects.driver %q", c.Subjects.Driver)
	check(c.Subjects.DSN != "", "subjects.dsn is required")

	for i, st := range c.Pipeline.Stages {
		check(st.Name != "" && st.URL != "", "pipeline.stages[%d] needs name and url", i)
	}
	return errors.Join(errs...)
}

// Render returns the effective configuration as YAML with secrets masked.
func (c *Config) Render() ([]byte, error) {
	settings := c.settings
	if settings == nil {
		settings = map[string]any{}
	}
	masked := maskSecrets(settings)
	out, err := yaml.Marshal(masked)
	if err != nil {
		return nil, fmt.Errorf("config: render: %w", err)
	}
	return out, nil
}

var secretKeys = map[string]bool{"jwt_secret": true, "password": true}

func maskSecrets(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = maskSecrets(val)
		default:
			if secretKeys[k] && fmt.Sprint(val) != "" {
				out[k] = "********"
			} else {
				out[k] = val
			}
		}
	}
	return out
}

// NewLogger builds the process logger on w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", s, err)
	}
	return level, nil
}

// ============================================================================
// Component options
// ============================================================================

func (c *Config) SocketOptions() socket.Options {
	opts := socket.DefaultOptions()
	opts.Disabled = c.Realtime.Disabled
	opts.HeartbeatInterval = c.Realtime.HeartbeatInterval
	opts.MaxConnectionsPerUser = c.Realtime.MaxConnectionsPerUser
	opts.MaxBufferedBytes = c.Realtime.MaxBufferedBytes
	opts.WriteTimeout = c.Realtime.WriteTimeout
	return opts
}

func (c *Config) StreamOptions() stream.Options {
	opts := stream.DefaultOptions()
	opts.Disabled = c.Realtime.Disabled
	opts.HeartbeatInterval = c.Realtime.StreamHeartbeatInterval
	opts.MaxConnectionsPerUser = c.Realtime.MaxConnectionsPerUser
	opts.MaxBufferedBytes = c.Realtime.MaxBufferedBytes
	opts.WriteTimeout = c.Realtime.WriteTimeout
	return opts
}

func (c *Config) HistoryOptions() history.Options {
	opts := history.DefaultOptions()
	opts.TTL = c.History.TTL
	opts.MaxEntries = c.History.MaxEntries
	opts.MaxReplay = c.History.MaxReplay
	return opts
}

func (c *Config) BridgeOptions() bridge.Options {
	opts := bridge.DefaultOptions()
	opts.Channel = c.Broker.Channel
	opts.AppendTimeout = c.History.AppendTimeout
	return opts
}

func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		Concurrency:      c.Queue.Concurrency,
		MaxAttempts:      c.Queue.MaxAttempts,
		BackoffDelay:     c.Queue.BackoffDelay,
		JobTimeout:       c.Queue.JobTimeout,
		SettleInterval:   c.Queue.SettleInterval,
		PingTimeout:      c.Broker.PingTimeout,
		Channel:          c.Broker.Channel,
		WALPath:          c.Queue.WALPath,
		SyncWAL:          c.Queue.SyncWAL,
		SnapshotPath:     c.Queue.SnapshotPath,
		SnapshotSchedule: c.Queue.SnapshotSchedule,
	}
}

func (c *Config) ResolverOptions() subjects.ResolverOptions {
	return subjects.ResolverOptions{
		CacheSize: c.Subjects.OwnerCacheSize,
		CacheTTL:  c.Subjects.OwnerCacheTTL,
	}
}
