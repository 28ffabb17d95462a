// Package broker is the single narrow client every statuscast component uses to
// reach the shared broker: pub/sub for status events, TTL keys for caches and
// capped lists for the history buffer.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNil is returned by Get when the key does not exist.
	ErrNil = errors.New("broker: nil")
	// ErrUnavailable marks a broker that cannot be reached.
	ErrUnavailable = errors.New("broker: unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker: closed")
)

// Client is implemented once per concrete broker.
type Client interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// ListPush prepends values to the list at key (LPUSH order).
	ListPush(ctx context.Context, key string, values ...[]byte) error
	// ListTrim keeps the inclusive range [start, stop]; negative indexes count from the tail.
	ListTrim(ctx context.Context, key string, start, stop int64) error
	// ListRange returns the inclusive range [start, stop].
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// Subscription delivers raw channel payloads until closed.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Config selects and configures a broker implementation.
type Config struct {
	Driver   string `yaml:"driver" mapstructure:"driver"` // "redis" or "memory"
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// Open builds the client named by cfg.Driver.
func Open(cfg Config) (Client, error) {
	switch cfg.Driver {
	case "", "redis":
		return NewRedis(cfg), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("broker: unknown driver %q", cfg.Driver)
	}
}

// PingWithin pings c and treats a timeout as unavailability.
func PingWithin(ctx context.Context, c Client, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
