// Package cache provides the commands and health check of a valkey-compatible
// cache resource.
package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/stackwire/pkg/engine"
)

// Config describes how to reach a cache.
type Config struct {
	// Address is host:port of the cache.
	Address string `json:"address" validate:"required,hostname_port"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// DB is the logical database selected after connecting.
	DB int `json:"db,omitempty" validate:"gte=0"`

	TLSEnabled bool `json:"tls_enabled,omitempty"`

	// DialTimeout defaults to 5s.
	DialTimeout time.Duration `json:"dial_timeout,omitempty"`
}

// Flusher is the cache surface used by commands and health checks.
type Flusher interface {
	Flush(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Client is a valkey client. It is safe for concurrent use.
type Client struct {
	client valkey.Client
	addr   string

	// Concurrent flushes share one round trip.
	flushes singleflight.Group
}

// NewClient connects to the cache described by cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, engine.NewPermanentError("cache address is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	opt := valkey.ClientOption{
		InitAddress:  []string{cfg.Address},
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	}
	opt.Dialer.Timeout = timeout
	if cfg.TLSEnabled {
		opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, engine.NewTransientError(fmt.Sprintf("failed to connect to cache at %s", cfg.Address), err).
			WithCode(engine.ErrCodeStartFailed)
	}
	return &Client{client: client, addr: cfg.Address}, nil
}

// Flush removes every key from every database.
func (c *Client) Flush(ctx context.Context) error {
	_, err, _ := c.flushes.Do("flushall", func() (interface{}, error) {
		return nil, c.client.Do(ctx, c.client.B().Flushall().Build()).Error()
	})
	if err != nil {
		return fmt.Errorf("flush %s: %w", c.addr, err)
	}
	return nil
}

// Ping checks that the cache answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Do(ctx, c.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("ping %s: %w", c.addr, err)
	}
	return nil
}

// Close releases the connections.
func (c *Client) Close() {
	c.client.Close()
}
