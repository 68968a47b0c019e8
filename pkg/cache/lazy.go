package cache

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/stackwire/pkg/engine"
)

// Resolver returns the configuration to connect with.
type Resolver func() (Config, error)

// Static resolves to cfg.
func Static(cfg Config) Resolver {
	return func() (Config, error) { return cfg, nil }
}

// FromEndpoint resolves the address from the allocation of ref in g. The
// remaining fields are taken from base.
func FromEndpoint(g *engine.Graph, ref engine.EndpointRef, base Config) Resolver {
	return func() (Config, error) {
		ep, err := g.Endpoint(ref)
		if err != nil {
			return Config{}, err
		}
		alloc, ok := ep.Allocation()
		if !ok {
			return Config{}, &engine.UnresolvedEndpointError{Ref: ref}
		}
		cfg := base
		cfg.Address = net.JoinHostPort(alloc.Host, strconv.Itoa(alloc.Port))
		return cfg, nil
	}
}

// Lazy connects on first use. A failed connection is retried on the next call.
// Concurrent callers share one connection attempt, and each caller stops
// waiting for it when its own context ends.
type Lazy struct {
	resolve  Resolver
	connects singleflight.Group

	mu     sync.Mutex
	client *Client
	gen    uint64
}

// NewLazy creates a client that resolves its configuration when first used.
func NewLazy(resolve Resolver) *Lazy {
	return &Lazy{resolve: resolve}
}

func (l *Lazy) get(ctx context.Context) (*Client, error) {
	l.mu.Lock()
	client := l.client
	l.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := l.connects.DoChan("connect", func() (interface{}, error) {
		return l.connect()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Client), nil
	case <-ctx.Done():
		return nil, engine.NewTransientError("gave up waiting for cache connection", ctx.Err()).
			WithCode(engine.ErrCodeTimeout)
	}
}

// connect runs outside l.mu so a slow dial never blocks Close or a caller
// whose context has ended. The attempt is bounded by the dial timeout.
func (l *Lazy) connect() (*Client, error) {
	l.mu.Lock()
	if l.client != nil {
		defer l.mu.Unlock()
		return l.client, nil
	}
	gen := l.gen
	l.mu.Unlock()

	cfg, err := l.resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve cache address: %w", err)
	}
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		client.Close()
		return nil, engine.NewTransientError("cache client closed while connecting", nil)
	}
	l.client = client
	return client, nil
}

// Flush implements Flusher.
func (l *Lazy) Flush(ctx context.Context) error {
	c, err := l.get(ctx)
	if err != nil {
		return err
	}
	return c.Flush(ctx)
}

// Ping implements Flusher.
func (l *Lazy) Ping(ctx context.Context) error {
	c, err := l.get(ctx)
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

// Close closes the connection if one was made. A connection attempt still in
// flight is discarded when it completes.
func (l *Lazy) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	if l.client != nil {
		l.client.Close()
		l.client = nil
	}
}
