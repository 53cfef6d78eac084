package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guseggert/clawgate/config"
	"go.uber.org/zap"
)

// Session is the surface a unit of work sees while its connection is open.
type Session interface {
	Request(ctx context.Context, method string, params any, opts ...RequestOption) (json.RawMessage, error)
	Send(ctx context.Context, method string, params any, opts ...RequestOption) *Call
	OnEvent(h EventHandler) (unsubscribe func())
	// Done is closed when the connection is torn down underneath the work.
	Done() <-chan struct{}
}

// ConfigLoader supplies connection parameters for each Run.
type ConfigLoader func(ctx context.Context) (config.Gateway, error)

// Client runs units of work against the gateway, each on its own connection.
type Client struct {
	Logger *zap.SugaredLogger

	loadConfig        ConfigLoader
	dial              DialFunc
	identity          Identity
	handshakeTimeout  time.Duration
	keepaliveInterval time.Duration
	dialRetries       int
	correlatorOpts    []CorrelatorOption
}

type ClientOption func(c *Client)

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("gateway_client").Sugar()
	}
}

// WithConfig uses fixed connection parameters instead of discovering them.
func WithConfig(g config.Gateway) ClientOption {
	return func(c *Client) {
		c.loadConfig = func(context.Context) (config.Gateway, error) { return g, nil }
	}
}

func WithConfigLoader(f ConfigLoader) ClientOption {
	return func(c *Client) {
		c.loadConfig = f
	}
}

func WithDialer(d DialFunc) ClientOption {
	return func(c *Client) {
		c.dial = d
	}
}

func WithIdentity(id Identity) ClientOption {
	return func(c *Client) {
		c.identity = id
	}
}

func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.handshakeTimeout = d
	}
}

func WithKeepalive(d time.Duration) ClientOption {
	return func(c *Client) {
		c.keepaliveInterval = d
	}
}

func WithDialRetries(n int) ClientOption {
	return func(c *Client) {
		c.dialRetries = n
	}
}

func WithCorrelatorOptions(opts ...CorrelatorOption) ClientOption {
	return func(c *Client) {
		c.correlatorOpts = append(c.correlatorOpts, opts...)
	}
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		Logger:           zap.NewNop().Sugar(),
		loadConfig:       func(context.Context) (config.Gateway, error) { return config.Discover() },
		identity:         DefaultIdentity(),
		handshakeTimeout: DefaultHandshakeTimeout,
		dialRetries:      2,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		c.dial = WebSocketDialer(c.Logger, c.dialRetries)
	}
	return c
}

// Open loads the configuration and opens a handshaken connection. The caller owns the returned Conn.
func (c *Client) Open(ctx context.Context) (*Conn, error) {
	g, err := c.loadConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading config: %w", ErrConfig, err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return Open(ctx, c.Logger, ConnConfig{
		URL:               g.URL(),
		Token:             g.Token,
		Identity:          c.identity,
		Dial:              c.dial,
		HandshakeTimeout:  c.handshakeTimeout,
		KeepaliveInterval: c.keepaliveInterval,
		CorrelatorOptions: c.correlatorOpts,
	})
}

// Run opens a connection, runs work against it and tears the connection down however work exits,
// including by panic. No request issued by work is left unsettled when Run returns.
func (c *Client) Run(ctx context.Context, work func(ctx context.Context, s Session) error) error {
	conn, err := c.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.Logger.Debugf("error closing gateway conn: %s", err)
		}
	}()
	c.Logger.Debugw("gateway conn ready", "Hello", string(conn.Hello()))
	return work(ctx, conn)
}

// Do is Run for work that produces a value.
func Do[T any](ctx context.Context, c *Client, work func(ctx context.Context, s Session) (T, error)) (T, error) {
	var v T
	err := c.Run(ctx, func(ctx context.Context, s Session) error {
		var err error
		v, err = work(ctx, s)
		return err
	})
	return v, err
}
