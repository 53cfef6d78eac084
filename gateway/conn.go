package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/clawgate/frame"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Conn.
type State int

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Ready
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ConnConfig holds everything needed to open a Conn.
type ConnConfig struct {
	URL              string
	Token            string
	Identity         Identity
	Dial             DialFunc
	HandshakeTimeout time.Duration
	// KeepaliveInterval enables transport pings when the transport is a Pinger.
	KeepaliveInterval time.Duration
	CorrelatorOptions []CorrelatorOption
}

// Conn is one handshaken gateway connection. It owns the transport, the pending request registry and the
// event subscribers, and releases all of them when it closes.
type Conn struct {
	log        *zap.SugaredLogger
	transport  Transport
	correlator *Correlator
	events     *EventBus

	mu    sync.Mutex
	state State
	err   error
	hello json.RawMessage

	readCtx    context.Context
	cancelRead context.CancelFunc
	readDone   chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

// Open dials the gateway and performs the connect handshake.
// It returns a Ready connection or an error; a failed attempt never leaves a transport open.
func Open(ctx context.Context, log *zap.SugaredLogger, cfg ConnConfig) (*Conn, error) {
	if cfg.Dial == nil {
		cfg.Dial = WebSocketDialer(log, 0)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Identity == (Identity{}) {
		cfg.Identity = DefaultIdentity()
	}

	c := &Conn{
		log:      log.Named("gateway_conn"),
		events:   NewEventBus(log),
		state:    Disconnected,
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	c.setState(Connecting)
	t, err := cfg.Dial(ctx, cfg.URL)
	if err != nil {
		c.mu.Lock()
		c.state = Failed
		c.err = fmt.Errorf("%w: %s", ErrTransport, err)
		c.mu.Unlock()
		close(c.readDone)
		close(c.done)
		return nil, c.err
	}
	c.transport = t
	c.correlator = NewCorrelator(log, t.Write, cfg.CorrelatorOptions...)

	c.setState(Handshaking)
	c.readCtx, c.cancelRead = context.WithCancel(context.Background())
	go c.readLoop()

	hello, err := c.correlator.Request(
		ctx,
		connectMethod,
		newConnectParams(cfg.Identity, cfg.Token),
		WithTimeout(cfg.HandshakeTimeout),
	)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrHandshake, err)
		c.teardown(err, Failed)
		<-c.readDone
		return nil, err
	}
	c.mu.Lock()
	c.hello = hello
	c.mu.Unlock()

	if !c.setStateIf(Handshaking, Ready) {
		// the transport went away right after the handshake response
		<-c.done
		return nil, fmt.Errorf("%w: %w", ErrHandshake, c.Err())
	}

	if cfg.KeepaliveInterval > 0 {
		if p, ok := t.(Pinger); ok {
			go c.keepalive(p, cfg.KeepaliveInterval)
		}
	}
	return c, nil
}

// Send issues a request on the connection.
func (c *Conn) Send(ctx context.Context, method string, params any, opts ...RequestOption) *Call {
	return c.correlator.Send(ctx, method, params, opts...)
}

// Request issues a request and waits for its settlement.
func (c *Conn) Request(ctx context.Context, method string, params any, opts ...RequestOption) (json.RawMessage, error) {
	return c.correlator.Request(ctx, method, params, opts...)
}

// OnEvent subscribes h to gateway events for the lifetime of the connection.
func (c *Conn) OnEvent(h EventHandler) (unsubscribe func()) {
	return c.events.Subscribe(h)
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hello returns the payload of the handshake response.
func (c *Conn) Hello() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Done is closed once the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection was torn down, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending returns the number of unsettled requests.
func (c *Conn) Pending() int { return c.correlator.Pending() }

// Close tears the connection down: every pending request is rejected, then the transport is closed.
// Close is idempotent and returns after the read loop has exited.
func (c *Conn) Close() error {
	c.teardown(errors.New("closed by client"), Closed)
	<-c.readDone
	return nil
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.log.Debugw("state transition", "From", prev, "To", s)
}

func (c *Conn) setStateIf(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	c.log.Debugw("state transition", "From", from, "To", to)
	return true
}

// teardown rejects all pending requests before closing the transport, so every caller observes a settlement.
func (c *Conn) teardown(reason error, final State) {
	c.closeOnce.Do(func() {
		c.setState(Closing)
		c.mu.Lock()
		c.err = reason
		c.mu.Unlock()

		c.correlator.RejectAll(reason)
		if err := c.transport.Close(); err != nil {
			c.log.Debugf("error closing transport: %s", err)
		}
		c.cancelRead()
		c.events.Close()

		c.setState(final)
		close(c.done)
	})
	if final == Failed {
		c.mu.Lock()
		c.state = Failed
		c.mu.Unlock()
	}
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	for {
		b, err := c.transport.Read(c.readCtx)
		if err != nil {
			c.log.Debugf("read loop got error: %s", err)
			c.teardown(fmt.Errorf("%w: %s", ErrTransport, err), Closed)
			return
		}
		f, err := frame.Decode(b)
		if err != nil {
			c.log.Debugw("dropping malformed frame", "Error", err)
			continue
		}
		switch f := f.(type) {
		case frame.Response:
			c.correlator.HandleResponse(f)
		case frame.Event:
			c.events.Publish(f)
		case frame.Request:
			c.log.Debugw("ignoring inbound request", "ID", f.ID, "Method", f.Method)
		}
	}
}

func (c *Conn) keepalive(p Pinger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(c.readCtx, interval)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.log.Debugf("keepalive ping failed: %s", err)
			c.teardown(fmt.Errorf("%w: keepalive: %s", ErrTransport, err), Closed)
			return
		}
	}
}
