package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/clawgate/frame"
	"go.uber.org/zap"
)

// WriteFunc transmits one encoded frame.
type WriteFunc func(ctx context.Context, b []byte) error

type RequestOption func(o *requestOptions)

type requestOptions struct {
	expectFinal bool
	timeout     time.Duration
}

// ExpectFinal makes the request ignore interim {"status":"accepted"} responses and wait for the final one.
func ExpectFinal() RequestOption {
	return func(o *requestOptions) {
		o.expectFinal = true
	}
}

// WithTimeout rejects the request with a *TimeoutError if no terminal response arrives within d.
// Without it, a request waits until it is answered or the connection is torn down.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = d
	}
}

// Call is the pending result of a request. It settles exactly once.
type Call struct {
	id     string
	method string

	once    sync.Once
	done    chan struct{}
	payload json.RawMessage
	err     error
}

func newCall(id, method string) *Call {
	return &Call{id: id, method: method, done: make(chan struct{})}
}

func (c *Call) ID() string     { return c.id }
func (c *Call) Method() string { return c.method }

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call settles.
// Cancelling ctx only abandons the wait; the request itself stays registered until it settles.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.payload, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) settle(payload json.RawMessage, err error) bool {
	settled := false
	c.once.Do(func() {
		c.payload = payload
		c.err = err
		settled = true
		close(c.done)
	})
	return settled
}

type pendingRequest struct {
	call        *Call
	expectFinal bool
	timer       *time.Timer
}

// Correlator matches responses to the requests that caused them.
// It owns the registry of pending requests and is the only source of correlation ids for its connection.
type Correlator struct {
	log   *zap.SugaredLogger
	write WriteFunc
	newID func() string

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
	reason  error
}

type CorrelatorOption func(c *Correlator)

// WithIDGenerator replaces the UUID correlation id generator.
func WithIDGenerator(f func() string) CorrelatorOption {
	return func(c *Correlator) {
		c.newID = f
	}
}

func NewCorrelator(log *zap.SugaredLogger, write WriteFunc, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		log:     log.Named("correlator"),
		write:   write,
		newID:   uuid.NewString,
		pending: map[string]*pendingRequest{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send registers a request, writes it and returns its Call.
// The returned Call always settles: with the response, a timeout, a write failure, or teardown.
func (c *Correlator) Send(ctx context.Context, method string, params any, opts ...RequestOption) *Call {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	if c.closed {
		reason := c.reason
		c.mu.Unlock()
		call := newCall("", method)
		call.settle(nil, &ClosedError{Reason: reason})
		return call
	}
	id := c.newID()
	for c.pending[id] != nil {
		id = c.newID()
	}
	call := newCall(id, method)
	p := &pendingRequest{call: call, expectFinal: o.expectFinal}
	c.pending[id] = p
	if o.timeout > 0 {
		p.timer = time.AfterFunc(o.timeout, func() { c.expire(p, o.timeout) })
	}
	c.mu.Unlock()

	b, err := frame.Encode(frame.Request{ID: id, Method: method, Params: params})
	if err == nil {
		c.log.Debugw("sending request", "ID", id, "Method", method, "ExpectFinal", o.expectFinal, "Timeout", o.timeout)
		err = c.write(ctx, b)
		if err != nil {
			err = fmt.Errorf("%w: writing %s request: %s", ErrTransport, method, err)
		}
	}
	if err != nil {
		if c.remove(p) {
			call.settle(nil, err)
		}
	}
	return call
}

// Request sends a request and waits for its settlement.
func (c *Correlator) Request(ctx context.Context, method string, params any, opts ...RequestOption) (json.RawMessage, error) {
	return c.Send(ctx, method, params, opts...).Wait(ctx)
}

// HandleResponse settles the request matching res.ID.
// Responses for unknown or already settled ids are dropped.
func (c *Correlator) HandleResponse(res frame.Response) {
	c.mu.Lock()
	p, ok := c.pending[res.ID]
	if !ok {
		c.mu.Unlock()
		c.log.Debugw("dropping response for unknown request", "ID", res.ID)
		return
	}
	// Interim responses leave the timeout running.
	if p.expectFinal && res.Interim() {
		c.mu.Unlock()
		c.log.Debugw("request accepted, waiting for final response", "ID", res.ID, "Method", p.call.method)
		return
	}
	delete(c.pending, res.ID)
	if p.timer != nil {
		p.timer.Stop()
	}
	c.mu.Unlock()

	if res.OK {
		p.call.settle(res.Payload, nil)
		return
	}
	resErr := &ResponseError{Method: p.call.method}
	if res.Error != nil {
		resErr.Code = res.Error.Code
		resErr.Message = res.Error.Message
	}
	p.call.settle(nil, resErr)
}

// RejectAll rejects every pending request with a *ClosedError wrapping reason and clears the registry.
// Requests sent afterwards settle immediately with the same error.
func (c *Correlator) RejectAll(reason error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[string]*pendingRequest{}
	if !c.closed {
		c.closed = true
		c.reason = reason
	}
	c.mu.Unlock()

	if len(pending) > 0 {
		c.log.Debugw("rejecting pending requests", "Count", len(pending), "Reason", reason)
	}
	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.call.settle(nil, &ClosedError{Reason: reason})
	}
}

// Pending returns the number of unsettled requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) expire(p *pendingRequest, after time.Duration) {
	if !c.remove(p) {
		return
	}
	c.log.Debugw("request timed out", "ID", p.call.id, "Method", p.call.method, "After", after)
	p.call.settle(nil, &TimeoutError{Method: p.call.method, After: after})
}

// remove deletes p from the registry if it is still the entry for its id.
func (c *Correlator) remove(p *pendingRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.call.id] != p {
		return false
	}
	delete(c.pending, p.call.id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return true
}
