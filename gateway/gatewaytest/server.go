/*
Package gatewaytest provides an in-process fake OpenClaw gateway for tests.

The server speaks the gateway's WebSocket frame protocol: it checks the connect handshake, dispatches requests to
per-method handlers and lets tests push events, malformed frames and abrupt disconnects.
*/
package gatewaytest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/clawgate/config"
	"github.com/guseggert/clawgate/frame"
	inet "github.com/guseggert/clawgate/internal/net"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Handler answers a request. It runs on its own goroutine and may reply any number of times, or never.
type Handler func(ctx context.Context, c *Conn, req frame.Request)

// Received is a request seen by the server.
type Received struct {
	Conn    *Conn
	Request frame.Request
}

// HelloPayload is the payload of a successful connect response.
var HelloPayload = map[string]any{
	"type":     "hello-ok",
	"protocol": 1,
	"server":   map[string]any{"version": "test"},
}

type Server struct {
	Log   *zap.SugaredLogger
	Token string

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	connsMu sync.Mutex
	conns   []*Conn
	connCh  chan *Conn

	received chan Received

	listener   net.Listener
	port       int
	httpServer *http.Server
	serveDone  chan struct{}
}

func NewServer(log *zap.SugaredLogger, token string) *Server {
	s := &Server{
		Log:      log.Named("fake_gateway"),
		Token:    token,
		handlers: map[string]Handler{},
		connCh:   make(chan *Conn, 16),
		received: make(chan Received, 256),
	}
	s.Handle("connect", s.handleConnect)
	return s
}

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h Handler) {
	s.handlersMu.Lock()
	s.handlers[method] = h
	s.handlersMu.Unlock()
}

// HandleFunc registers a handler that answers every request with the value returned by f,
// or with a failure response if f returns an error.
func (s *Server) HandleFunc(method string, f func(params json.RawMessage) (any, error)) {
	s.Handle(method, func(ctx context.Context, c *Conn, req frame.Request) {
		params, _ := req.Params.(json.RawMessage)
		v, err := f(params)
		if err != nil {
			c.Fail(req.ID, err.Error())
			return
		}
		c.Respond(req.ID, v)
	})
}

func (s *Server) Start() error {
	listener, port, err := inet.ListenEphemeral("127.0.0.1")
	if err != nil {
		return err
	}
	s.listener = listener
	s.port = port

	router := httprouter.New()
	router.GET("/", s.accept)
	s.httpServer = &http.Server{Handler: router}
	s.serveDone = make(chan struct{})

	go func() {
		defer close(s.serveDone)
		err := s.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Log.Debugf("serve error: %s", err)
		}
	}()
	s.Log.Debugw("fake gateway listening", "Port", port)
	return nil
}

// Config returns connection parameters pointing at the server.
func (s *Server) Config() config.Gateway {
	return config.Gateway{Host: "127.0.0.1", Port: s.port, Token: s.Token}
}

func (s *Server) URL() string { return s.Config().URL() }

// Stop drops every connection and stops listening.
func (s *Server) Stop() error {
	s.connsMu.Lock()
	conns := s.conns
	s.conns = nil
	s.connsMu.Unlock()
	for _, c := range conns {
		c.Drop()
	}
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Close()
	<-s.serveDone
	return err
}

// NextConn waits for the next accepted connection.
func (s *Server) NextConn(ctx context.Context) (*Conn, error) {
	select {
	case c := <-s.connCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NextRequest waits for the next request other than connect.
func (s *Server) NextRequest(ctx context.Context) (Received, error) {
	select {
	case r := <-s.received:
		return r, nil
	case <-ctx.Done():
		return Received{}, ctx.Err()
	}
}

// Broadcast sends an event to every connection that completed the handshake.
func (s *Server) Broadcast(name string, payload any) {
	s.connsMu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.connsMu.Unlock()
	for _, c := range conns {
		if c.Ready() {
			c.Event(name, payload)
		}
	}
}

func (s *Server) handleConnect(ctx context.Context, c *Conn, req frame.Request) {
	var params struct {
		Auth struct {
			Token string `json:"token"`
		} `json:"auth"`
	}
	raw, _ := req.Params.(json.RawMessage)
	if err := json.Unmarshal(raw, &params); err != nil {
		c.Fail(req.ID, "invalid connect params")
		return
	}
	if params.Auth.Token != s.Token {
		c.Fail(req.ID, "unauthorized")
		return
	}
	c.setConnect(raw)
	c.Respond(req.ID, HelloPayload)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.Log.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &Conn{
		log:    s.Log.Named("fake_gateway_conn"),
		ws:     wsConn,
		ctx:    ctx,
		cancel: cancel,
	}

	s.connsMu.Lock()
	s.conns = append(s.conns, c)
	s.connsMu.Unlock()
	select {
	case s.connCh <- c:
	default:
	}

	s.readMessages(c)
}

func (s *Server) readMessages(c *Conn) {
	var wg sync.WaitGroup
	defer wg.Wait()
	defer c.Drop()

	for {
		_, b, err := c.ws.Read(c.ctx)
		if err != nil {
			c.log.Debugf("message reader got error: %s", err)
			return
		}
		f, err := frame.Decode(b)
		if err != nil {
			c.log.Debugf("dropping malformed frame: %s", err)
			continue
		}
		req, ok := f.(frame.Request)
		if !ok {
			continue
		}
		if req.Method != "connect" {
			if !c.Ready() {
				c.Fail(req.ID, "handshake required")
				continue
			}
			select {
			case s.received <- Received{Conn: c, Request: req}:
			default:
			}
		}

		s.handlersMu.RLock()
		h, ok := s.handlers[req.Method]
		s.handlersMu.RUnlock()
		if !ok {
			c.Fail(req.ID, fmt.Sprintf("unknown method: %s", req.Method))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h(c.ctx, c, req)
		}()
	}
}

// Conn is the server side of one client connection.
type Conn struct {
	log    *zap.SugaredLogger
	ws     *websocket.Conn
	ctx    context.Context
	cancel func()

	mu      sync.Mutex
	connect json.RawMessage
	seq     int64

	dropOnce sync.Once
}

// Ready reports whether the connect handshake succeeded.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connect != nil
}

// ConnectParams returns the params of the accepted connect request.
func (c *Conn) ConnectParams() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connect
}

func (c *Conn) setConnect(raw json.RawMessage) {
	c.mu.Lock()
	c.connect = raw
	c.mu.Unlock()
}

// Respond sends a successful response.
func (c *Conn) Respond(id string, payload any) {
	c.write(frame.Response{ID: id, OK: true, Payload: mustMarshal(payload)})
}

// Accept sends an interim {"status":"accepted"} response.
func (c *Conn) Accept(id string) {
	c.Respond(id, map[string]any{"status": frame.StatusAccepted})
}

// Fail sends a failure response.
func (c *Conn) Fail(id, message string) {
	c.write(frame.Response{ID: id, Error: &frame.ErrorShape{Message: message}})
}

// Event pushes an event frame with the next sequence number.
func (c *Conn) Event(name string, payload any) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	c.write(frame.Event{Name: name, Payload: mustMarshal(payload), Seq: &seq})
}

// WriteRaw sends b as-is, which lets tests send malformed frames.
func (c *Conn) WriteRaw(b []byte) {
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, b); err != nil {
		c.log.Debugf("error writing raw message: %s", err)
	}
}

// Drop cancels the connection's context, which tears the socket down, and cancels its handlers.
func (c *Conn) Drop() {
	c.dropOnce.Do(func() {
		c.cancel()
		err := c.ws.Close(websocket.StatusGoingAway, "dropped")
		if err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (c *Conn) write(v any) {
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, v); err != nil {
		c.log.Debugf("error writing frame: %s", err)
	}
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshaling fake gateway payload: %s", err))
	}
	return b
}
