package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/clawgate/frame"
	"github.com/guseggert/clawgate/gateway/gatewaytest"
	inet "github.com/guseggert/clawgate/internal/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testToken = "secret"

func startServer(t *testing.T) *gatewaytest.Server {
	t.Helper()
	s := gatewaytest.NewServer(log, testToken)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func openConn(t *testing.T, s *gatewaytest.Server) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Open(ctx, log, ConnConfig{URL: s.URL(), Token: testToken})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// hang registers a method the server never answers.
func hang(s *gatewaytest.Server, method string) {
	s.Handle(method, func(ctx context.Context, c *gatewaytest.Conn, req frame.Request) {})
}

func TestConnHandshake(t *testing.T) {
	s := startServer(t)
	conn := openConn(t, s)

	assert.Equal(t, Ready, conn.State())
	assert.Contains(t, string(conn.Hello()), "hello-ok")

	sc, err := s.NextConn(context.Background())
	require.NoError(t, err)
	require.True(t, sc.Ready())

	var params ConnectParams
	require.NoError(t, json.Unmarshal(sc.ConnectParams(), &params))
	assert.Equal(t, 1, params.MinProtocol)
	assert.Equal(t, 1, params.MaxProtocol)
	assert.Equal(t, DefaultIdentity(), params.Client)
	assert.Equal(t, "backend", params.Client.Mode)
	assert.Equal(t, []string{"chat", "agent"}, params.Caps)
	assert.Equal(t, testToken, params.Auth.Token)
	assert.Equal(t, "operator", params.Role)
	assert.Equal(t, []string{"operator.admin"}, params.Scopes)
}

func TestConnHandshakeRejected(t *testing.T) {
	s := startServer(t)

	conn, err := Open(context.Background(), log, ConnConfig{URL: s.URL(), Token: "wrong"})
	require.ErrorIs(t, err, ErrHandshake)
	assert.ErrorIs(t, err, ErrRemote)
	assert.ErrorContains(t, err, "unauthorized")
	assert.Nil(t, conn)
}

func TestConnHandshakeTimeout(t *testing.T) {
	s := startServer(t)
	hang(s, "connect")

	start := time.Now()
	_, err := Open(context.Background(), log, ConnConfig{
		URL:              s.URL(),
		Token:            testToken,
		HandshakeTimeout: 100 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrHandshake)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorContains(t, err, "connect")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnHandshakeTransportLost(t *testing.T) {
	s := startServer(t)
	s.Handle("connect", func(ctx context.Context, c *gatewaytest.Conn, req frame.Request) {
		c.Drop()
	})

	_, err := Open(context.Background(), log, ConnConfig{URL: s.URL(), Token: testToken})
	require.ErrorIs(t, err, ErrHandshake)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnDialFailure(t *testing.T) {
	listener, port, err := inet.ListenEphemeral("127.0.0.1")
	require.NoError(t, err)
	require.NoError(t, listener.Close())

	_, err = Open(context.Background(), log, ConnConfig{
		URL:   fmt.Sprintf("ws://127.0.0.1:%d", port),
		Token: testToken,
	})
	require.ErrorIs(t, err, ErrTransport)
}

func TestConnExpectFinal(t *testing.T) {
	s := startServer(t)
	accepted := make(chan struct{})
	release := make(chan struct{})
	s.Handle("ping", func(ctx context.Context, c *gatewaytest.Conn, req frame.Request) {
		c.Accept(req.ID)
		close(accepted)
		select {
		case <-release:
		case <-ctx.Done():
			return
		}
		c.Respond(req.ID, map[string]any{"status": "done", "value": 42})
	})
	conn := openConn(t, s)

	call := conn.Send(context.Background(), "ping", nil, ExpectFinal(), WithTimeout(5*time.Second))
	<-accepted
	assert.Never(t, func() bool { return settled(call) }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, conn.Pending())

	close(release)
	payload, err := wait(t, call)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"done","value":42}`, string(payload))
	assert.Equal(t, 0, conn.Pending())
}

func TestConnAcceptedSettlesWithoutExpectFinal(t *testing.T) {
	s := startServer(t)
	s.Handle("ping", func(ctx context.Context, c *gatewaytest.Conn, req frame.Request) {
		c.Accept(req.ID)
	})
	conn := openConn(t, s)

	payload, err := conn.Request(context.Background(), "ping", nil, WithTimeout(5*time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"accepted"}`, string(payload))
}

func TestConnDropsMalformedFrames(t *testing.T) {
	s := startServer(t)
	s.Handle("status", func(ctx context.Context, c *gatewaytest.Conn, req frame.Request) {
		c.WriteRaw([]byte("not json at all"))
		c.WriteRaw([]byte(`{"type":"bogus","id":"` + req.ID + `"}`))
		c.WriteRaw([]byte(`{"type":"res","ok":true}`))
		c.WriteRaw([]byte(`[]`))
		c.WriteRaw([]byte(`{"type":"res","id":"never-sent","ok":true,"payload":{}}`))
		c.WriteRaw([]byte(`{"type":"req","id":"x","method":"agent.invoke"}`))
		c.Respond(req.ID, map[string]any{"healthy": true})
	})
	conn := openConn(t, s)

	payload, err := conn.Request(context.Background(), "status", nil, WithTimeout(5*time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `{"healthy":true}`, string(payload))
	assert.Equal(t, Ready, conn.State())
}

func TestConnEvents(t *testing.T) {
	s := startServer(t)
	conn := openConn(t, s)
	sc, err := s.NextConn(context.Background())
	require.NoError(t, err)

	got := make(chan frame.Event, 10)
	conn.OnEvent(func(evt frame.Event) { panic("bad subscriber") })
	unsub := conn.OnEvent(func(evt frame.Event) { got <- evt })

	sc.Event("tick", map[string]any{"ts": 1})
	sc.Event("agent", map[string]any{"stream": "assistant"})

	first := <-got
	assert.Equal(t, "tick", first.Name)
	assert.JSONEq(t, `{"ts":1}`, string(first.Payload))
	require.NotNil(t, first.Seq)
	assert.Equal(t, int64(1), *first.Seq)

	second := <-got
	assert.Equal(t, "agent", second.Name)
	assert.Equal(t, int64(2), *second.Seq)

	unsub()
	sc.Event("tick", nil)
	// a request round trip guarantees the event above was processed by the read loop
	s.HandleFunc("status", func(json.RawMessage) (any, error) { return "ok", nil })
	_, err = conn.Request(context.Background(), "status", nil)
	require.NoError(t, err)
	assert.Len(t, got, 0)
	assert.Equal(t, Ready, conn.State())
}

func TestConnTransportLostRejectsPending(t *testing.T) {
	s := startServer(t)
	hang(s, "hang")
	conn := openConn(t, s)
	sc, err := s.NextConn(context.Background())
	require.NoError(t, err)

	const n = 3
	var calls []*Call
	for i := 0; i < n; i++ {
		calls = append(calls, conn.Send(context.Background(), "hang", map[string]int{"i": i}))
	}
	for i := 0; i < n; i++ {
		_, err := s.NextRequest(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, n, conn.Pending())

	sc.Drop()

	for _, call := range calls {
		_, err := wait(t, call)
		require.ErrorIs(t, err, ErrConnectionClosed)
		assert.ErrorIs(t, err, ErrTransport)
	}
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("conn was not torn down")
	}
	assert.Equal(t, Closed, conn.State())
	assert.ErrorIs(t, conn.Err(), ErrTransport)
	assert.Equal(t, 0, conn.Pending())
}

func TestConnCloseRejectsPending(t *testing.T) {
	s := startServer(t)
	hang(s, "hang")
	conn := openConn(t, s)

	const n = 4
	var calls []*Call
	for i := 0; i < n; i++ {
		calls = append(calls, conn.Send(context.Background(), "hang", nil, WithTimeout(time.Hour)))
	}
	require.Equal(t, n, conn.Pending())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	for _, call := range calls {
		_, err := wait(t, call)
		require.ErrorIs(t, err, ErrConnectionClosed)
	}
	assert.Equal(t, Closed, conn.State())
	assert.Equal(t, 0, conn.Pending())

	_, err := conn.Request(context.Background(), "status", nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnConcurrentRequests(t *testing.T) {
	s := startServer(t)
	s.Handle("echo", func(ctx context.Context, c *gatewaytest.Conn, req frame.Request) {
		time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
		c.Respond(req.ID, req.Params)
	})
	conn := openConn(t, s)

	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 50; i++ {
		i := i
		group.Go(func() error {
			payload, err := conn.Request(ctx, "echo", map[string]int{"n": i}, WithTimeout(5*time.Second))
			if err != nil {
				return err
			}
			var got struct{ N int }
			if err := json.Unmarshal(payload, &got); err != nil {
				return err
			}
			if got.N != i {
				return fmt.Errorf("request %d got response for %d", i, got.N)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, 0, conn.Pending())
}

func TestConnKeepalive(t *testing.T) {
	s := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Open(ctx, log, ConnConfig{
		URL:               s.URL(),
		Token:             testToken,
		KeepaliveInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, Ready, conn.State())
}

type stubTransport struct {
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
	pingErr error
	onWrite func(b []byte)
	onClose func()
	reads   chan []byte
}

func newStubTransport() *stubTransport {
	return &stubTransport{closeCh: make(chan struct{}), reads: make(chan []byte, 16)}
}

func (s *stubTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.reads:
		return b, nil
	case <-s.closeCh:
		return nil, fmt.Errorf("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stubTransport) Write(ctx context.Context, b []byte) error {
	if s.onWrite != nil {
		s.onWrite(b)
	}
	return nil
}

func (s *stubTransport) Ping(ctx context.Context) error { return s.pingErr }

func (s *stubTransport) Close() error {
	if s.onClose != nil {
		s.onClose()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	return fmt.Errorf("close error is swallowed")
}

// autoConnect answers the connect request on the stub transport.
func autoConnect(st *stubTransport) {
	st.onWrite = func(b []byte) {
		f, err := frame.Decode(b)
		if err != nil {
			return
		}
		if req, ok := f.(frame.Request); ok && req.Method == connectMethod {
			res, _ := json.Marshal(frame.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{}`)})
			st.reads <- res
		}
	}
}

func TestConnKeepaliveFailureTearsDown(t *testing.T) {
	st := newStubTransport()
	autoConnect(st)
	st.pingErr = fmt.Errorf("pong timeout")

	conn, err := Open(context.Background(), log, ConnConfig{
		URL:               "ws://stub",
		Token:             testToken,
		Dial:              func(ctx context.Context, url string) (Transport, error) { return st, nil },
		KeepaliveInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("keepalive failure did not tear down the conn")
	}
	assert.ErrorIs(t, conn.Err(), ErrTransport)
	assert.ErrorContains(t, conn.Err(), "pong timeout")
	assert.Equal(t, Closed, conn.State())
	require.NoError(t, conn.Close())
}

func TestConnLooseFailureResponses(t *testing.T) {
	cases := []struct {
		name    string
		errJSON string
		expMsg  string
	}{
		{name: "numeric code", errJSON: `{"code":404,"message":"not found"}`, expMsg: "not found (404)"},
		{name: "string error", errJSON: `"boom"`, expMsg: "gateway error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := startServer(t)
			s.Handle("sessions.get", func(ctx context.Context, c *gatewaytest.Conn, req frame.Request) {
				c.WriteRaw([]byte(`{"type":"res","id":"` + req.ID + `","ok":false,"error":` + tc.errJSON + `}`))
			})
			conn := openConn(t, s)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := conn.Request(ctx, "sessions.get", nil)
			require.ErrorIs(t, err, ErrRemote)
			assert.ErrorContains(t, err, tc.expMsg)
			assert.Equal(t, 0, conn.Pending())
		})
	}
}

func TestConnTeardownOrder(t *testing.T) {
	st := newStubTransport()
	autoConnect(st)

	conn, err := Open(context.Background(), log, ConnConfig{
		URL:   "ws://stub",
		Token: testToken,
		Dial:  func(ctx context.Context, url string) (Transport, error) { return st, nil },
	})
	require.NoError(t, err)

	call := conn.Send(context.Background(), "hang", nil)
	settledAtClose := false
	st.onClose = func() { settledAtClose = settled(call) }

	require.NoError(t, conn.Close())
	assert.True(t, settledAtClose, "pending request must be settled before the transport closes")
	_, err = wait(t, call)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "State(42)", State(42).String())
}
