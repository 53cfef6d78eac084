package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// readLimit bounds a single inbound message. Gateway payloads such as screenshots can be large.
const readLimit = 32 << 20

// Transport is a message-oriented, full-duplex connection.
// Read is only called from one goroutine; Write may be called concurrently.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, b []byte) error
	Close() error
}

// Pinger is implemented by transports that support liveness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DialFunc opens a Transport to url.
type DialFunc func(ctx context.Context, url string) (Transport, error)

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// WebSocketDialer returns a DialFunc backed by nhooyr.io/websocket.
// Upgrade requests are retried up to retries times on connection errors and 5xx responses.
func WebSocketDialer(log *zap.SugaredLogger, retries int) DialFunc {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retries
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = time.Second
	retryClient.Logger = &logAdapter{SugaredLogger: log.Named("dialer")}
	httpClient := retryClient.StandardClient()

	return func(ctx context.Context, url string) (Transport, error) {
		return dialWebSocket(ctx, log, httpClient, url)
	}
}

func dialWebSocket(ctx context.Context, log *zap.SugaredLogger, httpClient *http.Client, url string) (Transport, error) {
	log.Debugw("dialing WebSocket", "URL", url)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      httpClient,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		log.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn to %s: %w", url, err)
	}
	conn.SetReadLimit(readLimit)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, b, err := t.conn.Read(ctx)
	return b, err
}

func (t *wsTransport) Write(ctx context.Context, b []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, b)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
