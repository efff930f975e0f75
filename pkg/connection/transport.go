package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/simbridge-dev/simbridge/pkg/protocol"
)

// Transport is an established message stream to the brain.
// WriteMessage, Ping and Close must not be called concurrently with each
// other; the Manager serializes them with its write mutex.
type Transport interface {
	// WriteMessage sends one binary message.
	WriteMessage(data []byte) error

	// ReadMessage blocks until the next message arrives. A close frame is
	// reported as *CloseError.
	ReadMessage() ([]byte, error)

	// Ping sends a ping control frame.
	Ping() error

	// Close sends a close frame with the given code and closes the stream.
	Close(code int, text string) error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// WebSocketDialer dials gorilla/websocket connections.
type WebSocketDialer struct {
	// Proxy is an optional HTTP proxy. Nil uses the environment.
	Proxy *url.URL

	// HandshakeTimeout bounds the upgrade handshake.
	HandshakeTimeout time.Duration

	// ReadTimeout bounds each ReadMessage call. Zero means no deadline.
	ReadTimeout time.Duration

	// WriteTimeout bounds each write. Zero means no deadline.
	WriteTimeout time.Duration

	// ReadLimit is the maximum message size accepted.
	ReadLimit int64

	Logger *slog.Logger
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Transport, error) {
	proxy := http.ProxyFromEnvironment
	if d.Proxy != nil {
		proxy = http.ProxyURL(d.Proxy)
	}
	dialer := &websocket.Dialer{
		Proxy:            proxy,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			he := &HandshakeError{
				StatusCode: resp.StatusCode,
				RequestID:  protocol.RequestID(header),
				SpanID:     resp.Header.Get(protocol.HeaderSpanID),
				Err:        err,
			}
			resp.Body.Close()
			return nil, he
		}
		return nil, fmt.Errorf("connection: dial %s: %w", rawURL, err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = protocol.MaxMessageSize
	}
	conn.SetReadLimit(limit)
	conn.SetPongHandler(func(string) error {
		logger.Debug("pong received")
		return nil
	})

	return &wsTransport{
		conn:         conn,
		readTimeout:  d.ReadTimeout,
		writeTimeout: d.WriteTimeout,
	}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (t *wsTransport) deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(t.deadline(t.writeTimeout))
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	t.conn.SetReadDeadline(t.deadline(t.readTimeout))
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Text: ce.Text}
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrReadTimeout, err)
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Ping() error {
	deadline := t.deadline(t.writeTimeout)
	if deadline.IsZero() {
		deadline = time.Now().Add(10 * time.Second)
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *wsTransport) Close(code int, text string) error {
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}
