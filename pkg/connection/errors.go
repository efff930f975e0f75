package connection

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Sentinel errors for connection state.
var (
	// ErrNotConnected is returned by Send and Receive without a transport.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrClosed is returned when connecting after Close.
	ErrClosed = errors.New("connection: closed")

	// ErrReadTimeout is returned when no message arrives within the read timeout.
	ErrReadTimeout = errors.New("connection: read timeout")
)

// HandshakeError is returned when the server rejects the WebSocket upgrade.
type HandshakeError struct {
	StatusCode int
	RequestID  string
	SpanID     string
	Err        error
}

// Error returns the error message with the HTTP status.
func (e *HandshakeError) Error() string {
	msg := fmt.Sprintf("connection: handshake failed: %d - %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.RequestID != "" {
		msg += ", request id " + e.RequestID
	}
	if e.SpanID != "" {
		msg += ", span id " + e.SpanID
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// CloseError reports a close frame received from the server.
type CloseError struct {
	Code int
	Text string
}

// Error returns the close code and reason.
func (e *CloseError) Error() string {
	return fmt.Sprintf("connection: websocket closed. Code: %d, Reason: %s", e.Code, e.Text)
}

// SessionClosedError is the fatal error produced when a disconnect is
// classified as permanent.
type SessionClosedError struct {
	Reason error
}

// Error returns the error message including the disconnect reason.
func (e *SessionClosedError) Error() string {
	var he *HandshakeError
	if errors.As(e.Reason, &he) {
		switch he.StatusCode {
		case http.StatusUnauthorized:
			return "connection: error while connecting to websocket: 401 - Unauthorized. Check the access key and username."
		case http.StatusNotFound:
			return "connection: error while connecting to websocket: 404 - Not Found."
		}
	}
	return fmt.Sprintf("connection: session closed: %v", e.Reason)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *SessionClosedError) Unwrap() error {
	return e.Reason
}

// RetryTimeoutError is returned when the reconnect budget is exhausted.
type RetryTimeoutError struct {
	Attempts uint32
	Deadline time.Time
}

// Error returns the error message.
func (e *RetryTimeoutError) Error() string {
	return fmt.Sprintf("connection: simulator reconnect time exceeded after %d attempts (deadline %s)",
		e.Attempts, e.Deadline.Format(time.RFC3339))
}

// IsPermanent reports whether reason ends the session. Checks are ordered:
// retry timeouts, handshake 401/404, close codes 1001, 3000-3099 and
// 4000-4099, then retryTimeout == 0 makes everything else permanent.
func IsPermanent(reason error, retryTimeout time.Duration) bool {
	var rt *RetryTimeoutError
	if errors.As(reason, &rt) {
		return true
	}

	var he *HandshakeError
	if errors.As(reason, &he) {
		if he.StatusCode == http.StatusUnauthorized || he.StatusCode == http.StatusNotFound {
			return true
		}
	}

	var ce *CloseError
	if errors.As(reason, &ce) && IsPermanentCloseCode(ce.Code) {
		return true
	}

	return retryTimeout == 0
}

// IsPermanentCloseCode reports whether a close code means the server will
// not accept this simulator again.
func IsPermanentCloseCode(code int) bool {
	switch {
	case code == websocket.CloseGoingAway:
		return true
	case code >= 3000 && code <= 3099:
		return true
	case code >= 4000 && code <= 4099:
		return true
	}
	return false
}
