// Package connection manages the WebSocket link between a simulator and the
// brain: dialing, heartbeats, reconnect backoff and the classification of
// disconnects into transient and permanent failures.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/simbridge-dev/simbridge/pkg/backoff"
	"github.com/simbridge-dev/simbridge/pkg/metrics"
	"github.com/simbridge-dev/simbridge/pkg/protocol"
)

// Config configures a Manager.
type Config struct {
	// URL is the WebSocket endpoint.
	URL string

	// AccessKey is sent as the Authorization header.
	AccessKey string

	// UserAgent is sent as the User-Agent header.
	UserAgent string

	// Proxy is an optional HTTP proxy for the default dialer.
	Proxy *url.URL

	// RetryTimeout bounds the total reconnect time, measured from the first
	// failed reconnect. Zero makes every failure permanent; negative
	// retries forever.
	RetryTimeout time.Duration

	// HandshakeTimeout bounds each dial.
	HandshakeTimeout time.Duration

	// ReadTimeout bounds each Receive.
	ReadTimeout time.Duration

	// WriteTimeout bounds each Send and ping.
	WriteTimeout time.Duration

	// PingInterval is the heartbeat period. Zero disables heartbeats.
	PingInterval time.Duration

	// Backoff computes the delay before reconnect attempts.
	Backoff backoff.Policy
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics enables instrumentation.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithSleep replaces the backoff sleep. The function must return early with
// ctx.Err() when ctx is done.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		m.sleep = sleep
	}
}

// WithClock replaces time.Now for retry deadlines.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns the connection to the brain. Connect, HandleDisconnect, Send
// and Receive are called from one goroutine; the heartbeat runs on its own
// goroutine and only writes ping frames under the write mutex.
type Manager struct {
	cfg     Config
	dialer  Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	attempts    uint32
	deadline    time.Time
	hasDeadline bool

	mu        sync.Mutex // guards transport, hbStop, hbDone
	transport Transport
	hbStop    chan struct{}
	hbDone    chan struct{}

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewManager creates a Manager. No connection is made until Connect.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:   cfg,
		sleep: sleepContext,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "connection")
	if m.dialer == nil {
		m.dialer = &WebSocketDialer{
			Proxy:            cfg.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadTimeout:      cfg.ReadTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			Logger:           m.logger,
		}
	}
	return m
}

// Client returns the current transport, or nil when not connected.
func (m *Manager) Client() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport
}

// Attempts returns the number of consecutive failed connection attempts,
// including the one in progress.
func (m *Manager) Attempts() uint32 {
	return m.attempts
}

// Connect dials the endpoint. From the second consecutive attempt on, it
// enforces the retry budget and sleeps for the backoff delay first.
// Dial failures are returned unclassified; pass them to HandleDisconnect.
func (m *Manager) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.attempts++
	if m.attempts > 1 {
		if err := m.handleReconnect(ctx); err != nil {
			return err
		}
	}

	header := protocol.HandshakeHeader(m.cfg.AccessKey, m.cfg.UserAgent)
	requestID := protocol.RequestID(header)
	m.logger.Info("connecting", "url", m.cfg.URL, "attempt", m.attempts, "request_id", requestID)

	t, err := m.dialer.Dial(ctx, m.cfg.URL, header)
	m.metrics.RecordConnect(err)
	if err != nil {
		m.logger.Warn("connect failed", "error", err, "request_id", requestID)
		return err
	}

	m.attempts = 0
	m.hasDeadline = false
	m.deadline = time.Time{}

	m.mu.Lock()
	m.transport = t
	m.startHeartbeatLocked(t)
	m.mu.Unlock()

	m.logger.Info("connected", "url", m.cfg.URL)
	return nil
}

func (m *Manager) handleReconnect(ctx context.Context) error {
	now := m.now()
	if m.hasDeadline && now.After(m.deadline) {
		return &RetryTimeoutError{Attempts: m.attempts - 1, Deadline: m.deadline}
	}
	if m.cfg.RetryTimeout > 0 && !m.hasDeadline {
		m.deadline = now.Add(m.cfg.RetryTimeout)
		m.hasDeadline = true
		m.logger.Info("reconnect budget started", "timeout", m.cfg.RetryTimeout, "deadline", m.deadline)
	}

	delay := m.cfg.Backoff.Delay(m.attempts)
	m.metrics.RecordBackoff(delay)
	m.logger.Info("backing off", "attempt", m.attempts, "delay", delay)
	return m.sleep(ctx, delay)
}

// HandleDisconnect tears down the transport after a failure and classifies
// reason. It returns nil when a reconnect should be tried, or a fatal
// *SessionClosedError (or the *RetryTimeoutError itself) otherwise.
func (m *Manager) HandleDisconnect(reason error) error {
	permanent := IsPermanent(reason, m.cfg.RetryTimeout)
	m.metrics.RecordDisconnect(permanent)

	m.disconnect(websocket.CloseNormalClosure)

	if permanent {
		m.logger.Error("disconnected permanently", "error", reason)
		var rt *RetryTimeoutError
		if errors.As(reason, &rt) {
			return rt
		}
		return &SessionClosedError{Reason: reason}
	}
	m.logger.Warn("disconnected, will reconnect", "error", reason)
	return nil
}

// Disconnect closes the transport without ending the manager. A later
// Connect starts a fresh connection.
func (m *Manager) Disconnect() {
	m.disconnect(websocket.CloseNormalClosure)
}

// Close stops the heartbeat, sends a normal close frame and closes the
// transport. Close is idempotent; Connect fails afterwards.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.disconnect(websocket.CloseNormalClosure)
	m.logger.Info("connection closed")
	return nil
}

func (m *Manager) disconnect(code int) {
	m.mu.Lock()
	t := m.transport
	m.transport = nil
	stop, done := m.hbStop, m.hbDone
	m.hbStop, m.hbDone = nil, nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if t != nil {
		m.writeMu.Lock()
		err := t.Close(code, "")
		m.writeMu.Unlock()
		if err != nil {
			m.logger.Debug("close transport", "error", err)
		}
	}
}

// Send writes one message while holding the write mutex.
func (m *Manager) Send(data []byte) error {
	t := m.Client()
	if t == nil {
		return ErrNotConnected
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return t.WriteMessage(data)
}

// Receive reads one message.
func (m *Manager) Receive() ([]byte, error) {
	t := m.Client()
	if t == nil {
		return nil, ErrNotConnected
	}
	return t.ReadMessage()
}

func (m *Manager) startHeartbeatLocked(t Transport) {
	if m.cfg.PingInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.hbStop, m.hbDone = stop, done
	go m.heartbeat(t, stop, done)
}

func (m *Manager) heartbeat(t Transport, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := t.Ping()
			m.writeMu.Unlock()

			m.metrics.RecordHeartbeat(err)
			if err != nil {
				m.logger.Warn("heartbeat failed", "error", err)
				continue
			}
			m.logger.Debug("ping sent")
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
