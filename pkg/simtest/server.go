package simtest

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/simbridge-dev/simbridge/pkg/protocol"
)

// Users that select a server behavior. Any other user in the URL gets a
// 404 during the handshake.
const (
	UserTrain      = "alice"
	UserFlaky      = "flake"
	UserNeedsAuth  = "needsauth"
	UserEOFStream  = "eofstream"
	UserErrorMsg   = "error_msg"
	UserPong       = "pong"
	UserStopped    = "stopped"
	DefaultBrain   = "cartpole"
	DefaultVersion = "4"
)

// Close codes sent by the server.
const (
	CloseBrainStopped      = websocket.CloseGoingAway
	CloseFlaky             = websocket.ClosePolicyViolation
	CloseSimulatorNotFound = 4043
)

type behavior int

const (
	behaviorNormal behavior = iota
	behaviorFlaky
	behaviorNeedsAuth
	behaviorEOFStream
	behaviorErrorMsg
	behaviorPong
	behaviorStopped
)

var behaviors = map[string]behavior{
	UserTrain:     behaviorNormal,
	UserFlaky:     behaviorFlaky,
	UserNeedsAuth: behaviorNeedsAuth,
	UserEOFStream: behaviorEOFStream,
	UserErrorMsg:  behaviorErrorMsg,
	UserPong:      behaviorPong,
	UserStopped:   behaviorStopped,
}

// Option configures a Server.
type Option func(*Server)

// WithFixture replaces the Cartpole fixture.
func WithFixture(f *Fixture) Option {
	return func(s *Server) {
		s.fixture = f
	}
}

// WithFailure sets the flaky window. The flaky user is rejected with HTTP
// 503 on connect, and closed with 1008 on a message, while
// point < count < point+duration, where count is the number of connection
// attempts and messages seen since the last reset.
func WithFailure(point, duration int) Option {
	return func(s *Server) {
		s.failPoint = point
		s.failDuration = duration
	}
}

// WithFinishAfter sends Finished once n episodes have ended in training,
// or once n predictions have been answered in prediction mode.
func WithFinishAfter(n int) Option {
	return func(s *Server) {
		s.finishAfter = n
	}
}

// WithSimulators sets the simulator names the brain accepts. Registering
// any other name closes the connection with 4043.
func WithSimulators(names ...string) Option {
	return func(s *Server) {
		s.simulators = make(map[string]bool, len(names))
		for _, n := range names {
			s.simulators[n] = true
		}
	}
}

// WithBrain sets the brain name served (default DefaultBrain).
func WithBrain(name string) Option {
	return func(s *Server) {
		s.brain = name
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// Server is a fake brain speaking the simulator protocol over WebSocket.
//
// Routes:
//
//	GET   /v1/{user}/{brain}/sims/ws                   training
//	GET   /v1/{user}/{brain}/{version}/predictions/ws  prediction
//	PATCH /reset                                       reset the flaky counter
//	PATCH /brain/stop, /brain/start                    toggle a stopped brain
type Server struct {
	fixture      *Fixture
	brain        string
	msgs         *messages
	failPoint    int
	failDuration int
	finishAfter  int
	simulators   map[string]bool
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	router       chi.Router

	mu          sync.Mutex
	count       int
	connections int
	pings       int
	episodes    int
	predictions int
	stopped     bool
	received    []protocol.SimMessageType
	violations  []string
}

// NewServer creates a Server. It panics if the fixture is invalid.
func NewServer(opts ...Option) *Server {
	s := &Server{
		fixture:      Cartpole(),
		brain:        DefaultBrain,
		failPoint:    10,
		failDuration: 8,
		simulators:   map[string]bool{"cartpole_simulator": true, "random_simulator": true},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "simtest")

	msgs, err := s.fixture.compile()
	if err != nil {
		panic(err)
	}
	s.msgs = msgs

	r := chi.NewRouter()
	r.Get("/v1/{user}/{brain}/sims/ws", s.handleWS(false))
	r.Get("/v1/{user}/{brain}/{version}/predictions/ws", s.handleWS(true))
	r.Patch("/reset", func(w http.ResponseWriter, r *http.Request) {
		s.Reset()
	})
	r.Patch("/brain/stop", func(w http.ResponseWriter, r *http.Request) {
		s.SetBrainStopped(true)
	})
	r.Patch("/brain/start", func(w http.ResponseWriter, r *http.Request) {
		s.SetBrainStopped(false)
	})
	s.router = r
	return s
}

// NewTestServer starts a Server on a loopback httptest server that is
// closed when the test ends.
func NewTestServer(tb testing.TB, opts ...Option) (*Server, *httptest.Server) {
	tb.Helper()
	s := NewServer(opts...)
	ts := httptest.NewServer(s.Handler())
	tb.Cleanup(ts.Close)
	return s, ts
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Reset clears the flaky counter.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = 0
}

// SetBrainStopped makes every message answered with close code 1001.
func (s *Server) SetBrainStopped(stopped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = stopped
}

// Connections returns the number of connection attempts.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Pings returns the number of ping frames received.
func (s *Server) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// Episodes returns the number of Stop messages sent.
func (s *Server) Episodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.episodes
}

// Received returns the types of all messages received, in order.
func (s *Server) Received() []protocol.SimMessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.SimMessageType, len(s.received))
	copy(out, s.received)
	return out
}

// Violations returns descriptions of malformed simulator messages.
func (s *Server) Violations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.violations))
	copy(out, s.violations)
	return out
}

func (s *Server) failing() bool {
	return s.count > s.failPoint && s.count < s.failPoint+s.failDuration
}

func (s *Server) handleWS(predict bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		b, ok := behaviors[user]
		if !ok || chi.URLParam(r, "brain") != s.brain {
			http.NotFound(w, r)
			return
		}
		if predict && chi.URLParam(r, "version") != DefaultVersion && chi.URLParam(r, "version") != "latest" {
			http.NotFound(w, r)
			return
		}

		s.mu.Lock()
		s.connections++
		s.count++
		reject := b == behaviorFlaky && s.failing()
		s.mu.Unlock()

		if b == behaviorNeedsAuth {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if reject {
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		conn.SetPingHandler(func(data string) error {
			s.mu.Lock()
			s.pings++
			s.mu.Unlock()
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})

		s.serve(conn, b, predict)
	}
}

func (s *Server) serve(conn *websocket.Conn, b behavior, predict bool) {
	prev := protocol.PhaseUnknown
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeSimulatorToServer(data)
		if err != nil {
			s.violation(fmt.Sprintf("undecodable message: %v", err))
			closeWith(conn, websocket.CloseUnsupportedData, "bad message")
			return
		}

		s.mu.Lock()
		s.count++
		s.received = append(s.received, msg.MessageType)
		flaky := b == behaviorFlaky && s.failing()
		stopped := s.stopped || b == behaviorStopped
		s.mu.Unlock()

		if msg.SimID == 0 && msg.MessageType != protocol.SimRegister {
			s.violation(fmt.Sprintf("%s without sim id", msg.MessageType))
		}

		switch {
		case flaky:
			closeWith(conn, CloseFlaky, "")
			return
		case stopped:
			closeWith(conn, CloseBrainStopped, "Brain no longer training")
			return
		case msg.MessageType == protocol.SimRegister && !s.knownSimulator(msg):
			name := ""
			if msg.RegisterData != nil {
				name = msg.RegisterData.SimulatorName
			}
			closeWith(conn, CloseSimulatorNotFound, fmt.Sprintf("Simulator %s does not exist.", name))
			return
		}

		var out []byte
		switch b {
		case behaviorEOFStream:
			out = []byte{0x0a}
		case behaviorErrorMsg:
			out = []byte("foo")
		default:
			next := s.nextPhase(prev, msg.MessageType, predict)
			reply := s.reply(next, predict)
			out = protocol.EncodeServerToSimulator(reply)
			prev = next
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
			return
		}
	}
}

func (s *Server) knownSimulator(msg *protocol.SimulatorToServer) bool {
	return msg.RegisterData != nil && s.simulators[msg.RegisterData.SimulatorName]
}

// nextPhase is the brain's state machine.
func (s *Server) nextPhase(prev protocol.Phase, in protocol.SimMessageType, predict bool) protocol.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()

	if predict {
		switch {
		case prev == protocol.PhaseUnknown && in == protocol.SimRegister:
			return protocol.PhaseAckRegister
		case (prev == protocol.PhaseAckRegister || prev == protocol.PhasePrediction) && in == protocol.SimState:
			if prev == protocol.PhasePrediction {
				s.predictions++
			}
			if s.finishAfter > 0 && s.predictions >= s.finishAfter {
				return protocol.PhaseFinished
			}
			return protocol.PhasePrediction
		}
		return protocol.PhaseUnknown
	}

	switch {
	case prev == protocol.PhaseUnknown && in == protocol.SimRegister:
		return protocol.PhaseAckRegister
	case prev == protocol.PhaseAckRegister && in == protocol.SimReady:
		return protocol.PhaseSetProperties
	case prev == protocol.PhaseSetProperties && in == protocol.SimReady:
		return protocol.PhaseStart
	case prev == protocol.PhaseStart && in == protocol.SimState:
		return protocol.PhasePrediction
	case prev == protocol.PhasePrediction && in == protocol.SimState:
		s.episodes++
		return protocol.PhaseStop
	case prev == protocol.PhaseStop && in == protocol.SimReady:
		if s.finishAfter > 0 && s.episodes >= s.finishAfter {
			return protocol.PhaseFinished
		}
		return protocol.PhaseReset
	case prev == protocol.PhaseReset && in == protocol.SimReady:
		return protocol.PhaseSetProperties
	}
	return protocol.PhaseUnknown
}

func (s *Server) reply(phase protocol.Phase, predict bool) *protocol.ServerToSimulator {
	if predict && phase == protocol.PhasePrediction {
		s.mu.Lock()
		n := s.predictions
		s.mu.Unlock()
		return s.msgs.single(n)
	}
	if msg, ok := s.msgs.byPhase[phase]; ok {
		return msg
	}
	return &protocol.ServerToSimulator{MessageType: phase}
}

func (s *Server) violation(v string) {
	s.logger.Warn("protocol violation", "detail", v)
	s.mu.Lock()
	s.violations = append(s.violations, v)
	s.mu.Unlock()
}

func closeWith(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

// WebSocketURL converts an http:// base URL to ws://.
func WebSocketURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http")
}
