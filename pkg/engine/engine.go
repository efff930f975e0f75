package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	simerrors "github.com/simbridge-dev/simbridge/internal/errors"
	"github.com/simbridge-dev/simbridge/pkg/config"
	"github.com/simbridge-dev/simbridge/pkg/connection"
	"github.com/simbridge-dev/simbridge/pkg/metrics"
	"github.com/simbridge-dev/simbridge/pkg/protocol"
	"github.com/simbridge-dev/simbridge/pkg/recorder"
)

// Stats is a snapshot of session bookkeeping.
type Stats struct {
	EpisodeCount   int
	IterationCount int
	EpisodeReward  float64
	ObjectiveName  string
	SimID          int64
	Phase          protocol.Phase
}

// Engine drives one simulator session. NextEvent and Run must be called
// from a single goroutine; the accessors and Close may be called from any
// goroutine.
type Engine struct {
	cfg      *config.Config
	mode     Mode
	conn     *connection.Manager
	disp     *dispatcher
	recorder *recorder.Recorder
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	// Pump state, touched only inside NextEvent.
	last        Event
	outcome     StepOutcome
	episodeOpen bool
	finished    bool
	fatal       error

	inFlight atomic.Bool
	closed   atomic.Bool

	statsMu sync.Mutex
	stats   Stats
}

// New creates an engine for cfg. The config is validated and copied; no
// connection is made until the first NextEvent.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SimulatorName == "" {
		return nil, simerrors.New("E110")
	}
	proxy, err := cfg.ProxyURL()
	if err != nil {
		return nil, simerrors.New("E104").WithDetail("proxy " + cfg.Proxy).Wrap(err)
	}

	o := options{tracerName: DefaultTracerName}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With("component", "engine", "simulator", cfg.SimulatorName)

	mode := ModeTraining
	if cfg.Predict {
		mode = ModePrediction
	}

	rec := o.recorder
	if rec == nil && cfg.RecordFile != "" {
		recOpts := []recorder.Option{recorder.WithLogger(o.logger)}
		if o.uploader != nil {
			recOpts = append(recOpts, recorder.WithUploader(o.uploader))
		}
		rec, err = recorder.New(cfg.RecordFile, recOpts...)
		if err != nil {
			return nil, simerrors.New("E111").WithDetail(cfg.RecordFile).Wrap(err)
		}
	}

	connOpts := []connection.Option{
		connection.WithLogger(o.logger),
		connection.WithMetrics(o.metrics),
	}
	if o.dialer != nil {
		connOpts = append(connOpts, connection.WithDialer(o.dialer))
	}
	connOpts = append(connOpts, o.connOpts...)

	conn := connection.NewManager(connection.Config{
		URL:              cfg.EndpointURL(),
		AccessKey:        cfg.AccessKey,
		UserAgent:        cfg.UserAgent(),
		Proxy:            proxy,
		RetryTimeout:     cfg.RetryTimeout,
		HandshakeTimeout: cfg.NetworkTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.NetworkTimeout,
		PingInterval:     cfg.PingInterval,
		Backoff:          cfg.Backoff(),
	}, connOpts...)

	return &Engine{
		cfg:      cfg,
		mode:     mode,
		conn:     conn,
		disp:     newDispatcher(mode, cfg.SimulatorName, logger),
		recorder: rec,
		logger:   logger,
		metrics:  o.metrics,
		tracer:   otel.Tracer(o.tracerName),
	}, nil
}

// Mode returns the protocol mode selected by the config.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Recorder returns the step recorder, or nil when recording is disabled.
// Keys enabled on it can be filled from simulator callbacks with Add.
func (e *Engine) Recorder() *recorder.Recorder {
	return e.recorder
}

// Stats returns a snapshot of the session bookkeeping.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// EpisodeCount returns the number of finished episodes.
func (e *Engine) EpisodeCount() int { return e.Stats().EpisodeCount }

// IterationCount returns the number of simulated steps in the current episode.
func (e *Engine) IterationCount() int { return e.Stats().IterationCount }

// EpisodeReward returns the reward accumulated in the current episode.
func (e *Engine) EpisodeReward() float64 { return e.Stats().EpisodeReward }

// ObjectiveName returns the reward name announced by the brain.
func (e *Engine) ObjectiveName() string { return e.Stats().ObjectiveName }

// SimID returns the session identifier assigned at registration.
func (e *Engine) SimID() int64 { return e.Stats().SimID }

// Phase returns the last phase received from the brain.
func (e *Engine) Phase() protocol.Phase { return e.Stats().Phase }

// Close ends the session: the connection is closed and the recorder is
// flushed (and uploaded when configured). Close is idempotent.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	err := e.conn.Close()
	if e.recorder != nil {
		err = errors.Join(err, e.recorder.Close())
	}
	e.logger.Info("engine closed")
	return err
}

// NextEvent advances the protocol by at most one round trip and returns
// the next event. Results written into the previously returned event are
// read back first. Transient connection failures yield *NoOpEvent; fatal
// ones are returned as errors, and again on every later call.
func (e *Engine) NextEvent(ctx context.Context) (Event, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, ErrRoundTripInFlight
	}
	defer e.inFlight.Store(false)

	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if e.fatal != nil {
		return nil, e.fatal
	}
	if err := e.readBack(); err != nil {
		return nil, err
	}
	if e.finished {
		return &FinishedEvent{}, nil
	}

	ev, err := e.advance(ctx)
	if err != nil {
		return nil, err
	}
	e.last = ev
	e.syncStats()
	e.metrics.RecordEvent(ev.Kind())
	e.logger.Debug("event", "kind", ev.Kind())
	return ev, nil
}

func (e *Engine) advance(ctx context.Context) (Event, error) {
	if e.outcome == OutcomeTerminal {
		e.outcome = OutcomeFinished
		return e.finishEpisode(), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.conn.Client() == nil {
		if err := e.conn.Connect(ctx); err != nil {
			return e.disconnected(ctx, err)
		}
	}

	if ev := e.stepEvent(); ev != nil {
		return ev, nil
	}
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.roundTrip(ctx)
}

// stepEvent turns the next queued step into an event, or returns nil when
// the queue is drained.
func (e *Engine) stepEvent() Event {
	step, startsEpisode, ok := e.disp.nextStep(e.outcome)
	if !ok {
		return nil
	}
	if startsEpisode {
		e.outcome = OutcomeNone
		return e.startEpisode(step)
	}
	return &SimulateEvent{Action: e.disp.decodeAction(step), step: step}
}

func (e *Engine) startEpisode(step *simStep) *EpisodeStartEvent {
	e.episodeOpen = true
	return &EpisodeStartEvent{Config: copyMap(e.disp.episodeConfig), step: step}
}

func (e *Engine) finishEpisode() *EpisodeFinishEvent {
	e.episodeOpen = false
	return &EpisodeFinishEvent{}
}

func (e *Engine) roundTrip(ctx context.Context) (Event, error) {
	sent := e.disp.phase
	ctx, span := e.tracer.Start(ctx, "engine.round_trip",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("sim.phase.sent", sent.String()),
			attribute.Int64("sim.id", e.disp.simID),
		),
	)
	defer span.End()
	start := time.Now()

	ev, err := e.exchange(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	received := e.disp.phase
	span.SetAttributes(
		attribute.String("sim.phase.received", received.String()),
		attribute.Int("sim.steps", len(e.disp.steps)),
	)
	span.SetStatus(codes.Ok, "")
	e.metrics.RecordRoundTrip(received.String(), time.Since(start))
	return ev, nil
}

// exchange sends one message, reads one message and translates the new
// phase into an event.
func (e *Engine) exchange(ctx context.Context) (Event, error) {
	out, err := e.disp.buildMessage()
	if err != nil {
		return nil, err
	}
	if err := e.conn.Send(protocol.EncodeSimulatorToServer(out)); err != nil {
		return e.disconnected(ctx, err)
	}
	e.metrics.RecordSent(out.MessageType.String())
	if out.MessageType == protocol.SimState {
		e.metrics.RecordSteps(len(out.StateData))
	}
	e.logger.Debug("sent", "type", out.MessageType.String(), "states", len(out.StateData))

	data, err := e.conn.Receive()
	if err != nil {
		return e.disconnected(ctx, err)
	}
	msg, err := protocol.DecodeServerToSimulator(data)
	if err != nil {
		return e.disconnected(ctx, err)
	}
	e.metrics.RecordReceived(msg.MessageType.String())
	e.logger.Debug("received", "phase", msg.MessageType.String(), "predictions", len(msg.PredictionData))

	if err := e.disp.receive(msg); err != nil {
		return nil, err
	}
	return e.translate(msg.MessageType), nil
}

func (e *Engine) translate(phase protocol.Phase) Event {
	switch phase {
	case protocol.PhaseAckRegister:
		e.configureRecorder()
		if e.mode == ModePrediction {
			e.outcome = OutcomeNone
			return e.startEpisode(nil)
		}
		return &NoOpEvent{}
	case protocol.PhaseSetProperties, protocol.PhaseReset:
		return &NoOpEvent{}
	case protocol.PhaseStart:
		e.outcome = OutcomeNone
		return e.startEpisode(nil)
	case protocol.PhaseStop:
		if e.outcome == OutcomeFinished {
			e.outcome = OutcomeNone
		}
		if e.episodeOpen {
			return e.finishEpisode()
		}
		return &NoOpEvent{}
	case protocol.PhasePrediction:
		if ev := e.stepEvent(); ev != nil {
			return ev
		}
		return &NoOpEvent{}
	case protocol.PhaseFinished:
		e.finished = true
		e.logger.Info("brain finished the session")
		if err := e.conn.Close(); err != nil {
			e.logger.Warn("close connection", "error", err)
		}
		return &FinishedEvent{}
	case protocol.PhaseUnknown:
	}
	return &NoOpEvent{}
}

// disconnected tears the session down after a transport failure. Transient
// failures yield a NoOp; the dispatcher state is discarded so the next call
// registers again. A fatal failure is kept and returned by every later
// NextEvent without dialing.
func (e *Engine) disconnected(ctx context.Context, reason error) (Event, error) {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(reason, ctxErr) {
		e.conn.Disconnect()
		e.resetSession()
		return nil, ctxErr
	}
	fatal := e.conn.HandleDisconnect(reason)
	e.resetSession()
	if fatal != nil {
		e.fatal = fatal
		return nil, fatal
	}
	return &NoOpEvent{}, nil
}

func (e *Engine) resetSession() {
	e.disp.reset()
	e.outcome = OutcomeNone
	e.episodeOpen = false
}

// readBack applies the results written into the last delivered event.
func (e *Engine) readBack() error {
	last := e.last
	e.last = nil

	switch ev := last.(type) {
	case *EpisodeStartEvent:
		state, err := e.disp.encodeState(ev.InitialState)
		if err != nil {
			return err
		}
		if ev.step != nil {
			ev.step.state = state
			ev.step.reward = 0
			ev.step.terminal = false
			ev.step.answered = true
		} else {
			e.disp.initialState = state
		}
		e.statsMu.Lock()
		e.stats.IterationCount = 0
		e.stats.EpisodeReward = 0
		e.statsMu.Unlock()
		e.record(ev.Config, nil, ev.InitialState, nil, nil)

	case *SimulateEvent:
		state, err := e.disp.encodeState(ev.State)
		if err != nil {
			return err
		}
		ev.step.state = state
		ev.step.reward = ev.Reward
		ev.step.terminal = ev.Terminal
		ev.step.answered = true
		if ev.Terminal {
			e.outcome = OutcomeTerminal
		}
		e.statsMu.Lock()
		e.stats.IterationCount++
		e.stats.EpisodeReward += ev.Reward
		e.statsMu.Unlock()
		e.record(nil, ev.Action, ev.State, ev.Reward, ev.Terminal)

	case *EpisodeFinishEvent:
		e.statsMu.Lock()
		e.stats.EpisodeCount++
		e.statsMu.Unlock()
		e.metrics.RecordEpisode()
	}
	return nil
}

func (e *Engine) syncStats() {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Phase = e.disp.phase
	e.stats.SimID = e.disp.simID
	e.stats.ObjectiveName = e.disp.objective
}

func (e *Engine) configureRecorder() {
	if e.recorder == nil {
		return
	}
	e.recorder.EnableKeys(fieldNames(e.disp.properties), "config")
	e.recorder.EnableKeys(fieldNames(e.disp.prediction), "action")
	e.recorder.EnableKeys(fieldNames(e.disp.output), "state")
	e.recorder.EnableKeys([]string{"reward", "terminal", "time", "simulator", "predict", "sim_id"}, "")
	e.recorder.EnableKeys([]string{"episode_reward", "episode_count", "iteration_count"}, "statistics")
}

// record writes one line for a read-back step. reward and terminal are nil
// for an episode start.
func (e *Engine) record(cfg, action, state map[string]any, reward, terminal any) {
	if e.recorder == nil {
		return
	}
	stats := e.Stats()
	parts := []struct {
		values map[string]any
		prefix string
	}{
		{cfg, "config"},
		{action, "action"},
		{state, "state"},
		{map[string]any{
			"reward":    reward,
			"terminal":  terminal,
			"time":      time.Now().Format(time.DateTime),
			"simulator": e.cfg.SimulatorName,
			"predict":   e.mode == ModePrediction,
			"sim_id":    e.disp.simID,
		}, ""},
		{map[string]any{
			"episode_reward":  stats.EpisodeReward,
			"episode_count":   stats.EpisodeCount,
			"iteration_count": stats.IterationCount,
		}, "statistics"},
	}
	for _, p := range parts {
		if err := e.recorder.Add(p.values, p.prefix); err != nil {
			e.logger.Warn("record", "error", err)
		}
	}
	if err := e.recorder.Write(); err != nil {
		e.logger.Warn("record", "error", err)
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
