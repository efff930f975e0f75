package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	simerrors "github.com/simbridge-dev/simbridge/internal/errors"
	"github.com/simbridge-dev/simbridge/pkg/config"
	"github.com/simbridge-dev/simbridge/pkg/connection"
	"github.com/simbridge-dev/simbridge/pkg/metrics"
	"github.com/simbridge-dev/simbridge/pkg/protocol"
	"github.com/simbridge-dev/simbridge/pkg/schema"
	"github.com/simbridge-dev/simbridge/pkg/simtest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func testConfig(ts *httptest.Server, user string) *config.Config {
	cfg := config.Default()
	cfg.URL = ts.URL
	cfg.Username = user
	cfg.Brain = simtest.DefaultBrain
	cfg.AccessKey = "key"
	cfg.SimulatorName = "cartpole_simulator"
	cfg.PingInterval = 0
	cfg.NetworkTimeout = 5 * time.Second
	cfg.ReadTimeout = 5 * time.Second
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithLogger(discardLogger()),
		WithConnectionOptions(connection.WithSleep(noSleep)),
	}, opts...)
	eng, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

// answer fills ev with a valid Cartpole result.
func answer(ev Event, reward float64) {
	switch ev := ev.(type) {
	case *EpisodeStartEvent:
		ev.InitialState = simtest.CartpoleState()
	case *SimulateEvent:
		ev.State = simtest.CartpoleState()
		ev.Reward = reward
	}
}

// kinds pulls n events, answering each one.
func kinds(t *testing.T, eng *Engine, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ev, err := eng.NextEvent(context.Background())
		if err != nil {
			t.Fatalf("NextEvent() #%d error = %v (events so far %v)", i+1, err, out)
		}
		answer(ev, 1)
		out = append(out, ev.Kind())
	}
	return out
}

func equalKinds(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTrainingEventSequence(t *testing.T) {
	srv, ts := simtest.NewTestServer(t, simtest.WithLogger(discardLogger()))
	eng := newEngine(t, testConfig(ts, simtest.UserTrain))

	got := kinds(t, eng, 10)
	want := []string{
		"noop", "noop", "episode_start",
		"simulate", "simulate", "simulate", "simulate", "simulate",
		"episode_finish", "noop",
	}
	if !equalKinds(got, want) {
		t.Fatalf("events = %v\nwant     %v", got, want)
	}

	stats := eng.Stats()
	if stats.EpisodeCount != 1 {
		t.Errorf("EpisodeCount = %d, want 1", stats.EpisodeCount)
	}
	if stats.IterationCount != 5 {
		t.Errorf("IterationCount = %d, want 5", stats.IterationCount)
	}
	if stats.EpisodeReward != 5 {
		t.Errorf("EpisodeReward = %v, want 5", stats.EpisodeReward)
	}
	if stats.ObjectiveName != "balance" {
		t.Errorf("ObjectiveName = %q, want balance", stats.ObjectiveName)
	}
	if stats.SimID != simtest.CartpoleSimID {
		t.Errorf("SimID = %d, want %d", stats.SimID, simtest.CartpoleSimID)
	}
	if stats.Phase != protocol.PhaseReset {
		t.Errorf("Phase = %s, want Reset", stats.Phase)
	}
	if v := srv.Violations(); len(v) != 0 {
		t.Errorf("violations = %v", v)
	}
}

func TestTrainingFinished(t *testing.T) {
	_, ts := simtest.NewTestServer(t, simtest.WithFinishAfter(1), simtest.WithLogger(discardLogger()))
	eng := newEngine(t, testConfig(ts, simtest.UserTrain))

	got := kinds(t, eng, 11)
	want := []string{
		"noop", "noop", "episode_start",
		"simulate", "simulate", "simulate", "simulate", "simulate",
		"episode_finish", "finished", "finished",
	}
	if !equalKinds(got, want) {
		t.Fatalf("events = %v\nwant     %v", got, want)
	}
}

func TestPredictionEventSequence(t *testing.T) {
	_, ts := simtest.NewTestServer(t, simtest.WithFinishAfter(2), simtest.WithLogger(discardLogger()))
	cfg := testConfig(ts, simtest.UserTrain)
	cfg.Predict = true
	cfg.PredictionVersion = simtest.DefaultVersion
	eng := newEngine(t, cfg)

	if eng.Mode() != ModePrediction {
		t.Fatalf("Mode() = %s", eng.Mode())
	}

	ev, err := eng.NextEvent(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ev.(*EpisodeStartEvent); !ok {
		t.Fatalf("first event = %T, want *EpisodeStartEvent", ev)
	}
	answer(ev, 0)

	ev, err = eng.NextEvent(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	sim, ok := ev.(*SimulateEvent)
	if !ok {
		t.Fatalf("second event = %T, want *SimulateEvent", ev)
	}
	if sim.Action["command"] != 1.0 {
		t.Errorf("Action = %v, want command 1", sim.Action)
	}
	answer(ev, 0)

	got := kinds(t, eng, 2)
	if !equalKinds(got, []string{"simulate", "finished"}) {
		t.Errorf("events = %v, want [simulate finished]", got)
	}
}

// sequencer records callbacks and checks their ordering.
type sequencer struct {
	t          *testing.T
	terminalAt int
	steps      int
	inEpisode  bool
	lastTerm   bool
	calls      []string
}

func (s *sequencer) EpisodeStart(cfg map[string]any) (map[string]any, error) {
	if s.inEpisode {
		s.t.Errorf("EpisodeStart inside an episode (calls %v)", s.calls)
	}
	if cfg["episode_length"] != int64(-1) {
		s.t.Errorf("config = %v", cfg)
	}
	s.inEpisode = true
	s.lastTerm = false
	s.calls = append(s.calls, "start")
	return simtest.CartpoleState(), nil
}

func (s *sequencer) Simulate(action map[string]any) (map[string]any, float64, bool, error) {
	if !s.inEpisode {
		s.t.Errorf("Simulate outside an episode (calls %v)", s.calls)
	}
	if s.lastTerm {
		s.t.Errorf("Simulate after a terminal step (calls %v)", s.calls)
	}
	s.steps++
	terminal := s.steps == s.terminalAt
	s.lastTerm = terminal
	s.calls = append(s.calls, "sim")
	return simtest.CartpoleState(), 1, terminal, nil
}

func (s *sequencer) EpisodeFinish() error {
	if !s.inEpisode {
		s.t.Errorf("EpisodeFinish without EpisodeStart (calls %v)", s.calls)
	}
	s.inEpisode = false
	s.calls = append(s.calls, "finish")
	return nil
}

func TestTerminalStepStartsImplicitEpisode(t *testing.T) {
	_, ts := simtest.NewTestServer(t, simtest.WithFinishAfter(1), simtest.WithLogger(discardLogger()))
	eng := newEngine(t, testConfig(ts, simtest.UserTrain))
	sim := &sequencer{t: t, terminalAt: 2}

	for i := 0; i < 50; i++ {
		more, err := eng.Run(context.Background(), sim)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if !more {
			break
		}
	}

	want := "start sim sim finish start sim sim finish"
	if got := strings.Join(sim.calls, " "); got != want {
		t.Errorf("calls = %q, want %q", got, want)
	}
	if eng.EpisodeCount() != 2 {
		t.Errorf("EpisodeCount() = %d, want 2", eng.EpisodeCount())
	}
}

func TestFlakyReconnect(t *testing.T) {
	srv, ts := simtest.NewTestServer(t, simtest.WithLogger(discardLogger()))
	eng := newEngine(t, testConfig(ts, simtest.UserFlaky))

	starts := 0
	noopAfterStart := false
	for i := 0; i < 200 && starts < 3; i++ {
		ev, err := eng.NextEvent(context.Background())
		if err != nil {
			t.Fatalf("NextEvent() error = %v", err)
		}
		answer(ev, 1)
		switch ev.(type) {
		case *EpisodeStartEvent:
			starts++
		case *NoOpEvent:
			if starts == 2 {
				noopAfterStart = true
			}
		}
	}
	if starts < 3 {
		t.Fatalf("episode starts = %d, want 3", starts)
	}
	if !noopAfterStart {
		t.Error("no NoOp between the dropped episode and the reconnect")
	}
	// One initial connect, six rejected handshakes, one reconnect.
	if got := srv.Connections(); got != 8 {
		t.Errorf("Connections() = %d, want 8", got)
	}
}

func TestFatalDisconnects(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		opts    []simtest.Option
		noRetry bool
		simName string
		want    string
		conns   int
	}{
		{
			name:  "unauthorized",
			user:  simtest.UserNeedsAuth,
			want:  "401 - Unauthorized",
			conns: 1,
		},
		{
			// Unknown users are rejected before the server counts them.
			name:  "not found",
			user:  "bob",
			want:  "404 - Not Found",
			conns: 0,
		},
		{
			name:    "unknown simulator",
			user:    simtest.UserTrain,
			simName: "cartpole_simulatorX",
			want:    "Simulator cartpole_simulatorX does not exist.",
			conns:   1,
		},
		{
			name:  "brain stopped",
			user:  simtest.UserStopped,
			want:  "Code: 1001",
			conns: 1,
		},
		{
			name:    "no retry budget",
			user:    simtest.UserFlaky,
			opts:    []simtest.Option{simtest.WithFailure(0, 100)},
			noRetry: true,
			want:    "503",
			conns:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]simtest.Option{simtest.WithLogger(discardLogger())}, tt.opts...)
			srv, ts := simtest.NewTestServer(t, opts...)
			cfg := testConfig(ts, tt.user)
			if tt.noRetry {
				cfg.RetryTimeout = 0
			}
			if tt.simName != "" {
				cfg.SimulatorName = tt.simName
			}
			eng := newEngine(t, cfg)

			var err error
			for i := 0; i < 5 && err == nil; i++ {
				_, err = eng.Run(context.Background(), &sequencer{t: t})
			}
			if err == nil {
				t.Fatal("Run() never failed")
			}
			var sce *connection.SessionClosedError
			if !errors.As(err, &sce) {
				t.Fatalf("error = %T %v, want *connection.SessionClosedError", err, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}

			for i := 0; i < 3; i++ {
				if _, again := eng.Run(context.Background(), &sequencer{t: t}); !errors.Is(again, err) {
					t.Errorf("Run() after fatal error = %v, want %v", again, err)
				}
			}
			if got := srv.Connections(); got != tt.conns {
				t.Errorf("Connections() = %d, want %d", got, tt.conns)
			}
		})
	}
}

func TestGarbageFramesAreTransient(t *testing.T) {
	for _, user := range []string{simtest.UserEOFStream, simtest.UserErrorMsg} {
		t.Run(user, func(t *testing.T) {
			srv, ts := simtest.NewTestServer(t, simtest.WithLogger(discardLogger()))
			eng := newEngine(t, testConfig(ts, user))

			got := kinds(t, eng, 3)
			if !equalKinds(got, []string{"noop", "noop", "noop"}) {
				t.Errorf("events = %v, want three noops", got)
			}
			if srv.Connections() != 3 {
				t.Errorf("Connections() = %d, want 3", srv.Connections())
			}
		})
	}
}

type failingSim struct {
	startErr error
	panicSim bool
}

func (f *failingSim) EpisodeStart(map[string]any) (map[string]any, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return simtest.CartpoleState(), nil
}

func (f *failingSim) Simulate(map[string]any) (map[string]any, float64, bool, error) {
	if f.panicSim {
		panic("boom")
	}
	return simtest.CartpoleState(), 0, false, nil
}

func (f *failingSim) EpisodeFinish() error { return nil }

func runUntilError(t *testing.T, eng *Engine, sim Simulator) error {
	t.Helper()
	for i := 0; i < 20; i++ {
		more, err := eng.Run(context.Background(), sim)
		if err != nil {
			return err
		}
		if !more {
			t.Fatal("session finished without an error")
		}
	}
	t.Fatal("no error after 20 events")
	return nil
}

func TestCallbackErrors(t *testing.T) {
	t.Run("episode start error", func(t *testing.T) {
		_, ts := simtest.NewTestServer(t, simtest.WithLogger(discardLogger()))
		eng := newEngine(t, testConfig(ts, simtest.UserTrain))
		cause := errors.New("reset failed")

		err := runUntilError(t, eng, &failingSim{startErr: cause})
		var se *EpisodeStartError
		if !errors.As(err, &se) {
			t.Fatalf("error = %T, want *EpisodeStartError", err)
		}
		if !errors.Is(err, cause) {
			t.Errorf("error does not wrap the callback error: %v", err)
		}
	})

	t.Run("simulate panic", func(t *testing.T) {
		_, ts := simtest.NewTestServer(t, simtest.WithLogger(discardLogger()))
		eng := newEngine(t, testConfig(ts, simtest.UserTrain))

		err := runUntilError(t, eng, &failingSim{panicSim: true})
		var se *SimulateError
		if !errors.As(err, &se) {
			t.Fatalf("error = %T, want *SimulateError", err)
		}
		var pe *PanicError
		if !errors.As(err, &pe) || pe.Value != "boom" {
			t.Errorf("error = %v, want wrapped panic", err)
		}
		if len(pe.Stack) == 0 {
			t.Error("panic stack is empty")
		}
	})
}

func TestInvalidStateIsReported(t *testing.T) {
	tests := []struct {
		name      string
		events    int // events pulled before the bad answer
		state     map[string]any
		wantField string
	}{
		{"unknown field", 3, map[string]any{"position": 1.0, "bogus": true}, "bogus"},
		{"unanswered episode start", 3, nil, ""},
		{"unanswered simulate", 4, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := simtest.NewTestServer(t, simtest.WithLogger(discardLogger()))
			eng := newEngine(t, testConfig(ts, simtest.UserTrain))

			var ev Event
			var err error
			for i := 0; i < tt.events; i++ {
				if ev, err = eng.NextEvent(context.Background()); err != nil {
					t.Fatal(err)
				}
				if i < tt.events-1 {
					answer(ev, 1)
				}
			}
			switch ev := ev.(type) {
			case *EpisodeStartEvent:
				ev.InitialState = tt.state
			case *SimulateEvent:
				ev.State = tt.state
			default:
				t.Fatalf("event = %T, want a start or simulate event", ev)
			}

			_, err = eng.NextEvent(context.Background())
			var se *schema.StateError
			if !errors.As(err, &se) {
				t.Fatalf("error = %v, want *schema.StateError", err)
			}
			if se.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", se.Field, tt.wantField)
			}
		})
	}
}

// blockingDialer blocks until the context is cancelled.
type blockingDialer struct {
	entered chan struct{}
}

func (d *blockingDialer) Dial(ctx context.Context, url string, header http.Header) (connection.Transport, error) {
	close(d.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestReentrancyAndCancellation(t *testing.T) {
	_, ts := simtest.NewTestServer(t, simtest.WithLogger(discardLogger()))
	dialer := &blockingDialer{entered: make(chan struct{})}
	eng := newEngine(t, testConfig(ts, simtest.UserTrain), WithDialer(dialer))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := eng.NextEvent(ctx)
		done <- err
	}()

	<-dialer.entered
	if _, err := eng.NextEvent(context.Background()); !errors.Is(err, ErrRoundTripInFlight) {
		t.Errorf("concurrent NextEvent() error = %v, want ErrRoundTripInFlight", err)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("NextEvent() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("NextEvent did not return after cancel")
	}
}

func TestClosedEngine(t *testing.T) {
	_, ts := simtest.NewTestServer(t, simtest.WithLogger(discardLogger()))
	eng := newEngine(t, testConfig(ts, simtest.UserTrain))

	kinds(t, eng, 2)
	if err := eng.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := eng.NextEvent(context.Background()); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("NextEvent() error = %v, want ErrEngineClosed", err)
	}
}

func TestNewValidation(t *testing.T) {
	_, ts := simtest.NewTestServer(t, simtest.WithLogger(discardLogger()))

	tests := []struct {
		name   string
		mutate func(*config.Config)
		code   string
	}{
		{"missing simulator name", func(c *config.Config) { c.SimulatorName = "" }, "E110"},
		{"missing access key", func(c *config.Config) { c.AccessKey = "" }, "E101"},
		{"unsupported record file", func(c *config.Config) { c.RecordFile = "run.parquet" }, "E111"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(ts, simtest.UserTrain)
			tt.mutate(cfg)
			_, err := New(cfg, WithLogger(discardLogger()))
			var se *simerrors.Error
			if !errors.As(err, &se) {
				t.Fatalf("New() error = %v, want *errors.Error", err)
			}
			if se.Code != tt.code {
				t.Errorf("Code = %s, want %s", se.Code, tt.code)
			}
		})
	}
}

func TestRecordsSteps(t *testing.T) {
	_, ts := simtest.NewTestServer(t, simtest.WithFinishAfter(1), simtest.WithLogger(discardLogger()))
	cfg := testConfig(ts, simtest.UserTrain)
	cfg.RecordFile = filepath.Join(t.TempDir(), "run.csv")
	eng := newEngine(t, cfg)

	for i := 0; i < 20; i++ {
		more, err := eng.Run(context.Background(), &sequencer{t: t})
		if err != nil {
			t.Fatal(err)
		}
		if !more {
			break
		}
	}
	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(cfg.RecordFile)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	// Header, the episode start and five steps.
	if len(lines) != 7 {
		t.Fatalf("record has %d lines, want 7:\n%s", len(lines), data)
	}
	for _, col := range []string{"config.episode_length", "action.command", "state.position", "reward", "sim_id", "statistics.iteration_count"} {
		if !strings.Contains(lines[0], col) {
			t.Errorf("header %q lacks %s", lines[0], col)
		}
	}
	if !strings.Contains(lines[1], "270022238") {
		t.Errorf("row %q lacks the sim id", lines[1])
	}
}

func TestMetricsAreRecorded(t *testing.T) {
	_, ts := simtest.NewTestServer(t, simtest.WithLogger(discardLogger()))
	reg := prometheus.NewRegistry()
	eng := newEngine(t, testConfig(ts, simtest.UserTrain),
		WithMetrics(metrics.New(metrics.WithRegistry(reg), metrics.WithNamespace("test"))))

	kinds(t, eng, 10)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var simulates float64
	for _, mf := range families {
		if mf.GetName() != "test_events_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "type" && l.GetValue() == "simulate" {
					simulates = m.GetCounter().GetValue()
				}
			}
		}
	}
	if simulates != 5 {
		t.Errorf("simulate events = %v, want 5", simulates)
	}
}
