package engine

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Simulator is implemented by user code.
type Simulator interface {
	// EpisodeStart resets the simulation with the brain-supplied config and
	// returns the initial state.
	EpisodeStart(config map[string]any) (map[string]any, error)

	// Simulate applies one action and returns the resulting state, the
	// reward and whether the state is terminal.
	Simulate(action map[string]any) (state map[string]any, reward float64, terminal bool, err error)

	// EpisodeFinish is called once after every episode.
	EpisodeFinish() error
}

// Run advances the session by one event and dispatches it to sim.
//
// Run returns (true, nil) while the session continues, (false, nil) when the
// brain finished the session, and (false, err) on a fatal error: a
// permanent disconnect, an exhausted reconnect budget, a protocol violation
// or a failing callback. Callback errors and panics are wrapped in
// *EpisodeStartError, *SimulateError or *EpisodeFinishError.
//
//	for {
//		more, err := eng.Run(ctx, sim)
//		if err != nil {
//			return err
//		}
//		if !more {
//			break
//		}
//	}
func (e *Engine) Run(ctx context.Context, sim Simulator) (bool, error) {
	ev, err := e.NextEvent(ctx)
	if err != nil {
		e.logger.Error("session ended", "error", err)
		return false, err
	}

	switch ev := ev.(type) {
	case *EpisodeStartEvent:
		var state map[string]any
		err := guard(func() (err error) {
			state, err = sim.EpisodeStart(ev.Config)
			return err
		})
		if err != nil {
			return false, &EpisodeStartError{Err: err}
		}
		ev.InitialState = state
	case *SimulateEvent:
		var (
			state    map[string]any
			reward   float64
			terminal bool
		)
		err := guard(func() (err error) {
			state, reward, terminal, err = sim.Simulate(ev.Action)
			return err
		})
		if err != nil {
			return false, &SimulateError{Err: err}
		}
		ev.State, ev.Reward, ev.Terminal = state, reward, terminal
	case *EpisodeFinishEvent:
		if err := guard(sim.EpisodeFinish); err != nil {
			return false, &EpisodeFinishError{Err: err}
		}
	case *FinishedEvent:
		return false, nil
	case *NoOpEvent:
	default:
		return false, fmt.Errorf("engine: unexpected event %T", ev)
	}
	return true, nil
}

// guard calls fn and converts a panic into a *PanicError.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}
