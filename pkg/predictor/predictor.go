// Package predictor asks a trained brain for actions.
//
// A Predictor runs the engine in prediction mode and hides the event loop:
// each GetAction call sends the current state and returns the action the
// brain chose for it.
//
//	p, err := predictor.New(cfg)
//	if err != nil {
//		return err
//	}
//	defer p.Close()
//
//	for {
//		action, err := p.GetAction(ctx, state)
//		if errors.Is(err, predictor.ErrFinished) {
//			return nil
//		}
//		if err != nil {
//			return err
//		}
//		state = apply(action)
//	}
package predictor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/simbridge-dev/simbridge/pkg/config"
	"github.com/simbridge-dev/simbridge/pkg/engine"
)

// ErrFinished is returned by GetAction once the brain ended the session.
var ErrFinished = errors.New("predictor: session finished")

// Predictor returns brain actions for simulator states. It is safe for
// concurrent use; calls are serialized.
type Predictor struct {
	mu      sync.Mutex
	eng     *engine.Engine
	pending *engine.SimulateEvent
}

// New creates a Predictor. cfg is copied and switched to prediction mode;
// PredictionVersion selects the brain version.
func New(cfg *config.Config, opts ...engine.Option) (*Predictor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg = cfg.Clone()
	cfg.Predict = true

	eng, err := engine.New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("predictor: %w", err)
	}
	return &Predictor{eng: eng}, nil
}

// Engine returns the underlying engine, for statistics and the recorder.
func (p *Predictor) Engine() *engine.Engine {
	return p.eng
}

// GetAction sends state to the brain and returns the predicted action. An
// invalid state is reported as *schema.StateError.
func (p *Predictor) GetAction(ctx context.Context, state map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending != nil {
		p.pending.State = state
		p.pending = nil
	}

	for {
		ev, err := p.eng.NextEvent(ctx)
		if err != nil {
			return nil, err
		}
		switch ev := ev.(type) {
		case *engine.EpisodeStartEvent:
			ev.InitialState = state
		case *engine.SimulateEvent:
			p.pending = ev
			return ev.Action, nil
		case *engine.FinishedEvent:
			return nil, ErrFinished
		case *engine.EpisodeFinishEvent, *engine.NoOpEvent:
		}
	}
}

// Close ends the session.
func (p *Predictor) Close() error {
	return p.eng.Close()
}
