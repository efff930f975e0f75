package main

import (
	"fmt"
	"math/rand/v2"
)

// centerSim is the find-the-center sample: the brain moves a value between
// min and max and is rewarded for landing on the goal.
type centerSim struct {
	min, max, goal int64
	rng            *rand.Rand

	value     int64
	goalCount int64
	episodes  int
}

func newCenterSim(seed uint64) *centerSim {
	return &centerSim{
		min:  0,
		max:  2,
		goal: 1,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// EpisodeStart implements engine.Simulator.
func (s *centerSim) EpisodeStart(map[string]any) (map[string]any, error) {
	s.goalCount = 0
	s.value = s.min + s.rng.Int64N(s.max-s.min+1)
	s.episodes++
	return s.state(), nil
}

// Simulate implements engine.Simulator.
func (s *centerSim) Simulate(action map[string]any) (map[string]any, float64, bool, error) {
	delta, err := intField(action, "delta")
	if err != nil {
		return nil, 0, false, err
	}
	s.value += delta
	if s.value == s.goal {
		s.goalCount++
	}
	terminal := s.value < s.min || s.value > s.max || s.goalCount > 3
	return s.state(), float64(s.goalCount), terminal, nil
}

// EpisodeFinish implements engine.Simulator.
func (s *centerSim) EpisodeFinish() error {
	return nil
}

func (s *centerSim) state() map[string]any {
	return map[string]any{"value": s.value}
}

func intField(m map[string]any, key string) (int64, error) {
	switch v := m[key].(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case nil:
		return 0, fmt.Errorf("action has no %q field", key)
	default:
		return 0, fmt.Errorf("action field %q has type %T", key, v)
	}
}
