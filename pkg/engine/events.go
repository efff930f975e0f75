package engine

// Event is returned by NextEvent. The concrete types are *EpisodeStartEvent,
// *SimulateEvent, *EpisodeFinishEvent, *FinishedEvent and *NoOpEvent.
//
// Results are written into the event's exported fields and read back by the
// following NextEvent call. An event must not be used after that call.
type Event interface {
	// Kind returns a short snake_case name used in logs and metrics.
	Kind() string
}

// EpisodeStartEvent begins an episode. Set InitialState to the state after
// resetting the simulation with Config.
type EpisodeStartEvent struct {
	Config       map[string]any
	InitialState map[string]any

	// step is the queued prediction answered with the initial state when
	// the episode starts implicitly after a terminal step.
	step *simStep
}

// Kind implements Event.
func (*EpisodeStartEvent) Kind() string { return "episode_start" }

// SimulateEvent carries one action. Set State, Reward and Terminal to the
// result of applying Action.
type SimulateEvent struct {
	Action   map[string]any
	State    map[string]any
	Reward   float64
	Terminal bool

	step *simStep
}

// Kind implements Event.
func (*SimulateEvent) Kind() string { return "simulate" }

// EpisodeFinishEvent ends the current episode.
type EpisodeFinishEvent struct{}

// Kind implements Event.
func (*EpisodeFinishEvent) Kind() string { return "episode_finish" }

// FinishedEvent reports that the brain ended the session.
type FinishedEvent struct{}

// Kind implements Event.
func (*FinishedEvent) Kind() string { return "finished" }

// NoOpEvent requires no action; call NextEvent again.
type NoOpEvent struct{}

// Kind implements Event.
func (*NoOpEvent) Kind() string { return "noop" }
