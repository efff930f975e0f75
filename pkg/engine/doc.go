// Package engine connects a simulator to a brain.
//
// The engine owns the wire protocol and the connection lifecycle. User code
// implements Simulator and calls Run in a loop, or pulls events with
// NextEvent and answers them itself:
//
//	eng, err := engine.New(cfg)
//	if err != nil {
//		return err
//	}
//	defer eng.Close()
//
//	for {
//		ev, err := eng.NextEvent(ctx)
//		if err != nil {
//			return err
//		}
//		switch ev := ev.(type) {
//		case *engine.EpisodeStartEvent:
//			ev.InitialState = sim.Reset(ev.Config)
//		case *engine.SimulateEvent:
//			ev.State, ev.Reward, ev.Terminal = sim.Step(ev.Action)
//		case *engine.EpisodeFinishEvent:
//			sim.Done()
//		case *engine.FinishedEvent:
//			return nil
//		}
//	}
//
// # Protocol
//
// Each NextEvent call performs at most one round trip: it sends the message
// implied by the last phase received from the brain, waits for the reply and
// translates the new phase into an event. Prediction messages carry a batch
// of actions; they are delivered one SimulateEvent at a time and their
// results are sent back together.
//
// A terminal step is followed by an EpisodeFinishEvent. If more actions of
// the same batch remain, the next one starts a new episode and is answered
// with the initial state instead of being simulated.
//
// # Failures
//
// Transient connection failures are retried with jittered exponential
// backoff and surface as NoOpEvent. The session restarts from registration
// after every reconnect. Permanent failures (close codes 1001, 3000-3099
// and 4000-4099, handshake status 401 or 404, an exhausted retry budget)
// are returned as errors.
package engine
