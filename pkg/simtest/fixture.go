package simtest

import (
	"fmt"

	"github.com/simbridge-dev/simbridge/pkg/protocol"
	"github.com/simbridge-dev/simbridge/pkg/schema"
)

// Fixture is the brain a Server impersonates: the schemas it assigns at
// registration, the episode config and the actions it sends.
type Fixture struct {
	PropertiesSchema []byte
	StateSchema      []byte
	ActionSchema     []byte

	SimID      int64
	RewardName string

	// Properties is the episode config sent with SetProperties.
	Properties map[string]any

	// Actions is the batch sent with every Prediction in training mode.
	// Prediction mode sends one action at a time, cycling through them.
	Actions []map[string]any
}

// CartpoleSimID is the session id assigned by the Cartpole fixture.
const CartpoleSimID = 270022238

// Cartpole returns the cart-pole brain: four float state fields, one
// command action and a batch of five actions per Prediction.
func Cartpole() *Fixture {
	return &Fixture{
		PropertiesSchema: schema.Build("CartpoleConfig",
			schema.Int64("episode_length"),
			schema.Double("deque_size"),
		),
		StateSchema: schema.Build("CartpoleState",
			schema.Double("position"),
			schema.Double("velocity"),
			schema.Double("angle"),
			schema.Double("rotation"),
		),
		ActionSchema: schema.Build("CartpoleAction",
			schema.Double("command"),
		),
		SimID:      CartpoleSimID,
		RewardName: "balance",
		Properties: map[string]any{"episode_length": int64(-1), "deque_size": 1.0},
		Actions: []map[string]any{
			{"command": 1.0},
			{"command": -1.0},
			{"command": 1.0},
			{"command": -1.0},
			{"command": 1.0},
		},
	}
}

// CartpoleState returns a valid Cartpole state.
func CartpoleState() map[string]any {
	return map[string]any{
		"position": 1.0,
		"velocity": 0.0,
		"angle":    0.0,
		"rotation": 0.0,
	}
}

// FindTheCenter returns a brain for the find-the-center sample: an
// integer state value and an integer delta action of -1, 0 or 1.
func FindTheCenter() *Fixture {
	return &Fixture{
		PropertiesSchema: schema.Build("CenterConfig"),
		StateSchema:      schema.Build("CenterState", schema.Int64("value")),
		ActionSchema:     schema.Build("CenterAction", schema.Int64("delta")),
		SimID:            CenterSimID,
		RewardName:       "goal_count",
		Properties:       map[string]any{},
		Actions: []map[string]any{
			{"delta": int64(1)},
			{"delta": int64(-1)},
			{"delta": int64(0)},
			{"delta": int64(1)},
			{"delta": int64(-1)},
		},
	}
}

// CenterSimID is the session id assigned by the FindTheCenter fixture.
const CenterSimID = 31337

// messages pre-encodes one message per phase.
type messages struct {
	byPhase map[protocol.Phase]*protocol.ServerToSimulator
	actions [][]byte
}

func (f *Fixture) compile() (*messages, error) {
	properties, err := schema.Compile(f.PropertiesSchema)
	if err != nil {
		return nil, fmt.Errorf("simtest: properties schema: %w", err)
	}
	action, err := schema.Compile(f.ActionSchema)
	if err != nil {
		return nil, fmt.Errorf("simtest: action schema: %w", err)
	}
	if _, err := schema.Compile(f.StateSchema); err != nil {
		return nil, fmt.Errorf("simtest: state schema: %w", err)
	}

	props, err := properties.Encode(f.Properties)
	if err != nil {
		return nil, fmt.Errorf("simtest: properties: %w", err)
	}

	m := &messages{byPhase: make(map[protocol.Phase]*protocol.ServerToSimulator)}
	batch := make([]protocol.PredictionData, 0, len(f.Actions))
	for _, a := range f.Actions {
		data, err := action.Encode(a)
		if err != nil {
			return nil, fmt.Errorf("simtest: action: %w", err)
		}
		m.actions = append(m.actions, data)
		batch = append(batch, protocol.PredictionData{DynamicPrediction: data})
	}

	m.byPhase[protocol.PhaseAckRegister] = &protocol.ServerToSimulator{
		MessageType: protocol.PhaseAckRegister,
		AcknowledgeRegisterData: &protocol.AckRegisterData{
			PropertiesSchema: f.PropertiesSchema,
			OutputSchema:     f.StateSchema,
			PredictionSchema: f.ActionSchema,
			SimID:            f.SimID,
		},
	}
	m.byPhase[protocol.PhaseSetProperties] = &protocol.ServerToSimulator{
		MessageType: protocol.PhaseSetProperties,
		SetPropertiesData: &protocol.SetPropertiesData{
			DynamicProperties: props,
			PredictionSchema:  f.ActionSchema,
			RewardName:        f.RewardName,
		},
	}
	m.byPhase[protocol.PhasePrediction] = &protocol.ServerToSimulator{
		MessageType:    protocol.PhasePrediction,
		PredictionData: batch,
	}
	for _, p := range []protocol.Phase{protocol.PhaseStart, protocol.PhaseStop, protocol.PhaseReset, protocol.PhaseFinished} {
		m.byPhase[p] = &protocol.ServerToSimulator{MessageType: p}
	}
	return m, nil
}

// single returns a Prediction carrying only the n-th action.
func (m *messages) single(n int) *protocol.ServerToSimulator {
	msg := &protocol.ServerToSimulator{MessageType: protocol.PhasePrediction}
	if len(m.actions) > 0 {
		msg.PredictionData = []protocol.PredictionData{{DynamicPrediction: m.actions[n%len(m.actions)]}}
	}
	return msg
}
