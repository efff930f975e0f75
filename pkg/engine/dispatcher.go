package engine

import (
	"fmt"
	"log/slog"

	"github.com/simbridge-dev/simbridge/pkg/protocol"
	"github.com/simbridge-dev/simbridge/pkg/schema"
)

// Mode selects the training or prediction protocol.
type Mode int

const (
	ModeTraining Mode = iota
	ModePrediction
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeTraining:
		return "training"
	case ModePrediction:
		return "prediction"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// StepOutcome is how the pump's last delivered step ended. The pump owns it
// and hands it to the dispatcher on every step decision.
type StepOutcome int

const (
	// OutcomeNone means no step ended an episode.
	OutcomeNone StepOutcome = iota

	// OutcomeTerminal means a terminal Simulate was read back and an
	// EpisodeFinish is due.
	OutcomeTerminal

	// OutcomeFinished means the EpisodeFinish for a terminal step was
	// delivered; the next queued step starts a new episode.
	OutcomeFinished
)

// simStep is one prediction awaiting its result.
type simStep struct {
	action   []byte
	state    []byte
	reward   float64
	terminal bool
	answered bool
}

// dispatcher holds the protocol state of one session: the last received
// phase, the schemas and the queue of steps. It builds outgoing messages
// from the last received phase and applies incoming ones.
type dispatcher struct {
	mode   Mode
	name   string
	logger *slog.Logger

	phase      protocol.Phase
	simID      int64
	properties *schema.Schema
	output     *schema.Schema
	prediction *schema.Schema
	objective  string

	episodeConfig map[string]any
	initialState  []byte

	steps []*simStep
	next  int
}

func newDispatcher(mode Mode, name string, logger *slog.Logger) *dispatcher {
	d := &dispatcher{mode: mode, name: name, logger: logger}
	d.reset()
	return d
}

// reset forgets everything learned from the server.
func (d *dispatcher) reset() {
	d.phase = protocol.PhaseUnknown
	d.simID = 0
	d.properties = nil
	d.output = nil
	d.prediction = nil
	d.objective = ""
	d.episodeConfig = map[string]any{}
	d.initialState = nil
	d.steps = nil
	d.next = 0
}

// buildMessage returns the message to send given the last received phase.
func (d *dispatcher) buildMessage() (*protocol.SimulatorToServer, error) {
	switch d.mode {
	case ModeTraining:
		switch d.phase {
		case protocol.PhaseUnknown:
			return d.registration(), nil
		case protocol.PhaseAckRegister, protocol.PhaseSetProperties, protocol.PhaseReset, protocol.PhaseStop:
			return d.ready(), nil
		case protocol.PhaseStart:
			return d.initialStateMessage()
		case protocol.PhasePrediction:
			return d.stateMessage(), nil
		case protocol.PhaseFinished:
			return nil, d.unsupported("send")
		}
	case ModePrediction:
		switch d.phase {
		case protocol.PhaseUnknown:
			return d.registration(), nil
		case protocol.PhaseAckRegister:
			return d.initialStateMessage()
		case protocol.PhasePrediction:
			return d.stateMessage(), nil
		case protocol.PhaseSetProperties, protocol.PhaseStart, protocol.PhaseReset, protocol.PhaseStop, protocol.PhaseFinished:
			return nil, d.unsupported("send")
		}
	}
	return nil, d.unsupported("send")
}

func (d *dispatcher) unsupported(op string) error {
	return &ProtocolError{Mode: d.mode, Op: op, Phase: d.phase}
}

func (d *dispatcher) registration() *protocol.SimulatorToServer {
	return &protocol.SimulatorToServer{
		MessageType:  protocol.SimRegister,
		RegisterData: &protocol.RegisterData{SimulatorName: d.name},
	}
}

func (d *dispatcher) ready() *protocol.SimulatorToServer {
	return &protocol.SimulatorToServer{
		MessageType: protocol.SimReady,
		SimID:       d.simID,
	}
}

func (d *dispatcher) initialStateMessage() (*protocol.SimulatorToServer, error) {
	if d.output == nil {
		return nil, ErrSchemaMissing
	}
	state := d.initialState
	if state == nil {
		state = []byte{}
	}
	return &protocol.SimulatorToServer{
		MessageType: protocol.SimState,
		SimID:       d.simID,
		StateData:   []protocol.StateData{{State: state}},
	}, nil
}

// stateMessage batches every answered step and clears the queue.
func (d *dispatcher) stateMessage() *protocol.SimulatorToServer {
	msg := &protocol.SimulatorToServer{
		MessageType: protocol.SimState,
		SimID:       d.simID,
		StateData:   make([]protocol.StateData, 0, len(d.steps)),
	}
	for _, step := range d.steps {
		if !step.answered {
			d.logger.Warn("missing step in state batch")
			continue
		}
		msg.StateData = append(msg.StateData, protocol.StateData{
			State:       step.state,
			Reward:      step.reward,
			Terminal:    step.terminal,
			ActionTaken: step.action,
		})
	}
	d.steps = nil
	d.next = 0
	return msg
}

// receive applies msg and records its type as the new phase.
func (d *dispatcher) receive(msg *protocol.ServerToSimulator) error {
	switch msg.MessageType {
	case protocol.PhaseAckRegister:
		if err := d.onAckRegister(msg.AcknowledgeRegisterData); err != nil {
			return err
		}
	case protocol.PhaseSetProperties, protocol.PhaseStart, protocol.PhaseReset, protocol.PhaseStop:
		if d.mode == ModePrediction {
			return &ProtocolError{Mode: d.mode, Op: "receive", Phase: msg.MessageType}
		}
		if msg.MessageType == protocol.PhaseSetProperties {
			if err := d.onSetProperties(msg.SetPropertiesData); err != nil {
				return err
			}
		}
	case protocol.PhasePrediction:
		for _, p := range msg.PredictionData {
			d.steps = append(d.steps, &simStep{action: p.DynamicPrediction})
		}
	case protocol.PhaseFinished:
	default:
		return &UnknownMessageError{Phase: msg.MessageType}
	}
	d.phase = msg.MessageType
	return nil
}

func (d *dispatcher) onAckRegister(data *protocol.AckRegisterData) error {
	if data == nil {
		data = &protocol.AckRegisterData{}
	}
	var err error
	if d.properties, err = compileOptional(data.PropertiesSchema); err != nil {
		return fmt.Errorf("engine: properties schema: %w", err)
	}
	if d.output, err = compileOptional(data.OutputSchema); err != nil {
		return fmt.Errorf("engine: state schema: %w", err)
	}
	if d.prediction, err = compileOptional(data.PredictionSchema); err != nil {
		return fmt.Errorf("engine: action schema: %w", err)
	}
	d.simID = data.SimID
	d.logger.Info("registered", "mode", d.mode.String(), "sim_id", d.simID)
	return nil
}

func (d *dispatcher) onSetProperties(data *protocol.SetPropertiesData) error {
	if data == nil {
		data = &protocol.SetPropertiesData{}
	}
	var err error
	if d.prediction, err = compileOptional(data.PredictionSchema); err != nil {
		return fmt.Errorf("engine: action schema: %w", err)
	}
	d.objective = data.RewardName
	d.episodeConfig = decodeOptional(d.properties, data.DynamicProperties, d.logger, "properties")
	return nil
}

// nextStep returns the next queued step. startsEpisode reports that the
// step must be answered with an initial state instead of being simulated.
func (d *dispatcher) nextStep(outcome StepOutcome) (step *simStep, startsEpisode, ok bool) {
	if d.phase != protocol.PhasePrediction || d.next >= len(d.steps) {
		return nil, false, false
	}
	step = d.steps[d.next]
	d.next++
	return step, outcome == OutcomeFinished, true
}

func (d *dispatcher) decodeAction(step *simStep) map[string]any {
	return decodeOptional(d.prediction, step.action, d.logger, "action")
}

func (d *dispatcher) encodeState(state map[string]any) ([]byte, error) {
	if d.output == nil {
		return nil, ErrSchemaMissing
	}
	return d.output.Encode(state)
}

func compileOptional(raw []byte) (*schema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return schema.Compile(raw)
}

// decodeOptional decodes raw with s. A missing schema or an undecodable
// payload yields an empty map.
func decodeOptional(s *schema.Schema, raw []byte, logger *slog.Logger, what string) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	values, err := s.Decode(raw)
	if err != nil {
		logger.Warn("undecodable payload", "payload", what, "error", err)
		return map[string]any{}
	}
	return values
}

func fieldNames(s *schema.Schema) []string {
	if s == nil {
		return nil
	}
	return s.FieldNames()
}
