package protocol

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Phase is the message type of a ServerToSimulator message. The engine
// tracks the last received phase to decide what to send next.
type Phase int32

const (
	PhaseUnknown Phase = iota
	PhaseAckRegister
	PhaseSetProperties
	PhaseStart
	PhasePrediction
	PhaseReset
	PhaseStop
	PhaseFinished
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseUnknown:
		return "Unknown"
	case PhaseAckRegister:
		return "AckRegister"
	case PhaseSetProperties:
		return "SetProperties"
	case PhaseStart:
		return "Start"
	case PhasePrediction:
		return "Prediction"
	case PhaseReset:
		return "Reset"
	case PhaseStop:
		return "Stop"
	case PhaseFinished:
		return "Finished"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// Valid reports whether p is one of the declared phases.
func (p Phase) Valid() bool {
	return p >= PhaseUnknown && p <= PhaseFinished
}

// SimMessageType is the message type of a SimulatorToServer message.
type SimMessageType int32

const (
	SimUnknown SimMessageType = iota
	SimRegister
	SimReady
	SimState
)

// String returns the string representation of the message type.
func (t SimMessageType) String() string {
	switch t {
	case SimUnknown:
		return "Unknown"
	case SimRegister:
		return "Register"
	case SimReady:
		return "Ready"
	case SimState:
		return "State"
	default:
		return fmt.Sprintf("SimMessageType(%d)", int32(t))
	}
}

// RegisterData is sent with a Register message.
type RegisterData struct {
	SimulatorName string
}

// StateData is one simulation step reported to the server.
// State and ActionTaken are payloads encoded with the dynamic schemas.
type StateData struct {
	State       []byte
	Reward      float64
	Terminal    bool
	ActionTaken []byte
}

// SimulatorToServer is a message sent by the simulator.
type SimulatorToServer struct {
	MessageType  SimMessageType
	SimID        int64
	RegisterData *RegisterData
	StateData    []StateData
}

// AckRegisterData carries the serialized schemas assigned at registration.
type AckRegisterData struct {
	PropertiesSchema []byte
	OutputSchema     []byte
	PredictionSchema []byte
	SimID            int64
}

// SetPropertiesData configures the next episode.
type SetPropertiesData struct {
	DynamicProperties []byte
	PredictionSchema  []byte
	RewardName        string
}

// PredictionData is one action the simulator must apply.
type PredictionData struct {
	DynamicPrediction []byte
}

// ServerToSimulator is a message sent by the server.
type ServerToSimulator struct {
	MessageType             Phase
	AcknowledgeRegisterData *AckRegisterData
	SetPropertiesData       *SetPropertiesData
	PredictionData          []PredictionData
}

// EncodeSimulatorToServer encodes a simulator message to bytes.
func EncodeSimulatorToServer(m *SimulatorToServer) []byte {
	e := NewEncoder()
	EncodeSimulatorToServerTo(e, m)
	return e.Bytes()
}

// EncodeSimulatorToServerTo encodes a simulator message using the provided encoder.
func EncodeSimulatorToServerTo(e *Encoder, m *SimulatorToServer) {
	e.WriteInt64(1, int64(m.MessageType))
	e.WriteInt64(2, m.SimID)
	if m.RegisterData != nil {
		e.WriteMessage(3, func(e *Encoder) {
			e.WriteString(1, m.RegisterData.SimulatorName)
		})
	}
	for i := range m.StateData {
		sd := &m.StateData[i]
		e.WriteMessage(4, func(e *Encoder) {
			e.WriteLenBytes(1, sd.State)
			e.WriteFloat64(2, sd.Reward)
			e.WriteBool(3, sd.Terminal)
			e.WriteLenBytes(4, sd.ActionTaken)
		})
	}
}

// DecodeSimulatorToServer decodes a simulator message from bytes.
func DecodeSimulatorToServer(data []byte) (*SimulatorToServer, error) {
	d := NewDecoder(data)
	m := &SimulatorToServer{}
	err := decodeFields(d, func(num protowire.Number, typ protowire.Type) error {
		switch num {
		case 1:
			v, err := d.ReadInt64(typ)
			m.MessageType = SimMessageType(v)
			return err
		case 2:
			v, err := d.ReadInt64(typ)
			m.SimID = v
			return err
		case 3:
			sub, err := d.ReadMessage(typ)
			if err != nil {
				return err
			}
			m.RegisterData = &RegisterData{}
			return decodeFields(sub, func(num protowire.Number, typ protowire.Type) error {
				if num == 1 {
					s, err := sub.ReadString(typ)
					m.RegisterData.SimulatorName = s
					return err
				}
				return sub.Skip(num, typ)
			})
		case 4:
			if len(m.StateData) >= MaxCollectionCount {
				return ErrCollectionTooLarge
			}
			sub, err := d.ReadMessage(typ)
			if err != nil {
				return err
			}
			var sd StateData
			if err := decodeStateData(sub, &sd); err != nil {
				return err
			}
			m.StateData = append(m.StateData, sd)
			return nil
		default:
			return d.Skip(num, typ)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: decode SimulatorToServer: %w", err)
	}
	return m, nil
}

func decodeStateData(d *Decoder, sd *StateData) error {
	return decodeFields(d, func(num protowire.Number, typ protowire.Type) error {
		var err error
		switch num {
		case 1:
			sd.State, err = d.ReadLenBytes(typ)
		case 2:
			sd.Reward, err = d.ReadFloat64(typ)
		case 3:
			sd.Terminal, err = d.ReadBool(typ)
		case 4:
			sd.ActionTaken, err = d.ReadLenBytes(typ)
		default:
			err = d.Skip(num, typ)
		}
		return err
	})
}

// EncodeServerToSimulator encodes a server message to bytes.
func EncodeServerToSimulator(m *ServerToSimulator) []byte {
	e := NewEncoder()
	EncodeServerToSimulatorTo(e, m)
	return e.Bytes()
}

// EncodeServerToSimulatorTo encodes a server message using the provided encoder.
func EncodeServerToSimulatorTo(e *Encoder, m *ServerToSimulator) {
	e.WriteInt64(1, int64(m.MessageType))
	if a := m.AcknowledgeRegisterData; a != nil {
		e.WriteMessage(2, func(e *Encoder) {
			e.WriteLenBytes(1, a.PropertiesSchema)
			e.WriteLenBytes(2, a.OutputSchema)
			e.WriteLenBytes(3, a.PredictionSchema)
			e.WriteInt64(4, a.SimID)
		})
	}
	if s := m.SetPropertiesData; s != nil {
		e.WriteMessage(3, func(e *Encoder) {
			e.WriteLenBytes(1, s.DynamicProperties)
			e.WriteLenBytes(2, s.PredictionSchema)
			e.WriteString(3, s.RewardName)
		})
	}
	for i := range m.PredictionData {
		p := &m.PredictionData[i]
		e.WriteMessage(4, func(e *Encoder) {
			e.WriteLenBytes(1, p.DynamicPrediction)
		})
	}
}

// DecodeServerToSimulator decodes a server message from bytes.
func DecodeServerToSimulator(data []byte) (*ServerToSimulator, error) {
	d := NewDecoder(data)
	m := &ServerToSimulator{}
	err := decodeFields(d, func(num protowire.Number, typ protowire.Type) error {
		switch num {
		case 1:
			v, err := d.ReadInt64(typ)
			m.MessageType = Phase(v)
			return err
		case 2:
			sub, err := d.ReadMessage(typ)
			if err != nil {
				return err
			}
			a := &AckRegisterData{}
			m.AcknowledgeRegisterData = a
			return decodeFields(sub, func(num protowire.Number, typ protowire.Type) error {
				var err error
				switch num {
				case 1:
					a.PropertiesSchema, err = sub.ReadLenBytes(typ)
				case 2:
					a.OutputSchema, err = sub.ReadLenBytes(typ)
				case 3:
					a.PredictionSchema, err = sub.ReadLenBytes(typ)
				case 4:
					a.SimID, err = sub.ReadInt64(typ)
				default:
					err = sub.Skip(num, typ)
				}
				return err
			})
		case 3:
			sub, err := d.ReadMessage(typ)
			if err != nil {
				return err
			}
			s := &SetPropertiesData{}
			m.SetPropertiesData = s
			return decodeFields(sub, func(num protowire.Number, typ protowire.Type) error {
				var err error
				switch num {
				case 1:
					s.DynamicProperties, err = sub.ReadLenBytes(typ)
				case 2:
					s.PredictionSchema, err = sub.ReadLenBytes(typ)
				case 3:
					s.RewardName, err = sub.ReadString(typ)
				default:
					err = sub.Skip(num, typ)
				}
				return err
			})
		case 4:
			if len(m.PredictionData) >= MaxCollectionCount {
				return ErrCollectionTooLarge
			}
			sub, err := d.ReadMessage(typ)
			if err != nil {
				return err
			}
			var p PredictionData
			err = decodeFields(sub, func(num protowire.Number, typ protowire.Type) error {
				if num == 1 {
					b, err := sub.ReadLenBytes(typ)
					p.DynamicPrediction = b
					return err
				}
				return sub.Skip(num, typ)
			})
			if err != nil {
				return err
			}
			m.PredictionData = append(m.PredictionData, p)
			return nil
		default:
			return d.Skip(num, typ)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: decode ServerToSimulator: %w", err)
	}
	return m, nil
}

// decodeFields iterates over every field in d, calling fn for each tag.
func decodeFields(d *Decoder, fn func(protowire.Number, protowire.Type) error) error {
	for {
		num, typ, err := d.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(num, typ); err != nil {
			return err
		}
	}
}
