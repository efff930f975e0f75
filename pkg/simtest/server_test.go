package simtest

import (
	"errors"
	"net/http"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/simbridge-dev/simbridge/pkg/protocol"
	"github.com/simbridge-dev/simbridge/pkg/schema"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg *protocol.SimulatorToServer) *protocol.ServerToSimulator {
	t.Helper()
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeSimulatorToServer(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	reply, err := protocol.DecodeServerToSimulator(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return reply
}

func register(name string) *protocol.SimulatorToServer {
	return &protocol.SimulatorToServer{
		MessageType:  protocol.SimRegister,
		RegisterData: &protocol.RegisterData{SimulatorName: name},
	}
}

func TestTrainingSequence(t *testing.T) {
	srv, ts := NewTestServer(t)
	conn := dial(t, WebSocketURL(ts.URL)+"/v1/alice/cartpole/sims/ws")

	ack := roundTrip(t, conn, register("cartpole_simulator"))
	if ack.MessageType != protocol.PhaseAckRegister {
		t.Fatalf("reply = %s, want AckRegister", ack.MessageType)
	}
	data := ack.AcknowledgeRegisterData
	if data == nil || data.SimID != CartpoleSimID {
		t.Fatalf("AckRegisterData = %+v", data)
	}
	state, err := schema.Compile(data.OutputSchema)
	if err != nil {
		t.Fatalf("compile state schema: %v", err)
	}
	encoded, err := state.Encode(CartpoleState())
	if err != nil {
		t.Fatalf("encode state: %v", err)
	}

	ready := &protocol.SimulatorToServer{MessageType: protocol.SimReady, SimID: CartpoleSimID}
	stateMsg := &protocol.SimulatorToServer{
		MessageType: protocol.SimState,
		SimID:       CartpoleSimID,
		StateData:   []protocol.StateData{{State: encoded}},
	}

	steps := []struct {
		send *protocol.SimulatorToServer
		want protocol.Phase
	}{
		{ready, protocol.PhaseSetProperties},
		{ready, protocol.PhaseStart},
		{stateMsg, protocol.PhasePrediction},
		{stateMsg, protocol.PhaseStop},
		{ready, protocol.PhaseReset},
		{ready, protocol.PhaseSetProperties},
	}
	for i, step := range steps {
		reply := roundTrip(t, conn, step.send)
		if reply.MessageType != step.want {
			t.Fatalf("step %d: reply = %s, want %s", i, reply.MessageType, step.want)
		}
		if reply.MessageType == protocol.PhasePrediction && len(reply.PredictionData) != 5 {
			t.Errorf("predictions = %d, want 5", len(reply.PredictionData))
		}
		if reply.MessageType == protocol.PhaseSetProperties && reply.SetPropertiesData.RewardName != "balance" {
			t.Errorf("reward name = %q", reply.SetPropertiesData.RewardName)
		}
	}

	if v := srv.Violations(); len(v) != 0 {
		t.Errorf("violations = %v", v)
	}
	if srv.Episodes() != 1 {
		t.Errorf("Episodes() = %d, want 1", srv.Episodes())
	}
}

func TestPredictionSequence(t *testing.T) {
	_, ts := NewTestServer(t, WithFinishAfter(2))
	conn := dial(t, WebSocketURL(ts.URL)+"/v1/alice/cartpole/4/predictions/ws")

	ack := roundTrip(t, conn, register("cartpole_simulator"))
	state := &protocol.SimulatorToServer{
		MessageType: protocol.SimState,
		SimID:       ack.AcknowledgeRegisterData.SimID,
		StateData:   []protocol.StateData{{}},
	}
	for i := 0; i < 2; i++ {
		reply := roundTrip(t, conn, state)
		if reply.MessageType != protocol.PhasePrediction || len(reply.PredictionData) != 1 {
			t.Fatalf("reply %d = %+v, want one prediction", i, reply)
		}
	}
	if reply := roundTrip(t, conn, state); reply.MessageType != protocol.PhaseFinished {
		t.Errorf("reply = %s, want Finished", reply.MessageType)
	}
}

func TestUnknownSimulator(t *testing.T) {
	_, ts := NewTestServer(t)
	conn := dial(t, WebSocketURL(ts.URL)+"/v1/alice/cartpole/sims/ws")

	conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeSimulatorToServer(register("cartpole_simulatorX")))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("ReadMessage() error = %v, want close", err)
	}
	if ce.Code != CloseSimulatorNotFound || ce.Text != "Simulator cartpole_simulatorX does not exist." {
		t.Errorf("close = %d %q", ce.Code, ce.Text)
	}
}

func TestHandshakeStatus(t *testing.T) {
	_, ts := NewTestServer(t)
	tests := []struct {
		path   string
		status int
	}{
		{"/v1/needsauth/cartpole/sims/ws", http.StatusUnauthorized},
		{"/v1/bob/cartpole/sims/ws", http.StatusNotFound},
		{"/v1/alice/mountaincar/sims/ws", http.StatusNotFound},
		{"/v1/alice/cartpole/9/predictions/ws", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(WebSocketURL(ts.URL)+tt.path, nil)
			if err == nil {
				t.Fatal("Dial() succeeded")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("response = %v, want status %d", resp, tt.status)
			}
		})
	}
}

func TestFlakyWindow(t *testing.T) {
	srv, ts := NewTestServer(t, WithFailure(0, 3))
	url := WebSocketURL(ts.URL) + "/v1/flake/cartpole/sims/ws"

	// Attempts 1 and 2 fall inside the window (0 < count < 3).
	for i := 0; i < 2; i++ {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("attempt %d: resp = %v, err = %v; want 503", i+1, resp, err)
		}
	}
	conn := dial(t, url)
	if reply := roundTrip(t, conn, register("cartpole_simulator")); reply.MessageType != protocol.PhaseAckRegister {
		t.Errorf("reply = %s, want AckRegister", reply.MessageType)
	}

	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/reset", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if srv.Connections() != 3 {
		t.Errorf("Connections() = %d, want 3", srv.Connections())
	}
}

func TestBrainStopped(t *testing.T) {
	_, ts := NewTestServer(t)
	conn := dial(t, WebSocketURL(ts.URL)+"/v1/stopped/cartpole/sims/ws")

	conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeSimulatorToServer(register("cartpole_simulator")))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != CloseBrainStopped {
		t.Fatalf("ReadMessage() error = %v, want close 1001", err)
	}
}
