// Package simtest provides a fake brain for testing simulators and the
// engine end to end.
//
// The server speaks the binary simulator protocol over WebSocket and walks
// the same phase sequence as a real brain:
//
//	training:   AckRegister, SetProperties, Start, Prediction, Stop, Reset, SetProperties, ...
//	prediction: AckRegister, Prediction, Prediction, ...
//
// The user segment of the URL selects a behavior, so one server covers the
// failure scenarios:
//
//	alice      normal brain
//	flake      HTTP 503 and close code 1008 inside the failure window
//	needsauth  HTTP 401 on every handshake
//	eofstream  truncated frames
//	error_msg  garbage frames
//	pong       normal brain (ping frames are counted for every user)
//	stopped    close code 1001 on the first message
//
// Any other user gets HTTP 404, and registering an unknown simulator name
// closes the connection with code 4043.
//
// # Quick Start
//
//	srv, ts := simtest.NewTestServer(t, simtest.WithFinishAfter(2))
//	cfg := config.Default()
//	cfg.URL = ts.URL
//	cfg.Username = simtest.UserTrain
//	cfg.Brain = simtest.DefaultBrain
//	cfg.AccessKey = "key"
//	cfg.SimulatorName = "cartpole_simulator"
package simtest
