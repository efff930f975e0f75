// Package protocol implements the binary wire protocol spoken between a
// simulator and the brain service.
//
// Messages travel as binary WebSocket frames. Each frame carries exactly one
// protobuf-encoded message: SimulatorToServer from the simulator,
// ServerToSimulator from the server. Encoding is done directly on the wire
// format with protowire, without generated code.
//
// # Wire Format
//
// SimulatorToServer:
//
//	1 message_type   enum (Unknown, Register, Ready, State)
//	2 sim_id         int64
//	3 register_data  { 1 simulator_name string }
//	4 state_data     repeated { 1 state bytes, 2 reward double,
//	                            3 terminal bool, 4 action_taken bytes }
//
// ServerToSimulator:
//
//	1 message_type               enum (Unknown, AckRegister, SetProperties,
//	                             Start, Prediction, Reset, Stop, Finished)
//	2 acknowledge_register_data  { 1 properties_schema, 2 output_schema,
//	                               3 prediction_schema, 4 sim_id }
//	3 set_properties_data        { 1 dynamic_properties, 2 prediction_schema,
//	                               3 reward_name }
//	4 prediction_data            repeated { 1 dynamic_prediction }
//
// Schemas are serialized DescriptorProto messages. Dynamic payloads (state,
// action, properties) are opaque here; see package schema.
//
// # Limits
//
// Decoders reject length prefixes above DefaultMaxAllocation and repeated
// fields with more than MaxCollectionCount entries.
package protocol
