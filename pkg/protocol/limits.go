package protocol

// Allocation limits to prevent DoS attacks via malicious length prefixes.
const (
	// DefaultMaxAllocation is the maximum size of a single length-delimited
	// field (4MB). Schemas and state payloads are far smaller.
	DefaultMaxAllocation = 4 * 1024 * 1024

	// MaxCollectionCount is the maximum number of repeated entries accepted
	// in a single message (prediction or state batches).
	MaxCollectionCount = 100_000

	// MaxMessageSize is the read limit applied to incoming WebSocket frames.
	MaxMessageSize = 16 * 1024 * 1024
)
