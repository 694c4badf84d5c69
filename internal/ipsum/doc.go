// Package ipsum owns the IP summary dump replay engine.
//
// Responsibilities: buffered line acquisition from a byte source, the field
// schema describing record layout (including in-stream !data redefinition),
// per-field decoding into synthetic IPv4 packets, fixed-point probabilistic
// sampling, and multipacket expansion with cross-call continuation.
// Key types: Replayer, Decoder, LineReader, SamplingGate, Packet.
//
// The engine is deliberately single-threaded: one goroutine drives
// Replayer.ReadPacket (directly, or through Replayer.Run), while the
// active/stop controls and progress snapshots may be used from elsewhere.
package ipsum
