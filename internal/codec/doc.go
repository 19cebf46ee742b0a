// Package codec implements shardmesh's command/response wire format: a
// length-delimited JSON envelope exchanged over a multiplexed libp2p
// stream, per spec §4.3 and §6.
//
// # Overview
//
// Every one-shot exchange between two peers — a capability query, a
// file listing, a forward-pass hop — is a single CommandEnvelope sent on
// a freshly opened stream, answered by exactly one CommandResponse, after
// which the stream is closed. This keeps the protocol simple: no
// multiplexed request IDs are needed on top of libp2p's own per-stream
// framing, since each stream carries exactly one request/response pair.
//
// # Wire format
//
// Each message (request or response) is written as a 4-byte big-endian
// length prefix followed by that many bytes of JSON. This generalizes
// torua's HTTP-based PostJSON/GetJSON helpers (internal/cluster,
// pre-rename) to a stream transport that has no built-in message
// boundary: QUIC and TCP streams are byte pipes, so the codec must supply
// its own framing.
//
// # Forward compatibility
//
// Unknown fields in params/result are ignored by Go's encoding/json
// during Unmarshal, satisfying spec §6's "Unknown params MUST be
// ignored" requirement without extra code.
package codec
