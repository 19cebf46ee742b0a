// Package shardnode implements the shard-node runtime (spec §4.4/§5): the
// process that loads one contiguous range of a model's layers, announces
// itself into the DHT, and answers GET_CAPABILITIES/LIST_FILES/EXECUTE_TASK
// commands from a coordinator over a libp2p stream.
//
// Shard-id resolution. A Node either takes an explicit shard_id from
// configuration or auto-assigns the lowest shard_id in [0, total_shards)
// with no live (non-stale) announcement in the DHT at startup, via
// ResolveShardID.
//
// Announcement loop. RunAnnouncementLoop publishes on RefreshInterval and
// whenever TriggerAnnouncement fires (e.g. after the backing engine
// finishes loading), so shard_loaded transitions from false to true are
// visible to the coordinator within one tick instead of one full period.
//
// Command dispatch. Dispatch decodes a codec.CommandEnvelope and routes it
// to GET_CAPABILITIES, LIST_FILES, or EXECUTE_TASK; HandleStream is the
// libp2p-facing adapter that reads an envelope off a network.Stream, calls
// Dispatch, and writes the response back. Dispatch is exported so tests can
// drive command handling without a live stream.
//
// EXECUTE_TASK admission and ordering. admit()/release() enforce
// max_concurrent via a CAS loop over an atomic counter; lockRequest
// serializes the steps of a single request_id (a request's hops against one
// node must not interleave, since each reuses the same KV-state handle).
//
// KV-state. Each EXECUTE_TASK call that produces continuation state stores
// an engine.KVStateHandle keyed by request_id; GCKVState reclaims handles
// (and their per-request locks) that have gone idle past KVIdleTimeout.
package shardnode
