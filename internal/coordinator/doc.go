// Package coordinator implements the pipeline coordinator (spec §4.5):
// the component that turns a caller's InferenceRequest into a streamed
// chain of EXECUTE_TASK calls across the shards a KademliaShardDiscovery
// has discovered, and returns an InferenceResponse or a typed error from
// internal/ferrors.
//
// State machine. A Coordinator moves through
// Initializing → Discovering → Ready → Executing → Completed | Failed.
// MarkBootstrapped drives the first transition once the DHT substrate is
// up; RefreshReadiness (called after every discovery poll and after every
// request) keeps Ready in sync with the discovery table's
// pipeline_status(); SubmitInference drives Ready→Executing→{Ready,Failed}.
//
// Files:
//   - discovery.go: KademliaShardDiscovery, the coordinator-owned table of
//     per-shard announcements, polling, staleness and pipeline assembly
//     (spec §4.3).
//   - ranking.go: capability-based candidate selection for
//     FallbackToSingleNode and general shard-role tie-breaks (spec §4.5's
//     "Tie-breaking & ranking"), delegating scoring to internal/capability.
//   - client.go: ShardClient, the coordinator's outbound command
//     transport (one libp2p stream per call, spec §4.3).
//   - coordinator.go: the Coordinator struct, its state machine, and the
//     SubmitInference entry point with its observable stats counters
//     (spec §4.5, §5).
//   - strategies.go: FullPipeline forward-pass orchestration and the five
//     degradation strategies (spec §4.5).
//   - stats.go: Prometheus export of the coordinator's counters.
//
// Ownership. Discovery holds no reference back to the coordinator;
// updates flow one way, announcement-handler → discovery table →
// coordinator read on demand (spec §9). Per-process stats counters are
// the coordinator's only ambient mutable state and are updated with
// sync/atomic.
package coordinator
