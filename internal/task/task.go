// Package task defines the EXECUTE_TASK sub-protocol (spec §4.4, §6): the
// params and result shapes the coordinator and shard-node runtime exchange
// inside a codec.CommandEnvelope/CommandResponse. It has no dependency on
// either coordinator or shardnode so both can import it without a cycle.
package task

import "github.com/dreamware/shardmesh/internal/announcement"

// ProtocolID is the libp2p stream protocol every shard node listens on
// for command envelopes (spec §4.3's "one-shot stream-per-request model").
const ProtocolID = "/shardmesh/command/1.0.0"

// Command names recognized by the core (spec §3's "Command envelope").
const (
	CommandGetCapabilities = "GET_CAPABILITIES"
	CommandListFiles       = "LIST_FILES"
	CommandExecuteTask     = "EXECUTE_TASK"
)

// TaskTypeAIInference selects the layer-execution path within EXECUTE_TASK
// (spec §4.4); it is the only task_type the core defines.
const TaskTypeAIInference = "ai_inference"

// Role identifies which part of the pipeline a shard plays for one
// EXECUTE_TASK call (spec §4.4, §6).
type Role string

const (
	RoleEntry  Role = "entry"
	RoleMiddle Role = "middle"
	RoleExit   Role = "exit"
	RoleFull   Role = "full"
)

// ActivationPayload is the wire form of engine.Activations: an opaque
// tensor with shape metadata (spec §9's open question on tensor
// serialization — this implementation pins it to a flat float32 slice
// plus [sequence_len, hidden_dim] shape, carried as JSON rather than
// base64-encoded bytes, since the codec's JSON framing already bounds
// frame size and a JSON float array needs no separate encoding step).
type ActivationPayload struct {
	Data  []float32 `json:"data"`
	Shape [2]int    `json:"shape"`
}

// ExecuteParams is the params object of an EXECUTE_TASK command envelope
// (spec §4.4, §6). Fields not relevant to a given Role are left zero;
// unknown/irrelevant fields MUST be ignored by the receiver.
type ExecuteParams struct {
	TaskType      string             `json:"task_type"`
	Role          Role               `json:"role"`
	RequestID     string             `json:"request_id"`
	Prompt        string             `json:"prompt,omitempty"`
	InputTokenID  *int32             `json:"input_token_id,omitempty"`
	Activations   *ActivationPayload `json:"activations,omitempty"`
	Position      int                `json:"position"`
	KVStateHandle string             `json:"kv_state_handle,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Temperature   float64            `json:"temperature,omitempty"`
	TopP          float64            `json:"top_p,omitempty"`
}

// ExecuteResult is the result object of an EXECUTE_TASK success response.
type ExecuteResult struct {
	Activations   *ActivationPayload `json:"activations,omitempty"`
	KVStateHandle string             `json:"kv_state_handle,omitempty"`
	TokenID       int32              `json:"token_id,omitempty"`
	TokenText     string             `json:"token_text,omitempty"`
	IsStop        bool               `json:"is_stop,omitempty"`
	LatencyMS     int64              `json:"latency_ms"`
}

// CapabilitiesResult is the result object of a GET_CAPABILITIES response
// (spec §4.4): a capability snapshot plus the shard's current position.
type CapabilitiesResult struct {
	Capabilities announcement.Capabilities `json:"capabilities"`
	ShardID      int                       `json:"shard_id"`
	LayerStart   int                       `json:"layer_start"`
	LayerEnd     int                       `json:"layer_end"`
	ShardLoaded  bool                      `json:"shard_loaded"`
}

// ShardFileInfo describes one file backing a shard's loaded layer range,
// the shape original_source/src/shard_loader.rs's ShardMetadata/
// SafetensorsShard returns to callers that need to fetch shard weights
// (the file-transfer component itself is out of scope; only the
// metadata it would consume is modeled here).
type ShardFileInfo struct {
	Name          string `json:"name"`
	SizeBytes     int64  `json:"size_bytes"`
	Checksum      string `json:"checksum"`
	LayerStart    int    `json:"layer_start"`
	LayerEnd      int    `json:"layer_end"`
	HasEmbeddings bool   `json:"has_embeddings"`
	HasOutput     bool   `json:"has_output"`
}

// ListFilesResult is the result object of a LIST_FILES response, serving
// the out-of-scope file-transfer component (spec §4.4).
type ListFilesResult struct {
	Files []ShardFileInfo `json:"files"`
}
