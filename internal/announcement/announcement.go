// Package announcement defines the serializable shard descriptor peers
// publish to the DHT (spec §3, §4.3, §6) and the validation rules the
// discovery component applies to anything it receives back.
package announcement

import (
	"fmt"

	"github.com/dreamware/shardmesh/internal/ferrors"
)

// Capabilities snapshots a shard node's resource state, feeding the
// capability score used for ranking (spec §3).
type Capabilities struct {
	CPUCores         int     `json:"cpu_cores"`
	CPUUsagePercent  float64 `json:"cpu_usage_percent"`
	TotalMemoryMB    int     `json:"total_memory_mb"`
	AvailableMemoryMB int    `json:"available_memory_mb"`
	GPUMemoryMB      int     `json:"gpu_memory_mb,omitempty"`
	GPUAvailable     bool    `json:"gpu_available,omitempty"`
	LatencyMS        float64 `json:"latency_ms"`
	Reputation       float64 `json:"reputation"`
	ShardLoaded      bool    `json:"shard_loaded"`
	ActiveRequests   int     `json:"active_requests"`
	MaxConcurrent    int     `json:"max_concurrent"`
}

// Announcement is the stable-field shard descriptor published under
// shard_key(cluster, shard_id) (spec §4.3, §6).
type Announcement struct {
	PeerID          string       `json:"peer_id"`
	Cluster         string       `json:"cluster"`
	ShardID         int          `json:"shard_id"`
	TotalShards     int          `json:"total_shards"`
	LayerStart      int          `json:"layer_start"`
	LayerEnd        int          `json:"layer_end"`
	TotalLayers     int          `json:"total_layers"`
	HasEmbeddings   bool         `json:"has_embeddings"`
	HasOutput       bool         `json:"has_output"`
	ModelName       string       `json:"model_name"`
	ListenAddresses []string     `json:"listen_addresses"`
	Capabilities    Capabilities `json:"capabilities"`
	ShardLoaded     bool         `json:"shard_loaded"`
	CreatedAt       int64        `json:"created_at"`
	AnnouncedAt     int64        `json:"announced_at"`
}

// ShardKey renders the deterministic DHT key an announcement is published
// under, per spec §4.3's key schema.
func ShardKey(cluster string, shardID int) string {
	return fmt.Sprintf("/cluster/%s/shard/%d", cluster, shardID)
}

// IndexKey renders the optional aggregate-index key for a cluster.
func IndexKey(cluster string) string {
	return fmt.Sprintf("/cluster/%s/index", cluster)
}

// Validate checks an incoming announcement against the local cluster name
// and expected shard count, and the structural invariants of spec §3 and
// the discovery-loop validation rules of spec §4.3. It does not check
// freshness (announced_at ordering, staleness) — that's the discovery
// table's concern, since it requires comparing against a previously held
// entry.
func Validate(a *Announcement, cluster string, expectedTotalShards int) error {
	if a.Cluster != cluster {
		return ferrors.New(ferrors.InvalidAnnouncement, "announcement: cluster %q does not match local cluster %q", a.Cluster, cluster)
	}
	if a.TotalShards != expectedTotalShards {
		return ferrors.New(ferrors.InvalidAnnouncement, "announcement: total_shards %d does not match expected %d", a.TotalShards, expectedTotalShards)
	}
	if a.ShardID < 0 || a.ShardID >= a.TotalShards {
		return ferrors.New(ferrors.InvalidAnnouncement, "announcement: shard_id %d out of range [0,%d)", a.ShardID, a.TotalShards)
	}
	if a.LayerStart < 0 || a.LayerStart >= a.LayerEnd || a.LayerEnd > a.TotalLayers {
		return ferrors.New(ferrors.InvalidAnnouncement, "announcement: invalid layer range [%d,%d) over %d total layers", a.LayerStart, a.LayerEnd, a.TotalLayers)
	}
	wantEmbeddings := a.ShardID == 0
	if a.HasEmbeddings != wantEmbeddings {
		return ferrors.New(ferrors.InvalidAnnouncement, "announcement: has_embeddings=%v does not match shard_id=%d", a.HasEmbeddings, a.ShardID)
	}
	wantOutput := a.ShardID == a.TotalShards-1
	if a.HasOutput != wantOutput {
		return ferrors.New(ferrors.InvalidAnnouncement, "announcement: has_output=%v does not match shard_id=%d of %d", a.HasOutput, a.ShardID, a.TotalShards)
	}
	return nil
}
