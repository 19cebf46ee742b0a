// Package spawner defines the NodeSpawner external collaborator (spec §6)
// and a subprocess-based implementation. The coordinator treats a spawner
// as opaque: it may launch a subprocess, schedule a container, or ask a
// cluster manager for a node. Only the interface in this file is part of
// the coordinator's contract.
package spawner

import (
	"context"
	"time"
)

// SpawnRequest carries everything a spawner needs to bring up a missing
// shard, per spec §6's "spawn(shard_id, total_shards, total_layers,
// model_name, cluster, bootstrap_addr, shards_dir)".
type SpawnRequest struct {
	ShardID       int
	TotalShards   int
	TotalLayers   int
	ModelName     string
	Cluster       string
	BootstrapAddr string
	ShardsDir     string
}

// PeerHandle is returned by a successful Spawn call. WaitUntilAnnounced
// blocks until the spawned peer's shard announcement is observable, or
// until timeout elapses.
type PeerHandle interface {
	WaitUntilAnnounced(ctx context.Context, timeout time.Duration) error
}

// NodeSpawner launches a missing shard on demand (spec §4.5's SpawnNodes
// strategy). Implementations are free to use any launch mechanism; the
// coordinator only calls Spawn and then PeerHandle.WaitUntilAnnounced.
type NodeSpawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (PeerHandle, error)
}
