// Package coordinator implements the pipeline coordinator state machine.
// This file implements shard discovery: polling the DHT for every expected
// shard key, validating received announcements, and assembling the
// ordered pipeline (spec §4.3). Generalized from torua's HealthMonitor
// polling-loop shape (internal/coordinator, pre-rename), replacing HTTP
// health probes with DHT get_record queries and replacing "3 consecutive
// failures" with the TTL-based staleness rule of spec §4.3.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/shardmesh/internal/announcement"
	"github.com/dreamware/shardmesh/internal/dht"
	"github.com/dreamware/shardmesh/internal/telemetry"
)

var discoveryLog = telemetry.For("discovery")

// DiscoveredShard holds the most recent valid announcement for one shard_id
// plus the coordinator's own bookkeeping about it (spec §3's
// "Discovered-shard entry"). Ownership: owned by KademliaShardDiscovery;
// other components only observe snapshots via PipelineStatus/Pipeline.
type DiscoveredShard struct {
	Announcement announcement.Announcement
	LastSeen     time.Time
}

// PipelineStatus summarizes discovery progress, per spec §4.3's
// pipeline_status() contract.
type PipelineStatus struct {
	Discovered          int
	Expected            int
	MissingShardIDs     []int
	HasEntry            bool
	HasExit             bool
	IsCompleteAndLoaded bool
}

// KademliaShardDiscovery holds the coordinator's view of the pipeline:
// cluster name, expected shard count N, and a map from shard_id to its
// latest validated announcement (spec §4.3). Reads and writes are
// serialized by a single RWMutex: the discovery loop and the announcement
// observer write, the coordinator reads (spec §5's "Shared state" rule).
type KademliaShardDiscovery struct {
	cluster         string
	totalShards     int
	refreshInterval time.Duration
	pollInterval    time.Duration
	store           dht.DHT

	mu     sync.RWMutex
	shards map[int]DiscoveredShard
}

// NewKademliaShardDiscovery constructs a discovery table for cluster,
// expecting totalShards shards, polling store on pollInterval (spec §4.3
// default 2-5s) and treating an entry stale once its last-seen exceeds
// 2 x refreshInterval.
func NewKademliaShardDiscovery(store dht.DHT, cluster string, totalShards int, refreshInterval, pollInterval time.Duration) *KademliaShardDiscovery {
	return &KademliaShardDiscovery{
		cluster:         cluster,
		totalShards:     totalShards,
		refreshInterval: refreshInterval,
		pollInterval:    pollInterval,
		store:           store,
		shards:          make(map[int]DiscoveredShard),
	}
}

// Run polls the DHT for every expected shard key on pollInterval until ctx
// is canceled. This is the coordinator-side half of spec §4.3's "Discovery
// loop".
func (d *KademliaShardDiscovery) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.pollOnce(ctx)
	for {
		select {
		case <-ticker.C:
			d.pollOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (d *KademliaShardDiscovery) pollOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for shardID := 0; shardID < d.totalShards; shardID++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.pollShard(ctx, id)
		}(shardID)
	}
	wg.Wait()
	d.evictStale()
}

func (d *KademliaShardDiscovery) pollShard(ctx context.Context, shardID int) {
	key := announcement.ShardKey(d.cluster, shardID)
	raw, err := d.store.GetRecord(ctx, key)
	if err != nil {
		return
	}
	var ann announcement.Announcement
	if err := decodeAnnouncement(raw, &ann); err != nil {
		discoveryLog.WithError(err).WithField("shard_id", shardID).Warn("dropping malformed announcement")
		return
	}
	if err := announcement.Validate(&ann, d.cluster, d.totalShards); err != nil {
		discoveryLog.WithError(err).WithField("shard_id", shardID).Warn("dropping invalid announcement")
		return
	}
	d.Observe(ann)
}

// Observe applies a received announcement under the overwrite rule: a
// later record replaces an earlier one only when its announced_at is
// strictly greater (spec §4.3). Exported so a direct GET_CAPABILITIES
// response, not only a DHT poll, can feed the same table.
func (d *KademliaShardDiscovery) Observe(ann announcement.Announcement) {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.shards[ann.ShardID]
	if ok && existing.Announcement.AnnouncedAt >= ann.AnnouncedAt {
		return
	}
	d.shards[ann.ShardID] = DiscoveredShard{Announcement: ann, LastSeen: time.Now()}
}

// evictStale removes any shard whose last-seen timestamp exceeds
// 2 x refreshInterval, per spec §4.3 and the exact-boundary rule of spec
// §8 (strictly greater elapsed triggers removal; on the boundary the shard
// MUST be treated as stale).
func (d *KademliaShardDiscovery) evictStale() {
	threshold := 2 * d.refreshInterval
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, entry := range d.shards {
		if now.Sub(entry.LastSeen) >= threshold {
			delete(d.shards, id)
		}
	}
}

// IsStale reports whether shardID's last-seen timestamp is at or past
// 2 x refreshInterval right now, without removing it — used by the
// coordinator's mid-flight stale-shard check (spec §4.5).
func (d *KademliaShardDiscovery) IsStale(shardID int) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.shards[shardID]
	if !ok {
		return true
	}
	return time.Since(entry.LastSeen) >= 2*d.refreshInterval
}

// IsShardLoaded reports whether shardID currently has a discovered,
// shard_loaded=true entry. Satisfies spawner.AnnouncementChecker so a
// SubprocessSpawner can poll for a newly spawned peer's announcement
// without the spawner package importing coordinator.
func (d *KademliaShardDiscovery) IsShardLoaded(shardID int) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.shards[shardID]
	return ok && entry.Announcement.ShardLoaded
}

// Pipeline materializes the ordered pipeline on demand by iterating
// shard_id from 0 to N-1 and collecting entries (spec §4.3). Missing
// shards leave a nil *DiscoveredShard hole at that index.
func (d *KademliaShardDiscovery) Pipeline() []*DiscoveredShard {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*DiscoveredShard, d.totalShards)
	for id, entry := range d.shards {
		if id >= 0 && id < d.totalShards {
			e := entry
			out[id] = &e
		}
	}
	return out
}

// PipelineStatus implements spec §4.3's pipeline_status() contract.
func (d *KademliaShardDiscovery) PipelineStatus() PipelineStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := PipelineStatus{Expected: d.totalShards}
	allLoaded := true
	for id := 0; id < d.totalShards; id++ {
		entry, ok := d.shards[id]
		if !ok {
			status.MissingShardIDs = append(status.MissingShardIDs, id)
			allLoaded = false
			continue
		}
		status.Discovered++
		if !entry.Announcement.ShardLoaded {
			allLoaded = false
		}
		if entry.Announcement.HasEmbeddings {
			status.HasEntry = true
		}
		if entry.Announcement.HasOutput {
			status.HasExit = true
		}
	}
	status.IsCompleteAndLoaded = allLoaded && status.Discovered == status.Expected && status.HasEntry && status.HasExit
	return status
}

func decodeAnnouncement(raw []byte, out *announcement.Announcement) error {
	if len(raw) == 0 {
		return fmt.Errorf("discovery: empty record")
	}
	return json.Unmarshal(raw, out)
}
