// Package coordinator implements the pipeline coordinator state machine.
// This file selects among multiple discovered candidates for a role,
// wrapping internal/capability's scoring and tie-break rules (spec §4.5's
// "Tie-breaking & ranking"). SelectFallbackNode picks the
// FallbackToSingleNode host; SelectForShard ranks several peers claiming
// one shard_id, and has no caller in the coordinator itself, since
// discovery keeps a single announcement per shard_id.
package coordinator

import (
	"fmt"

	"github.com/dreamware/shardmesh/internal/announcement"
	"github.com/dreamware/shardmesh/internal/capability"
	"github.com/dreamware/shardmesh/internal/config"
)

// SelectFallbackNode ranks every loaded, discovered peer by capability
// score and returns the best one whose available memory meets
// minMemoryMB, per spec §4.5's FallbackToSingleNode variant. Returns an
// error (wrapped by the caller into ferrors.NoCapableNode) if none
// qualify.
func SelectFallbackNode(entries []*DiscoveredShard, w config.CapabilityWeights, minMemoryMB int) (*announcement.Announcement, error) {
	var anns []announcement.Announcement
	for _, e := range entries {
		if e == nil || !e.Announcement.ShardLoaded {
			continue
		}
		if e.Announcement.Capabilities.AvailableMemoryMB < minMemoryMB {
			continue
		}
		anns = append(anns, e.Announcement)
	}
	if len(anns) == 0 {
		return nil, fmt.Errorf("coordinator: no discovered peer meets the %d MB memory floor for a full-model host", minMemoryMB)
	}
	ranked := capability.RankAnnouncements(anns, w)
	best := ranked[0].Announcement
	return &best, nil
}

// SelectForShard picks the best-ranked discovered peer for a given
// shard_id when shard selection must break a tie (spec §4.5); with the
// single-announcer-per-shard_id model this degenerates to "the one entry
// present", but the ranking still applies when a future extension allows
// multiple peers to claim the same shard_id during a handoff.
func SelectForShard(candidates []announcement.Announcement, w config.CapabilityWeights) (*announcement.Announcement, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("coordinator: no candidates for shard selection")
	}
	ranked := capability.RankAnnouncements(candidates, w)
	best := ranked[0].Announcement
	return &best, nil
}
