package announcement_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dreamware/shardmesh/internal/announcement"
)

func entryAnnouncement() *announcement.Announcement {
	return &announcement.Announcement{
		PeerID:        "peerA",
		Cluster:       "llama-8b-cluster",
		ShardID:       0,
		TotalShards:   4,
		LayerStart:    0,
		LayerEnd:      8,
		TotalLayers:   32,
		HasEmbeddings: true,
		HasOutput:     false,
		ModelName:     "llama-8b",
		ShardLoaded:   true,
	}
}

func TestShardKeyFormat(t *testing.T) {
	assert.Equal(t, "/cluster/llama-8b-cluster/shard/2", announcement.ShardKey("llama-8b-cluster", 2))
}

func TestIndexKeyFormat(t *testing.T) {
	assert.Equal(t, "/cluster/llama-8b-cluster/index", announcement.IndexKey("llama-8b-cluster"))
}

func TestValidateAcceptsWellFormedEntryShard(t *testing.T) {
	a := entryAnnouncement()
	assert.NoError(t, announcement.Validate(a, "llama-8b-cluster", 4))
}

func TestValidateRejectsClusterMismatch(t *testing.T) {
	a := entryAnnouncement()
	assert.Error(t, announcement.Validate(a, "other-cluster", 4))
}

func TestValidateRejectsTotalShardsMismatch(t *testing.T) {
	a := entryAnnouncement()
	assert.Error(t, announcement.Validate(a, "llama-8b-cluster", 8))
}

func TestValidateRejectsShardIDOutOfRange(t *testing.T) {
	a := entryAnnouncement()
	a.ShardID = 4
	assert.Error(t, announcement.Validate(a, "llama-8b-cluster", 4))
}

func TestValidateRejectsInvertedLayerRange(t *testing.T) {
	a := entryAnnouncement()
	a.LayerStart, a.LayerEnd = 8, 0
	assert.Error(t, announcement.Validate(a, "llama-8b-cluster", 4))
}

func TestValidateRejectsLayerEndBeyondTotalLayers(t *testing.T) {
	a := entryAnnouncement()
	a.LayerEnd = 40
	assert.Error(t, announcement.Validate(a, "llama-8b-cluster", 4))
}

func TestValidateRejectsHasEmbeddingsMismatch(t *testing.T) {
	a := entryAnnouncement()
	a.HasEmbeddings = false
	assert.Error(t, announcement.Validate(a, "llama-8b-cluster", 4))
}

func TestValidateRejectsHasOutputMismatchOnExitShard(t *testing.T) {
	a := entryAnnouncement()
	a.ShardID = 3
	a.LayerStart, a.LayerEnd = 24, 32
	a.HasEmbeddings = false
	a.HasOutput = false // should be true for shard_id == total_shards-1
	assert.Error(t, announcement.Validate(a, "llama-8b-cluster", 4))
}

func TestValidateAcceptsExitShard(t *testing.T) {
	a := entryAnnouncement()
	a.ShardID = 3
	a.LayerStart, a.LayerEnd = 24, 32
	a.HasEmbeddings = false
	a.HasOutput = true
	assert.NoError(t, announcement.Validate(a, "llama-8b-cluster", 4))
}
