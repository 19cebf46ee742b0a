package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardmesh/internal/announcement"
	"github.com/dreamware/shardmesh/internal/config"
	"github.com/dreamware/shardmesh/internal/dht"
	"github.com/dreamware/shardmesh/internal/ferrors"
)

func testMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func fourShardDiscovery(t *testing.T, loaded [4]bool) *KademliaShardDiscovery {
	t.Helper()
	store := dht.NewSimDHT("coordinator-under-test")
	cluster := "llama-8b-cluster"
	disc := NewKademliaShardDiscovery(store, cluster, 4, time.Minute, time.Hour)
	for i := 0; i < 4; i++ {
		if !loaded[i] {
			continue
		}
		disc.Observe(announcement.Announcement{
			PeerID:        "peer-" + string(rune('A'+i)),
			Cluster:       cluster,
			ShardID:       i,
			TotalShards:   4,
			LayerStart:    i * 8,
			LayerEnd:      (i + 1) * 8,
			TotalLayers:   32,
			HasEmbeddings: i == 0,
			HasOutput:     i == 3,
			ShardLoaded:   true,
			AnnouncedAt:   int64(i + 1),
		})
	}
	return disc
}

func singleShardDiscovery(t *testing.T) *KademliaShardDiscovery {
	t.Helper()
	store := dht.NewSimDHT("coordinator-under-test-single")
	cluster := "llama-1shard-cluster"
	disc := NewKademliaShardDiscovery(store, cluster, 1, time.Minute, time.Hour)
	disc.Observe(announcement.Announcement{
		PeerID:        "peer-A",
		Cluster:       cluster,
		ShardID:       0,
		TotalShards:   1,
		LayerStart:    0,
		LayerEnd:      32,
		TotalLayers:   32,
		HasEmbeddings: true,
		HasOutput:     true,
		ShardLoaded:   true,
		AnnouncedAt:   1,
	})
	return disc
}

func baseConfig() config.Config {
	cfg := config.Default()
	cfg.Cluster = "llama-8b-cluster"
	cfg.TotalShards = 4
	cfg.TotalLayers = 32
	cfg.HopTimeout = time.Second
	return cfg
}

func TestSubmitInferenceHappyPathFourShards(t *testing.T) {
	cfg := baseConfig()
	disc := fourShardDiscovery(t, [4]bool{true, true, true, true})
	client := newFakeShardClient()
	coord := New(&cfg, disc, client, nil, testMetrics())

	resp, err := coord.SubmitInference(context.Background(), InferenceRequest{
		Prompt: "Hi", MaxTokens: 3, Temperature: 0, TopP: 1,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.TokensGenerated)
	assert.Equal(t, "FullPipeline", resp.StrategyUsed)
	assert.Len(t, resp.ShardLatencies, 12) // 3 tokens x 4 shards

	stats := coord.Stats()
	assert.EqualValues(t, 1, stats.TotalRequests)
	assert.EqualValues(t, 1, stats.SuccessfulRequests)
	assert.EqualValues(t, 0, stats.FailedRequests)
}

// TestSubmitInferenceHappyPathSingleShard covers spec §8's boundary
// behavior: total_shards == 1 is legal and runs FullPipeline with zero
// inter-shard hops, dispatching the sole shard with role=full rather than
// role=entry/exit.
func TestSubmitInferenceHappyPathSingleShard(t *testing.T) {
	cfg := baseConfig()
	cfg.Cluster = "llama-1shard-cluster"
	cfg.TotalShards = 1
	cfg.TotalLayers = 32
	disc := singleShardDiscovery(t)
	coord := New(&cfg, disc, newFakeShardClient(), nil, testMetrics())

	resp, err := coord.SubmitInference(context.Background(), InferenceRequest{
		Prompt: "Hi", MaxTokens: 3, Temperature: 0, TopP: 1,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.TokensGenerated)
	assert.Equal(t, "FullPipeline", resp.StrategyUsed)
	assert.Len(t, resp.ShardLatencies, 3) // 3 tokens x 1 shard

	stats := coord.Stats()
	assert.EqualValues(t, 1, stats.TotalRequests)
	assert.EqualValues(t, 1, stats.SuccessfulRequests)
	assert.EqualValues(t, 0, stats.FailedRequests)
}

func TestSubmitInferenceRejectsInvalidRequest(t *testing.T) {
	cfg := baseConfig()
	disc := fourShardDiscovery(t, [4]bool{true, true, true, true})
	coord := New(&cfg, disc, newFakeShardClient(), nil, testMetrics())

	_, err := coord.SubmitInference(context.Background(), InferenceRequest{MaxTokens: 0})
	assert.True(t, ferrors.HasKind(err, ferrors.InvalidRequest))

	stats := coord.Stats()
	assert.EqualValues(t, 1, stats.TotalRequests)
	assert.EqualValues(t, 1, stats.FailedRequests)
}

func TestSubmitInferenceWaitForCompleteTimesOutWithDiscoveryIncomplete(t *testing.T) {
	cfg := baseConfig()
	cfg.Strategy = config.StrategyConfig{Kind: config.StrategyWaitForComplete, WaitTimeout: 30 * time.Millisecond}
	disc := fourShardDiscovery(t, [4]bool{true, false, false, false})
	coord := New(&cfg, disc, newFakeShardClient(), nil, testMetrics())

	_, err := coord.SubmitInference(context.Background(), InferenceRequest{Prompt: "hi", MaxTokens: 1, TopP: 1})
	assert.True(t, ferrors.HasKind(err, ferrors.DiscoveryIncomplete))
}

func TestSubmitInferencePartialPipelineTreatsMissingMiddleAsIdentity(t *testing.T) {
	cfg := baseConfig()
	cfg.Strategy = config.StrategyConfig{Kind: config.StrategyPartialPipeline, MinShards: 3}
	disc := fourShardDiscovery(t, [4]bool{true, true, false, true})
	coord := New(&cfg, disc, newFakeShardClient(), nil, testMetrics())

	resp, err := coord.SubmitInference(context.Background(), InferenceRequest{Prompt: "hi", MaxTokens: 1, TopP: 1})
	require.NoError(t, err)
	assert.Equal(t, "PartialPipeline", resp.StrategyUsed)
	assert.True(t, resp.Success)
}

func TestSubmitInferencePartialPipelineFailsWithoutExit(t *testing.T) {
	cfg := baseConfig()
	cfg.Strategy = config.StrategyConfig{Kind: config.StrategyPartialPipeline, MinShards: 2}
	disc := fourShardDiscovery(t, [4]bool{true, true, false, false})
	coord := New(&cfg, disc, newFakeShardClient(), nil, testMetrics())

	_, err := coord.SubmitInference(context.Background(), InferenceRequest{Prompt: "hi", MaxTokens: 1, TopP: 1})
	assert.True(t, ferrors.HasKind(err, ferrors.MissingEntryOrExit))
}

func TestSubmitInferenceFallbackToSingleNode(t *testing.T) {
	cfg := baseConfig()
	cfg.Strategy = config.StrategyConfig{Kind: config.StrategyFallbackSingleNode, MinMemoryForFullMB: 4096}
	disc := fourShardDiscovery(t, [4]bool{true, false, false, false})
	disc.Observe(announcement.Announcement{
		PeerID: "fallback-host", Cluster: cfg.Cluster, ShardID: 0, TotalShards: 4,
		LayerEnd: 8, TotalLayers: 32, HasEmbeddings: true, ShardLoaded: true,
		AnnouncedAt: 99,
		Capabilities: announcement.Capabilities{AvailableMemoryMB: 16000},
	})
	coord := New(&cfg, disc, newFakeShardClient(), nil, testMetrics())

	resp, err := coord.SubmitInference(context.Background(), InferenceRequest{Prompt: "hi", MaxTokens: 2, TopP: 1})
	require.NoError(t, err)
	assert.Equal(t, "FallbackToSingleNode", resp.StrategyUsed)
	assert.Equal(t, 2, resp.TokensGenerated)
}

func TestSubmitInferenceFallbackFailsWithNoCapableNode(t *testing.T) {
	cfg := baseConfig()
	cfg.Strategy = config.StrategyConfig{Kind: config.StrategyFallbackSingleNode, MinMemoryForFullMB: 999999}
	disc := fourShardDiscovery(t, [4]bool{true, false, false, false})
	coord := New(&cfg, disc, newFakeShardClient(), nil, testMetrics())

	_, err := coord.SubmitInference(context.Background(), InferenceRequest{Prompt: "hi", MaxTokens: 1, TopP: 1})
	assert.True(t, ferrors.HasKind(err, ferrors.NoCapableNode))
}

func TestSubmitInferenceAdaptiveExhaustsAllStrategies(t *testing.T) {
	cfg := baseConfig()
	cfg.Strategy = config.StrategyConfig{
		Kind:               config.StrategyAdaptive,
		WaitTimeout:        20 * time.Millisecond,
		MinMemoryForFullMB: 8192,
	}
	disc := fourShardDiscovery(t, [4]bool{true, false, false, false})
	coord := New(&cfg, disc, newFakeShardClient(), nil, testMetrics())

	_, err := coord.SubmitInference(context.Background(), InferenceRequest{Prompt: "hi", MaxTokens: 1, TopP: 1})
	assert.True(t, ferrors.HasKind(err, ferrors.AllStrategiesExhausted))
}

func TestSubmitInferenceDetectsShardVanishedMidFlight(t *testing.T) {
	cfg := baseConfig()
	// every entry is immediately stale under a refresh interval this small
	staleDisc := NewKademliaShardDiscovery(dht.NewSimDHT("x"), cfg.Cluster, 4, time.Nanosecond, time.Hour)
	for i := 0; i < 4; i++ {
		staleDisc.Observe(announcement.Announcement{
			PeerID: "peer-" + string(rune('A'+i)), Cluster: cfg.Cluster, ShardID: i, TotalShards: 4,
			LayerStart: i * 8, LayerEnd: (i + 1) * 8, TotalLayers: 32,
			HasEmbeddings: i == 0, HasOutput: i == 3, ShardLoaded: true, AnnouncedAt: int64(i + 1),
		})
	}
	coord := New(&cfg, staleDisc, newFakeShardClient(), nil, testMetrics())

	_, err := coord.SubmitInference(context.Background(), InferenceRequest{Prompt: "hi", MaxTokens: 1, TopP: 1})
	assert.True(t, ferrors.HasKind(err, ferrors.ShardVanished))
}

func TestHopRetriesOnMaxConcurrentRejectionThenSucceeds(t *testing.T) {
	cfg := baseConfig()
	disc := fourShardDiscovery(t, [4]bool{true, true, true, true})
	client := newFakeShardClient()
	client.rejectFirstN["peer-A"] = 1
	coord := New(&cfg, disc, client, nil, testMetrics())

	resp, err := coord.SubmitInference(context.Background(), InferenceRequest{Prompt: "hi", MaxTokens: 1, TopP: 1})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}
