package shardnode_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardmesh/internal/announcement"
	"github.com/dreamware/shardmesh/internal/codec"
	"github.com/dreamware/shardmesh/internal/dht"
	"github.com/dreamware/shardmesh/internal/engine"
	"github.com/dreamware/shardmesh/internal/shardnode"
	"github.com/dreamware/shardmesh/internal/task"
)

func newTestNode(t *testing.T, shardID, totalShards int, maxConcurrent int) (*shardnode.Node, *engine.ReferenceEngine, dht.DHT) {
	t.Helper()
	eng := engine.NewReferenceEngine(shardID*8, (shardID+1)*8, 4, 100)
	eng.MarkLoaded()
	store := dht.NewSimDHT("node-" + string(rune('A'+shardID)))
	cfg := shardnode.Config{
		PeerID:          "peer-" + string(rune('A'+shardID)),
		Cluster:         "llama-8b-cluster",
		ModelName:       "llama-8b",
		ShardID:         shardID,
		TotalShards:     totalShards,
		TotalLayers:     totalShards * 8,
		ListenAddresses: []string{"/ip4/127.0.0.1/tcp/4001"},
		RefreshInterval: time.Minute,
		TTL:             3 * time.Minute,
		MaxConcurrent:   maxConcurrent,
		KVIdleTimeout:   time.Minute,
	}
	node := shardnode.NewNode(cfg, eng, store, func() announcement.Capabilities {
		return announcement.Capabilities{AvailableMemoryMB: 4096}
	}, 1000)
	return node, eng, store
}

func executeTaskEnvelope(t *testing.T, params task.ExecuteParams) *codec.CommandEnvelope {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return &codec.CommandEnvelope{
		Command:   task.CommandExecuteTask,
		RequestID: "req-1",
		From:      "coordinator",
		Params:    raw,
	}
}

func TestResolveShardIDUsesExplicitConfiguration(t *testing.T) {
	node, _, _ := newTestNode(t, 2, 4, 4)
	id, err := node.ResolveShardID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, id)
}

func TestResolveShardIDAutoAssignsLowestUnoccupiedID(t *testing.T) {
	store := dht.NewSimDHT("auto")
	occupied := announcement.Announcement{
		PeerID: "peer-X", Cluster: "c", ShardID: 0, TotalShards: 2,
		AnnouncedAt: time.Now().Unix(),
	}
	raw, _ := json.Marshal(occupied)
	require.NoError(t, store.PutRecord(context.Background(), announcement.ShardKey("c", 0), raw, time.Minute))

	eng := engine.NewReferenceEngine(0, 8, 4, 100)
	cfg := shardnode.Config{Cluster: "c", ShardID: -1, TotalShards: 2, RefreshInterval: time.Minute}
	node := shardnode.NewNode(cfg, eng, store, nil, 0)

	id, err := node.ResolveShardID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestPublishSetsShardLoadedOnlyAfterEngineLoaded(t *testing.T) {
	eng := engine.NewReferenceEngine(0, 8, 4, 100)
	store := dht.NewSimDHT("publish-test")
	cfg := shardnode.Config{
		PeerID: "peer-A", Cluster: "c", ShardID: 0, TotalShards: 1, TotalLayers: 8,
		RefreshInterval: time.Hour, TTL: 3 * time.Hour,
	}
	node := shardnode.NewNode(cfg, eng, store, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go node.RunAnnouncementLoop(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()

	raw, err := store.GetRecord(context.Background(), announcement.ShardKey("c", 0))
	require.NoError(t, err)
	var ann announcement.Announcement
	require.NoError(t, json.Unmarshal(raw, &ann))
	assert.False(t, ann.ShardLoaded)
}

func TestHandleExecuteTaskEntryRoleReturnsActivations(t *testing.T) {
	node, _, _ := newTestNode(t, 0, 4, 4)
	env := executeTaskEnvelope(t, task.ExecuteParams{
		TaskType: task.TaskTypeAIInference, Role: task.RoleEntry, RequestID: "req-1", Prompt: "Hi there",
	})

	resp := node.Dispatch(context.Background(), env)
	require.Equal(t, codec.StatusSuccess, resp.Status)

	var result task.ExecuteResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.NotNil(t, result.Activations)
	assert.NotEmpty(t, result.KVStateHandle)
}

func TestHandleExecuteTaskExitRoleReturnsToken(t *testing.T) {
	node, _, _ := newTestNode(t, 3, 4, 4)
	env := executeTaskEnvelope(t, task.ExecuteParams{
		TaskType: task.TaskTypeAIInference, Role: task.RoleExit, RequestID: "req-1",
		Activations: &task.ActivationPayload{Data: []float32{0.1, 0.2, 0.3, 0.4}, Shape: [2]int{1, 4}},
		TopP:        1,
	})

	resp := node.Dispatch(context.Background(), env)
	require.Equal(t, codec.StatusSuccess, resp.Status)

	var result task.ExecuteResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.NotEmpty(t, result.TokenText)
}

// TestHandleExecuteTaskFullRoleServesSingleShardCluster covers spec §8's
// boundary behavior: a total_shards == 1 cluster dispatches role=full
// against one node owning every layer, producing a token directly from a
// prompt with no prior hop's activations.
func TestHandleExecuteTaskFullRoleServesSingleShardCluster(t *testing.T) {
	node, _, _ := newTestNode(t, 0, 1, 4)
	env := executeTaskEnvelope(t, task.ExecuteParams{
		TaskType: task.TaskTypeAIInference, Role: task.RoleFull, RequestID: "req-1",
		Prompt: "Hi there", MaxTokens: 1, TopP: 1,
	})

	resp := node.Dispatch(context.Background(), env)
	require.Equal(t, codec.StatusSuccess, resp.Status)

	var result task.ExecuteResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.NotEmpty(t, result.TokenText)
	assert.NotEmpty(t, result.KVStateHandle)
}

func TestHandleExecuteTaskRejectsUnknownTaskType(t *testing.T) {
	node, _, _ := newTestNode(t, 0, 4, 4)
	env := executeTaskEnvelope(t, task.ExecuteParams{TaskType: "something_else", Role: task.RoleEntry})

	resp := node.Dispatch(context.Background(), env)
	assert.Equal(t, codec.StatusError, resp.Status)
}

func TestHandleExecuteTaskEnforcesMaxConcurrent(t *testing.T) {
	node, _, _ := newTestNode(t, 0, 4, 1)
	blockingEnv := executeTaskEnvelope(t, task.ExecuteParams{
		TaskType: task.TaskTypeAIInference, Role: task.RoleEntry, RequestID: "req-blocking", Prompt: "hi",
	})
	rejectedEnv := executeTaskEnvelope(t, task.ExecuteParams{
		TaskType: task.TaskTypeAIInference, Role: task.RoleEntry, RequestID: "req-other", Prompt: "hi",
	})

	// admit() holds its slot until the deferred release() at the end of the
	// call, so with max_concurrent=1 two overlapping dispatches cannot both
	// run. The two goroutines may not overlap in time, so a rejection is not
	// guaranteed; any response that is not a success must be the
	// admission-control rejection.
	var wg sync.WaitGroup
	results := make([]*codec.CommandResponse, 2)
	wg.Add(2)
	go func() { defer wg.Done(); results[0] = node.Dispatch(context.Background(), blockingEnv) }()
	go func() { defer wg.Done(); results[1] = node.Dispatch(context.Background(), rejectedEnv) }()
	wg.Wait()

	successes := 0
	for _, r := range results {
		if r.Status == codec.StatusSuccess {
			successes++
		} else {
			assert.Equal(t, "shardnode: max_concurrent exceeded", r.Error)
		}
	}
	assert.GreaterOrEqual(t, successes, 1)
}

func TestGetCapabilitiesReportsShardPosition(t *testing.T) {
	node, _, _ := newTestNode(t, 1, 4, 4)
	env := &codec.CommandEnvelope{Command: task.CommandGetCapabilities, RequestID: "r", From: "coordinator"}

	resp := node.Dispatch(context.Background(), env)
	require.Equal(t, codec.StatusSuccess, resp.Status)

	var result task.CapabilitiesResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, 1, result.ShardID)
}
