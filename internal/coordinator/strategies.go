// Package coordinator implements the pipeline coordinator state machine.
// This file implements FullPipeline forward-pass orchestration and the
// five degradation strategies of spec §4.5, generalized from torua's
// RequestRouter forwarding loop (internal/coordinator, pre-rename):
// one sequential loop per request, one outbound call per hop, errors
// propagated as typed values rather than panics.
package coordinator

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/dreamware/shardmesh/internal/announcement"
	"github.com/dreamware/shardmesh/internal/codec"
	"github.com/dreamware/shardmesh/internal/config"
	"github.com/dreamware/shardmesh/internal/ferrors"
	"github.com/dreamware/shardmesh/internal/spawner"
	"github.com/dreamware/shardmesh/internal/task"
)

// runStrategy applies the coordinator's configured PipelineStrategy when
// the pipeline snapshot is incomplete (spec §4.5's "Strategy selection").
func (c *Coordinator) runStrategy(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	switch c.cfg.Strategy.Kind {
	case config.StrategyWaitForComplete:
		return c.strategyWaitForComplete(ctx, req, c.cfg.Strategy.WaitTimeout)
	case config.StrategyPartialPipeline:
		return c.strategyPartialPipeline(ctx, req)
	case config.StrategyFallbackSingleNode:
		return c.strategyFallbackToSingleNode(ctx, req)
	case config.StrategySpawnNodes:
		return c.strategySpawnNodes(ctx, req)
	case config.StrategyAdaptive:
		return c.strategyAdaptive(ctx, req)
	default:
		return c.strategyWaitForComplete(ctx, req, c.cfg.Strategy.WaitTimeout)
	}
}

// strategyWaitForComplete polls discovery every 500ms up to timeout,
// failing with DiscoveryIncomplete if the pipeline never completes
// (spec §4.5).
func (c *Coordinator) strategyWaitForComplete(ctx context.Context, req InferenceRequest, timeout time.Duration) (*InferenceResponse, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		status := c.discovery.PipelineStatus()
		if status.IsCompleteAndLoaded {
			return c.runFullPipeline(ctx, req, c.discovery.Pipeline(), "FullPipeline")
		}
		if time.Now().After(deadline) {
			return nil, ferrors.New(ferrors.DiscoveryIncomplete, "pipeline incomplete after %s: %d/%d shards discovered", timeout, status.Discovered, status.Expected)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// strategyPartialPipeline executes on the discovered subset when at least
// min_shards are present and both entry and exit shards are present,
// treating missing middle shards as identity passes (spec §4.5).
func (c *Coordinator) strategyPartialPipeline(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	status := c.discovery.PipelineStatus()
	if status.Discovered < c.cfg.Strategy.MinShards || !status.HasEntry || !status.HasExit {
		return nil, ferrors.New(ferrors.MissingEntryOrExit, "partial pipeline requires entry, exit and >= %d shards; have %d/%d (entry=%v exit=%v)",
			c.cfg.Strategy.MinShards, status.Discovered, status.Expected, status.HasEntry, status.HasExit)
	}
	return c.runFullPipeline(ctx, req, c.discovery.Pipeline(), "PartialPipeline")
}

// strategyFallbackToSingleNode sends the entire request to one capable
// peer with role=full (spec §4.5).
func (c *Coordinator) strategyFallbackToSingleNode(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	entries := c.discovery.Pipeline()
	best, err := SelectFallbackNode(entries, c.cfg.CapabilityWeights, c.cfg.Strategy.MinMemoryForFullMB)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.NoCapableNode, err, "fallback to single node")
	}
	return c.runSingleNode(ctx, req, *best, "FallbackToSingleNode")
}

// strategySpawnNodes asks the attached NodeSpawner to launch the missing
// shard_ids, at most max_nodes_per_request of them (lowest ids first),
// then re-enters WaitForComplete with
// node_startup_timeout (spec §4.5).
func (c *Coordinator) strategySpawnNodes(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	if c.spawner == nil {
		return nil, ferrors.New(ferrors.SpawnFailure, "spawn_nodes strategy configured but no NodeSpawner is attached")
	}
	status := c.discovery.PipelineStatus()
	missing := status.MissingShardIDs
	if len(missing) > c.cfg.Strategy.MaxNodesPerRequest {
		missing = missing[:c.cfg.Strategy.MaxNodesPerRequest]
	}

	for _, shardID := range missing {
		handle, err := c.spawner.Spawn(ctx, spawner.SpawnRequest{
			ShardID:       shardID,
			TotalShards:   c.cfg.TotalShards,
			TotalLayers:   c.cfg.TotalLayers,
			ModelName:     c.cfg.Model,
			Cluster:       c.cfg.Cluster,
			BootstrapAddr: c.cfg.BootstrapAddr,
		})
		if err != nil {
			return nil, ferrors.Wrap(ferrors.SpawnFailure, err, "spawn shard %d", shardID)
		}
		if err := handle.WaitUntilAnnounced(ctx, c.cfg.Strategy.NodeStartupTimeout); err != nil {
			return nil, ferrors.Wrap(ferrors.SpawnFailure, err, "shard %d did not announce after spawn", shardID)
		}
		atomic.AddUint64(&c.stats.NodesSpawned, 1)
		c.metrics.ObserveNodeSpawned()
	}

	return c.strategyWaitForComplete(ctx, req, c.cfg.Strategy.NodeStartupTimeout)
}

// strategyAdaptive tries WaitForComplete, then SpawnNodes if a spawner is
// attached, then FallbackToSingleNode, failing with AllStrategiesExhausted
// only if every attempted strategy fails (spec §4.5).
func (c *Coordinator) strategyAdaptive(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	resp, err := c.strategyWaitForComplete(ctx, req, c.cfg.Strategy.WaitTimeout)
	if err == nil {
		return resp, nil
	}

	if c.spawner != nil {
		resp, spawnErr := c.strategySpawnNodes(ctx, req)
		if spawnErr == nil {
			return resp, nil
		}
	}

	resp, fallbackErr := c.strategyFallbackToSingleNode(ctx, req)
	if fallbackErr == nil {
		return resp, nil
	}

	return nil, ferrors.New(ferrors.AllStrategiesExhausted, "wait_for_complete, spawn_nodes and fallback_to_single_node all failed for request %s", req.RequestID)
}

// runFullPipeline drives the per-token forward chain across every shard in
// pipeline (spec §4.5's "Forward-pass orchestration"). Missing entries
// (nil holes, in the PartialPipeline case) are treated as identity-only
// passes.
func (c *Coordinator) runFullPipeline(ctx context.Context, req InferenceRequest, pipeline []*DiscoveredShard, strategyLabel string) (*InferenceResponse, error) {
	resp := &InferenceResponse{RequestID: req.RequestID, StrategyUsed: strategyLabel}

	var lastTokenID int32
	haveLastToken := false

	for t := 0; t < req.MaxTokens; t++ {
		var stepLatencies []ShardLatency
		var exitResult *task.ExecuteResult
		var nextInputActivations *task.ActivationPayload

		for i, entry := range pipeline {
			if entry == nil {
				continue // identity pass: activations carry through unmodified
			}
			if c.discovery.IsStale(entry.Announcement.ShardID) {
				return nil, ferrors.New(ferrors.ShardVanished, "shard %d stopped announcing during request %s", entry.Announcement.ShardID, req.RequestID)
			}

			role := task.RoleMiddle
			switch {
			case len(pipeline) == 1:
				// A single-shard pipeline is legal (spec §8's boundary
				// behavior) and has no entry/middle/exit split: the sole
				// shard takes the full role and gets both ends' params.
				role = task.RoleFull
			case i == 0:
				role = task.RoleEntry
			case i == len(pipeline)-1:
				role = task.RoleExit
			}

			params := task.ExecuteParams{
				TaskType:      task.TaskTypeAIInference,
				Role:          role,
				RequestID:     req.RequestID,
				Position:      t,
				KVStateHandle: c.getKVHandle(req.RequestID, entry.Announcement.ShardID),
				Activations:   nextInputActivations,
			}
			if role == task.RoleEntry || role == task.RoleFull {
				if t == 0 {
					params.Prompt = req.Prompt
				} else if haveLastToken {
					tok := lastTokenID
					params.InputTokenID = &tok
				}
			}
			if role == task.RoleExit || role == task.RoleFull {
				params.MaxTokens = req.MaxTokens
				params.Temperature = req.Temperature
				params.TopP = req.TopP
			}

			result, latencyMS, err := c.hop(ctx, entry.Announcement, params)
			if err != nil {
				return nil, err
			}
			stepLatencies = append(stepLatencies, ShardLatency{
				ShardID:   entry.Announcement.ShardID,
				PeerID:    entry.Announcement.PeerID,
				LatencyMS: latencyMS,
			})
			c.setKVHandle(req.RequestID, entry.Announcement.ShardID, result.KVStateHandle)
			nextInputActivations = result.Activations

			if role == task.RoleExit || role == task.RoleFull {
				exitResult = result
			}
		}

		resp.ShardLatencies = append(resp.ShardLatencies, stepLatencies...)
		if exitResult == nil {
			return nil, ferrors.New(ferrors.MissingEntryOrExit, "pipeline produced no exit-shard result for request %s", req.RequestID)
		}

		resp.GeneratedText += exitResult.TokenText
		resp.TokensGenerated++
		lastTokenID = exitResult.TokenID
		haveLastToken = true

		if exitResult.IsStop || t+1 == req.MaxTokens {
			break
		}
	}

	resp.Success = true
	return resp, nil
}

// runSingleNode drives the FallbackToSingleNode variant (spec §4.5) by
// sending target one role=full EXECUTE_TASK per generated token: the
// prompt at t=0, the previously generated token id after that. The whole
// request is not handed to target in a single call.
func (c *Coordinator) runSingleNode(ctx context.Context, req InferenceRequest, target announcement.Announcement, strategyLabel string) (*InferenceResponse, error) {
	resp := &InferenceResponse{RequestID: req.RequestID, StrategyUsed: strategyLabel}

	var lastTokenID int32
	for t := 0; t < req.MaxTokens; t++ {
		params := task.ExecuteParams{
			TaskType:      task.TaskTypeAIInference,
			Role:          task.RoleFull,
			RequestID:     req.RequestID,
			Position:      t,
			KVStateHandle: c.getKVHandle(req.RequestID, target.ShardID),
			MaxTokens:     req.MaxTokens,
			Temperature:   req.Temperature,
			TopP:          req.TopP,
		}
		if t == 0 {
			params.Prompt = req.Prompt
		} else {
			tok := lastTokenID
			params.InputTokenID = &tok
		}

		result, latencyMS, err := c.hop(ctx, target, params)
		if err != nil {
			return nil, err
		}
		c.setKVHandle(req.RequestID, target.ShardID, result.KVStateHandle)
		resp.ShardLatencies = append(resp.ShardLatencies, ShardLatency{
			ShardID:   target.ShardID,
			PeerID:    target.PeerID,
			LatencyMS: latencyMS,
		})
		resp.GeneratedText += result.TokenText
		resp.TokensGenerated++
		lastTokenID = result.TokenID

		if result.IsStop || t+1 == req.MaxTokens {
			break
		}
	}

	resp.Success = true
	return resp, nil
}

// hop sends one EXECUTE_TASK to target, applying spec §4.5's per-hop
// deadline and spec §5's bounded retry-with-backoff for a shard rejecting
// the call due to max_concurrent admission control.
func (c *Coordinator) hop(ctx context.Context, target announcement.Announcement, params task.ExecuteParams) (*task.ExecuteResult, int64, error) {
	hopCtx, cancel := context.WithTimeout(ctx, c.cfg.HopTimeout)
	defer cancel()

	shardTarget := ShardTarget{PeerID: target.PeerID, ListenAddresses: target.ListenAddresses}

	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= 3; attempt++ {
		if attempt > 0 {
			select {
			case <-hopCtx.Done():
				return nil, 0, ferrors.New(ferrors.HopTimeout, "hop to shard %d timed out after %s", target.ShardID, c.cfg.HopTimeout)
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		resp, err := c.client.Send(hopCtx, shardTarget, task.CommandExecuteTask, params)
		if err != nil {
			if hopCtx.Err() != nil {
				return nil, 0, ferrors.New(ferrors.HopTimeout, "hop to shard %d timed out after %s", target.ShardID, c.cfg.HopTimeout)
			}
			lastErr = err
			continue
		}
		if resp.Status == codec.StatusError {
			lastErr = ferrors.New(ferrors.TransportFailure, "shard %d rejected task: %s", target.ShardID, resp.Error)
			continue
		}

		var result task.ExecuteResult
		if err := decodeResult(resp.Result, &result); err != nil {
			return nil, 0, err
		}
		return &result, result.LatencyMS, nil
	}
	return nil, 0, ferrors.Wrap(ferrors.HopTimeout, lastErr, "hop to shard %d exhausted retries", target.ShardID)
}

func decodeResult(raw []byte, out *task.ExecuteResult) error {
	if len(raw) == 0 {
		return ferrors.New(ferrors.TransportFailure, "empty result payload")
	}
	return json.Unmarshal(raw, out)
}
