// Package coordinator implements the pipeline coordinator state machine
// (spec §4.5): it composes discovered shards into a pipeline, selects a
// degradation strategy when the pipeline is incomplete, and orchestrates
// the per-token forward chain across peers. Adapted from torua's
// NodeManager/RequestRouter shape (internal/coordinator, pre-rename):
// one struct owning shared state behind a mutex, atomic stats counters,
// and a small state enum driving the top-level flow.
package coordinator

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/shardmesh/internal/config"
	"github.com/dreamware/shardmesh/internal/ferrors"
	"github.com/dreamware/shardmesh/internal/spawner"
	"github.com/dreamware/shardmesh/internal/telemetry"
)

var coordLog = telemetry.For("coordinator")

// State is one of the coordinator's top-level lifecycle states
// (spec §4.5).
type State string

const (
	StateInitializing State = "Initializing"
	StateDiscovering  State = "Discovering"
	StateReady        State = "Ready"
	StateExecuting    State = "Executing"
	StateCompleted    State = "Completed"
	StateFailed       State = "Failed"
)

// InferenceRequest is the caller-supplied input to SubmitInference
// (spec §3).
type InferenceRequest struct {
	RequestID   string
	Prompt      string
	MaxTokens   int
	Temperature float64
	TopP        float64
	Context     string
	CreatedAt   int64
}

// ShardLatency records one shard's contribution to one forward step
// (spec §3's "per-shard latency records").
type ShardLatency struct {
	ShardID   int
	PeerID    string
	LatencyMS int64
}

// InferenceResponse is SubmitInference's output (spec §3).
type InferenceResponse struct {
	RequestID       string
	GeneratedText   string
	TokensGenerated int
	TotalLatencyMS  int64
	ShardLatencies  []ShardLatency
	StrategyUsed    string
	Success         bool
	Error           string
}

// Stats holds the coordinator's process-wide, atomically updated counters
// (spec §4.5's "Observable side effects", spec §5's "Global stats
// counters are atomic", updated with sync/atomic as shardnode's counters are).
type Stats struct {
	TotalRequests       uint64
	SuccessfulRequests  uint64
	FailedRequests      uint64
	NodesSpawned        uint64
	CumulativeLatencyMS uint64
}

// Snapshot returns a consistent point-in-time copy of s using atomic
// loads on every field.
func (s *Stats) Snapshot() Stats {
	return Stats{
		TotalRequests:       atomic.LoadUint64(&s.TotalRequests),
		SuccessfulRequests:  atomic.LoadUint64(&s.SuccessfulRequests),
		FailedRequests:      atomic.LoadUint64(&s.FailedRequests),
		NodesSpawned:        atomic.LoadUint64(&s.NodesSpawned),
		CumulativeLatencyMS: atomic.LoadUint64(&s.CumulativeLatencyMS),
	}
}

// Coordinator is the pipeline coordinator (spec §4.5). One instance serves
// one cluster.
type Coordinator struct {
	cfg       *config.Config
	discovery *KademliaShardDiscovery
	client    ShardClient
	spawner   spawner.NodeSpawner
	metrics   *Metrics

	mu    sync.RWMutex
	state State

	stats Stats

	// kvHandles tracks the last kv_state_handle returned by each shard
	// for an in-flight request_id, keyed by "<request_id>/<shard_id>"
	// (spec §4.5 step 1: "the stored kv_state_handle for this request_id
	// on each shard if present").
	kvMu      sync.Mutex
	kvHandles map[string]string
}

// New constructs a Coordinator in state Initializing. client sends
// commands to shard nodes; nodeSpawner may be nil when no SpawnNodes
// strategy variant is configured.
func New(cfg *config.Config, discovery *KademliaShardDiscovery, client ShardClient, nodeSpawner spawner.NodeSpawner, metrics *Metrics) *Coordinator {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Coordinator{
		cfg:       cfg,
		discovery: discovery,
		client:    client,
		spawner:   nodeSpawner,
		metrics:   metrics,
		state:     StateInitializing,
		kvHandles: make(map[string]string),
	}
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// MarkBootstrapped transitions Initializing→Discovering once the DHT has
// finished bootstrapping (spec §4.5).
func (c *Coordinator) MarkBootstrapped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateInitializing {
		c.state = StateDiscovering
	}
}

// RefreshReadiness transitions Discovering→Ready once the pipeline is
// complete and all loaded (spec §4.5); it is idempotent and safe to call
// from the discovery polling loop on every tick.
func (c *Coordinator) RefreshReadiness() {
	status := c.discovery.PipelineStatus()
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case status.IsCompleteAndLoaded && c.state == StateDiscovering:
		c.state = StateReady
	case !status.IsCompleteAndLoaded && (c.state == StateReady):
		c.state = StateDiscovering
	}
}

// Stats returns a snapshot of the coordinator's observable counters.
func (c *Coordinator) Stats() Stats {
	return c.stats.Snapshot()
}

// SubmitInference is the coordinator's single entry point (spec §4.5's
// "Submit-inference contract"). It validates req, snapshots the pipeline,
// selects FullPipeline or a configured degradation strategy, and always
// updates the stats counters exactly once before returning.
func (c *Coordinator) SubmitInference(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := validateRequest(req); err != nil {
		atomic.AddUint64(&c.stats.TotalRequests, 1)
		atomic.AddUint64(&c.stats.FailedRequests, 1)
		c.metrics.ObserveFailure(err)
		return nil, err
	}

	atomic.AddUint64(&c.stats.TotalRequests, 1)
	c.setState(StateExecuting)

	start := time.Now()
	resp, err := c.dispatch(ctx, req)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		atomic.AddUint64(&c.stats.FailedRequests, 1)
		c.metrics.ObserveFailure(err)
		c.setState(StateFailed)
		coordLog.WithError(err).WithField("request_id", req.RequestID).Warn("inference request failed")
		c.RefreshReadiness()
		return nil, err
	}

	resp.TotalLatencyMS = elapsed
	atomic.AddUint64(&c.stats.SuccessfulRequests, 1)
	atomic.AddUint64(&c.stats.CumulativeLatencyMS, uint64(elapsed))
	c.metrics.ObserveSuccess(resp)
	c.clearKVHandles(req.RequestID)
	c.RefreshReadiness()
	if c.State() != StateFailed {
		c.setState(StateReady)
	}
	return resp, nil
}

func validateRequest(req InferenceRequest) error {
	if req.MaxTokens < 1 {
		return ferrors.New(ferrors.InvalidRequest, "max_tokens must be >= 1, got %d", req.MaxTokens)
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return ferrors.New(ferrors.InvalidRequest, "temperature must be in [0, 2], got %v", req.Temperature)
	}
	if req.TopP <= 0 || req.TopP > 1 {
		return ferrors.New(ferrors.InvalidRequest, "top_p must be in (0, 1], got %v", req.TopP)
	}
	return nil
}

// dispatch snapshots the pipeline and picks FullPipeline or the
// configured degradation strategy (spec §4.5's "Strategy selection").
func (c *Coordinator) dispatch(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	status := c.discovery.PipelineStatus()
	if status.IsCompleteAndLoaded {
		return c.runFullPipeline(ctx, req, c.discovery.Pipeline(), "FullPipeline")
	}
	return c.runStrategy(ctx, req)
}

func (c *Coordinator) kvKey(requestID string, shardID int) string {
	return requestID + "/" + strconv.Itoa(shardID)
}

func (c *Coordinator) getKVHandle(requestID string, shardID int) string {
	c.kvMu.Lock()
	defer c.kvMu.Unlock()
	return c.kvHandles[c.kvKey(requestID, shardID)]
}

func (c *Coordinator) setKVHandle(requestID string, shardID int, handle string) {
	if handle == "" {
		return
	}
	c.kvMu.Lock()
	defer c.kvMu.Unlock()
	c.kvHandles[c.kvKey(requestID, shardID)] = handle
}

func (c *Coordinator) clearKVHandles(requestID string) {
	c.kvMu.Lock()
	defer c.kvMu.Unlock()
	prefix := requestID + "/"
	for k := range c.kvHandles {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.kvHandles, k)
		}
	}
}
