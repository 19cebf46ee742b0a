// Package shardnode implements the shard-node runtime (spec §4.4): the
// process that owns one shard's layer range, announces it to the DHT,
// and serves GET_CAPABILITIES/LIST_FILES/EXECUTE_TASK commands over
// length-delimited JSON streams. Adapted from torua's Shard struct
// (internal/shard, pre-rename): one owning struct behind a mutex with
// atomic request counters, generalized from a consistent-hashed
// key-value partition to a transformer layer range fronted by a
// LayerEngine.
package shardnode

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/dreamware/shardmesh/internal/announcement"
	"github.com/dreamware/shardmesh/internal/codec"
	"github.com/dreamware/shardmesh/internal/dht"
	"github.com/dreamware/shardmesh/internal/engine"
	"github.com/dreamware/shardmesh/internal/task"
	"github.com/dreamware/shardmesh/internal/telemetry"
)

var nodeLog = telemetry.For("shardnode")

// CapabilitySnapshotFunc reports this host's current resource state;
// internal/capability.LocalSnapshot plus any overlay (GPU, reputation)
// satisfies this without shardnode depending on capability directly.
type CapabilitySnapshotFunc func() announcement.Capabilities

// Config carries everything a Node needs beyond its LayerEngine and DHT
// handle (spec §4.4, §6).
type Config struct {
	PeerID          string
	Cluster         string
	ModelName       string
	ShardID         int // -1 selects auto-assignment (spec §4.4 step 1)
	TotalShards     int
	TotalLayers     int
	LayerStart      int
	LayerEnd        int
	ListenAddresses []string
	ShardFiles      []task.ShardFileInfo
	RefreshInterval time.Duration
	TTL             time.Duration
	MaxConcurrent   int
	KVIdleTimeout   time.Duration
}

// Node owns one shard: its LayerEngine, its DHT announcement loop, and
// its command server (spec §4.4).
type Node struct {
	cfg        Config
	engine     engine.LayerEngine
	store      dht.DHT
	snapshot   CapabilitySnapshotFunc
	createdAt  int64
	republish  chan struct{}

	mu      sync.RWMutex
	shardID int

	activeRequests int64

	writeMu   sync.Mutex
	writeLock map[string]*sync.Mutex

	kvMu    sync.Mutex
	kv      map[string]kvEntry
}

type kvEntry struct {
	handle   engine.KVStateHandle
	lastUsed time.Time
}

// NewNode constructs a shard node. createdAt is a monotonic seconds
// timestamp supplied by the caller (spec §9 forbids calling time.Now
// inside library code that must stay deterministic for tests; the node
// itself calls time.Now for its own announcement cadence since it is a
// long-running process, not a pure function).
func NewNode(cfg Config, eng engine.LayerEngine, store dht.DHT, snapshot CapabilitySnapshotFunc, createdAt int64) *Node {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Node{
		cfg:       cfg,
		engine:    eng,
		store:     store,
		snapshot:  snapshot,
		createdAt: createdAt,
		shardID:   cfg.ShardID,
		republish: make(chan struct{}, 1),
		writeLock: make(map[string]*sync.Mutex),
		kv:        make(map[string]kvEntry),
	}
}

// ResolveShardID implements spec §4.4 step 1: use the configured shard_id
// if one was given; otherwise query the DHT for every shard_id in
// [0, TotalShards) and claim the lowest one with no fresh occupant.
func (n *Node) ResolveShardID(ctx context.Context) (int, error) {
	n.mu.RLock()
	explicit := n.cfg.ShardID
	n.mu.RUnlock()
	id, err := ResolveShardID(ctx, n.store, n.cfg.Cluster, n.cfg.TotalShards, n.cfg.RefreshInterval, explicit)
	if err != nil {
		return 0, err
	}
	n.setShardID(id)
	return id, nil
}

// ResolveShardID is the free-function form of the shard-id claim, usable
// before a Node (and the LayerEngine it owns) is constructed: the caller
// typically needs the resolved id to size the engine's layer range.
func ResolveShardID(ctx context.Context, store dht.DHT, cluster string, totalShards int, refreshInterval time.Duration, explicit int) (int, error) {
	if explicit >= 0 {
		return explicit, nil
	}

	for id := 0; id < totalShards; id++ {
		key := announcement.ShardKey(cluster, id)
		raw, err := store.GetRecord(ctx, key)
		if err != nil {
			return id, nil
		}
		var existing announcement.Announcement
		if jsonErr := json.Unmarshal(raw, &existing); jsonErr != nil {
			return id, nil
		}
		// A stale-enough announced_at does not count as occupying the id.
		if time.Now().Unix()-existing.AnnouncedAt >= int64(2*refreshInterval/time.Second) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("shardnode: no unoccupied shard id in [0, %d) for cluster %s", totalShards, cluster)
}

func (n *Node) setShardID(id int) {
	n.mu.Lock()
	n.shardID = id
	n.mu.Unlock()
}

// ShardID returns the node's current shard_id.
func (n *Node) ShardID() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.shardID
}

// layerRange returns this node's assigned half-open layer range, given
// TotalLayers split evenly across TotalShards unless LayerStart/LayerEnd
// were configured explicitly.
func (n *Node) layerRange() (int, int) {
	if n.cfg.LayerEnd > n.cfg.LayerStart {
		return n.cfg.LayerStart, n.cfg.LayerEnd
	}
	per := n.cfg.TotalLayers / n.cfg.TotalShards
	id := n.ShardID()
	start := id * per
	end := start + per
	if id == n.cfg.TotalShards-1 {
		end = n.cfg.TotalLayers
	}
	return start, end
}

// TriggerAnnouncement requests an out-of-cadence publish, for material
// capability changes (spec §4.3: "shard just finished loading; memory
// pressure crossed a threshold").
func (n *Node) TriggerAnnouncement() {
	select {
	case n.republish <- struct{}{}:
	default:
	}
}

// RunAnnouncementLoop publishes this node's announcement immediately and
// then on RefreshInterval cadence until ctx is canceled (spec §4.3).
func (n *Node) RunAnnouncementLoop(ctx context.Context) {
	interval := n.cfg.RefreshInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n.publish(ctx)
	for {
		select {
		case <-ticker.C:
			n.publish(ctx)
		case <-n.republish:
			n.publish(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) publish(ctx context.Context) {
	shardID := n.ShardID()
	layerStart, layerEnd := n.layerRange()
	ann := announcement.Announcement{
		PeerID:          n.cfg.PeerID,
		Cluster:         n.cfg.Cluster,
		ShardID:         shardID,
		TotalShards:     n.cfg.TotalShards,
		LayerStart:      layerStart,
		LayerEnd:        layerEnd,
		TotalLayers:     n.cfg.TotalLayers,
		HasEmbeddings:   shardID == 0,
		HasOutput:       shardID == n.cfg.TotalShards-1,
		ModelName:       n.cfg.ModelName,
		ListenAddresses: n.cfg.ListenAddresses,
		Capabilities:    n.capabilitiesSnapshot(),
		ShardLoaded:     n.engine.Loaded(),
		CreatedAt:       n.createdAt,
		AnnouncedAt:     time.Now().Unix(),
	}

	raw, err := json.Marshal(ann)
	if err != nil {
		nodeLog.WithError(err).Error("marshal announcement")
		return
	}
	ttl := n.cfg.TTL
	if ttl <= 0 {
		ttl = 3 * n.cfg.RefreshInterval
	}
	if err := n.store.PutRecord(ctx, announcement.ShardKey(n.cfg.Cluster, shardID), raw, ttl); err != nil {
		nodeLog.WithError(err).WithField("shard_id", shardID).Warn("publish announcement failed")
		return
	}
	nodeLog.WithField("shard_id", shardID).WithField("shard_loaded", ann.ShardLoaded).Debug("published announcement")
}

func (n *Node) capabilitiesSnapshot() announcement.Capabilities {
	var c announcement.Capabilities
	if n.snapshot != nil {
		c = n.snapshot()
	}
	c.ShardLoaded = n.engine.Loaded()
	c.ActiveRequests = int(atomic.LoadInt64(&n.activeRequests))
	c.MaxConcurrent = n.cfg.MaxConcurrent
	return c
}

// HandleStream is the libp2p stream handler for task.ProtocolID: it reads
// exactly one command envelope, dispatches it, writes exactly one
// response, and closes the stream (spec §4.3's one-shot model).
func (n *Node) HandleStream(stream network.Stream) {
	defer stream.Close()

	env, err := codec.ReadEnvelope(stream)
	if err != nil {
		nodeLog.WithError(err).Warn("read command envelope")
		return
	}

	resp := n.Dispatch(stream.Context(), env)
	if err := codec.WriteResponse(stream, resp); err != nil {
		nodeLog.WithError(err).Warn("write command response")
	}
}

// Dispatch handles one decoded command envelope and returns its response.
// Exported so tests can exercise command handling without a live stream.
func (n *Node) Dispatch(ctx context.Context, env *codec.CommandEnvelope) *codec.CommandResponse {
	base := &codec.CommandResponse{
		Command:   env.Command,
		RequestID: env.RequestID,
		From:      n.cfg.PeerID,
		To:        env.From,
		Timestamp: uint64(time.Now().Unix()),
	}

	switch env.Command {
	case task.CommandGetCapabilities:
		layerStart, layerEnd := n.layerRange()
		result, _ := json.Marshal(task.CapabilitiesResult{
			Capabilities: n.capabilitiesSnapshot(),
			ShardID:      n.ShardID(),
			LayerStart:   layerStart,
			LayerEnd:     layerEnd,
			ShardLoaded:  n.engine.Loaded(),
		})
		base.Status = codec.StatusSuccess
		base.Result = result
		return base

	case task.CommandListFiles:
		result, _ := json.Marshal(task.ListFilesResult{Files: n.cfg.ShardFiles})
		base.Status = codec.StatusSuccess
		base.Result = result
		return base

	case task.CommandExecuteTask:
		return n.handleExecuteTask(ctx, env, base)

	default:
		base.Status = codec.StatusError
		base.Error = fmt.Sprintf("shardnode: unrecognized command %q", env.Command)
		return base
	}
}

func (n *Node) handleExecuteTask(ctx context.Context, env *codec.CommandEnvelope, base *codec.CommandResponse) *codec.CommandResponse {
	var params task.ExecuteParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		base.Status = codec.StatusError
		base.Error = fmt.Sprintf("shardnode: decode params: %v", err)
		return base
	}
	if params.TaskType != task.TaskTypeAIInference {
		base.Status = codec.StatusError
		base.Error = fmt.Sprintf("shardnode: unsupported task_type %q", params.TaskType)
		return base
	}

	if !n.admit() {
		base.Status = codec.StatusError
		base.Error = "shardnode: max_concurrent exceeded"
		return base
	}
	defer n.release()

	unlock := n.lockRequest(params.RequestID)
	defer unlock()

	arrival := time.Now()
	result, err := n.execute(params)
	if err != nil {
		base.Status = codec.StatusError
		base.Error = err.Error()
		return base
	}
	result.LatencyMS = time.Since(arrival).Milliseconds()

	raw, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		base.Status = codec.StatusError
		base.Error = fmt.Sprintf("shardnode: marshal result: %v", marshalErr)
		return base
	}
	base.Status = codec.StatusSuccess
	base.Result = raw
	return base
}

// execute implements the EXECUTE_TASK sub-protocol role dispatch
// (spec §4.4).
func (n *Node) execute(params task.ExecuteParams) (*task.ExecuteResult, error) {
	switch params.Role {
	case task.RoleEntry:
		return n.executeEntry(params)
	case task.RoleMiddle:
		return n.executeMiddle(params)
	case task.RoleExit:
		return n.executeExit(params)
	case task.RoleFull:
		return n.executeFull(params)
	default:
		return nil, fmt.Errorf("shardnode: unrecognized role %q", params.Role)
	}
}

func (n *Node) executeEntry(params task.ExecuteParams) (*task.ExecuteResult, error) {
	tokens := n.tokenize(params)
	activations, err := n.engine.Embed(tokens)
	if err != nil {
		return nil, err
	}
	out, handle, err := n.engine.Forward(activations, engine.KVStateHandle(n.resumeHandle(params)))
	if err != nil {
		return nil, err
	}
	n.rememberHandle(params.RequestID, handle)
	return &task.ExecuteResult{
		Activations:   toPayload(out),
		KVStateHandle: string(handle),
	}, nil
}

func (n *Node) executeMiddle(params task.ExecuteParams) (*task.ExecuteResult, error) {
	if params.Activations == nil {
		return nil, fmt.Errorf("shardnode: middle role requires activations")
	}
	out, handle, err := n.engine.Forward(fromPayload(params.Activations), engine.KVStateHandle(n.resumeHandle(params)))
	if err != nil {
		return nil, err
	}
	n.rememberHandle(params.RequestID, handle)
	return &task.ExecuteResult{
		Activations:   toPayload(out),
		KVStateHandle: string(handle),
	}, nil
}

func (n *Node) executeExit(params task.ExecuteParams) (*task.ExecuteResult, error) {
	if params.Activations == nil {
		return nil, fmt.Errorf("shardnode: exit role requires activations")
	}
	in := fromPayload(params.Activations)
	out, handle, err := n.engine.Forward(in, engine.KVStateHandle(n.resumeHandle(params)))
	if err != nil {
		return nil, err
	}
	tokenID, tokenText, isStop, err := n.engine.Sample(out, params.Temperature, params.TopP)
	if err != nil {
		return nil, err
	}
	n.rememberHandle(params.RequestID, handle)
	return &task.ExecuteResult{
		KVStateHandle: string(handle),
		TokenID:       tokenID,
		TokenText:     tokenText,
		IsStop:        isStop,
	}, nil
}

// executeFull serves spec §4.5's FallbackToSingleNode variant: one node
// plays entry, middle and exit for the whole model. The reference
// LayerEngine has no notion of "the whole model" beyond its own layer
// range, so this implementation treats a role=full node's engine as
// covering [0, total_layers) by construction — a real LayerEngine
// backing a fallback-capable node would be loaded with the full model.
func (n *Node) executeFull(params task.ExecuteParams) (*task.ExecuteResult, error) {
	tokens := n.tokenize(params)
	activations, err := n.engine.Embed(tokens)
	if err != nil {
		return nil, err
	}
	out, handle, err := n.engine.Forward(activations, engine.KVStateHandle(n.resumeHandle(params)))
	if err != nil {
		return nil, err
	}
	tokenID, tokenText, isStop, err := n.engine.Sample(out, params.Temperature, params.TopP)
	if err != nil {
		return nil, err
	}
	n.rememberHandle(params.RequestID, handle)
	return &task.ExecuteResult{
		KVStateHandle: string(handle),
		TokenID:       tokenID,
		TokenText:     tokenText,
		IsStop:        isStop,
	}, nil
}

// tokenize deterministically maps a prompt (t=0) or a continuation token
// id (t>0) to the []int32 Embed expects. A real entry shard's tokenizer
// is out of scope (spec §1); this reuses the teacher's FNV hashing idiom
// (previously applied to consistent-hash shard assignment) as a
// deterministic, dependency-free word-to-id map.
func (n *Node) tokenize(params task.ExecuteParams) []int32 {
	if params.InputTokenID != nil {
		return []int32{*params.InputTokenID}
	}
	words := strings.Fields(params.Prompt)
	if len(words) == 0 {
		return []int32{0}
	}
	tokens := make([]int32, len(words))
	for i, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		tokens[i] = int32(h.Sum32() % 50000)
	}
	return tokens
}

func (n *Node) resumeHandle(params task.ExecuteParams) string {
	if params.KVStateHandle != "" {
		return params.KVStateHandle
	}
	n.kvMu.Lock()
	defer n.kvMu.Unlock()
	if e, ok := n.kv[params.RequestID]; ok {
		return string(e.handle)
	}
	return ""
}

func (n *Node) rememberHandle(requestID string, handle engine.KVStateHandle) {
	n.kvMu.Lock()
	defer n.kvMu.Unlock()
	n.kv[requestID] = kvEntry{handle: handle, lastUsed: time.Now()}
}

// GCKVState removes kv_state_handle entries idle past KVIdleTimeout
// (spec §5: "garbage-collected after an inactivity window").
func (n *Node) GCKVState() {
	idle := n.cfg.KVIdleTimeout
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	cutoff := time.Now().Add(-idle)

	n.kvMu.Lock()
	expired := make([]string, 0)
	for id, e := range n.kv {
		if e.lastUsed.Before(cutoff) {
			delete(n.kv, id)
			expired = append(expired, id)
		}
	}
	n.kvMu.Unlock()

	if len(expired) == 0 {
		return
	}
	n.writeMu.Lock()
	for _, id := range expired {
		delete(n.writeLock, id)
	}
	n.writeMu.Unlock()
}

func (n *Node) admit() bool {
	for {
		cur := atomic.LoadInt64(&n.activeRequests)
		if int(cur) >= n.cfg.MaxConcurrent {
			return false
		}
		if atomic.CompareAndSwapInt64(&n.activeRequests, cur, cur+1) {
			return true
		}
	}
}

func (n *Node) release() {
	atomic.AddInt64(&n.activeRequests, -1)
}

// lockRequest serializes calls for the same request_id (spec §4.4, §5:
// "single-writer per request_id"), returning an unlock func.
func (n *Node) lockRequest(requestID string) func() {
	n.writeMu.Lock()
	lock, ok := n.writeLock[requestID]
	if !ok {
		lock = &sync.Mutex{}
		n.writeLock[requestID] = lock
	}
	n.writeMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func toPayload(a engine.Activations) *task.ActivationPayload {
	return &task.ActivationPayload{Data: a.Data, Shape: a.Shape}
}

func fromPayload(p *task.ActivationPayload) engine.Activations {
	return engine.Activations{Data: p.Data, Shape: p.Shape}
}
