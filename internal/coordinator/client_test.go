package coordinator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dreamware/shardmesh/internal/codec"
	"github.com/dreamware/shardmesh/internal/task"
)

// fakeShardClient answers EXECUTE_TASK calls deterministically per
// shard_id/role so strategy and full-pipeline tests can run without a
// live libp2p network.
type fakeShardClient struct {
	mu    sync.Mutex
	calls []string
	// rejectFirstN, when > 0 for a peer_id, makes the first N calls to a given peer_id
	// return a codec.StatusError response to exercise the retry path.
	rejectFirstN map[string]int
}

func newFakeShardClient() *fakeShardClient {
	return &fakeShardClient{rejectFirstN: make(map[string]int)}
}

func (f *fakeShardClient) Send(ctx context.Context, target ShardTarget, command string, params any) (*codec.CommandResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target.PeerID)
	if n := f.rejectFirstN[target.PeerID]; n > 0 {
		f.rejectFirstN[target.PeerID] = n - 1
		f.mu.Unlock()
		return &codec.CommandResponse{Command: command, Status: codec.StatusError, Error: "max_concurrent exceeded"}, nil
	}
	f.mu.Unlock()

	raw, _ := json.Marshal(params)
	var p task.ExecuteParams
	_ = json.Unmarshal(raw, &p)

	result := task.ExecuteResult{LatencyMS: 1}
	switch p.Role {
	case task.RoleEntry:
		result.Activations = &task.ActivationPayload{Data: []float32{1, 2, 3}, Shape: [2]int{1, 3}}
		result.KVStateHandle = "kv-" + target.PeerID
	case task.RoleMiddle:
		result.Activations = p.Activations
		result.KVStateHandle = "kv-" + target.PeerID
	case task.RoleExit:
		result.TokenID = int32(p.Position)
		result.TokenText = "tok"
		result.IsStop = p.Position+1 >= p.MaxTokens
		result.KVStateHandle = "kv-" + target.PeerID
	case task.RoleFull:
		result.TokenID = int32(p.Position)
		result.TokenText = "tok"
		result.IsStop = p.Position+1 >= p.MaxTokens
		result.KVStateHandle = "kv-" + target.PeerID
	}

	resultRaw, _ := json.Marshal(result)
	return &codec.CommandResponse{Command: command, Status: codec.StatusSuccess, Result: resultRaw}, nil
}
